// Package pyramid maps the native resolution levels a backend exposes onto a
// dense sequence of power-of-two downsample levels and tracks the per-tile
// cache state of each level.
package pyramid

import (
	"errors"
	"fmt"
	"math"
)

// BytesPerPixel is the size of one decoded BGRA pixel.
const BytesPerPixel = 4

var (
	// ErrTooManyLevels means the canonical level count exceeds the configured
	// per-image maximum. It is a configuration error, not a bad-input error.
	ErrTooManyLevels = errors.New("pyramid level count exceeds maximum")
	// ErrNoLevels means the backend exposed no usable native level.
	ErrNoLevels = errors.New("image has no pyramid levels")
)

// NativeLevel is one resolution level as the backing format exposes it.
type NativeLevel struct {
	Width            int64
	Height           int64
	WidthInTiles     int
	HeightInTiles    int
	TileCount        int
	TileWidth        int
	TileHeight       int
	DownsampleLevel  int
	DownsampleFactor float64
	UMPerPixelX      float64
	UMPerPixelY      float64
	TileSideUMX      float64
	TileSideUMY      float64
}

// RoundDownsampleLevel returns the power-of-two exponent nearest to a raw
// downsample factor.
func RoundDownsampleLevel(factor float64) int {
	if factor <= 1 {
		return 0
	}
	return int(math.Round(math.Log2(factor)))
}

// NewNativeLevel derives tile grid and micron scale for a level of
// width x height pixels cut into tileWidth x tileHeight tiles. The raw
// downsample factor is rounded to the nearest power of two.
func NewNativeLevel(width, height int64, tileWidth, tileHeight int, rawDownsample, mppX, mppY float64) NativeLevel {
	l := NativeLevel{
		Width:           width,
		Height:          height,
		TileWidth:       tileWidth,
		TileHeight:      tileHeight,
		DownsampleLevel: RoundDownsampleLevel(rawDownsample),
	}
	if tileWidth > 0 {
		l.WidthInTiles = int(ceilDiv(width, int64(tileWidth)))
	}
	if tileHeight > 0 {
		l.HeightInTiles = int(ceilDiv(height, int64(tileHeight)))
	}
	l.TileCount = l.WidthInTiles * l.HeightInTiles
	l.DownsampleFactor = math.Exp2(float64(l.DownsampleLevel))
	l.UMPerPixelX = l.DownsampleFactor * mppX
	l.UMPerPixelY = l.DownsampleFactor * mppY
	l.TileSideUMX = l.UMPerPixelX * float64(tileWidth)
	l.TileSideUMY = l.UMPerPixelY * float64(tileHeight)
	return l
}

// Geometry is the backend-independent description of an opened image.
type Geometry struct {
	WidthPixels  int64
	HeightPixels int64
	MPPX         float64
	MPPY         float64
	MPPKnown     bool
	TileWidth    int
	TileHeight   int
	Levels       []NativeLevel
}

// WidthUM returns the physical image width in microns.
func (g Geometry) WidthUM() float64 { return float64(g.WidthPixels) * g.MPPX }

// HeightUM returns the physical image height in microns.
func (g Geometry) HeightUM() float64 { return float64(g.HeightPixels) * g.MPPY }

// MaxDownsampleLevel returns the highest rounded downsample exponent among
// the native levels.
func (g Geometry) MaxDownsampleLevel() int {
	m := 0
	for _, l := range g.Levels {
		m = max(m, l.DownsampleLevel)
	}
	return m
}

// LevelImage is one canonical pyramid level. A level without a backing native
// level carries placeholder geometry only and has no tiles.
type LevelImage struct {
	Exists           bool
	NativeIndex      int
	DownsampleFactor float64
	TileCount        int
	WidthInTiles     int
	HeightInTiles    int
	TileWidth        int
	TileHeight       int
	UMPerPixelX      float64
	UMPerPixelY      float64
	TileSideUMX      float64
	TileSideUMY      float64
	Tiles            []Tile
}

// Build reconciles the native levels of g into a dense canonical sequence
// 0..max downsample level. Native levels are consumed in ascending order and
// each at most once: for every canonical level the scan starts after the last
// matched native level and the first native level with an equal downsample
// exponent wins. Canonical levels without a match get placeholder geometry
// scaled from level 0.
func Build(g Geometry, maxLevels int) ([]LevelImage, error) {
	if len(g.Levels) == 0 {
		return nil, ErrNoLevels
	}
	count := g.MaxDownsampleLevel() + 1
	if maxLevels > 0 && count > maxLevels {
		return nil, fmt.Errorf("%w: %d levels, maximum %d", ErrTooManyLevels, count, maxLevels)
	}

	levels := make([]LevelImage, count)
	next := 0
	for d := range levels {
		lvl := &levels[d]
		match := -1
		for i := next; i < len(g.Levels); i++ {
			if g.Levels[i].DownsampleLevel == d {
				match = i
				next = i + 1
				break
			}
		}

		if match >= 0 {
			n := g.Levels[match]
			lvl.Exists = true
			lvl.NativeIndex = match
			lvl.DownsampleFactor = n.DownsampleFactor
			lvl.TileCount = n.TileCount
			lvl.WidthInTiles = n.WidthInTiles
			lvl.HeightInTiles = n.HeightInTiles
			lvl.TileWidth = n.TileWidth
			lvl.TileHeight = n.TileHeight
			lvl.UMPerPixelX = n.UMPerPixelX
			lvl.UMPerPixelY = n.UMPerPixelY
			lvl.TileSideUMX = n.TileSideUMX
			lvl.TileSideUMY = n.TileSideUMY
			lvl.Tiles = newTiles(n.TileCount, n.WidthInTiles)
			continue
		}

		factor := math.Exp2(float64(d))
		lvl.NativeIndex = -1
		lvl.DownsampleFactor = factor
		lvl.TileWidth = g.TileWidth
		lvl.TileHeight = g.TileHeight
		lvl.UMPerPixelX = g.MPPX * factor
		lvl.UMPerPixelY = g.MPPY * factor
		lvl.TileSideUMX = lvl.UMPerPixelX * float64(lvl.TileWidth)
		lvl.TileSideUMY = lvl.UMPerPixelY * float64(lvl.TileHeight)
		if g.TileWidth > 0 && g.TileHeight > 0 {
			w := ceilDiv(g.WidthPixels, int64(factor))
			h := ceilDiv(g.HeightPixels, int64(factor))
			lvl.WidthInTiles = int(ceilDiv(w, int64(g.TileWidth)))
			lvl.HeightInTiles = int(ceilDiv(h, int64(g.TileHeight)))
			lvl.TileCount = lvl.WidthInTiles * lvl.HeightInTiles
		}
	}
	return levels, nil
}

func newTiles(count, widthInTiles int) []Tile {
	tiles := make([]Tile, count)
	for i := range tiles {
		tiles[i].Index = i
		tiles[i].X = i % widthInTiles
		tiles[i].Y = i / widthInTiles
	}
	return tiles
}

// Contains reports whether (tileX, tileY) lies inside the tile grid.
func (l *LevelImage) Contains(tileX, tileY int) bool {
	return tileX >= 0 && tileY >= 0 && tileX < l.WidthInTiles && tileY < l.HeightInTiles
}

// TileIndex returns the row-major index of (tileX, tileY).
func (l *LevelImage) TileIndex(tileX, tileY int) int {
	return tileY*l.WidthInTiles + tileX
}

// TileCoords returns the tile coordinates of a row-major index.
func (l *LevelImage) TileCoords(index int) (tileX, tileY int) {
	if l.WidthInTiles == 0 {
		return 0, 0
	}
	return index % l.WidthInTiles, index / l.WidthInTiles
}

// Tile returns the cache entry at index, or nil for placeholder levels and
// out-of-range indices.
func (l *LevelImage) Tile(index int) *Tile {
	if index < 0 || index >= len(l.Tiles) {
		return nil
	}
	return &l.Tiles[index]
}

// TileRange converts a world rectangle in microns to the half-open range of
// tile coordinates it touches, clamped to the grid. ok is false when the
// rectangle misses the grid entirely.
func (l *LevelImage) TileRange(minX, minY, maxX, maxY float64) (x0, y0, x1, y1 int, ok bool) {
	if l.TileSideUMX <= 0 || l.TileSideUMY <= 0 || maxX <= minX || maxY <= minY {
		return 0, 0, 0, 0, false
	}
	x0 = max(0, int(math.Floor(minX/l.TileSideUMX)))
	y0 = max(0, int(math.Floor(minY/l.TileSideUMY)))
	x1 = min(l.WidthInTiles, int(math.Ceil(maxX/l.TileSideUMX)))
	y1 = min(l.HeightInTiles, int(math.Ceil(maxY/l.TileSideUMY)))
	if x0 >= x1 || y0 >= y1 {
		return 0, 0, 0, 0, false
	}
	return x0, y0, x1, y1, true
}

// TileBytes returns the size of one decoded tile of this level.
func (l *LevelImage) TileBytes() int {
	return l.TileWidth * l.TileHeight * BytesPerPixel
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
