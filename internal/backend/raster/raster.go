// Package raster opens plain images (PNG, JPEG, GIF, BMP, stripped TIFF).
// They are decoded whole at open time and exposed as a single pyramid level.
package raster

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/slide-tiles/server/internal/backend/bgra"
	"github.com/slide-tiles/server/internal/pyramid"
)

// DefaultTileSize is the tile side the decoded image is cut into.
const DefaultTileSize = 512

// Image is a fully decoded raster image.
type Image struct {
	format   string
	width    int
	height   int
	geometry pyramid.Geometry

	mu     sync.RWMutex
	pixels []byte
}

// Open decodes path and cuts it into tileSize tiles.
func Open(path string, tileSize int) (*Image, error) {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%s: empty image", path)
	}

	r := &Image{
		format: format,
		width:  w,
		height: h,
		pixels: bgra.New(img, w, h),
	}
	r.geometry = pyramid.Geometry{
		WidthPixels:  int64(w),
		HeightPixels: int64(h),
		MPPX:         1,
		MPPY:         1,
		TileWidth:    tileSize,
		TileHeight:   tileSize,
		Levels: []pyramid.NativeLevel{
			pyramid.NewNativeLevel(int64(w), int64(h), tileSize, tileSize, 1, 1, 1),
		},
	}
	return r, nil
}

// Geometry returns the single native level.
func (r *Image) Geometry() pyramid.Geometry { return r.geometry }

// Format returns the name of the decoder that read the file.
func (r *Image) Format() string { return r.format }

// CopyTile copies the tileW x tileH tile at (tileX, tileY) into dst. Pixels
// past the image edge are zeroed. It returns false after Close.
func (r *Image) CopyTile(dst []byte, tileX, tileY, tileW, tileH int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pixels == nil {
		return false
	}
	clear(dst[:tileW*tileH*4])
	x0, y0 := tileX*tileW, tileY*tileH
	cols := min(tileW, r.width-x0)
	rows := min(tileH, r.height-y0)
	if cols <= 0 || rows <= 0 {
		return true
	}
	for y := 0; y < rows; y++ {
		src := ((y0+y)*r.width + x0) * 4
		copy(dst[y*tileW*4:y*tileW*4+cols*4], r.pixels[src:src+cols*4])
	}
	return true
}

// Close drops the decoded pixels.
func (r *Image) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pixels = nil
	return nil
}
