// Package wsi adapts whole-slide image libraries to the tile engine. A
// Library opens slides; Load turns an opened slide into native pyramid
// levels cut into fixed-size tiles that are read back as regions.
package wsi

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/slide-tiles/server/internal/pyramid"
)

const (
	// DefaultTileSize is the side of the tiles regions are read in.
	DefaultTileSize = 512
	// DefaultMaxLevels caps the native levels taken from a slide.
	DefaultMaxLevels = 16

	PropertyMPPX = "openslide.mpp-x"
	PropertyMPPY = "openslide.mpp-y"
)

var (
	ErrNoLevels       = errors.New("slide reports no levels")
	ErrLibraryMissing = errors.New("whole-slide library not available")
)

// Library opens slides of the formats it understands.
type Library interface {
	Name() string
	// Init prepares the library. It may be slow and is run once off the
	// consumer thread.
	Init() error
	Open(path string) (Slide, error)
}

// Slide is an opened whole-slide image.
type Slide interface {
	LevelCount() int
	Level0Dimensions() (width, height int64)
	LevelDimensions(level int) (width, height int64)
	LevelDownsample(level int) float64
	PropertyValue(name string) (string, bool)
	// ReadRegion fills dst with a w x h BGRA region of level. x and y are
	// level-0 coordinates of the top-left corner.
	ReadRegion(dst []byte, x, y int64, level, w, h int) error
	Close() error
}

// Options contains slide loading configuration.
type Options struct {
	TileSize  int
	MaxLevels int
}

func (o *Options) applyDefaults() {
	if o.TileSize <= 0 {
		o.TileSize = DefaultTileSize
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = DefaultMaxLevels
	}
}

// Image is a loaded slide with its native pyramid geometry.
type Image struct {
	Slide
	geometry pyramid.Geometry
}

// Geometry returns the native levels and physical scale of the slide.
func (img *Image) Geometry() pyramid.Geometry { return img.geometry }

// Load opens path with lib and derives the native levels.
func Load(lib Library, path string, opts Options) (*Image, error) {
	if lib == nil {
		return nil, ErrLibraryMissing
	}
	opts.applyDefaults()

	s, err := lib.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s with %s: %w", path, lib.Name(), err)
	}
	g, err := geometry(s, opts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return &Image{Slide: s, geometry: g}, nil
}

func geometry(s Slide, opts Options) (pyramid.Geometry, error) {
	count := s.LevelCount()
	if count <= 0 {
		return pyramid.Geometry{}, ErrNoLevels
	}
	if count > opts.MaxLevels {
		return pyramid.Geometry{}, fmt.Errorf("%w: slide has %d levels, maximum %d",
			pyramid.ErrTooManyLevels, count, opts.MaxLevels)
	}

	mppX, okX := floatProperty(s, PropertyMPPX)
	mppY, okY := floatProperty(s, PropertyMPPY)
	known := okX && okY
	if !known {
		mppX, mppY = 1, 1
	}

	w, h := s.Level0Dimensions()
	g := pyramid.Geometry{
		WidthPixels:  w,
		HeightPixels: h,
		MPPX:         mppX,
		MPPY:         mppY,
		MPPKnown:     known,
		TileWidth:    opts.TileSize,
		TileHeight:   opts.TileSize,
	}
	for i := 0; i < count; i++ {
		lw, lh := s.LevelDimensions(i)
		g.Levels = append(g.Levels, pyramid.NewNativeLevel(
			lw, lh, opts.TileSize, opts.TileSize, s.LevelDownsample(i), mppX, mppY))
	}
	return g, nil
}

func floatProperty(s Slide, name string) (float64, bool) {
	v, ok := s.PropertyValue(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}
