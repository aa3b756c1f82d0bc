// Package slide holds the handle of an opened slide: its backend, geometry
// and canonical pyramid.
package slide

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/slide-tiles/server/internal/pyramid"
)

// ErrClosed is returned for operations on an unloaded image.
var ErrClosed = errors.New("image closed")

// Kind tags the backend an image was opened with.
type Kind int

const (
	KindTIFF Kind = iota
	KindWSI
	KindDICOM
	KindISyntax
	KindSimple
)

var kindNames = [...]string{
	KindTIFF:    "tiff",
	KindWSI:     "wsi",
	KindDICOM:   "dicom",
	KindISyntax: "isyntax",
	KindSimple:  "simple",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds lists every backend kind.
func Kinds() []Kind {
	return []Kind{KindTIFF, KindWSI, KindDICOM, KindISyntax, KindSimple}
}

// StreamsTiles reports whether images of this kind decode tile by tile.
func (k Kind) StreamsTiles() bool {
	return k == KindTIFF || k == KindWSI || k == KindDICOM
}

// Image is one opened slide. ResourceID is assigned by the registry before
// the image is published and never changes afterwards.
type Image struct {
	ResourceID int64
	Path       string
	Kind       Kind
	Geometry   pyramid.Geometry
	Levels     []pyramid.LevelImage
	Source     io.Closer

	mu     sync.RWMutex
	closed bool
}

// NewImage builds the canonical pyramid for g and wraps the backend source.
// The source is not closed on error.
func NewImage(path string, kind Kind, g pyramid.Geometry, src io.Closer, maxLevels int) (*Image, error) {
	levels, err := pyramid.Build(g, maxLevels)
	if err != nil {
		return nil, fmt.Errorf("failed to build pyramid for %s: %w", path, err)
	}
	return &Image{
		Path:     path,
		Kind:     kind,
		Geometry: g,
		Levels:   levels,
		Source:   src,
	}, nil
}

// Level returns the canonical level, or nil when out of range.
func (img *Image) Level(level int) *pyramid.LevelImage {
	if level < 0 || level >= len(img.Levels) {
		return nil
	}
	return &img.Levels[level]
}

// WidthUM returns the physical width in microns.
func (img *Image) WidthUM() float64 { return img.Geometry.WidthUM() }

// HeightUM returns the physical height in microns.
func (img *Image) HeightUM() float64 { return img.Geometry.HeightUM() }

// BeginDecode acquires the decode guard. It returns false once the image is
// closed; otherwise the caller must call EndDecode.
func (img *Image) BeginDecode() bool {
	img.mu.RLock()
	if img.closed {
		img.mu.RUnlock()
		return false
	}
	return true
}

// EndDecode releases the guard taken by BeginDecode.
func (img *Image) EndDecode() { img.mu.RUnlock() }

// Closed reports whether Close has been called.
func (img *Image) Closed() bool {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.closed
}

// Close waits for in-flight decodes, then closes the backend source.
// Tiles must be released by the owner first.
func (img *Image) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return nil
	}
	img.closed = true
	if img.Source == nil {
		return nil
	}
	if err := img.Source.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", img.Path, err)
	}
	return nil
}
