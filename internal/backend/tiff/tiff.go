// Package tiff reads tiled pyramidal TIFF files (including BigTIFF) and
// decodes individual tiles to BGRA.
package tiff

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/slide-tiles/server/internal/pyramid"
)

var (
	ErrNotTIFF     = errors.New("not a TIFF file")
	ErrMalformed   = errors.New("malformed TIFF")
	ErrUnsupported = errors.New("unsupported TIFF layout")
	ErrNoTiles     = errors.New("TIFF has no tiled levels")
	ErrBadTile     = errors.New("tile out of range")
)

// defaultMPP is used when the file carries no usable resolution.
const defaultMPP = 1.0

var aperioMPP = regexp.MustCompile(`MPP\s*=\s*([0-9.]+)`)

// File is an opened tiled TIFF. Native levels are its tiled directories in
// order of decreasing width.
type File struct {
	path     string
	f        *os.File
	levels   []*directory
	geometry pyramid.Geometry
}

// Open parses the directory chain of path and keeps the file open for tile
// reads.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	t, err := newFile(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func newFile(path string, f *os.File) (*File, error) {
	rd := &ifdReader{r: f}
	dirs, err := rd.directories()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var levels []*directory
	for _, d := range dirs {
		if !d.tiled() {
			continue
		}
		if n := len(levels); n > 0 && d.width >= levels[n-1].width {
			continue
		}
		if err := checkLayout(d); err != nil {
			return nil, fmt.Errorf("%s: level %d: %w", path, len(levels), err)
		}
		levels = append(levels, d)
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoTiles)
	}

	t := &File{path: path, f: f, levels: levels}
	t.geometry = t.buildGeometry()
	return t, nil
}

func checkLayout(d *directory) error {
	if d.bitsPerSample != 8 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, d.bitsPerSample)
	}
	if d.planar != 1 {
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupported, d.planar)
	}
	switch d.samplesPerPixel {
	case 1, 3, 4:
	default:
		return fmt.Errorf("%w: %d samples per pixel", ErrUnsupported, d.samplesPerPixel)
	}
	switch d.compression {
	case compressionNone, compressionLZW, compressionJPEG, compressionDeflate, compressionAdobeDeflate:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, d.compression)
	}
	return nil
}

func (t *File) buildGeometry() pyramid.Geometry {
	base := t.levels[0]
	mppX, mppY, known := levelMPP(base)
	g := pyramid.Geometry{
		WidthPixels:  base.width,
		HeightPixels: base.height,
		MPPX:         mppX,
		MPPY:         mppY,
		MPPKnown:     known,
		TileWidth:    base.tileWidth,
		TileHeight:   base.tileHeight,
	}
	for _, d := range t.levels {
		downsample := float64(base.width) / float64(d.width)
		g.Levels = append(g.Levels, pyramid.NewNativeLevel(
			d.width, d.height, d.tileWidth, d.tileHeight, downsample, mppX, mppY))
	}
	return g
}

// levelMPP derives microns per pixel from the resolution tags, falling back
// to an Aperio-style "MPP = x" description.
func levelMPP(d *directory) (x, y float64, known bool) {
	var perUnit float64
	switch d.resolutionUnit {
	case 2:
		perUnit = 25400
	case 3:
		perUnit = 10000
	}
	if perUnit > 0 && d.xResolution > 0 && d.yResolution > 0 {
		return perUnit / d.xResolution, perUnit / d.yResolution, true
	}
	if m := aperioMPP.FindStringSubmatch(d.description); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v, v, true
		}
	}
	return defaultMPP, defaultMPP, false
}

// Geometry returns the native levels and physical scale of the file.
func (t *File) Geometry() pyramid.Geometry { return t.geometry }

// Path returns the file path.
func (t *File) Path() string { return t.path }

// Close closes the underlying file.
func (t *File) Close() error { return t.f.Close() }
