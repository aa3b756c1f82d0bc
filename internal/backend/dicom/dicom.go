// Package dicom reads DICOM whole-slide series: a directory of VL Whole
// Slide Microscopy instances, one per pyramid level, whose frames are the
// level's tiles in row-major order.
package dicom

import (
	"errors"
	"fmt"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/slide-tiles/server/internal/backend/bgra"
	"github.com/slide-tiles/server/internal/pyramid"
)

var (
	ErrNoInstances = errors.New("no whole-slide instances found")
	ErrBadTile     = errors.New("tile out of range")
	ErrClosed      = errors.New("series closed")
)

var (
	tagImagedVolumeWidth       = tag.Tag{Group: 0x0048, Element: 0x0001}
	tagImagedVolumeHeight      = tag.Tag{Group: 0x0048, Element: 0x0002}
	tagTotalPixelMatrixColumns = tag.Tag{Group: 0x0048, Element: 0x0006}
	tagTotalPixelMatrixRows    = tag.Tag{Group: 0x0048, Element: 0x0007}
)

// Probe checks that the tag dictionary is usable.
func Probe() error {
	if _, err := tag.Find(tag.PixelData); err != nil {
		return fmt.Errorf("dicom dictionary unavailable: %w", err)
	}
	return nil
}

// instance is one level of the series.
type instance struct {
	path       string
	width      int64
	height     int64
	tileWidth  int
	tileHeight int
	frames     int
	widthMM    float64
	heightMM   float64

	once   sync.Once
	pixels *dicom.PixelDataInfo
	err    error
}

// Series is an opened DICOM whole-slide image.
type Series struct {
	path     string
	levels   []*instance
	geometry pyramid.Geometry

	mu     sync.RWMutex
	closed bool
}

// Open reads the metadata of every instance under path, or of path itself
// when it is a single file. Pixel data is parsed per level on first use.
func Open(path string) (*Series, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}

	var instances []*instance
	var lastErr error
	for _, f := range files {
		inst, err := readInstance(f)
		if err != nil {
			lastErr = err
			continue
		}
		if inst != nil {
			instances = append(instances, inst)
		}
	}
	levels := selectLevels(instances)
	if len(levels) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, ErrNoInstances, lastErr)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrNoInstances)
	}
	return &Series{path: path, levels: levels, geometry: buildGeometry(levels)}, nil
}

// readInstance parses the metadata of one file. Label and overview images
// yield nil.
func readInstance(path string) (*instance, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, kind := range stringsOf(ds, tag.ImageType) {
		switch strings.ToUpper(kind) {
		case "LABEL", "OVERVIEW":
			return nil, nil
		}
	}

	inst := &instance{path: path}
	inst.tileWidth = firstInt(ds, tag.Columns)
	inst.tileHeight = firstInt(ds, tag.Rows)
	if inst.tileWidth <= 0 || inst.tileHeight <= 0 {
		return nil, fmt.Errorf("%s: missing rows/columns", path)
	}
	inst.width = int64(firstInt(ds, tagTotalPixelMatrixColumns))
	inst.height = int64(firstInt(ds, tagTotalPixelMatrixRows))
	if inst.width <= 0 || inst.height <= 0 {
		inst.width, inst.height = int64(inst.tileWidth), int64(inst.tileHeight)
	}
	inst.frames = 1
	if s := stringsOf(ds, tag.NumberOfFrames); len(s) > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(s[0])); err == nil && n > 0 {
			inst.frames = n
		}
	}
	inst.widthMM = firstFloat(ds, tagImagedVolumeWidth)
	inst.heightMM = firstFloat(ds, tagImagedVolumeHeight)
	return inst, nil
}

// selectLevels orders instances by decreasing width and drops repeated
// widths.
func selectLevels(instances []*instance) []*instance {
	sort.SliceStable(instances, func(i, j int) bool { return instances[i].width > instances[j].width })
	var levels []*instance
	for _, inst := range instances {
		if n := len(levels); n > 0 && inst.width == levels[n-1].width {
			continue
		}
		levels = append(levels, inst)
	}
	return levels
}

func buildGeometry(levels []*instance) pyramid.Geometry {
	base := levels[0]
	mppX, mppY, known := 1.0, 1.0, false
	if base.widthMM > 0 && base.heightMM > 0 {
		mppX = base.widthMM * 1000 / float64(base.width)
		mppY = base.heightMM * 1000 / float64(base.height)
		known = true
	}
	g := pyramid.Geometry{
		WidthPixels:  base.width,
		HeightPixels: base.height,
		MPPX:         mppX,
		MPPY:         mppY,
		MPPKnown:     known,
		TileWidth:    base.tileWidth,
		TileHeight:   base.tileHeight,
	}
	for _, inst := range levels {
		downsample := float64(base.width) / float64(inst.width)
		g.Levels = append(g.Levels, pyramid.NewNativeLevel(
			inst.width, inst.height, inst.tileWidth, inst.tileHeight, downsample, mppX, mppY))
	}
	return g
}

// Geometry returns the native levels and physical scale of the series.
func (s *Series) Geometry() pyramid.Geometry { return s.geometry }

// DecodeTileBGRA decodes frame tileIndex of level nativeLevel into a new
// BGRA buffer of the level's tile size.
func (s *Series) DecodeTileBGRA(nativeLevel, tileIndex int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if nativeLevel < 0 || nativeLevel >= len(s.levels) {
		return nil, fmt.Errorf("%w: native level %d", ErrBadTile, nativeLevel)
	}
	inst := s.levels[nativeLevel]
	pixels, err := inst.load()
	if err != nil {
		return nil, err
	}
	if tileIndex < 0 || tileIndex >= len(pixels.Frames) {
		return nil, fmt.Errorf("%w: frame %d of %d", ErrBadTile, tileIndex, len(pixels.Frames))
	}
	img, err := pixels.Frames[tileIndex].GetImage()
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", tileIndex, err)
	}
	return bgra.New(img, inst.tileWidth, inst.tileHeight), nil
}

func (inst *instance) load() (*dicom.PixelDataInfo, error) {
	inst.once.Do(func() {
		ds, err := dicom.ParseFile(inst.path, nil)
		if err != nil {
			inst.err = fmt.Errorf("failed to parse %s: %w", inst.path, err)
			return
		}
		e, err := ds.FindElementByTag(tag.PixelData)
		if err != nil {
			inst.err = fmt.Errorf("%s has no pixel data: %w", inst.path, err)
			return
		}
		info, ok := e.Value.GetValue().(dicom.PixelDataInfo)
		if !ok {
			inst.err = fmt.Errorf("%s: unexpected pixel data value", inst.path)
			return
		}
		inst.pixels = &info
	})
	return inst.pixels, inst.err
}

// Close drops parsed pixel data. Decodes after Close fail with ErrClosed.
func (s *Series) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, inst := range s.levels {
		inst.pixels = nil
	}
	return nil
}

func value(ds dicom.Dataset, t tag.Tag) interface{} {
	e, err := ds.FindElementByTag(t)
	if err != nil || e.Value == nil {
		return nil
	}
	return e.Value.GetValue()
}

func firstInt(ds dicom.Dataset, t tag.Tag) int {
	switch v := value(ds, t).(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			n, _ := strconv.Atoi(strings.TrimSpace(v[0]))
			return n
		}
	}
	return 0
}

func firstFloat(ds dicom.Dataset, t tag.Tag) float64 {
	switch v := value(ds, t).(type) {
	case []float64:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			f, _ := strconv.ParseFloat(strings.TrimSpace(v[0]), 64)
			return f
		}
	}
	return 0
}

func stringsOf(ds dicom.Dataset, t tag.Tag) []string {
	v, _ := value(ds, t).([]string)
	return v
}
