// Package zarrslide is a whole-slide library for multiscale Zarr v3 stores.
// Each scale is an [H, W, 4] uint8 array of BGRA (or RGBA) pixels whose
// chunks are optionally zstd-compressed.
package zarrslide

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/slide-tiles/server/internal/backend/wsi"
)

// DefaultChunkCacheEntries is the chunk cache size used when none is set.
const DefaultChunkCacheEntries = 256

var ErrNotInitialized = errors.New("zarr library not initialized")

// Library opens Zarr slide stores. Decompressed chunks are shared across
// slides in one LRU cache.
type Library struct {
	cacheEntries int

	initOnce sync.Once
	initErr  error
	decoder  *zstd.Decoder
	chunks   *lru.Cache[string, []byte]
}

// New creates a library with a chunk cache of cacheEntries chunks.
func New(cacheEntries int) *Library {
	if cacheEntries <= 0 {
		cacheEntries = DefaultChunkCacheEntries
	}
	return &Library{cacheEntries: cacheEntries}
}

// Name returns "zarr".
func (l *Library) Name() string { return "zarr" }

// Init creates the shared decoder and chunk cache. Later calls return the
// first result.
func (l *Library) Init() error {
	l.initOnce.Do(func() {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			l.initErr = fmt.Errorf("failed to create zstd decoder: %w", err)
			return
		}
		chunks, err := lru.New[string, []byte](l.cacheEntries)
		if err != nil {
			decoder.Close()
			l.initErr = fmt.Errorf("failed to create chunk cache: %w", err)
			return
		}
		l.decoder = decoder
		l.chunks = chunks
	})
	return l.initErr
}

// CachedChunks returns the number of chunks held in the cache.
func (l *Library) CachedChunks() int {
	if l.chunks == nil {
		return 0
	}
	return l.chunks.Len()
}

// Close releases the decoder.
func (l *Library) Close() {
	if l.decoder != nil {
		l.decoder.Close()
	}
}

type level struct {
	path       string
	meta       *arrayMeta
	width      int64
	height     int64
	chunkW     int
	chunkH     int
	downsample float64
	fill       byte
}

// Slide is an opened Zarr slide store.
type Slide struct {
	lib    *Library
	path   string
	levels []level
	props  map[string]string
	rgba   bool
}

var _ wsi.Slide = (*Slide)(nil)

// Open reads the group and array metadata of the store at path.
func (l *Library) Open(path string) (wsi.Slide, error) {
	if l.decoder == nil || l.chunks == nil {
		return nil, ErrNotInitialized
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a zarr store", path)
	}
	group, err := loadGroupMeta(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load group metadata: %w", err)
	}
	if len(group.Attributes.Multiscales) == 0 || len(group.Attributes.Multiscales[0].Datasets) == 0 {
		return nil, fmt.Errorf("%s has no multiscale datasets", path)
	}

	s := &Slide{
		lib:   l,
		path:  filepath.Clean(path),
		props: group.Attributes.Properties,
		rgba:  strings.EqualFold(group.Attributes.ChannelOrder, "RGBA"),
	}
	for i, ds := range group.Attributes.Multiscales[0].Datasets {
		arrayPath := filepath.Join(path, ds.Path)
		meta, err := loadArrayMeta(arrayPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load level %d metadata: %w", i, err)
		}
		if err := meta.validate(); err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		fill, err := meta.fillByte()
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		s.levels = append(s.levels, level{
			path:   arrayPath,
			meta:   meta,
			width:  int64(meta.Shape[1]),
			height: int64(meta.Shape[0]),
			chunkW: meta.ChunkGrid.Configuration.ChunkShape[1],
			chunkH: meta.ChunkGrid.Configuration.ChunkShape[0],
			fill:   fill,
		})
	}
	base := s.levels[0]
	for i := range s.levels {
		lv := &s.levels[i]
		dx := float64(base.width) / float64(lv.width)
		dy := float64(base.height) / float64(lv.height)
		lv.downsample = (dx + dy) / 2
	}
	return s, nil
}

func (s *Slide) LevelCount() int { return len(s.levels) }

func (s *Slide) Level0Dimensions() (int64, int64) {
	return s.levels[0].width, s.levels[0].height
}

func (s *Slide) LevelDimensions(level int) (int64, int64) {
	if level < 0 || level >= len(s.levels) {
		return -1, -1
	}
	return s.levels[level].width, s.levels[level].height
}

func (s *Slide) LevelDownsample(level int) float64 {
	if level < 0 || level >= len(s.levels) {
		return -1
	}
	return s.levels[level].downsample
}

func (s *Slide) PropertyValue(name string) (string, bool) {
	v, ok := s.props[name]
	return v, ok
}

// ReadRegion copies a w x h region of level into dst. Pixels outside the
// level are transparent black.
func (s *Slide) ReadRegion(dst []byte, x, y int64, level, w, h int) error {
	if level < 0 || level >= len(s.levels) {
		return fmt.Errorf("invalid level: %d", level)
	}
	if w <= 0 || h <= 0 || len(dst) < w*h*4 {
		return fmt.Errorf("destination holds %d bytes, region needs %d", len(dst), w*h*4)
	}
	lv := &s.levels[level]
	lx := int64(math.Floor(float64(x) / lv.downsample))
	ly := int64(math.Floor(float64(y) / lv.downsample))

	clear(dst[:w*h*4])
	x0, x1 := max(lx, 0), min(lx+int64(w), lv.width)
	y0, y1 := max(ly, 0), min(ly+int64(h), lv.height)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	cw, ch := int64(lv.chunkW), int64(lv.chunkH)
	for cy := y0 / ch; cy*ch < y1; cy++ {
		for cx := x0 / cw; cx*cw < x1; cx++ {
			chunk, pitch, err := s.chunk(level, int(cy), int(cx))
			if err != nil {
				return fmt.Errorf("failed to load chunk %d/%d: %w", cy, cx, err)
			}
			gx0, gx1 := max(x0, cx*cw), min(x1, (cx+1)*cw)
			gy0, gy1 := max(y0, cy*ch), min(y1, (cy+1)*ch)
			n := int((gx1 - gx0) * 4)
			for gy := gy0; gy < gy1; gy++ {
				src := int(((gy-cy*ch)*int64(pitch) + (gx0 - cx*cw)) * 4)
				off := int(((gy-ly)*int64(w) + (gx0 - lx)) * 4)
				copy(dst[off:off+n], chunk[src:src+n])
				if s.rgba {
					swapRB(dst[off : off+n])
				}
			}
		}
	}
	return nil
}

// chunk returns a decompressed chunk and its row pitch in pixels.
func (s *Slide) chunk(level, cy, cx int) ([]byte, int, error) {
	lv := &s.levels[level]
	key := s.cacheKey(level, cy, cx)
	data, ok := s.lib.chunks.Get(key)
	if !ok {
		var err error
		data, err = s.readChunk(lv, []int{cy, cx, 0})
		if err != nil {
			return nil, 0, err
		}
		s.lib.chunks.Add(key, data)
	}

	if len(data) == lv.chunkW*lv.chunkH*4 {
		return data, lv.chunkW, nil
	}
	// Truncated edge chunk.
	shape, err := lv.meta.chunkShapeAt([]int{cy, cx, 0})
	if err != nil {
		return nil, 0, err
	}
	if len(data) < product(shape) {
		return nil, 0, fmt.Errorf("chunk %d/%d too short: got %d bytes, expected %d", cy, cx, len(data), product(shape))
	}
	return data, shape[1], nil
}

func (s *Slide) readChunk(lv *level, chunkIndices []int) ([]byte, error) {
	chunkPath := filepath.Join(lv.path, "c", filepath.FromSlash(lv.meta.chunkKey(chunkIndices)))
	raw, err := os.ReadFile(chunkPath)
	if os.IsNotExist(err) {
		// Absent chunks hold the fill value.
		out := make([]byte, lv.chunkW*lv.chunkH*4)
		if lv.fill != 0 {
			for i := range out {
				out[i] = lv.fill
			}
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if !lv.meta.compressed() {
		return raw, nil
	}
	data, err := s.lib.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return data, nil
}

func (s *Slide) cacheKey(level, cy, cx int) string {
	return fmt.Sprintf("%s|%d|%d/%d", s.path, level, cy, cx)
}

// Close evicts the slide's chunks from the shared cache.
func (s *Slide) Close() error {
	prefix := s.path + "|"
	for _, key := range s.lib.chunks.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lib.chunks.Remove(key)
		}
	}
	return nil
}

func swapRB(px []byte) {
	for i := 0; i+3 < len(px); i += 4 {
		px[i], px[i+2] = px[i+2], px[i]
	}
}
