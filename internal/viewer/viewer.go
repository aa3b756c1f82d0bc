// Package viewer owns the opened images and the lifecycle of their tiles:
// tiles are requested, decoded on the worker threads, handed back as
// completions and installed, pinned, evicted or released on the consumer
// side.
package viewer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/slide-tiles/server/internal/backend/dicom"
	"github.com/slide-tiles/server/internal/backend/isyntax"
	"github.com/slide-tiles/server/internal/backend/raster"
	"github.com/slide-tiles/server/internal/backend/tiff"
	"github.com/slide-tiles/server/internal/backend/wsi"
	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/logging"
	"github.com/slide-tiles/server/internal/loader"
	"github.com/slide-tiles/server/internal/pyramid"
	"github.com/slide-tiles/server/internal/scheduler"
	"github.com/slide-tiles/server/internal/slide"
	"github.com/slide-tiles/server/internal/workqueue"
)

var (
	ErrUnknownImage   = errors.New("unknown image")
	ErrLevelNotBacked = errors.New("level has no native level")
	ErrTileOutOfRange = errors.New("tile out of range")
	ErrNotStreamable  = errors.New("image does not decode tiles on demand")
)

// GPUUploader receives decoded tiles that asked for GPU residency. Upload
// reports whether the tile is now resident on the GPU.
type GPUUploader interface {
	Upload(resourceID int64, level, tileIndex int, pixels []byte, width, height int) bool
}

// Config contains viewer configuration.
type Config struct {
	MaxLevels   int // canonical levels per image, 0 for no limit
	WSITileSize int
	BuiltinTIFF bool // decode tiled TIFFs directly instead of through the WSI library
	Uploader    GPUUploader
	Logger      *slog.Logger
}

// Viewer is the tile engine front end. All tile state is guarded by mu; the
// worker threads only read immutable level geometry and never touch tiles.
type Viewer struct {
	cfg      Config
	sched    *scheduler.Scheduler
	cache    *cache.Manager
	backends *Backends
	wsiLib   wsi.Library
	complete func(*workqueue.Thread, scheduler.Completion)
	log      *slog.Logger

	mu       sync.RWMutex
	images   map[int64]*slide.Image
	inFlight map[cache.Key]struct{}
	failed   map[cache.Key]struct{}
	nextID   atomic.Int64

	stats counters
}

type counters struct {
	requested atomic.Uint64
	submitted atomic.Uint64
	rejected  atomic.Uint64
	restored  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	uploaded  atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a viewer on top of a running scheduler. b may be nil, in which
// case only the TIFF and simple raster backends are usable. c may be nil to
// disable eviction and spilling.
func New(cfg Config, s *scheduler.Scheduler, c *cache.Manager, b *Backends) *Viewer {
	if cfg.WSITileSize <= 0 {
		cfg.WSITileSize = wsi.DefaultTileSize
	}
	var lib wsi.Library
	if b != nil {
		lib = b.wsiLib
	}
	v := &Viewer{
		cfg:      cfg,
		sched:    s,
		cache:    c,
		backends: b,
		wsiLib:   lib,
		log:      logging.Component(cfg.Logger, "viewer"),
		images:   make(map[int64]*slide.Image),
		inFlight: make(map[cache.Key]struct{}),
		failed:   make(map[cache.Key]struct{}),
	}
	v.complete = loader.PostToCompletionQueue(s, v.completionDropped)
	return v
}

// Open detects the file type of path, opens it with the matching backend
// and registers the image.
func (v *Viewer) Open(path string) (*slide.Image, error) {
	kind, err := slide.DetectKind(path)
	if err != nil {
		return nil, err
	}
	if kind == slide.KindTIFF && !v.cfg.BuiltinTIFF {
		kind = slide.KindWSI
	}

	var img *slide.Image
	switch kind {
	case slide.KindTIFF:
		img, err = v.openTIFF(path)
	case slide.KindWSI:
		img, err = v.openWSI(path)
	case slide.KindDICOM:
		img, err = v.openDICOM(path)
	case slide.KindSimple:
		img, err = v.openRaster(path)
	case slide.KindISyntax:
		err = isyntax.Open(path)
	default:
		err = fmt.Errorf("%s: unknown image kind %s", path, kind)
	}
	if err != nil {
		v.log.Warn("failed to open image", "path", path, "kind", kind.String(), "error", err)
		return nil, err
	}
	v.Add(img)
	v.log.Info("image opened",
		"path", path,
		"kind", img.Kind.String(),
		"resource_id", img.ResourceID,
		"levels", len(img.Levels),
		"width", img.Geometry.WidthPixels,
		"height", img.Geometry.HeightPixels)
	return img, nil
}

func (v *Viewer) openTIFF(path string) (*slide.Image, error) {
	f, err := tiff.Open(path)
	if err != nil {
		return nil, err
	}
	img, err := slide.NewImage(path, slide.KindTIFF, f.Geometry(), f, v.cfg.MaxLevels)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func (v *Viewer) openWSI(path string) (*slide.Image, error) {
	if err := v.await(slide.KindWSI); err != nil {
		return nil, err
	}
	s, err := wsi.Load(v.wsiLib, path, wsi.Options{TileSize: v.cfg.WSITileSize})
	if err != nil {
		return nil, err
	}
	img, err := slide.NewImage(path, slide.KindWSI, s.Geometry(), s, v.cfg.MaxLevels)
	if err != nil {
		s.Close()
		return nil, err
	}
	return img, nil
}

func (v *Viewer) openDICOM(path string) (*slide.Image, error) {
	if err := v.await(slide.KindDICOM); err != nil {
		return nil, err
	}
	s, err := dicom.Open(path)
	if err != nil {
		return nil, err
	}
	img, err := slide.NewImage(path, slide.KindDICOM, s.Geometry(), s, v.cfg.MaxLevels)
	if err != nil {
		s.Close()
		return nil, err
	}
	return img, nil
}

// openRaster decodes a simple image whole and fills every level-0 tile up
// front. Those tiles are pinned: there is no decoder to bring them back.
func (v *Viewer) openRaster(path string) (*slide.Image, error) {
	r, err := raster.Open(path, v.cfg.WSITileSize)
	if err != nil {
		return nil, err
	}
	img, err := slide.NewImage(path, slide.KindSimple, r.Geometry(), r, v.cfg.MaxLevels)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := fillWholeImage(img, r); err != nil {
		img.Close()
		return nil, err
	}
	return img, nil
}

func fillWholeImage(img *slide.Image, src slide.WholeImage) error {
	lvl := img.Level(0)
	for i := range lvl.Tiles {
		t := &lvl.Tiles[i]
		buf := make([]byte, lvl.TileBytes())
		if !src.CopyTile(buf, t.X, t.Y, lvl.TileWidth, lvl.TileHeight) {
			return fmt.Errorf("failed to copy tile %d of %s: %w", i, img.Path, slide.ErrClosed)
		}
		t.Install(buf)
		t.Pin(true)
	}
	return nil
}

func (v *Viewer) await(k slide.Kind) error {
	if v.backends == nil {
		return fmt.Errorf("%s: %w", k, ErrBackendUnavailable)
	}
	return v.backends.Await(k)
}

// Add registers an opened image under the next resource id.
func (v *Viewer) Add(img *slide.Image) int64 {
	id := v.nextID.Add(1)
	img.ResourceID = id
	v.mu.Lock()
	v.images[id] = img
	v.mu.Unlock()
	return id
}

// Get returns the image with resource id id.
func (v *Viewer) Get(id int64) (*slide.Image, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	img, ok := v.images[id]
	return img, ok
}

// Images returns the open images in resource id order.
func (v *Viewer) Images() []*slide.Image {
	v.mu.RLock()
	out := make([]*slide.Image, 0, len(v.images))
	for _, img := range v.images {
		out = append(out, img)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Unload releases every tile of an image and closes it. Decodes still in
// flight finish first; their completions are discarded because the id is no
// longer registered.
func (v *Viewer) Unload(id int64) error {
	v.mu.Lock()
	img, ok := v.images[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("image %d: %w", id, ErrUnknownImage)
	}
	delete(v.images, id)
	released := pyramid.ReleaseAll(img.Levels)
	for k := range v.inFlight {
		if k.ResourceID == id {
			delete(v.inFlight, k)
		}
	}
	for k := range v.failed {
		if k.ResourceID == id {
			delete(v.failed, k)
		}
	}
	if v.cache != nil {
		v.cache.DropImage(id)
	}
	v.mu.Unlock()

	if err := img.Close(); err != nil {
		return err
	}
	v.log.Info("image unloaded", "resource_id", id, "path", img.Path, "released_tiles", released)
	return nil
}

// UnloadAll unloads every image and returns the first close error.
func (v *Viewer) UnloadAll() error {
	var first error
	for _, img := range v.Images() {
		if err := v.Unload(img.ResourceID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Backends returns the backend table.
func (v *Viewer) Backends() *Backends { return v.backends }

// Stats is a snapshot of viewer counters.
type Stats struct {
	Images    int    `json:"images"`
	InFlight  int    `json:"in_flight"`
	Failed    int    `json:"failed_tiles"`
	Requested uint64 `json:"requested"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Restored  uint64 `json:"restored"`
	Completed uint64 `json:"completed"`
	Failures  uint64 `json:"failures"`
	Discarded uint64 `json:"discarded"`
	Uploaded  uint64 `json:"uploaded"`
	Evicted   uint64 `json:"evicted"`
}

// Stats returns the current counters.
func (v *Viewer) Stats() Stats {
	v.mu.RLock()
	s := Stats{
		Images:   len(v.images),
		InFlight: len(v.inFlight),
		Failed:   len(v.failed),
	}
	v.mu.RUnlock()
	s.Requested = v.stats.requested.Load()
	s.Submitted = v.stats.submitted.Load()
	s.Rejected = v.stats.rejected.Load()
	s.Restored = v.stats.restored.Load()
	s.Completed = v.stats.completed.Load()
	s.Failures = v.stats.failed.Load()
	s.Discarded = v.stats.discarded.Load()
	s.Uploaded = v.stats.uploaded.Load()
	s.Evicted = v.stats.evicted.Load()
	return s
}
