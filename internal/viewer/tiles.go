package viewer

import (
	"fmt"

	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/loader"
	"github.com/slide-tiles/server/internal/pyramid"
	"github.com/slide-tiles/server/internal/scheduler"
	"github.com/slide-tiles/server/internal/slide"
	"github.com/slide-tiles/server/internal/workqueue"
)

// TileState describes where a tile is in its lifecycle.
type TileState int

const (
	TileAbsent TileState = iota
	TilePending
	TileResident
	TileFailed
)

func (s TileState) String() string {
	switch s {
	case TilePending:
		return "pending"
	case TileResident:
		return "resident"
	case TileFailed:
		return "failed"
	default:
		return "absent"
	}
}

// TileView is a snapshot of one tile. Pixels is shared with the cache and
// must not be modified; the cache only ever replaces or drops it.
type TileView struct {
	Index       int
	Width       int
	Height      int
	State       TileState
	Pixels      []byte
	GPUResident bool
	Pinned      bool
}

// lookup resolves a tile under v.mu. Placeholder levels report
// ErrLevelNotBacked.
func (v *Viewer) lookup(id int64, level, tileX, tileY int) (*slide.Image, *pyramid.LevelImage, *pyramid.Tile, error) {
	img, ok := v.images[id]
	if !ok {
		return nil, nil, nil, fmt.Errorf("image %d: %w", id, ErrUnknownImage)
	}
	lvl := img.Level(level)
	if lvl == nil || !lvl.Exists {
		return img, lvl, nil, fmt.Errorf("image %d level %d: %w", id, level, ErrLevelNotBacked)
	}
	if !lvl.Contains(tileX, tileY) {
		return img, lvl, nil, fmt.Errorf("image %d level %d tile (%d, %d): %w", id, level, tileX, tileY, ErrTileOutOfRange)
	}
	return img, lvl, lvl.Tile(lvl.TileIndex(tileX, tileY)), nil
}

func (v *Viewer) tileByKey(k cache.Key) *pyramid.Tile {
	img, ok := v.images[k.ResourceID]
	if !ok {
		return nil
	}
	lvl := img.Level(k.Level)
	if lvl == nil {
		return nil
	}
	return lvl.Tile(k.Index)
}

// RequestTile makes sure a tile is resident or on its way. It does nothing
// when the tile is cached, already in flight, or failed earlier; a spilled
// copy is restored without decoding; otherwise a load task is submitted.
// Levels without a native level are rejected and nothing is submitted.
func (v *Viewer) RequestTile(id int64, level, tileX, tileY int) error {
	v.stats.requested.Add(1)

	v.mu.Lock()
	defer v.mu.Unlock()

	img, lvl, t, err := v.lookup(id, level, tileX, tileY)
	if err != nil {
		return err
	}
	k := cache.Key{ResourceID: id, Level: level, Index: t.Index}
	if t.IsCached {
		if v.cache != nil && !t.NeedKeepInCache {
			v.cache.Touch(k)
		}
		return nil
	}
	if _, ok := v.inFlight[k]; ok {
		return nil
	}
	if _, ok := v.failed[k]; ok {
		return nil
	}
	if !img.Kind.StreamsTiles() {
		return fmt.Errorf("image %d (%s): %w", id, img.Kind, ErrNotStreamable)
	}

	if v.cache != nil {
		if pixels, ok := v.cache.Restore(k, lvl.TileBytes()); ok {
			t.Install(pixels)
			v.cache.Touch(k)
			v.stats.restored.Add(1)
			v.evictLocked()
			return nil
		}
	}

	// Every in-flight tile owes one completion; admitting more than the
	// completion queue holds could strand a tile in flight.
	if len(v.inFlight) >= v.sched.CompletionCapacity() {
		v.stats.rejected.Add(1)
		return fmt.Errorf("%d tiles in flight: %w", len(v.inFlight), workqueue.ErrQueueFull)
	}

	err = loader.Submit(v.sched, loader.LoadTask{
		Image:      img,
		ResourceID: id,
		Level:      level,
		TileX:      tileX,
		TileY:      tileY,
		Complete:   v.complete,
	})
	if err != nil {
		v.stats.rejected.Add(1)
		return fmt.Errorf("failed to submit tile load: %w", err)
	}
	v.inFlight[k] = struct{}{}
	v.stats.submitted.Add(1)
	return nil
}

// RequestRegion requests every tile of level that intersects the world
// rectangle given in microns. It returns the number of tiles requested and
// stops at the first error.
func (v *Viewer) RequestRegion(id int64, level int, minX, minY, maxX, maxY float64) (int, error) {
	v.mu.RLock()
	img, ok := v.images[id]
	v.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("image %d: %w", id, ErrUnknownImage)
	}
	lvl := img.Level(level)
	if lvl == nil || !lvl.Exists {
		return 0, fmt.Errorf("image %d level %d: %w", id, level, ErrLevelNotBacked)
	}
	x0, y0, x1, y1, ok := lvl.TileRange(minX, minY, maxX, maxY)
	if !ok {
		return 0, nil
	}
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if err := v.RequestTile(id, level, x, y); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// DrainCompletions handles up to limit queued completions (all of them when
// limit <= 0) on the calling goroutine, then applies the cache limit. It
// returns the number handled.
func (v *Viewer) DrainCompletions(limit int) int {
	n := v.sched.DrainCompletions(limit, v.handleCompletion)
	if n > 0 {
		v.mu.Lock()
		v.evictLocked()
		v.mu.Unlock()
	}
	return n
}

// handleCompletion matches a completion to its tile by resource id, level
// and tile index only; arrival order does not matter.
func (v *Viewer) handleCompletion(c *scheduler.Completion) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k := cache.Key{ResourceID: c.ResourceID, Level: c.Level, Index: c.TileIndex}
	delete(v.inFlight, k)

	t := v.tileByKey(k)
	if t == nil {
		v.stats.discarded.Add(1)
		return
	}
	if c.Failed() {
		v.failed[k] = struct{}{}
		v.stats.failed.Add(1)
		v.log.Debug("tile decode failed", "resource_id", k.ResourceID, "level", k.Level, "tile_index", k.Index)
		return
	}

	pixels := c.Take()
	t.Install(pixels)
	t.IsGPUResident = false
	if c.WantGPUResidency && v.cfg.Uploader != nil {
		t.IsGPUResident = v.cfg.Uploader.Upload(k.ResourceID, k.Level, k.Index, pixels, c.TileWidth, c.TileHeight)
		if t.IsGPUResident {
			v.stats.uploaded.Add(1)
		}
	}
	if v.cache != nil && !t.NeedKeepInCache {
		v.cache.Touch(k)
	}
	v.stats.completed.Add(1)
}

// completionDropped runs on a worker thread when a completion did not fit
// in the completion queue. The tile is recorded as failed so it does not
// stay in flight.
func (v *Viewer) completionDropped(c scheduler.Completion, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k := cache.Key{ResourceID: c.ResourceID, Level: c.Level, Index: c.TileIndex}
	delete(v.inFlight, k)
	if v.tileByKey(k) == nil {
		v.stats.discarded.Add(1)
		return
	}
	v.failed[k] = struct{}{}
	v.stats.failed.Add(1)
	v.log.Warn("tile completion dropped", "resource_id", k.ResourceID, "level", k.Level, "tile_index", k.Index, "error", err)
}

func (v *Viewer) evictLocked() int {
	if v.cache == nil {
		return 0
	}
	pinned := func(k cache.Key) bool {
		t := v.tileByKey(k)
		return t != nil && t.NeedKeepInCache
	}
	release := func(k cache.Key) []byte {
		t := v.tileByKey(k)
		if t == nil {
			return nil
		}
		pixels := t.Pixels
		t.Release()
		t.IsGPUResident = false
		return pixels
	}
	n := v.cache.Evict(pinned, release)
	v.stats.evicted.Add(uint64(n))
	return n
}

// ReleaseTile drops a tile's pixels and pin and clears a recorded failure so
// the tile can be requested again. Releasing a tile that holds nothing is a
// no-op.
func (v *Viewer) ReleaseTile(id int64, level, tileX, tileY int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, _, t, err := v.lookup(id, level, tileX, tileY)
	if err != nil {
		return err
	}
	k := cache.Key{ResourceID: id, Level: level, Index: t.Index}
	delete(v.failed, k)
	if t.Release() && v.cache != nil {
		v.cache.Forget(k)
	}
	t.IsGPUResident = false
	return nil
}

// PinTile sets whether a tile must stay resident. Pinned tiles are never
// evicted; unpinning makes a resident tile eligible again.
func (v *Viewer) PinTile(id int64, level, tileX, tileY int, keep bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, _, t, err := v.lookup(id, level, tileX, tileY)
	if err != nil {
		return err
	}
	t.Pin(keep)
	if v.cache == nil || !t.IsCached {
		return nil
	}
	k := cache.Key{ResourceID: id, Level: level, Index: t.Index}
	if keep {
		v.cache.Forget(k)
	} else {
		v.cache.Touch(k)
		v.evictLocked()
	}
	return nil
}

// Tile returns a snapshot of a tile.
func (v *Viewer) Tile(id int64, level, tileX, tileY int) (TileView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, lvl, t, err := v.lookup(id, level, tileX, tileY)
	if err != nil {
		return TileView{}, err
	}
	view := TileView{
		Index:       t.Index,
		Width:       lvl.TileWidth,
		Height:      lvl.TileHeight,
		Pixels:      t.Pixels,
		GPUResident: t.IsGPUResident,
		Pinned:      t.NeedKeepInCache,
	}
	k := cache.Key{ResourceID: id, Level: level, Index: t.Index}
	switch {
	case t.IsCached:
		view.State = TileResident
	case v.isInFlight(k):
		view.State = TilePending
	case v.isFailed(k):
		view.State = TileFailed
	}
	return view, nil
}

func (v *Viewer) isInFlight(k cache.Key) bool {
	_, ok := v.inFlight[k]
	return ok
}

func (v *Viewer) isFailed(k cache.Key) bool {
	_, ok := v.failed[k]
	return ok
}
