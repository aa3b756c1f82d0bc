// Package loader runs tile decodes on worker threads. A LoadTask is
// submitted to the scheduler's work queue; Run decodes the tile with the
// image's backend and hands the pixels on through the task's Complete
// callback.
package loader

import (
	"fmt"

	"github.com/slide-tiles/server/internal/pyramid"
	"github.com/slide-tiles/server/internal/scheduler"
	"github.com/slide-tiles/server/internal/slide"
	"github.com/slide-tiles/server/internal/workqueue"
)

// LoadTask requests one tile. It is copied into the work queue by value.
type LoadTask struct {
	Image      *slide.Image
	ResourceID int64
	Level      int
	TileX      int
	TileY      int
	Complete   func(th *workqueue.Thread, c scheduler.Completion)
}

// Submit enqueues t on s.
func Submit(s *scheduler.Scheduler, t LoadTask) error {
	return s.Submit(Run, t)
}

// PostToCompletionQueue returns a Complete callback that forwards the
// completion to the scheduler's completion queue. A completion that does
// not fit loses its pixels and is passed to dropped, if set, so the owner
// can stop waiting for it.
func PostToCompletionQueue(s *scheduler.Scheduler, dropped func(scheduler.Completion, error)) func(*workqueue.Thread, scheduler.Completion) {
	return func(_ *workqueue.Thread, c scheduler.Completion) {
		if err := s.PostCompletion(c); err != nil && dropped != nil {
			c.Pixels = nil
			dropped(c, err)
		}
	}
}

// Run is the work queue callback for LoadTask. Loading a level that has no
// backing native level, or dispatching to a backend that does not stream
// tiles, is a programming error and panics.
func Run(th *workqueue.Thread, data any) {
	t, ok := data.(LoadTask)
	if !ok {
		panic(fmt.Sprintf("loader: unexpected task data %T", data))
	}
	img := t.Image
	lvl := img.Level(t.Level)
	if lvl == nil || !lvl.Exists {
		panic(fmt.Sprintf("loader: level %d of %s has no native level", t.Level, img.Path))
	}
	if lvl.TileSideUMX <= 0 || lvl.TileSideUMY <= 0 {
		panic(fmt.Sprintf("loader: level %d of %s has no physical tile size", t.Level, img.Path))
	}
	if t.Complete == nil {
		panic("loader: task has no completion callback")
	}
	tileIndex := lvl.TileIndex(t.TileX, t.TileY)

	pixels := decode(th, img, lvl, t.Level, t.TileX, t.TileY, tileIndex)

	c := scheduler.Completion{
		ResourceID:       t.ResourceID,
		Level:            t.Level,
		TileIndex:        tileIndex,
		TileWidth:        lvl.TileWidth,
		TileHeight:       lvl.TileHeight,
		Pixels:           pixels,
		WantGPUResidency: true,
	}
	t.Complete(th, c)
}

// decode returns the BGRA pixels of one tile, or nil on failure.
func decode(th *workqueue.Thread, img *slide.Image, lvl *pyramid.LevelImage, level, tileX, tileY, tileIndex int) []byte {
	if !img.BeginDecode() {
		return nil
	}
	defer img.EndDecode()

	buf := make([]byte, lvl.TileBytes())
	for i := range buf {
		buf[i] = 0xFF
	}

	var scratch []byte
	if th != nil {
		scratch = th.Scratch
	}

	switch img.Kind {
	case slide.KindTIFF:
		d, ok := img.Source.(slide.TileDecoder)
		if !ok {
			return nil
		}
		if err := d.DecodeTile(buf, lvl.NativeIndex, tileIndex, scratch); err != nil {
			return nil
		}
		pyramid.TrimEdgeTile(buf, lvl, tileX, tileY, img.WidthUM(), img.HeightUM())
		return buf

	case slide.KindWSI:
		r, ok := img.Source.(slide.RegionReader)
		if !ok {
			return nil
		}
		x := int64(tileX*lvl.TileWidth) << level
		y := int64(tileY*lvl.TileHeight) << level
		if err := r.ReadRegion(buf, x, y, lvl.NativeIndex, lvl.TileWidth, lvl.TileHeight); err != nil {
			return nil
		}
		pyramid.TrimEdgeTile(buf, lvl, tileX, tileY, img.WidthUM(), img.HeightUM())
		return buf

	case slide.KindDICOM:
		d, ok := img.Source.(slide.BGRATileDecoder)
		if !ok {
			return nil
		}
		pixels, err := d.DecodeTileBGRA(lvl.NativeIndex, tileIndex)
		if err != nil || len(pixels) < lvl.TileBytes() {
			return nil
		}
		return pixels

	case slide.KindISyntax, slide.KindSimple:
		panic(fmt.Sprintf("loader: %s images do not decode tiles on demand", img.Kind))

	default:
		return nil
	}
}
