package viewer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/pyramid"
	"github.com/slide-tiles/server/internal/scheduler"
)

// tiffLevel is one tiled RGB directory of a test pyramid.
type tiffLevel struct {
	width, height, tile int
}

// testPixel is the RGB content of pixel (x, y) in every level.
func testPixel(level, x, y int) [3]byte {
	return [3]byte{byte(x), byte(y), byte(level * 50)}
}

// writePyramidTIFF writes an uncompressed little-endian tiled TIFF with one
// directory per level. level numbers the directories for testPixel.
func writePyramidTIFF(t *testing.T, levels []tiffLevel) string {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian
	put16 := func(v uint16) { binary.Write(&buf, le, v) }
	put32 := func(v uint32) { binary.Write(&buf, le, v) }

	buf.WriteString("II")
	put16(42)
	next := buf.Len()
	put32(0)

	for li, l := range levels {
		across := (l.width + l.tile - 1) / l.tile
		down := (l.height + l.tile - 1) / l.tile
		var offsets, counts []uint32
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				offsets = append(offsets, uint32(buf.Len()))
				for y := 0; y < l.tile; y++ {
					for x := 0; x < l.tile; x++ {
						p := testPixel(li, tx*l.tile+x, ty*l.tile+y)
						buf.Write(p[:])
					}
				}
				counts = append(counts, uint32(l.tile*l.tile*3))
			}
		}
		offsetsAt := uint32(buf.Len())
		for _, o := range offsets {
			put32(o)
		}
		countsAt := uint32(buf.Len())
		for _, c := range counts {
			put32(c)
		}
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}

		ifdAt := uint32(buf.Len())
		le.PutUint32(buf.Bytes()[next:], ifdAt)
		type entry struct {
			tag, typ uint16
			count    uint32
			value    uint32
		}
		entries := []entry{
			{256, 4, 1, uint32(l.width)},
			{257, 4, 1, uint32(l.height)},
			{258, 3, 1, 8},
			{259, 3, 1, 1},
			{262, 3, 1, 2},
			{277, 3, 1, 3},
			{322, 3, 1, uint32(l.tile)},
			{323, 3, 1, uint32(l.tile)},
			{324, 4, uint32(len(offsets)), offsetsAt},
			{325, 4, uint32(len(counts)), countsAt},
		}
		if len(offsets) == 1 {
			entries[8].value = offsets[0]
			entries[9].value = counts[0]
		}
		put16(uint16(len(entries)))
		for _, e := range entries {
			put16(e.tag)
			put16(e.typ)
			put32(e.count)
			if e.typ == 3 {
				put16(uint16(e.value))
				put16(0)
			} else {
				put32(e.value)
			}
		}
		next = buf.Len()
		put32(0)
	}

	path := filepath.Join(t.TempDir(), "slide.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write tiff: %v", err)
	}
	return path
}

// missingLevelTIFF has natives at downsample 1, 2 and 8, so canonical level
// 2 has no backing directory.
func missingLevelTIFF(t *testing.T) string {
	return writePyramidTIFF(t, []tiffLevel{
		{256, 128, 32},
		{128, 64, 32},
		{32, 16, 32},
	})
}

func newTestScheduler(t *testing.T, threads int) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{
		Threads:              threads,
		QueueDepth:           256,
		CompletionQueueDepth: 256,
		ScratchSize:          64 * 1024,
		IdleWait:             5 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s
}

func newTestViewer(t *testing.T, cacheCfg *cache.Config) (*Viewer, *scheduler.Scheduler) {
	t.Helper()
	s := newTestScheduler(t, 4)
	var c *cache.Manager
	if cacheCfg != nil {
		var err error
		c, err = cache.NewManager(*cacheCfg)
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		t.Cleanup(func() { c.Close() })
	}
	v := New(Config{BuiltinTIFF: true}, s, c, nil)
	t.Cleanup(func() { v.UnloadAll() })
	return v, s
}

// drainUntil drains completions on the test goroutine until cond holds.
func drainUntil(t *testing.T, v *Viewer, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before timeout, stats %+v", v.Stats())
		}
		v.DrainCompletions(0)
		time.Sleep(time.Millisecond)
	}
}

func bgraAt(pixels []byte, tileWidth, x, y int) [4]byte {
	o := (y*tileWidth + x) * 4
	return [4]byte{pixels[o], pixels[o+1], pixels[o+2], pixels[o+3]}
}

func completionFor(id int64, level, index int, lvl *pyramid.LevelImage, fill byte) scheduler.Completion {
	return scheduler.Completion{
		ResourceID:       id,
		Level:            level,
		TileIndex:        index,
		TileWidth:        lvl.TileWidth,
		TileHeight:       lvl.TileHeight,
		Pixels:           bytes.Repeat([]byte{fill}, lvl.TileBytes()),
		WantGPUResidency: true,
	}
}
