// Package cache decides which decoded tiles stay resident and keeps a
// compressed spill copy of the ones it evicts, so a revisited tile can be
// restored without going back to the slide.
package cache

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// Config contains cache configuration.
type Config struct {
	MaxResidentTiles int // 0 disables eviction
	SpillSizeMB      int // 0 disables the spill cache
	SpillTTL         time.Duration
	SpillShards      int
}

// Key identifies one tile across all open images.
type Key struct {
	ResourceID int64
	Level      int
	Index      int
}

func (k Key) String() string {
	return TileKey(k.ResourceID, k.Level, k.Index)
}

// TileKey generates the spill cache key for a tile.
func TileKey(resourceID int64, level, index int) string {
	return fmt.Sprintf("tile:%d/%d/%d", resourceID, level, index)
}

func imagePrefix(resourceID int64) string {
	return fmt.Sprintf("tile:%d/", resourceID)
}

// Manager tracks resident tiles in recency order and holds the spill cache.
// It is used from the consumer thread only, except for Stats.
type Manager struct {
	maxResident int
	resident    *lru.Cache[Key, struct{}]

	spill *bigcache.BigCache
	enc   *zstd.Encoder
	dec   *zstd.Decoder

	evictions atomic.Uint64
	spilled   atomic.Uint64
	restored  atomic.Uint64
	misses    atomic.Uint64

	closeOnce sync.Once
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	// The list itself is unbounded: golang-lru would silently drop the
	// oldest key on overflow. The limit is applied by Evict.
	resident, err := lru.New[Key, struct{}](math.MaxInt32)
	if err != nil {
		return nil, fmt.Errorf("failed to create resident tile list: %w", err)
	}
	m := &Manager{
		maxResident: max(cfg.MaxResidentTiles, 0),
		resident:    resident,
	}
	if cfg.SpillSizeMB <= 0 {
		return m, nil
	}

	if cfg.SpillTTL <= 0 {
		cfg.SpillTTL = 10 * time.Minute
	}
	if cfg.SpillShards <= 0 {
		cfg.SpillShards = 64
	}
	spillConfig := bigcache.Config{
		Shards:             cfg.SpillShards,
		LifeWindow:         cfg.SpillTTL,
		CleanWindow:        cfg.SpillTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.SpillSizeMB,
		Verbose:            false,
	}
	m.spill, err = bigcache.New(context.Background(), spillConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create spill cache: %w", err)
	}
	m.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		m.spill.Close()
		return nil, fmt.Errorf("failed to create spill encoder: %w", err)
	}
	m.dec, err = zstd.NewReader(nil)
	if err != nil {
		m.enc.Close()
		m.spill.Close()
		return nil, fmt.Errorf("failed to create spill decoder: %w", err)
	}
	return m, nil
}

// Touch marks k resident and most recently used.
func (m *Manager) Touch(k Key) {
	m.resident.Add(k, struct{}{})
}

// Forget drops k from the resident list without spilling it.
func (m *Manager) Forget(k Key) {
	m.resident.Remove(k)
}

// Resident returns the number of tracked resident tiles.
func (m *Manager) Resident() int { return m.resident.Len() }

// Evict brings the resident count back under the limit. Tiles are visited
// oldest first; pinned tiles are skipped and stay resident even when that
// leaves the count above the limit. release drops the pixels of a victim and
// returns them so they can be spilled. It returns the number of tiles
// evicted.
func (m *Manager) Evict(pinned func(Key) bool, release func(Key) []byte) int {
	if m.maxResident <= 0 {
		return 0
	}
	excess := m.resident.Len() - m.maxResident
	if excess <= 0 {
		return 0
	}
	n := 0
	for _, k := range m.resident.Keys() {
		if n == excess {
			break
		}
		if pinned != nil && pinned(k) {
			continue
		}
		m.resident.Remove(k)
		if pixels := release(k); pixels != nil {
			m.Spill(k, pixels)
		}
		n++
	}
	m.evictions.Add(uint64(n))
	return n
}

// Spill stores a compressed copy of pixels. Entries the spill cache cannot
// hold are dropped.
func (m *Manager) Spill(k Key, pixels []byte) {
	if m.spill == nil || len(pixels) == 0 {
		return
	}
	data := m.enc.EncodeAll(pixels, make([]byte, 0, len(pixels)/4))
	if err := m.spill.Set(k.String(), data); err != nil {
		return
	}
	m.spilled.Add(1)
}

// Restore returns the spilled pixels of k and removes them from the spill
// cache. size is the expected decoded length; entries of any other length
// are discarded.
func (m *Manager) Restore(k Key, size int) ([]byte, bool) {
	if m.spill == nil {
		return nil, false
	}
	key := k.String()
	data, err := m.spill.Get(key)
	if err != nil {
		m.misses.Add(1)
		return nil, false
	}
	_ = m.spill.Delete(key)
	pixels, err := m.dec.DecodeAll(data, make([]byte, 0, size))
	if err != nil || len(pixels) != size {
		m.misses.Add(1)
		return nil, false
	}
	m.restored.Add(1)
	return pixels, true
}

// DropImage forgets every resident and spilled tile of an image.
func (m *Manager) DropImage(resourceID int64) {
	for _, k := range m.resident.Keys() {
		if k.ResourceID == resourceID {
			m.resident.Remove(k)
		}
	}
	if m.spill == nil {
		return
	}
	prefix := imagePrefix(resourceID)
	var keys []string
	it := m.spill.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key(), prefix) {
			keys = append(keys, entry.Key())
		}
	}
	for _, key := range keys {
		_ = m.spill.Delete(key)
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Resident      int    `json:"resident_tiles"`
	MaxResident   int    `json:"max_resident_tiles"`
	Evictions     uint64 `json:"evictions"`
	Spilled       uint64 `json:"spilled"`
	Restored      uint64 `json:"restored"`
	SpillMisses   uint64 `json:"spill_misses"`
	SpillEntries  int    `json:"spill_entries"`
	SpillCapacity int    `json:"spill_capacity_bytes"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	s := Stats{
		Resident:    m.resident.Len(),
		MaxResident: m.maxResident,
		Evictions:   m.evictions.Load(),
		Spilled:     m.spilled.Load(),
		Restored:    m.restored.Load(),
		SpillMisses: m.misses.Load(),
	}
	if m.spill != nil {
		s.SpillEntries = m.spill.Len()
		s.SpillCapacity = m.spill.Capacity()
	}
	return s
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.resident.Purge()
		if m.spill == nil {
			return
		}
		m.enc.Close()
		m.dec.Close()
		err = m.spill.Close()
	})
	return err
}
