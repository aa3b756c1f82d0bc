package cache

import (
	"bytes"
	"testing"
	"time"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestTileKey(t *testing.T) {
	if got := (Key{ResourceID: 3, Level: 1, Index: 42}).String(); got != "tile:3/1/42" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEvict_OldestFirstSkipsPinned(t *testing.T) {
	m := newManager(t, Config{MaxResidentTiles: 2})

	keys := []Key{{1, 0, 0}, {1, 0, 1}, {1, 0, 2}, {1, 0, 3}}
	for _, k := range keys {
		m.Touch(k)
	}
	// Using tile 1 makes tile 2 the second oldest.
	m.Touch(keys[1])

	pinned := map[Key]bool{keys[0]: true}
	var released []Key
	n := m.Evict(func(k Key) bool { return pinned[k] }, func(k Key) []byte {
		released = append(released, k)
		return nil
	})

	if n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	want := []Key{keys[2], keys[3]}
	for i := range want {
		if released[i] != want[i] {
			t.Fatalf("evicted %v, want %v", released, want)
		}
	}
	if m.Resident() != 2 {
		t.Errorf("expected 2 resident tiles, got %d", m.Resident())
	}
}

func TestTouch_TracksPastLimitUntilEvict(t *testing.T) {
	m := newManager(t, Config{MaxResidentTiles: 2})
	for i := 0; i < 4; i++ {
		m.Touch(Key{1, 0, i})
	}
	// Touch never drops keys on its own; only Evict applies the limit.
	if m.Resident() != 4 {
		t.Fatalf("expected 4 tracked tiles before eviction, got %d", m.Resident())
	}

	var released []Key
	n := m.Evict(nil, func(k Key) []byte {
		released = append(released, k)
		return nil
	})
	if n != 2 || len(released) != 2 || m.Resident() != 2 {
		t.Fatalf("expected 2 evictions down to 2 resident, got n=%d released=%v resident=%d", n, released, m.Resident())
	}
	if released[0] != (Key{1, 0, 0}) || released[1] != (Key{1, 0, 1}) {
		t.Errorf("expected the two oldest tiles, got %v", released)
	}
	if st := m.Stats(); st.Evictions != 2 {
		t.Errorf("expected 2 evictions in stats, got %d", st.Evictions)
	}
}

func TestEvict_PinnedKeySurvivesLaterTouches(t *testing.T) {
	m := newManager(t, Config{MaxResidentTiles: 1})
	pinnedKey := Key{1, 0, 0}
	m.Touch(pinnedKey)
	for i := 1; i <= 5; i++ {
		m.Touch(Key{1, 0, i})
		m.Evict(func(k Key) bool { return k == pinnedKey }, func(k Key) []byte {
			if k == pinnedKey {
				t.Fatal("pinned tile released")
			}
			return nil
		})
	}
	// Each unpinned newcomer is the only eviction candidate.
	keys := m.resident.Keys()
	if len(keys) != 1 || keys[0] != pinnedKey {
		t.Errorf("expected only the pinned tile to stay tracked, got %v", keys)
	}
	if st := m.Stats(); st.Evictions != 5 {
		t.Errorf("expected 5 evictions, got %d", st.Evictions)
	}
}

func TestEvict_AllPinnedStaysOverLimit(t *testing.T) {
	m := newManager(t, Config{MaxResidentTiles: 1})
	m.Touch(Key{1, 0, 0})
	m.Touch(Key{1, 0, 1})

	n := m.Evict(func(Key) bool { return true }, func(Key) []byte {
		t.Fatal("pinned tile released")
		return nil
	})
	if n != 0 || m.Resident() != 2 {
		t.Errorf("pinned tiles must stay resident: n=%d resident=%d", n, m.Resident())
	}
}

func TestEvict_Unlimited(t *testing.T) {
	m := newManager(t, Config{})
	for i := 0; i < 100; i++ {
		m.Touch(Key{1, 0, i})
	}
	if n := m.Evict(nil, func(Key) []byte { return nil }); n != 0 {
		t.Errorf("expected no evictions without a limit, got %d", n)
	}
}

func TestSpillRestore(t *testing.T) {
	m := newManager(t, Config{MaxResidentTiles: 1, SpillSizeMB: 8, SpillTTL: time.Minute, SpillShards: 8})

	pixels := bytes.Repeat([]byte{1, 2, 3, 255}, 64*64)
	k := Key{ResourceID: 5, Level: 2, Index: 9}
	m.Touch(k)
	m.Touch(Key{5, 2, 10})
	m.Evict(nil, func(victim Key) []byte {
		if victim != k {
			t.Fatalf("unexpected victim %v", victim)
		}
		return pixels
	})

	if _, ok := m.Restore(k, len(pixels)+1); ok {
		t.Fatal("restore with wrong size should fail")
	}
	// The failed restore consumed the entry.
	if _, ok := m.Restore(k, len(pixels)); ok {
		t.Fatal("entry should be gone after a restore attempt")
	}

	m.Spill(k, pixels)
	got, ok := m.Restore(k, len(pixels))
	if !ok || !bytes.Equal(got, pixels) {
		t.Fatal("restored pixels differ")
	}
	st := m.Stats()
	if st.Spilled != 2 || st.Restored != 1 || st.Evictions != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDropImage(t *testing.T) {
	m := newManager(t, Config{SpillSizeMB: 8, SpillShards: 8})
	pixels := make([]byte, 1024)
	m.Spill(Key{1, 0, 0}, pixels)
	m.Spill(Key{2, 0, 0}, pixels)
	m.Touch(Key{1, 0, 1})
	m.Touch(Key{2, 0, 1})

	m.DropImage(1)

	if m.Resident() != 1 {
		t.Errorf("expected 1 resident tile, got %d", m.Resident())
	}
	if _, ok := m.Restore(Key{1, 0, 0}, len(pixels)); ok {
		t.Error("spilled tile of dropped image restored")
	}
	if _, ok := m.Restore(Key{2, 0, 0}, len(pixels)); !ok {
		t.Error("spilled tile of other image lost")
	}
}

func TestNoSpill(t *testing.T) {
	m := newManager(t, Config{MaxResidentTiles: 4})
	m.Spill(Key{1, 0, 0}, []byte{1})
	if _, ok := m.Restore(Key{1, 0, 0}, 1); ok {
		t.Error("restore without a spill cache")
	}
	if st := m.Stats(); st.SpillEntries != 0 || st.MaxResident != 4 {
		t.Errorf("unexpected stats %+v", st)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
