package pyramid

// Tile is one cache unit of a level image. Index, X and Y repeat the tile's
// position so a *Tile can be passed around without its level.
//
// Pixels is non-nil exactly when IsCached is set. A tile with
// NeedKeepInCache set must not be evicted.
type Tile struct {
	Index int
	X     int
	Y     int

	Pixels          []byte
	IsCached        bool
	IsGPUResident   bool
	NeedKeepInCache bool
}

// Install stores a decoded buffer in the tile. A nil buffer leaves the tile
// uncached.
func (t *Tile) Install(pixels []byte) {
	t.Pixels = pixels
	t.IsCached = pixels != nil
}

// Release drops the cached pixels and the pin. Releasing a tile that holds
// no pixels does nothing and returns false.
func (t *Tile) Release() bool {
	if !t.IsCached && t.Pixels == nil {
		return false
	}
	t.Pixels = nil
	t.IsCached = false
	t.NeedKeepInCache = false
	return true
}

// Pin sets whether the tile must stay resident.
func (t *Tile) Pin(keep bool) { t.NeedKeepInCache = keep }

// ReleaseAll releases every tile of every level and returns how many held
// pixels.
func ReleaseAll(levels []LevelImage) int {
	n := 0
	for i := range levels {
		for j := range levels[i].Tiles {
			if levels[i].Tiles[j].Release() {
				n++
			}
			levels[i].Tiles[j].IsGPUResident = false
		}
	}
	return n
}
