package slide

// TileDecoder decodes one tile of a tiled level directly into dst, which
// holds TileWidth*TileHeight BGRA pixels. scratch is the calling thread's
// private memory and may be used for compressed input.
type TileDecoder interface {
	DecodeTile(dst []byte, nativeLevel, tileIndex int, scratch []byte) error
}

// RegionReader reads a w x h BGRA region at native level nativeLevel. x and y
// are level-0 pixel coordinates of the top-left corner.
type RegionReader interface {
	ReadRegion(dst []byte, x, y int64, nativeLevel, w, h int) error
}

// BGRATileDecoder decodes one frame of a level into a freshly allocated BGRA
// buffer.
type BGRATileDecoder interface {
	DecodeTileBGRA(nativeLevel, tileIndex int) ([]byte, error)
}

// WholeImage is implemented by backends that decode the entire image when it
// is opened. Their tiles are copied out once instead of being decoded.
type WholeImage interface {
	CopyTile(dst []byte, tileX, tileY, tileW, tileH int) bool
}
