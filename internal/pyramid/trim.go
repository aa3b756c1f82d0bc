package pyramid

// TrimEdgeTile zeroes the part of a decoded tile that lies beyond the image's
// physical extent, so edge tiles never show decoder garbage. The excess is
// measured in microns from the level's tile side and converted back to whole
// rows and columns. It returns the number of columns and rows cleared.
func TrimEdgeTile(pixels []byte, l *LevelImage, tileX, tileY int, imageWidthUM, imageHeightUM float64) (cols, rows int) {
	if l.TileSideUMX <= 0 || l.TileSideUMY <= 0 || len(pixels) < l.TileBytes() {
		return 0, 0
	}
	pitch := l.TileWidth * BytesPerPixel
	height := l.TileHeight

	excessY := float64(tileY+1)*l.TileSideUMY - imageHeightUM
	if excessY > 0 {
		rows = min(int(excessY/l.TileSideUMY*float64(l.TileHeight)), l.TileHeight)
		height = l.TileHeight - rows
		clear(pixels[height*pitch : l.TileHeight*pitch])
	}

	excessX := float64(tileX+1)*l.TileSideUMX - imageWidthUM
	if excessX > 0 {
		cols = min(int(excessX/l.TileSideUMX*float64(l.TileWidth)), l.TileWidth)
		width := l.TileWidth - cols
		for row := 0; row < height; row++ {
			start := row*pitch + width*BytesPerPixel
			clear(pixels[start : row*pitch+pitch])
		}
	}
	return cols, rows
}
