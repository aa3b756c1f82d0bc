package raster

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func writeImage(t *testing.T, name string, w, h int, encode func(*os.File, image.Image) error) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{byte(x), byte(y), 9, 255})
		}
	}
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func encodePNG(f *os.File, img image.Image) error { return png.Encode(f, img) }

func encodeBMP(f *os.File, img image.Image) error { return bmp.Encode(f, img) }

func TestOpen_CutsTiles(t *testing.T) {
	r, err := Open(writeImage(t, "a.png", 40, 20, encodePNG), 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Format() != "png" {
		t.Errorf("format %q", r.Format())
	}
	g := r.Geometry()
	if len(g.Levels) != 1 || g.Levels[0].WidthInTiles != 3 || g.Levels[0].HeightInTiles != 2 {
		t.Fatalf("unexpected geometry %+v", g.Levels)
	}
	if g.MPPKnown {
		t.Error("raster images have no physical scale")
	}

	dst := make([]byte, 16*16*4)
	if !r.CopyTile(dst, 2, 1, 16, 16) {
		t.Fatal("CopyTile failed")
	}
	// (1,0) in tile (2,1) is pixel (33,16).
	o := (0*16 + 1) * 4
	if got := [4]byte{dst[o], dst[o+1], dst[o+2], dst[o+3]}; got != [4]byte{9, 16, 33, 255} {
		t.Errorf("pixel = %v", got)
	}
	// Column 8 of the last tile is past the 40 px edge.
	o = (0*16 + 8) * 4
	if dst[o+3] != 0 {
		t.Errorf("pixel past the edge is not cleared: %v", dst[o:o+4])
	}
	// Row 4 of the bottom tile is past the 20 px edge.
	o = (4*16 + 0) * 4
	if dst[o+3] != 0 {
		t.Errorf("row past the edge is not cleared: %v", dst[o:o+4])
	}
}

func TestOpen_BMP(t *testing.T) {
	r, err := Open(writeImage(t, "a.bmp", 8, 8, encodeBMP), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Geometry().TileWidth != DefaultTileSize {
		t.Errorf("expected default tile size, got %d", r.Geometry().TileWidth)
	}
	r.Close()
	if r.CopyTile(make([]byte, DefaultTileSize*DefaultTileSize*4), 0, 0, DefaultTileSize, DefaultTileSize) {
		t.Error("CopyTile after Close should fail")
	}
}

func TestOpen_NotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	os.WriteFile(path, []byte("nope"), 0o644)
	if _, err := Open(path, 16); err == nil {
		t.Fatal("expected decode error")
	}
}
