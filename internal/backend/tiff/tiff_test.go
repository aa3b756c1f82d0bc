package tiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
)

type testLevel struct {
	width, height, tile int
}

type testEntry struct {
	tag, typ uint16
	count    uint32
	data     []byte
}

var le = binary.LittleEndian

func u16(v uint16) []byte {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func shortEntry(tag, v uint16) testEntry {
	return testEntry{tag, typeShort, 1, u16(v)}
}

func longEntry(tag uint16, v uint32) testEntry {
	return testEntry{tag, typeLong, 1, u32(v)}
}

func longsEntry(tag uint16, vs []uint32) testEntry {
	var b []byte
	for _, v := range vs {
		b = append(b, u32(v)...)
	}
	return testEntry{tag, typeLong, uint32(len(vs)), b}
}

func rationalEntry(tag uint16, num, den uint32) testEntry {
	return testEntry{tag, typeRational, 1, append(u32(num), u32(den)...)}
}

// pixelAt is the synthetic RGB content of every test level.
func pixelAt(level, x, y int) [3]byte {
	return [3]byte{byte(x), byte(y), byte(level * 100)}
}

type tiffBuilder struct {
	buf     bytes.Buffer
	lastPtr int
}

func newTIFFBuilder() *tiffBuilder {
	b := &tiffBuilder{}
	b.buf.WriteString("II")
	b.buf.Write(u16(42))
	b.lastPtr = b.buf.Len()
	b.buf.Write(u32(0))
	return b
}

func (b *tiffBuilder) align() {
	if b.buf.Len()%2 == 1 {
		b.buf.WriteByte(0)
	}
}

func (b *tiffBuilder) blob(data []byte) uint32 {
	b.align()
	off := uint32(b.buf.Len())
	b.buf.Write(data)
	return off
}

func (b *tiffBuilder) ifd(entries []testEntry) {
	for i := range entries {
		if len(entries[i].data) > 4 {
			entries[i].data = u32(b.blob(entries[i].data))
		}
	}
	b.align()
	off := uint32(b.buf.Len())
	le.PutUint32(b.buf.Bytes()[b.lastPtr:], off)

	b.buf.Write(u16(uint16(len(entries))))
	for _, e := range entries {
		b.buf.Write(u16(e.tag))
		b.buf.Write(u16(e.typ))
		b.buf.Write(u32(e.count))
		field := make([]byte, 4)
		copy(field, e.data)
		b.buf.Write(field)
	}
	b.lastPtr = b.buf.Len()
	b.buf.Write(u32(0))
}

func (b *tiffBuilder) tiledLevel(t *testing.T, level int, l testLevel, compression uint16, encode func([]byte) []byte) {
	t.Helper()
	across := (l.width + l.tile - 1) / l.tile
	down := (l.height + l.tile - 1) / l.tile
	var offsets, counts []uint32
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			raw := make([]byte, l.tile*l.tile*3)
			for y := 0; y < l.tile; y++ {
				for x := 0; x < l.tile; x++ {
					gx, gy := tx*l.tile+x, ty*l.tile+y
					if gx >= l.width || gy >= l.height {
						continue
					}
					p := pixelAt(level, gx, gy)
					copy(raw[(y*l.tile+x)*3:], p[:])
				}
			}
			data := encode(raw)
			offsets = append(offsets, b.blob(data))
			counts = append(counts, uint32(len(data)))
		}
	}
	b.ifd([]testEntry{
		longEntry(tagImageWidth, uint32(l.width)),
		longEntry(tagImageLength, uint32(l.height)),
		shortEntry(tagBitsPerSample, 8),
		shortEntry(tagCompression, compression),
		shortEntry(tagPhotometric, 2),
		shortEntry(tagSamplesPerPixel, 3),
		rationalEntry(tagXResolution, 20000, 1),
		rationalEntry(tagYResolution, 20000, 1),
		shortEntry(tagResolutionUnit, 3),
		shortEntry(tagTileWidth, uint16(l.tile)),
		shortEntry(tagTileLength, uint16(l.tile)),
		longsEntry(tagTileOffsets, offsets),
		longsEntry(tagTileByteCounts, counts),
	})
}

func (b *tiffBuilder) write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slide.tif")
	if err := os.WriteFile(path, b.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write tiff: %v", err)
	}
	return path
}

func identity(raw []byte) []byte { return raw }

func deflate(raw []byte) []byte {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	w.Write(raw)
	w.Close()
	return out.Bytes()
}

func pyramidTIFF(t *testing.T, compression uint16, encode func([]byte) []byte) string {
	t.Helper()
	b := newTIFFBuilder()
	b.tiledLevel(t, 0, testLevel{100, 60, 32}, compression, encode)
	b.tiledLevel(t, 1, testLevel{50, 30, 32}, compression, encode)
	return b.write(t)
}

func openTest(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpen_Geometry(t *testing.T) {
	f := openTest(t, pyramidTIFF(t, compressionNone, identity))
	g := f.Geometry()

	if g.WidthPixels != 100 || g.HeightPixels != 60 {
		t.Errorf("unexpected size %dx%d", g.WidthPixels, g.HeightPixels)
	}
	if !g.MPPKnown || g.MPPX != 0.5 || g.MPPY != 0.5 {
		t.Errorf("unexpected mpp %v/%v known=%v", g.MPPX, g.MPPY, g.MPPKnown)
	}
	if len(g.Levels) != 2 {
		t.Fatalf("expected 2 native levels, got %d", len(g.Levels))
	}
	if g.Levels[0].WidthInTiles != 4 || g.Levels[0].HeightInTiles != 2 {
		t.Errorf("level 0 grid %dx%d", g.Levels[0].WidthInTiles, g.Levels[0].HeightInTiles)
	}
	if g.Levels[1].DownsampleLevel != 1 || g.Levels[1].TileCount != 2 {
		t.Errorf("level 1: %+v", g.Levels[1])
	}
}

func checkTilePixel(t *testing.T, dst []byte, tile, x, y int, want [3]byte) {
	t.Helper()
	o := (y*tile + x) * 4
	got := [4]byte{dst[o], dst[o+1], dst[o+2], dst[o+3]}
	if got != [4]byte{want[2], want[1], want[0], 255} {
		t.Fatalf("pixel (%d,%d) = %v, want BGRA of %v", x, y, got, want)
	}
}

func TestDecodeTile(t *testing.T) {
	cases := []struct {
		name        string
		compression uint16
		encode      func([]byte) []byte
	}{
		{"none", compressionNone, identity},
		{"deflate", compressionAdobeDeflate, deflate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := openTest(t, pyramidTIFF(t, tc.compression, tc.encode))
			scratch := make([]byte, 64<<10)
			dst := make([]byte, 32*32*4)

			// Level 0, tile (1,1).
			if err := f.DecodeTile(dst, 0, 5, scratch); err != nil {
				t.Fatalf("DecodeTile: %v", err)
			}
			checkTilePixel(t, dst, 32, 0, 0, pixelAt(0, 32, 32))
			checkTilePixel(t, dst, 32, 7, 3, pixelAt(0, 39, 35))

			// Level 1, tile (1,0), decoded without scratch.
			if err := f.DecodeTile(dst, 1, 1, nil); err != nil {
				t.Fatalf("DecodeTile: %v", err)
			}
			checkTilePixel(t, dst, 32, 2, 4, pixelAt(1, 34, 4))
		})
	}
}

func TestDecodeTile_JPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{200, 40, 90, 255})
		}
	}
	var enc bytes.Buffer
	if err := jpeg.Encode(&enc, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	b := newTIFFBuilder()
	off := b.blob(enc.Bytes())
	b.ifd([]testEntry{
		longEntry(tagImageWidth, 16),
		longEntry(tagImageLength, 16),
		shortEntry(tagBitsPerSample, 8),
		shortEntry(tagCompression, compressionJPEG),
		shortEntry(tagPhotometric, 6),
		shortEntry(tagSamplesPerPixel, 3),
		shortEntry(tagTileWidth, 16),
		shortEntry(tagTileLength, 16),
		longEntry(tagTileOffsets, off),
		longEntry(tagTileByteCounts, uint32(enc.Len())),
	})
	f := openTest(t, b.write(t))
	if f.Geometry().MPPKnown {
		t.Error("file without resolution should not have known mpp")
	}

	dst := make([]byte, 16*16*4)
	if err := f.DecodeTile(dst, 0, 0, make([]byte, 4096)); err != nil {
		t.Fatalf("DecodeTile: %v", err)
	}
	near := func(got, want byte) bool { return int(got)-int(want) < 8 && int(want)-int(got) < 8 }
	o := (8*16 + 8) * 4
	if !near(dst[o], 90) || !near(dst[o+1], 40) || !near(dst[o+2], 200) || dst[o+3] != 255 {
		t.Errorf("unexpected BGRA %v", dst[o:o+4])
	}
}

func TestDecodeTile_OutOfRange(t *testing.T) {
	f := openTest(t, pyramidTIFF(t, compressionNone, identity))
	dst := make([]byte, 32*32*4)
	if err := f.DecodeTile(dst, 2, 0, nil); !errors.Is(err, ErrBadTile) {
		t.Errorf("expected ErrBadTile for level, got %v", err)
	}
	if err := f.DecodeTile(dst, 0, 8, nil); !errors.Is(err, ErrBadTile) {
		t.Errorf("expected ErrBadTile for tile, got %v", err)
	}
	if err := f.DecodeTile(dst[:10], 0, 0, nil); err == nil {
		t.Error("expected error for short destination")
	}
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()
	notTIFF := filepath.Join(dir, "a.tif")
	os.WriteFile(notTIFF, []byte("PNG not a tiff"), 0o644)
	if _, err := Open(notTIFF); !errors.Is(err, ErrNotTIFF) {
		t.Errorf("expected ErrNotTIFF, got %v", err)
	}

	b := newTIFFBuilder()
	b.ifd([]testEntry{longEntry(tagImageWidth, 10), longEntry(tagImageLength, 10)})
	if _, err := Open(b.write(t)); !errors.Is(err, ErrNoTiles) {
		t.Errorf("expected ErrNoTiles, got %v", err)
	}
}

func TestLevelMPP_AperioDescription(t *testing.T) {
	d := &directory{resolutionUnit: 1, description: "Aperio Image|AppMag = 40|MPP = 0.2497|"}
	x, y, known := levelMPP(d)
	if !known || x != 0.2497 || y != 0.2497 {
		t.Errorf("got %v/%v known=%v", x, y, known)
	}
}
