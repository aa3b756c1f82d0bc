package tiff

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/slide-tiles/server/internal/backend/bgra"
)

const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionJPEG         = 7
	compressionAdobeDeflate = 8
	compressionDeflate      = 32946
)

const (
	photometricWhiteIsZero = 0
	predictorHorizontal    = 2
)

// DecodeTile decodes tile tileIndex of native level nativeLevel into dst as
// BGRA. Compressed input is read into scratch when it fits.
func (t *File) DecodeTile(dst []byte, nativeLevel, tileIndex int, scratch []byte) error {
	if nativeLevel < 0 || nativeLevel >= len(t.levels) {
		return fmt.Errorf("%w: native level %d", ErrBadTile, nativeLevel)
	}
	d := t.levels[nativeLevel]
	if tileIndex < 0 || tileIndex >= len(d.tileOffsets) {
		return fmt.Errorf("%w: tile %d of %d", ErrBadTile, tileIndex, len(d.tileOffsets))
	}
	w, h := d.tileWidth, d.tileHeight
	if len(dst) < w*h*4 {
		return fmt.Errorf("destination holds %d bytes, tile needs %d", len(dst), w*h*4)
	}

	size := d.tileByteCounts[tileIndex]
	if size == 0 {
		return fmt.Errorf("%w: tile %d is empty", ErrMalformed, tileIndex)
	}
	if size > maxValueBytes {
		return fmt.Errorf("%w: tile %d holds %d bytes", ErrMalformed, tileIndex, size)
	}
	var src []byte
	if int(size) <= len(scratch) {
		src = scratch[:size]
	} else {
		src = make([]byte, size)
	}
	if _, err := t.f.ReadAt(src, int64(d.tileOffsets[tileIndex])); err != nil {
		return fmt.Errorf("failed to read tile %d: %w", tileIndex, err)
	}

	if d.compression == compressionJPEG {
		img, err := jpeg.Decode(bytes.NewReader(mergeJPEGTables(d.jpegTables, src)))
		if err != nil {
			return fmt.Errorf("failed to decode jpeg tile %d: %w", tileIndex, err)
		}
		bgra.FromImage(dst, img, w, h)
		return nil
	}

	raw, err := inflate(d.compression, src, w*h*d.samplesPerPixel)
	if err != nil {
		return fmt.Errorf("failed to decompress tile %d: %w", tileIndex, err)
	}
	if d.predictor == predictorHorizontal {
		undoHorizontalPredictor(raw, w, h, d.samplesPerPixel)
	}
	samplesToBGRA(dst, raw, w*h, d.samplesPerPixel, d.photometric)
	return nil
}

func inflate(compression int, src []byte, size int) ([]byte, error) {
	var r io.Reader
	switch compression {
	case compressionNone:
		if len(src) < size {
			return nil, fmt.Errorf("%w: raw tile has %d bytes, expected %d", ErrMalformed, len(src), size)
		}
		return src[:size], nil
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8)
		defer lr.Close()
		r = lr
	case compressionDeflate, compressionAdobeDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, compression)
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeJPEGTables splices the shared quantisation and Huffman tables in front
// of an abbreviated tile stream.
func mergeJPEGTables(tables, tile []byte) []byte {
	if len(tables) < 4 || len(tile) < 2 {
		return tile
	}
	merged := make([]byte, 0, len(tables)+len(tile))
	merged = append(merged, tables[:len(tables)-2]...) // drop EOI
	return append(merged, tile[2:]...)                 // drop SOI
}

func undoHorizontalPredictor(raw []byte, w, h, spp int) {
	pitch := w * spp
	for y := 0; y < h; y++ {
		row := raw[y*pitch : (y+1)*pitch]
		for x := spp; x < pitch; x++ {
			row[x] += row[x-spp]
		}
	}
}

func samplesToBGRA(dst, raw []byte, pixels, spp, photometric int) {
	for i := 0; i < pixels; i++ {
		o := dst[i*4 : i*4+4]
		s := raw[i*spp:]
		switch spp {
		case 1:
			v := s[0]
			if photometric == photometricWhiteIsZero {
				v = 255 - v
			}
			o[0], o[1], o[2], o[3] = v, v, v, 255
		case 3:
			o[0], o[1], o[2], o[3] = s[2], s[1], s[0], 255
		case 4:
			o[0], o[1], o[2], o[3] = s[2], s[1], s[0], s[3]
		}
	}
}
