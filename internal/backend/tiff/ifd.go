package tiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagSamplesPerPixel  = 277
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagJPEGTables       = 347
)

const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeUndefined = 7
	typeLong8     = 16
	typeIFD8      = 18
)

var typeSizes = map[uint16]uint64{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
	16: 8, 17: 8, 18: 8,
}

const (
	maxDirectories = 256
	maxValueBytes  = 64 << 20
)

// entry is one decoded IFD field with its raw value bytes.
type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	value []byte
}

// directory is the subset of an IFD the tile decoder needs.
type directory struct {
	width           int64
	height          int64
	tileWidth       int
	tileHeight      int
	bitsPerSample   int
	samplesPerPixel int
	compression     int
	photometric     int
	predictor       int
	planar          int
	subfileType     uint64
	tileOffsets     []uint64
	tileByteCounts  []uint64
	jpegTables      []byte
	xResolution     float64
	yResolution     float64
	resolutionUnit  int
	description     string
}

func (d *directory) tiled() bool {
	return d.tileWidth > 0 && d.tileHeight > 0 && len(d.tileOffsets) > 0
}

// ifdReader walks the directory chain of a classic or BigTIFF file.
type ifdReader struct {
	r     io.ReaderAt
	order binary.ByteOrder
	big   bool
}

func (rd *ifdReader) header() (uint64, error) {
	var h [16]byte
	if _, err := rd.r.ReadAt(h[:8], 0); err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	switch string(h[:2]) {
	case "II":
		rd.order = binary.LittleEndian
	case "MM":
		rd.order = binary.BigEndian
	default:
		return 0, ErrNotTIFF
	}
	switch rd.order.Uint16(h[2:4]) {
	case 42:
		return uint64(rd.order.Uint32(h[4:8])), nil
	case 43:
		rd.big = true
		if rd.order.Uint16(h[4:6]) != 8 {
			return 0, ErrNotTIFF
		}
		if _, err := rd.r.ReadAt(h[8:16], 8); err != nil {
			return 0, fmt.Errorf("failed to read bigtiff header: %w", err)
		}
		return rd.order.Uint64(h[8:16]), nil
	}
	return 0, ErrNotTIFF
}

// directories returns every IFD in chain order.
func (rd *ifdReader) directories() ([]*directory, error) {
	off, err := rd.header()
	if err != nil {
		return nil, err
	}
	seen := map[uint64]bool{}
	var dirs []*directory
	for off != 0 {
		if seen[off] || len(dirs) >= maxDirectories {
			return nil, fmt.Errorf("%w: directory chain loops or is too long", ErrMalformed)
		}
		seen[off] = true

		entries, next, err := rd.readIFD(off)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD %d: %w", len(dirs), err)
		}
		d, err := rd.parse(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to parse IFD %d: %w", len(dirs), err)
		}
		dirs = append(dirs, d)
		off = next
	}
	return dirs, nil
}

func (rd *ifdReader) readIFD(off uint64) ([]entry, uint64, error) {
	countSize, entrySize, fieldSize := uint64(2), uint64(12), uint64(4)
	if rd.big {
		countSize, entrySize, fieldSize = 8, 20, 8
	}

	head := make([]byte, countSize)
	if _, err := rd.r.ReadAt(head, int64(off)); err != nil {
		return nil, 0, err
	}
	var n uint64
	if rd.big {
		n = rd.order.Uint64(head)
	} else {
		n = uint64(rd.order.Uint16(head))
	}
	if n == 0 || n > 4096 {
		return nil, 0, fmt.Errorf("%w: %d entries", ErrMalformed, n)
	}

	raw := make([]byte, n*entrySize+fieldSize)
	if _, err := rd.r.ReadAt(raw, int64(off+countSize)); err != nil {
		return nil, 0, err
	}

	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		b := raw[i*entrySize : (i+1)*entrySize]
		e := entry{
			tag: rd.order.Uint16(b[0:2]),
			typ: rd.order.Uint16(b[2:4]),
		}
		field := b[8:]
		if rd.big {
			e.count = rd.order.Uint64(b[4:12])
			field = b[12:]
		} else {
			e.count = uint64(rd.order.Uint32(b[4:8]))
		}

		size, ok := typeSizes[e.typ]
		if !ok {
			continue
		}
		total := size * e.count
		if total > maxValueBytes {
			return nil, 0, fmt.Errorf("%w: tag %d holds %d bytes", ErrMalformed, e.tag, total)
		}
		if total <= fieldSize {
			e.value = field[:total]
		} else {
			var at uint64
			if rd.big {
				at = rd.order.Uint64(field)
			} else {
				at = uint64(rd.order.Uint32(field))
			}
			e.value = make([]byte, total)
			if _, err := rd.r.ReadAt(e.value, int64(at)); err != nil {
				return nil, 0, fmt.Errorf("failed to read tag %d: %w", e.tag, err)
			}
		}
		entries = append(entries, e)
	}

	tail := raw[n*entrySize:]
	var next uint64
	if rd.big {
		next = rd.order.Uint64(tail)
	} else {
		next = uint64(rd.order.Uint32(tail))
	}
	return entries, next, nil
}

func (rd *ifdReader) uints(e entry) []uint64 {
	out := make([]uint64, 0, e.count)
	for i := uint64(0); i < e.count; i++ {
		switch e.typ {
		case typeByte, typeUndefined:
			out = append(out, uint64(e.value[i]))
		case typeShort:
			out = append(out, uint64(rd.order.Uint16(e.value[i*2:])))
		case typeLong:
			out = append(out, uint64(rd.order.Uint32(e.value[i*4:])))
		case typeLong8, typeIFD8:
			out = append(out, rd.order.Uint64(e.value[i*8:]))
		default:
			return nil
		}
	}
	return out
}

func (rd *ifdReader) uint(e entry) uint64 {
	if v := rd.uints(e); len(v) > 0 {
		return v[0]
	}
	return 0
}

func (rd *ifdReader) rational(e entry) float64 {
	if e.typ != typeRational || len(e.value) < 8 {
		return float64(rd.uint(e))
	}
	num := rd.order.Uint32(e.value[0:4])
	den := rd.order.Uint32(e.value[4:8])
	if den == 0 {
		return math.NaN()
	}
	return float64(num) / float64(den)
}

func (rd *ifdReader) parse(entries []entry) (*directory, error) {
	d := &directory{
		bitsPerSample:   1,
		samplesPerPixel: 1,
		compression:     compressionNone,
		planar:          1,
		predictor:       1,
		resolutionUnit:  2,
	}
	for _, e := range entries {
		switch e.tag {
		case tagNewSubfileType:
			d.subfileType = rd.uint(e)
		case tagImageWidth:
			d.width = int64(rd.uint(e))
		case tagImageLength:
			d.height = int64(rd.uint(e))
		case tagBitsPerSample:
			d.bitsPerSample = int(rd.uint(e))
		case tagCompression:
			d.compression = int(rd.uint(e))
		case tagPhotometric:
			d.photometric = int(rd.uint(e))
		case tagImageDescription:
			if e.typ == typeASCII {
				d.description = trimNUL(e.value)
			}
		case tagSamplesPerPixel:
			d.samplesPerPixel = int(rd.uint(e))
		case tagXResolution:
			d.xResolution = rd.rational(e)
		case tagYResolution:
			d.yResolution = rd.rational(e)
		case tagPlanarConfig:
			d.planar = int(rd.uint(e))
		case tagResolutionUnit:
			d.resolutionUnit = int(rd.uint(e))
		case tagPredictor:
			d.predictor = int(rd.uint(e))
		case tagTileWidth:
			d.tileWidth = int(rd.uint(e))
		case tagTileLength:
			d.tileHeight = int(rd.uint(e))
		case tagTileOffsets:
			d.tileOffsets = rd.uints(e)
		case tagTileByteCounts:
			d.tileByteCounts = rd.uints(e)
		case tagJPEGTables:
			d.jpegTables = append([]byte(nil), e.value...)
		}
	}
	if d.width <= 0 || d.height <= 0 {
		return nil, fmt.Errorf("%w: missing image dimensions", ErrMalformed)
	}
	if len(d.tileOffsets) != len(d.tileByteCounts) {
		return nil, fmt.Errorf("%w: %d tile offsets but %d byte counts", ErrMalformed, len(d.tileOffsets), len(d.tileByteCounts))
	}
	return d, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
