// Package render encodes decoded BGRA tiles as PNG and draws placeholder
// tiles for tiles that are not resident yet, failed to decode, or belong to
// a level with no native backing.
package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/slide-tiles/server/pkg/colormap"
)

// ErrShortBuffer is returned when the pixel buffer is smaller than the tile.
var ErrShortBuffer = errors.New("pixel buffer shorter than tile")

// Placeholder selects how a non-resident tile is drawn.
type Placeholder int

const (
	// Pending tiles are being decoded.
	Pending Placeholder = iota
	// Failed tiles could not be decoded.
	Failed
	// Missing tiles belong to a level without a native level.
	Missing
)

// Config contains renderer configuration.
type Config struct {
	TileSize int
}

// TileRenderer encodes tiles to PNG.
type TileRenderer struct {
	config     Config
	imagePool  sync.Pool
	bufferPool sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 512
	}
	return &TileRenderer{
		config: cfg,
		imagePool: sync.Pool{
			New: func() interface{} {
				return image.NewNRGBA(image.Rect(0, 0, cfg.TileSize, cfg.TileSize))
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// EncodeTile encodes a w x h BGRA tile as PNG.
func (r *TileRenderer) EncodeTile(pixels []byte, w, h int) ([]byte, error) {
	if len(pixels) < w*h*4 {
		return nil, ErrShortBuffer
	}
	img := r.getImage(w, h)
	defer r.putImage(img)

	src := pixels[:w*h*4]
	dst := img.Pix
	for i := 0; i < len(src); i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
	return r.encode(img)
}

// RenderPlaceholder draws a w x h tile for a tile that has no pixels. The
// fill is tinted by level so zoom transitions stay visible.
func (r *TileRenderer) RenderPlaceholder(kind Placeholder, level, levels, w, h int) ([]byte, error) {
	dc := gg.NewContext(w, h)
	fw, fh := float64(w), float64(h)

	if kind == Missing {
		dc.SetColor(color.Transparent)
		dc.Clear()
		return r.encode(dc.Image())
	}

	t := 0.0
	if levels > 1 {
		t = float64(level) / float64(levels-1)
	}
	tint := colormap.Viridis.At(t)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetColor(withAlpha(tint, 48))
	dc.DrawRectangle(0, 0, fw, fh)
	dc.Fill()

	dc.SetLineWidth(2)
	switch kind {
	case Pending:
		dc.SetColor(withAlpha(tint, 96))
		step := fw / 8
		for x := -fh; x < fw; x += step {
			dc.DrawLine(x, fh, x+fh, 0)
		}
		dc.Stroke()
	case Failed:
		dc.SetRGB(0.8, 0.1, 0.1)
		dc.DrawLine(0, 0, fw, fh)
		dc.DrawLine(fw, 0, 0, fh)
		dc.Stroke()
	}
	return r.encode(dc.Image())
}

// CreateEmptyTile creates an empty transparent tile.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	return r.encode(img)
}

func (r *TileRenderer) getImage(w, h int) *image.NRGBA {
	if w != r.config.TileSize || h != r.config.TileSize {
		return image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	return r.imagePool.Get().(*image.NRGBA)
}

func (r *TileRenderer) putImage(img *image.NRGBA) {
	b := img.Bounds()
	if b.Dx() == r.config.TileSize && b.Dy() == r.config.TileSize {
		r.imagePool.Put(img)
	}
}

func (r *TileRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func withAlpha(c color.Color, a uint8) color.NRGBA {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	n.A = a
	return n
}
