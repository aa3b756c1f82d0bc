// Package bgra converts decoded images to the engine's 32-bit BGRA layout.
package bgra

import (
	"image"
	"image/color"
)

// FromImage copies the top-left w x h pixels of img into dst, which holds
// w*h*4 bytes. Pixels outside img are left untouched.
func FromImage(dst []byte, img image.Image, w, h int) {
	b := img.Bounds()
	cw, ch := min(w, b.Dx()), min(h, b.Dy())
	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < ch; y++ {
			for x := 0; x < cw; x++ {
				yi := src.YOffset(b.Min.X+x, b.Min.Y+y)
				ci := src.COffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				o := (y*w + x) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = bl, g, r, 255
			}
		}
	case *image.Gray:
		for y := 0; y < ch; y++ {
			for x := 0; x < cw; x++ {
				v := src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]
				o := (y*w + x) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = v, v, v, 255
			}
		}
	case *image.NRGBA:
		for y := 0; y < ch; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < cw; x++ {
				s := row[x*4 : x*4+4]
				o := (y*w + x) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = s[2], s[1], s[0], s[3]
			}
		}
	default:
		for y := 0; y < ch; y++ {
			for x := 0; x < cw; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				o := (y*w + x) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = c.B, c.G, c.R, c.A
			}
		}
	}
}

// New allocates a w x h buffer and fills it from img.
func New(img image.Image, w, h int) []byte {
	dst := make([]byte, w*h*4)
	FromImage(dst, img, w, h)
	return dst
}
