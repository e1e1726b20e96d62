// Package glyph rasterizes terminal cells and scales inline images for the
// texture atlas.
package glyph

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Rasterizer draws single runes into cell-sized RGBA images using a
// bitmap face. Glyphs are white with coverage in alpha, premultiplied, so
// the quad color tints them.
//
// Rasterizer is safe for concurrent use.
type Rasterizer struct {
	mu   sync.Mutex
	face font.Face

	cellW  int
	cellH  int
	ascent int

	rasterized uint64
}

// New creates a rasterizer for face. A nil face selects basicfont.Face7x13.
func New(face font.Face) *Rasterizer {
	if face == nil {
		face = basicfont.Face7x13
	}
	m := face.Metrics()
	w := font.MeasureString(face, "M").Ceil()
	return &Rasterizer{
		face:   face,
		cellW:  max(w, 1),
		cellH:  max(m.Height.Ceil(), 1),
		ascent: m.Ascent.Ceil(),
	}
}

// CellSize returns the pixel size of one grid cell.
func (r *Rasterizer) CellSize() (width, height int) {
	return r.cellW, r.cellH
}

// Rasterize draws ch into an image spanning cells cells. Wide characters
// use cells == 2; values below 1 are treated as 1.
func (r *Rasterizer) Rasterize(ch rune, cells int) *image.RGBA {
	cells = max(cells, 1)
	img := image.NewRGBA(image.Rect(0, 0, r.cellW*cells, r.cellH))

	r.mu.Lock()
	defer r.mu.Unlock()

	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: r.face,
	}
	adv := d.MeasureString(string(ch))
	// Center the glyph in its cells.
	x := (fixed.I(img.Rect.Dx()) - adv) / 2
	d.Dot = fixed.Point26_6{X: max(x, 0), Y: fixed.I(r.ascent)}
	d.DrawString(string(ch))

	r.rasterized++
	return img
}

// Rasterized returns the number of glyphs drawn so far.
func (r *Rasterizer) Rasterized() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rasterized
}

// Downscale returns src reduced by the integer factor scale using bilinear
// filtering. Factors below 2 return an RGBA copy of src. The result is
// never smaller than 1x1.
func Downscale(src image.Image, scale int) *image.RGBA {
	b := src.Bounds()
	if scale < 2 {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(b.Dx()/scale, 1), max(b.Dy()/scale, 1)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Pixels returns the tightly packed RGBA bytes of img, row by row.
func Pixels(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if img.Stride == w*4 && img.Rect.Min == (image.Point{}) {
		return img.Pix[:w*h*4]
	}
	out := make([]byte, 0, w*h*4)
	for y := range h {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		out = append(out, img.Pix[off:off+w*4]...)
	}
	return out
}

// Solid returns a w x h image filled with c.
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
