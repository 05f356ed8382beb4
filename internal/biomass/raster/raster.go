// Package raster turns one biomass frame into an RGBA image where each pixel shows the
// dominant species at that cell, blended from the background by its share of the frame maximum.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"ecotwin.ai/internal/biomass/tensor"
)

// White is the default blend background.
var White = color.RGBA{R: 255, G: 255, B: 255, A: 255}

var defaultPaletteHex = []string{
	"#2563eb",
	"#16a34a",
	"#f59e0b",
	"#ef4444",
	"#a855f7",
	"#14b8a6",
	"#f97316",
	"#0ea5e9",
}

// DefaultPalette returns a fresh copy of the species palette.
func DefaultPalette() []color.RGBA {
	out := make([]color.RGBA, len(defaultPaletteHex))
	for i, h := range defaultPaletteHex {
		out[i], _ = ParseHex(h)
	}
	return out
}

// ParseHex parses "#rrggbb" (the leading # is optional) into an opaque color.
func ParseHex(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("bad color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Rasterizer owns the destination buffer. It is not safe for concurrent use; the owner
// serializes Render calls and must not retain the returned slice across a later Render.
type Rasterizer struct {
	buf  []byte
	w, h int
}

func New() *Rasterizer { return &Rasterizer{} }

// Render draws frame of t into the buffer, W pixels wide and H pixels tall.
//
// The grid axes of the tensor are swapped relative to the tile orientation: output pixel
// (x, y) reads tensor cell [row=x][col=y]. For square grids this is a plain transpose. For
// H != W the read offset is still computed from W as below. When W > H that offset can pass
// the end of the frame: it then reads the following frame's values, which are not part of the
// frame max and so blend fully, and only reads past the end of the payload count as 0.
func (r *Rasterizer) Render(t *tensor.Tensor, frame int, palette []color.RGBA, bg color.RGBA) []byte {
	if len(palette) == 0 {
		palette = DefaultPalette()
	}
	w, h, s := t.W, t.H, t.S
	if frame < 0 {
		frame = 0
	}
	if frame > t.N-1 {
		frame = t.N - 1
	}

	n := w * h * 4
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]
	r.w, r.h = w, h

	data := t.Data
	frameOffset := frame * h * w * s

	frameMax := float32(0)
	for _, v := range data[frameOffset : frameOffset+h*w*s] {
		if v > frameMax {
			frameMax = v
		}
	}
	if frameMax <= 0 {
		frameMax = 1
	}

	bgR, bgG, bgB := float64(bg.R), float64(bg.G), float64(bg.B)
	p := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cell := frameOffset + (x*w+y)*s
			best := 0
			bestV := float32(math.Inf(-1))
			for sp := 0; sp < s; sp++ {
				var v float32
				if i := cell + sp; i < len(data) {
					v = data[i]
				}
				if v > bestV {
					bestV = v
					best = sp
				}
			}

			tf := float64(bestV / frameMax)
			switch {
			case math.IsNaN(tf), tf < 0:
				tf = 0
			case tf > 1:
				tf = 1
			}
			c := palette[best%len(palette)]
			r.buf[p+0] = blend(bgR, c.R, tf)
			r.buf[p+1] = blend(bgG, c.G, tf)
			r.buf[p+2] = blend(bgB, c.B, tf)
			r.buf[p+3] = 255
			p += 4
		}
	}
	return r.buf
}

// Image exposes the last rendered buffer as an image. It aliases the buffer.
func (r *Rasterizer) Image() *image.RGBA {
	return &image.RGBA{Pix: r.buf, Stride: r.w * 4, Rect: image.Rect(0, 0, r.w, r.h)}
}

// Size returns the width and height of the last render.
func (r *Rasterizer) Size() (int, int) { return r.w, r.h }

func blend(bg float64, fg uint8, t float64) uint8 {
	return uint8(math.Round(bg*(1-t) + float64(fg)*t))
}
