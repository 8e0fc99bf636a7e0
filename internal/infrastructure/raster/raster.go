// Package raster holds the binary image primitives shared by the normalizer,
// the template detector and the line extractor. Foreground is dark ink on a
// white page.
package raster

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// InkThreshold separates ink from paper on a binarized page.
const InkThreshold = 128

// NewWhite returns a white gray image of the given size.
func NewWhite(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

// ToGray converts any image into a gray image with origin at 0,0.
func ToGray(src image.Image) *image.Gray {
	b := src.Bounds()
	if g, ok := src.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Stroke draws straight segments with the given width in pixels.
func Stroke(dst *image.Gray, segs [][2]domain.Point, width float64) {
	if len(segs) == 0 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	half := math.Max(width, 1) / 2
	for _, s := range segs {
		addQuad(z, s[0], s[1], half)
	}
	mask := image.NewAlpha(b)
	z.Draw(mask, b, image.Opaque, image.Point{})
	draw.DrawMask(dst, b, image.NewUniform(color.Gray{Y: 0}), image.Point{}, mask, b.Min, draw.Over)
}

// addQuad adds the outline of a thick segment with square caps.
func addQuad(z *vector.Rasterizer, a, b domain.Point, half float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	l := math.Hypot(dx, dy)
	var ux, uy float64
	if l == 0 {
		ux, uy = 1, 0
	} else {
		ux, uy = dx/l, dy/l
	}
	nx, ny := -uy*half, ux*half
	ax, ay := a.X-ux*half, a.Y-uy*half
	bx, by := b.X+ux*half, b.Y+uy*half
	z.MoveTo(float32(ax+nx), float32(ay+ny))
	z.LineTo(float32(bx+nx), float32(by+ny))
	z.LineTo(float32(bx-nx), float32(by-ny))
	z.LineTo(float32(ax-nx), float32(ay-ny))
	z.ClosePath()
}

// Mask is a binary foreground image stored row-major.
type Mask struct {
	W, H int
	Bits []bool
}

func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]bool, w*h)}
}

// MaskOf marks pixels darker than InkThreshold.
func MaskOf(img image.Image) *Mask {
	g := ToGray(img)
	b := g.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < m.H; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+m.W]
		for x, v := range row {
			m.Bits[y*m.W+x] = v < InkThreshold
		}
	}
	return m
}

func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x]
}

func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	m.Bits[y*m.W+x] = v
}

func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Clear removes foreground inside r.
func (m *Mask) Clear(r image.Rectangle) {
	r = r.Intersect(image.Rect(0, 0, m.W, m.H))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Bits[y*m.W+x] = false
		}
	}
}

// Crop copies the region r into a new mask with origin at r.Min.
func (m *Mask) Crop(r image.Rectangle) *Mask {
	out := NewMask(r.Dx(), r.Dy())
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			out.Bits[y*out.W+x] = m.At(r.Min.X+x, r.Min.Y+y)
		}
	}
	return out
}

// Dilate grows the foreground by a square structuring element of radius r.
func (m *Mask) Dilate(r int) *Mask {
	if r <= 0 {
		out := NewMask(m.W, m.H)
		copy(out.Bits, m.Bits)
		return out
	}
	// Separable: horizontal pass then vertical pass.
	tmp := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		last := -1 << 30
		for x := 0; x < m.W; x++ {
			if m.Bits[y*m.W+x] {
				last = x
			}
			if x-last <= r {
				tmp.Bits[y*m.W+x] = true
			}
		}
		last = 1 << 30
		for x := m.W - 1; x >= 0; x-- {
			if m.Bits[y*m.W+x] {
				last = x
			}
			if last-x <= r {
				tmp.Bits[y*m.W+x] = true
			}
		}
	}
	out := NewMask(m.W, m.H)
	for x := 0; x < m.W; x++ {
		last := -1 << 30
		for y := 0; y < m.H; y++ {
			if tmp.Bits[y*m.W+x] {
				last = y
			}
			if y-last <= r {
				out.Bits[y*m.W+x] = true
			}
		}
		last = 1 << 30
		for y := m.H - 1; y >= 0; y-- {
			if tmp.Bits[y*m.W+x] {
				last = y
			}
			if last-y <= r {
				out.Bits[y*m.W+x] = true
			}
		}
	}
	return out
}

// Component is an 8-connected foreground region.
type Component struct {
	Bounds image.Rectangle
	Pixels int
}

// Components labels 8-connected regions in scan order.
func (m *Mask) Components() []Component {
	labels := make([]int32, len(m.Bits))
	var out []Component
	stack := make([]int, 0, 256)
	for start, fg := range m.Bits {
		if !fg || labels[start] != 0 {
			continue
		}
		label := int32(len(out) + 1)
		labels[start] = label
		stack = append(stack[:0], start)
		minX, minY := m.W, m.H
		maxX, maxY := -1, -1
		n := 0
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%m.W, i/m.W
			n++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
						continue
					}
					j := ny*m.W + nx
					if m.Bits[j] && labels[j] == 0 {
						labels[j] = label
						stack = append(stack, j)
					}
				}
			}
		}
		out = append(out, Component{Bounds: image.Rect(minX, minY, maxX+1, maxY+1), Pixels: n})
	}
	return out
}

// RemoveLongRuns clears horizontal and vertical runs of at least minRun
// pixels. Both directions are measured on the original mask.
func (m *Mask) RemoveLongRuns(minRun int) *Mask {
	out := NewMask(m.W, m.H)
	copy(out.Bits, m.Bits)
	if minRun <= 0 {
		return out
	}
	for y := 0; y < m.H; y++ {
		x := 0
		for x < m.W {
			if !m.Bits[y*m.W+x] {
				x++
				continue
			}
			start := x
			for x < m.W && m.Bits[y*m.W+x] {
				x++
			}
			if x-start >= minRun {
				for i := start; i < x; i++ {
					out.Bits[y*m.W+i] = false
				}
			}
		}
	}
	for x := 0; x < m.W; x++ {
		y := 0
		for y < m.H {
			if !m.Bits[y*m.W+x] {
				y++
				continue
			}
			start := y
			for y < m.H && m.Bits[y*m.W+x] {
				y++
			}
			if y-start >= minRun {
				for i := start; i < y; i++ {
					out.Bits[i*m.W+x] = false
				}
			}
		}
	}
	return out
}

// Thin applies Zhang-Suen thinning until the skeleton is stable.
func (m *Mask) Thin() *Mask {
	out := NewMask(m.W, m.H)
	copy(out.Bits, m.Bits)
	var del []int
	for {
		changed := false
		for pass := 0; pass < 2; pass++ {
			del = del[:0]
			for y := 1; y < m.H-1; y++ {
				for x := 1; x < m.W-1; x++ {
					if !out.Bits[y*m.W+x] {
						continue
					}
					p := [8]bool{
						out.At(x, y-1), out.At(x+1, y-1), out.At(x+1, y), out.At(x+1, y+1),
						out.At(x, y+1), out.At(x-1, y+1), out.At(x-1, y), out.At(x-1, y-1),
					}
					n := 0
					for _, v := range p {
						if v {
							n++
						}
					}
					if n < 2 || n > 6 {
						continue
					}
					transitions := 0
					for i := 0; i < 8; i++ {
						if !p[i] && p[(i+1)%8] {
							transitions++
						}
					}
					if transitions != 1 {
						continue
					}
					if pass == 0 {
						if p[0] && p[2] && p[4] || p[2] && p[4] && p[6] {
							continue
						}
					} else {
						if p[0] && p[2] && p[6] || p[0] && p[4] && p[6] {
							continue
						}
					}
					del = append(del, y*m.W+x)
				}
			}
			for _, i := range del {
				out.Bits[i] = false
			}
			if len(del) > 0 {
				changed = true
			}
		}
		if !changed {
			return out
		}
	}
}

// Gray renders the mask as black ink on white.
func (m *Mask) Gray() *image.Gray {
	img := NewWhite(m.W, m.H)
	for i, fg := range m.Bits {
		if fg {
			img.Pix[i] = 0
		}
	}
	return img
}
