// Package tiling cuts page rasters into overlapping detector inputs.
package tiling

import (
	"image"
	"image/color"
	"iter"
	"math"

	"github.com/disintegration/imaging"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

const (
	DefaultSize    = 1024
	DefaultOverlap = 0.10
)

type Tiler struct {
	size    int
	overlap float64
}

func New(size int, overlap float64) *Tiler {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= 1 {
		overlap = DefaultOverlap
	}
	return &Tiler{size: size, overlap: overlap}
}

func (t *Tiler) Size() int { return t.size }

func (t *Tiler) stride() int {
	s := t.size - int(math.Round(float64(t.size)*t.overlap))
	if s < 1 {
		return 1
	}
	return s
}

// origins lists tile starts along one axis. The last tile is aligned to the
// far edge so the page is fully covered.
func (t *Tiler) origins(length int) []int {
	if length <= t.size {
		return []int{0}
	}
	var out []int
	stride := t.stride()
	for o := 0; ; o += stride {
		if o+t.size >= length {
			out = append(out, length-t.size)
			break
		}
		out = append(out, o)
	}
	return out
}

func (t *Tiler) Count(bounds image.Rectangle) int {
	return len(t.origins(bounds.Dx())) * len(t.origins(bounds.Dy()))
}

// Tiles yields tiles row by row. The sequence is lazy and may be iterated
// again from the start.
func (t *Tiler) Tiles(img image.Image) iter.Seq[domain.Tile] {
	return func(yield func(domain.Tile) bool) {
		b := img.Bounds()
		xs := t.origins(b.Dx())
		ys := t.origins(b.Dy())
		index := 0
		for row, y := range ys {
			for col, x := range xs {
				tile := domain.Tile{
					Index: index,
					Row:   row,
					Col:   col,
					Image: t.cut(img, image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+t.size, b.Min.Y+y+t.size)),
					Transform: domain.Affine{
						Scale:   1,
						OffsetX: float64(x),
						OffsetY: float64(y),
					},
				}
				index++
				if !yield(tile) {
					return
				}
			}
		}
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func (t *Tiler) cut(img image.Image, r image.Rectangle) image.Image {
	b := img.Bounds()
	if r.In(b) {
		if s, ok := img.(subImager); ok {
			return s.SubImage(r)
		}
		return imaging.Crop(img, r)
	}
	// Pages smaller than a tile are padded with paper.
	canvas := imaging.New(t.size, t.size, color.White)
	return imaging.Paste(canvas, imaging.Crop(img, r.Intersect(b)), image.Point{})
}
