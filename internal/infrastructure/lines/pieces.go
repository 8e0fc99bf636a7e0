package lines

import (
	"image"
	"math"
	"sort"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
)

type orientation int

const (
	horizontal orientation = iota
	vertical
)

// piece is an axis-aligned inked interval: along the axis from a to b, at
// cross coordinate c.
type piece struct {
	dir  orientation
	c    float64
	a, b float64
}

// symbolMargin widens symbol boxes when deciding what is symbol geometry.
const symbolMargin = 2.0

// vectorPieces keeps horizontal and vertical stroke segments that are not
// drawn inside a symbol.
func vectorPieces(segs []domain.VectorSegment, symbols []domain.DetectedSymbol) []piece {
	var out []piece
	for _, s := range segs {
		if insideSymbol(s.Start, s.End, symbols) {
			continue
		}
		dx, dy := s.End.X-s.Start.X, s.End.Y-s.Start.Y
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		tol := math.Max(1, 0.02*length)
		switch {
		case math.Abs(dy) <= tol:
			out = append(out, piece{dir: horizontal, c: (s.Start.Y + s.End.Y) / 2, a: math.Min(s.Start.X, s.End.X), b: math.Max(s.Start.X, s.End.X)})
		case math.Abs(dx) <= tol:
			out = append(out, piece{dir: vertical, c: (s.Start.X + s.End.X) / 2, a: math.Min(s.Start.Y, s.End.Y), b: math.Max(s.Start.Y, s.End.Y)})
		}
	}
	return out
}

func insideSymbol(a, b domain.Point, symbols []domain.DetectedSymbol) bool {
	for _, s := range symbols {
		box := s.BBox.Inflate(symbolMargin)
		if box.Contains(a) && box.Contains(b) {
			return true
		}
	}
	return false
}

// rasterPieces masks out symbols, thins the remaining ink to a one pixel
// skeleton and reads it back as row and column runs. Isolated pixels are
// kept in both directions as dots so that dash-dot patterns survive.
func rasterPieces(img *image.Gray, symbols []domain.DetectedSymbol) []piece {
	mask := raster.MaskOf(img)
	for _, s := range symbols {
		box := s.BBox.Inflate(symbolMargin)
		mask.Clear(image.Rect(int(math.Floor(box.X)), int(math.Floor(box.Y)), int(math.Ceil(box.MaxX())), int(math.Ceil(box.MaxY()))))
	}
	skel := mask.Thin()

	var out []piece
	for y := 0; y < skel.H; y++ {
		x := 0
		for x < skel.W {
			if !skel.At(x, y) {
				x++
				continue
			}
			start := x
			for x < skel.W && skel.At(x, y) {
				x++
			}
			// A lone pixel with ink above or below belongs to a vertical stroke.
			if x-start == 1 && (skel.At(start, y-1) || skel.At(start, y+1)) {
				continue
			}
			out = append(out, piece{dir: horizontal, c: float64(y), a: float64(start), b: float64(x - 1)})
		}
	}
	for x := 0; x < skel.W; x++ {
		y := 0
		for y < skel.H {
			if !skel.At(x, y) {
				y++
				continue
			}
			start := y
			for y < skel.H && skel.At(x, y) {
				y++
			}
			// Pixels on a horizontal stroke were taken by the row pass.
			if y-start == 1 && (skel.At(x-1, start) || skel.At(x+1, start)) {
				continue
			}
			out = append(out, piece{dir: vertical, c: float64(x), a: float64(start), b: float64(y - 1)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dir != out[j].dir {
			return out[i].dir < out[j].dir
		}
		if out[i].a != out[j].a {
			return out[i].a < out[j].a
		}
		return out[i].c < out[j].c
	})
	return out
}
