package normalizer

import (
	"math"

	"github.com/tsawler/tabula/contentstream"
	"github.com/tsawler/tabula/core"
	"github.com/tsawler/tabula/graphicsstate"
	"github.com/tsawler/tabula/model"
)

// curveSteps is the number of chords per Bezier segment.
const curveSteps = 12

// strokedSegment is a straight piece of a stroked path in PDF user space.
type strokedSegment struct {
	Start model.Point
	End   model.Point
	Width float64
}

// strokedPaths walks a page content stream and returns every stroked path as
// straight segments, with curves flattened and dash patterns applied.
// Filled-only paths are skipped.
func strokedPaths(raw []byte) ([]strokedSegment, error) {
	ops, err := contentstream.NewParser(raw).Parse()
	if err != nil {
		return nil, err
	}

	gs := graphicsstate.NewGraphicsState()
	var (
		out        []strokedSegment
		path       [][2]model.Point
		cur, start model.Point
		dash       []float64
		dashStack  [][]float64
	)
	commit := func() {
		scale := math.Sqrt(math.Abs(gs.CTM[0]*gs.CTM[3] - gs.CTM[1]*gs.CTM[2]))
		for _, s := range path {
			for _, piece := range applyDash(s, dash) {
				out = append(out, strokedSegment{
					Start: gs.CTM.Transform(piece[0]),
					End:   gs.CTM.Transform(piece[1]),
					Width: gs.LineWidth * scale,
				})
			}
		}
		path = path[:0]
	}
	closePath := func() {
		if cur != start {
			path = append(path, [2]model.Point{cur, start})
		}
		cur = start
	}
	curve := func(c1, c2, end model.Point) {
		prev := cur
		for i := 1; i <= curveSteps; i++ {
			p := bezier(cur, c1, c2, end, float64(i)/curveSteps)
			path = append(path, [2]model.Point{prev, p})
			prev = p
		}
		cur = end
	}

	for _, op := range ops {
		n := numbers(op.Operands)
		switch op.Operator {
		case "q":
			gs.Save()
			dashStack = append(dashStack, dash)
		case "Q":
			_ = gs.Restore()
			if k := len(dashStack); k > 0 {
				dash, dashStack = dashStack[k-1], dashStack[:k-1]
			}
		case "d":
			dash = nil
			if len(op.Operands) > 0 {
				if arr, ok := op.Operands[0].(core.Array); ok {
					dash = numbers(arr)
				}
			}
		case "cm":
			if len(n) == 6 {
				m := model.Matrix{n[0], n[1], n[2], n[3], n[4], n[5]}
				gs.CTM = m.Multiply(gs.CTM)
			}
		case "w":
			if len(n) == 1 {
				gs.SetLineWidth(n[0])
			}
		case "m":
			if len(n) == 2 {
				cur = model.Point{X: n[0], Y: n[1]}
				start = cur
			}
		case "l":
			if len(n) == 2 {
				p := model.Point{X: n[0], Y: n[1]}
				path = append(path, [2]model.Point{cur, p})
				cur = p
			}
		case "c":
			if len(n) == 6 {
				curve(model.Point{X: n[0], Y: n[1]}, model.Point{X: n[2], Y: n[3]}, model.Point{X: n[4], Y: n[5]})
			}
		case "v":
			if len(n) == 4 {
				curve(cur, model.Point{X: n[0], Y: n[1]}, model.Point{X: n[2], Y: n[3]})
			}
		case "y":
			if len(n) == 4 {
				end := model.Point{X: n[2], Y: n[3]}
				curve(model.Point{X: n[0], Y: n[1]}, end, end)
			}
		case "h":
			closePath()
		case "re":
			if len(n) == 4 {
				x, y, w, h := n[0], n[1], n[2], n[3]
				c := []model.Point{{X: x, Y: y}, {X: x + w, Y: y}, {X: x + w, Y: y + h}, {X: x, Y: y + h}}
				for i := range c {
					path = append(path, [2]model.Point{c[i], c[(i+1)%4]})
				}
				cur, start = c[0], c[0]
			}
		case "S", "B", "B*":
			commit()
		case "s", "b", "b*":
			closePath()
			commit()
		case "f", "F", "f*", "n":
			path = path[:0]
		}
	}
	return out, nil
}

// applyDash splits a segment into its painted dashes. The pattern restarts
// at each segment.
func applyDash(s [2]model.Point, dash []float64) [][2]model.Point {
	total := 0.0
	for _, d := range dash {
		total += d
	}
	if len(dash) == 0 || total <= 0 {
		return [][2]model.Point{s}
	}
	dx, dy := s[1].X-s[0].X, s[1].Y-s[0].Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return [][2]model.Point{s}
	}
	at := func(d float64) model.Point {
		t := d / length
		return model.Point{X: s[0].X + dx*t, Y: s[0].Y + dy*t}
	}
	var out [][2]model.Point
	pos := 0.0
	for i := 0; pos < length; i++ {
		step := dash[i%len(dash)]
		// Odd pattern lengths alternate on and off across repeats.
		on := i%2 == 0
		end := math.Min(pos+step, length)
		if on && end > pos {
			out = append(out, [2]model.Point{at(pos), at(end)})
		}
		pos = end
	}
	return out
}

func bezier(p0, p1, p2, p3 model.Point, t float64) model.Point {
	u := 1 - t
	a, b, c, d := u*u*u, 3*u*u*t, 3*u*t*t, t*t*t
	return model.Point{
		X: a*p0.X + b*p1.X + c*p2.X + d*p3.X,
		Y: a*p0.Y + b*p1.Y + c*p2.Y + d*p3.Y,
	}
}

func numbers(operands []core.Object) []float64 {
	out := make([]float64, 0, len(operands))
	for _, o := range operands {
		switch v := o.(type) {
		case core.Int:
			out = append(out, float64(v))
		case core.Real:
			out = append(out, float64(v))
		default:
			return nil
		}
	}
	return out
}
