package domain

import "math"

// Point is a position in page pixels, origin top-left, y down.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Distance(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// BBox is an axis-aligned box in page pixels.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

func (b BBox) MaxX() float64 { return b.X + b.Width }
func (b BBox) MaxY() float64 { return b.Y + b.Height }

func (b BBox) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

func (b BBox) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.MaxX() && p.Y >= b.Y && p.Y <= b.MaxY()
}

// Inflate grows the box by d on every side.
func (b BBox) Inflate(d float64) BBox {
	return BBox{X: b.X - d, Y: b.Y - d, Width: b.Width + 2*d, Height: b.Height + 2*d}
}

func (b BBox) Intersect(o BBox) BBox {
	x0 := math.Max(b.X, o.X)
	y0 := math.Max(b.Y, o.Y)
	x1 := math.Min(b.MaxX(), o.MaxX())
	y1 := math.Min(b.MaxY(), o.MaxY())
	if x1 <= x0 || y1 <= y0 {
		return BBox{}
	}
	return BBox{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// IoU returns intersection over union, 0 for disjoint or empty boxes.
func (b BBox) IoU(o BBox) float64 {
	inter := b.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// DistanceTo is the distance from p to the nearest point of the box, 0 inside.
func (b BBox) DistanceTo(p Point) float64 {
	dx := math.Max(math.Max(b.X-p.X, 0), p.X-b.MaxX())
	dy := math.Max(math.Max(b.Y-p.Y, 0), p.Y-b.MaxY())
	return math.Hypot(dx, dy)
}

// Affine maps tile coordinates into page coordinates.
type Affine struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

func (a Affine) ApplyPoint(p Point) Point {
	s := a.scale()
	return Point{X: p.X*s + a.OffsetX, Y: p.Y*s + a.OffsetY}
}

func (a Affine) ApplyBox(b BBox) BBox {
	s := a.scale()
	return BBox{X: b.X*s + a.OffsetX, Y: b.Y*s + a.OffsetY, Width: b.Width * s, Height: b.Height * s}
}

func (a Affine) scale() float64 {
	if a.Scale == 0 {
		return 1
	}
	return a.Scale
}

// MillimetresToPixels converts a physical length at the given resolution.
func MillimetresToPixels(mm, dpi float64) float64 {
	return mm / 25.4 * dpi
}

// DistanceToSegment is the distance from p to segment ab.
func DistanceToSegment(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return p.Distance(a)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return p.Distance(Point{X: a.X + t*dx, Y: a.Y + t*dy})
}
