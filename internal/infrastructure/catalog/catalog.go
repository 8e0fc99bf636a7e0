package catalog

import (
	_ "embed"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

//go:embed symbols.yaml
var defaultCatalog []byte

// GenericBlock is the placeholder used for classes missing from the catalog.
const GenericBlock domain.SymbolClass = "Generic"

// circleSegments is the polygon resolution used when flattening circles.
const circleSegments = 32

type Primitive struct {
	Line     []float64   `yaml:"line,omitempty"`
	Circle   []float64   `yaml:"circle,omitempty"`
	Rect     []float64   `yaml:"rect,omitempty"`
	Polyline [][]float64 `yaml:"polyline,omitempty"`
	Closed   bool        `yaml:"closed,omitempty"`
}

type rawEntry struct {
	Class       string      `yaml:"class"`
	Description string      `yaml:"description"`
	SizeMM      []float64   `yaml:"size_mm"`
	Geometry    []Primitive `yaml:"geometry"`
	Ports       [][]float64 `yaml:"ports"`
}

type rawCatalog struct {
	Generic rawEntry   `yaml:"generic"`
	Symbols []rawEntry `yaml:"symbols"`
}

// Entry is the drawing definition of one symbol class in the unit square.
type Entry struct {
	Class       domain.SymbolClass
	Category    domain.SymbolCategory
	Description string
	WidthMM     float64
	HeightMM    float64
	Geometry    []Primitive
	Ports       []domain.Point
}

type Catalog struct {
	entries []Entry
	byClass map[domain.SymbolClass]int
	generic Entry
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded catalog. It panics only if the embedded
// document is broken, which the package tests rule out.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse symbol catalog: %w", err)
	}

	generic, err := buildEntry(raw.Generic, GenericBlock, domain.CategoryOther)
	if err != nil {
		return nil, fmt.Errorf("generic entry: %w", err)
	}

	c := &Catalog{
		byClass: make(map[domain.SymbolClass]int, len(raw.Symbols)),
		generic: generic,
	}
	for _, re := range raw.Symbols {
		class := domain.SymbolClass(re.Class)
		category, ok := domain.CategoryOf(class)
		if !ok {
			return nil, fmt.Errorf("catalog class %q is not in the taxonomy", re.Class)
		}
		if _, dup := c.byClass[class]; dup {
			return nil, fmt.Errorf("catalog class %q defined twice", re.Class)
		}
		e, err := buildEntry(re, class, category)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", re.Class, err)
		}
		c.byClass[class] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

func buildEntry(re rawEntry, class domain.SymbolClass, category domain.SymbolCategory) (Entry, error) {
	if len(re.SizeMM) != 2 || re.SizeMM[0] <= 0 || re.SizeMM[1] <= 0 {
		return Entry{}, fmt.Errorf("size_mm must hold two positive values")
	}
	if len(re.Geometry) == 0 {
		return Entry{}, fmt.Errorf("geometry is empty")
	}
	for i, p := range re.Geometry {
		if err := p.validate(); err != nil {
			return Entry{}, fmt.Errorf("geometry[%d]: %w", i, err)
		}
	}
	ports := make([]domain.Point, 0, len(re.Ports))
	for i, p := range re.Ports {
		if len(p) != 2 || p[0] < 0 || p[0] > 1 || p[1] < 0 || p[1] > 1 {
			return Entry{}, fmt.Errorf("ports[%d] must be a point in the unit square", i)
		}
		ports = append(ports, domain.Point{X: p[0], Y: p[1]})
	}
	return Entry{
		Class:       class,
		Category:    category,
		Description: re.Description,
		WidthMM:     re.SizeMM[0],
		HeightMM:    re.SizeMM[1],
		Geometry:    re.Geometry,
		Ports:       ports,
	}, nil
}

func (p Primitive) validate() error {
	kinds := 0
	if p.Line != nil {
		kinds++
		if len(p.Line) != 4 {
			return fmt.Errorf("line needs x1 y1 x2 y2")
		}
	}
	if p.Circle != nil {
		kinds++
		if len(p.Circle) != 3 || p.Circle[2] <= 0 {
			return fmt.Errorf("circle needs cx cy r with r > 0")
		}
	}
	if p.Rect != nil {
		kinds++
		if len(p.Rect) != 4 || p.Rect[2] <= 0 || p.Rect[3] <= 0 {
			return fmt.Errorf("rect needs x y w h with positive size")
		}
	}
	if p.Polyline != nil {
		kinds++
		if len(p.Polyline) < 2 {
			return fmt.Errorf("polyline needs at least two points")
		}
		for _, pt := range p.Polyline {
			if len(pt) != 2 {
				return fmt.Errorf("polyline points need x y")
			}
		}
	}
	if kinds != 1 {
		return fmt.Errorf("exactly one of line, circle, rect, polyline is required")
	}
	return nil
}

// Entries returns the catalog in taxonomy order.
func (c *Catalog) Entries() []Entry {
	return c.entries
}

func (c *Catalog) Lookup(class domain.SymbolClass) (Entry, bool) {
	i, ok := c.byClass[class]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

func (c *Catalog) Generic() Entry {
	return c.generic
}

// Resolve returns the entry for class, falling back to the generic block.
func (c *Catalog) Resolve(class domain.SymbolClass) (Entry, bool) {
	if e, ok := c.Lookup(class); ok {
		return e, true
	}
	return c.generic, false
}

// ConnectionPoints resolves the class, generic when unknown, and places its
// ports in box.
func (c *Catalog) ConnectionPoints(class domain.SymbolClass, box domain.BBox, rotation int) []domain.Point {
	e, _ := c.Resolve(class)
	return e.ConnectionPoints(box, rotation)
}

// Segment is a straight piece of flattened geometry.
type Segment struct {
	A, B domain.Point
}

// Segments flattens the geometry into straight segments in the unit square
// after applying a quantized rotation.
func (e Entry) Segments(rotation int) []Segment {
	var out []Segment
	add := func(pts []domain.Point, closed bool) {
		for i := 0; i+1 < len(pts); i++ {
			out = append(out, Segment{A: rotate(pts[i], rotation), B: rotate(pts[i+1], rotation)})
		}
		if closed && len(pts) > 2 {
			out = append(out, Segment{A: rotate(pts[len(pts)-1], rotation), B: rotate(pts[0], rotation)})
		}
	}
	for _, p := range e.Geometry {
		switch {
		case p.Line != nil:
			add([]domain.Point{{X: p.Line[0], Y: p.Line[1]}, {X: p.Line[2], Y: p.Line[3]}}, false)
		case p.Rect != nil:
			x, y, w, h := p.Rect[0], p.Rect[1], p.Rect[2], p.Rect[3]
			add([]domain.Point{{X: x, Y: y}, {X: x + w, Y: y}, {X: x + w, Y: y + h}, {X: x, Y: y + h}}, true)
		case p.Circle != nil:
			pts := make([]domain.Point, circleSegments)
			for i := range pts {
				a := 2 * math.Pi * float64(i) / circleSegments
				pts[i] = domain.Point{X: p.Circle[0] + p.Circle[2]*math.Cos(a), Y: p.Circle[1] + p.Circle[2]*math.Sin(a)}
			}
			add(pts, true)
		case p.Polyline != nil:
			pts := make([]domain.Point, len(p.Polyline))
			for i, xy := range p.Polyline {
				pts[i] = domain.Point{X: xy[0], Y: xy[1]}
			}
			add(pts, p.Closed)
		}
	}
	return out
}

// Extent is the bounding box of the rotated geometry in unit coordinates.
func (e Entry) Extent(rotation int) domain.BBox {
	segs := e.Segments(rotation)
	if len(segs) == 0 {
		return domain.BBox{Width: 1, Height: 1}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range segs {
		for _, p := range []domain.Point{s.A, s.B} {
			minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
			minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
		}
	}
	return domain.BBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// ConnectionPoints returns port offsets local to a symbol box that already
// holds the rotated symbol.
func (e Entry) ConnectionPoints(box domain.BBox, rotation int) []domain.Point {
	out := make([]domain.Point, len(e.Ports))
	for i, p := range e.Ports {
		u, v := domain.RotateUnitPoint(p.X, p.Y, rotation)
		out[i] = domain.Point{X: u * box.Width, Y: v * box.Height}
	}
	return out
}

// RotatedSizeMM is the nominal drawn size with width and height swapped for
// quarter turns.
func (e Entry) RotatedSizeMM(rotation int) (float64, float64) {
	switch domain.QuantizeRotation(float64(rotation)) {
	case 90, 270:
		return e.HeightMM, e.WidthMM
	}
	return e.WidthMM, e.HeightMM
}

func rotate(p domain.Point, rotation int) domain.Point {
	u, v := domain.RotateUnitPoint(p.X, p.Y, rotation)
	return domain.Point{X: u, Y: v}
}
