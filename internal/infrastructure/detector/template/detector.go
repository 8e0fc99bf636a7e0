// Package template is the offline reference detector. It proposes regions
// from connected components after pipe runs are removed and scores each
// region against the catalog geometry in the four quarter turns.
package template

import (
	"context"
	"image"
	"math"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
)

const modelVersion = "template-v1"

var rotations = []int{0, 90, 180, 270}

type Config struct {
	DPI       float64
	MinScore  float64
	LongRunMM float64
	// Symbols whose larger side falls outside this range are not proposed.
	MinSymbolMM float64
	MaxSymbolMM float64
	// MaxAspectDrift bounds how far a proposal's aspect ratio may stray from
	// the catalog's nominal size, as a ratio.
	MaxAspectDrift float64
}

func (c Config) normalize() Config {
	if c.DPI <= 0 {
		c.DPI = 300
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.45
	}
	if c.LongRunMM <= 0 {
		c.LongRunMM = 20
	}
	if c.MinSymbolMM <= 0 {
		c.MinSymbolMM = 4
	}
	if c.MaxSymbolMM <= 0 {
		c.MaxSymbolMM = 60
	}
	if c.MaxAspectDrift < 1 {
		c.MaxAspectDrift = 1.35
	}
	return c
}

type candidate struct {
	classID  int
	entry    catalog.Entry
	rotation int
	extent   domain.BBox
	aspect   float64
}

type Detector struct {
	cfg        Config
	candidates []candidate
}

func New(cat *catalog.Catalog, cfg Config) *Detector {
	d := &Detector{cfg: cfg.normalize()}
	for _, e := range cat.Entries() {
		id, ok := domain.ClassID(e.Class)
		if !ok {
			continue
		}
		for _, rot := range rotations {
			ext := e.Extent(rot)
			if ext.Width < 0.05 || ext.Height < 0.05 {
				continue
			}
			w, h := e.RotatedSizeMM(rot)
			d.candidates = append(d.candidates, candidate{
				classID:  id,
				entry:    e,
				rotation: rot,
				extent:   ext,
				aspect:   w / h,
			})
		}
	}
	return d
}

func (d *Detector) ModelVersion() string { return modelVersion }

func (d *Detector) mm(v float64) int {
	return int(math.Round(domain.MillimetresToPixels(v, d.cfg.DPI)))
}

// Detect returns detections in tile pixel coordinates.
func (d *Detector) Detect(ctx context.Context, tile image.Image) ([]domain.RawDetection, error) {
	ink := raster.MaskOf(tile)
	stripped := ink.RemoveLongRuns(d.mm(d.cfg.LongRunMM))
	minPx, maxPx := d.mm(d.cfg.MinSymbolMM), d.mm(d.cfg.MaxSymbolMM)

	var out []domain.RawDetection
	for _, comp := range stripped.Components() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := comp.Bounds
		side := max(b.Dx(), b.Dy())
		if side < minPx || side > maxPx {
			continue
		}
		// Partial symbols on the tile border are left to the neighbouring tile.
		if b.Min.X == 0 || b.Min.Y == 0 || b.Max.X == ink.W || b.Max.Y == ink.H {
			continue
		}
		if det, ok := d.match(ink, stripped, comp); ok {
			out = append(out, det)
		}
	}
	return out, nil
}

func (d *Detector) match(ink, stripped *raster.Mask, comp raster.Component) (domain.RawDetection, bool) {
	b := comp.Bounds
	stroke := strokeWidth(stripped.Crop(b))
	tol := max(2, int(math.Round(stroke)))

	var (
		best      domain.RawDetection
		bestScore float64
	)
	for _, c := range d.candidates {
		w := float64(b.Dx()) / c.extent.Width
		h := float64(b.Dy()) / c.extent.Height
		if drift := (w / h) / c.aspect; drift > d.cfg.MaxAspectDrift || drift < 1/d.cfg.MaxAspectDrift {
			continue
		}
		box := domain.BBox{
			X:      float64(b.Min.X) - c.extent.X*w,
			Y:      float64(b.Min.Y) - c.extent.Y*h,
			Width:  w,
			Height: h,
		}
		score := d.score(ink, c, box, stroke, tol)
		if score > bestScore {
			bestScore = score
			best = domain.RawDetection{ClassID: c.classID, BBox: box, Confidence: score, Rotation: float64(c.rotation)}
		}
	}
	if bestScore < d.cfg.MinScore {
		return domain.RawDetection{}, false
	}
	return best, true
}

// score is the F1 of ink and template pixels, each counted as matched when
// the other lies within tol pixels.
func (d *Detector) score(ink *raster.Mask, c candidate, box domain.BBox, stroke float64, tol int) float64 {
	region := image.Rect(
		int(math.Floor(box.X))-tol, int(math.Floor(box.Y))-tol,
		int(math.Ceil(box.MaxX()))+tol+1, int(math.Ceil(box.MaxY()))+tol+1,
	)
	observed := ink.Crop(region)
	tmpl := render(c, box, region, stroke)

	tmplCount := tmpl.Count()
	obsCount := observed.Count()
	if tmplCount == 0 || obsCount == 0 {
		return 0
	}
	precision := float64(overlap(observed, tmpl.Dilate(tol))) / float64(obsCount)
	recall := float64(overlap(tmpl, observed.Dilate(tol))) / float64(tmplCount)
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

func render(c candidate, box domain.BBox, region image.Rectangle, stroke float64) *raster.Mask {
	img := raster.NewWhite(region.Dx(), region.Dy())
	segs := c.entry.Segments(c.rotation)
	pts := make([][2]domain.Point, len(segs))
	ox, oy := box.X-float64(region.Min.X), box.Y-float64(region.Min.Y)
	for i, s := range segs {
		pts[i] = [2]domain.Point{
			{X: ox + s.A.X*box.Width, Y: oy + s.A.Y*box.Height},
			{X: ox + s.B.X*box.Width, Y: oy + s.B.Y*box.Height},
		}
	}
	raster.Stroke(img, pts, stroke)
	return raster.MaskOf(img)
}

// strokeWidth estimates line thickness as ink area over skeleton length.
func strokeWidth(m *raster.Mask) float64 {
	skel := m.Thin().Count()
	if skel == 0 {
		return 1
	}
	return math.Max(1, float64(m.Count())/float64(skel))
}

func overlap(a, b *raster.Mask) int {
	n := 0
	for i, v := range a.Bits {
		if v && b.Bits[i] {
			n++
		}
	}
	return n
}
