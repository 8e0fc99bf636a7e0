package normalizer

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/tsawler/tabula/model"
	"github.com/tsawler/tabula/pages"
	"github.com/tsawler/tabula/reader"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
)

// renderVector draws the page's stroked paths and text at the working DPI and
// keeps the geometry for the line stage.
func (n *Normalizer) renderVector(_ *reader.Reader, _ *pages.Page, index int, widthPt, heightPt float64, stats pageStats) (domain.NormalizedPage, error) {
	dpi := n.cfg.WorkingDPI
	scale := dpi / pointsPerInch
	w := int(math.Ceil(widthPt * scale))
	h := int(math.Ceil(heightPt * scale))

	toPx := func(p model.Point) domain.Point {
		return domain.Point{X: p.X * scale, Y: (heightPt - p.Y) * scale}
	}

	segments := make([]domain.VectorSegment, 0, len(stats.segments))
	for _, l := range stats.segments {
		segments = append(segments, domain.VectorSegment{
			Start: toPx(l.Start),
			End:   toPx(l.End),
			Width: math.Max(l.Width*scale, 1),
		})
	}
	segments = dedupeSegments(segments)

	fragments := make([]domain.TextFragment, 0, len(stats.fragments))
	for _, f := range stats.fragments {
		height := f.Height
		if height <= 0 {
			height = f.FontSize
		}
		fragments = append(fragments, domain.TextFragment{
			Text: f.Text,
			BBox: domain.BBox{
				X:      f.X * scale,
				Y:      (heightPt - f.Y - height) * scale,
				Width:  f.Width * scale,
				Height: height * scale,
			},
			Confidence: 1,
		})
	}

	img := raster.NewWhite(w, h)
	byWidth := map[float64][][2]domain.Point{}
	for _, s := range segments {
		byWidth[s.Width] = append(byWidth[s.Width], [2]domain.Point{s.Start, s.End})
	}
	widths := make([]float64, 0, len(byWidth))
	for width := range byWidth {
		widths = append(widths, width)
	}
	sort.Float64s(widths)
	for _, width := range widths {
		raster.Stroke(img, byWidth[width], width)
	}
	drawText(img, fragments)

	return domain.NormalizedPage{
		Index:      index,
		SourceType: domain.SourceVector,
		DPI:        dpi,
		Width:      w,
		Height:     h,
		Segments:   segments,
		Text:       fragments,
		Image:      img,
	}, nil
}

// dedupeSegments drops repeated segments, which appear when a path is
// stroked twice, and orders the rest.
func dedupeSegments(in []domain.VectorSegment) []domain.VectorSegment {
	type key struct{ x0, y0, x1, y1 int }
	round := func(v float64) int { return int(math.Round(v)) }
	seen := make(map[key]bool, len(in))
	out := in[:0]
	for _, s := range in {
		a, b := s.Start, s.End
		if b.X < a.X || (b.X == a.X && b.Y < a.Y) {
			a, b = b, a
		}
		k := key{round(a.X), round(a.Y), round(b.X), round(b.Y)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, domain.VectorSegment{Start: a, End: b, Width: s.Width})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Y != out[j].Start.Y {
			return out[i].Start.Y < out[j].Start.Y
		}
		return out[i].Start.X < out[j].Start.X
	})
	return out
}

// drawText stamps fragments with a fixed bitmap face so that OCR-free tag
// association sees the same raster as a scan would.
func drawText(img *image.Gray, fragments []domain.TextFragment) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 0}),
		Face: basicfont.Face7x13,
	}
	for _, f := range fragments {
		d.Dot = fixed.P(int(f.BBox.X), int(f.BBox.MaxY()))
		d.DrawString(f.Text)
	}
}
