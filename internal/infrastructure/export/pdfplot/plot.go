// Package pdfplot renders a drawing as a vector PDF plot on the configured
// paper, colored by layer.
package pdfplot

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/layout"
)

// aciColors are the AutoCAD index colors used by the layer table.
var aciColors = map[int]string{
	1: "#FF0000",
	2: "#FFFF00",
	3: "#00FF00",
	4: "#00FFFF",
	5: "#0000FF",
	6: "#FF00FF",
	7: "#000000", // white on screen, black on paper
	8: "#808080",
	9: "#C0C0C0",
}

// maxLightness keeps light layer colors legible on white paper.
const maxLightness = 0.55

// PlotColor returns the paper color of an ACI index.
func PlotColor(aci int) (uint8, uint8, uint8) {
	hex, ok := aciColors[aci]
	if !ok {
		hex = aciColors[7]
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return 0, 0, 0
	}
	h, chroma, l := c.Hcl()
	if l > maxLightness {
		c = colorful.Hcl(h, chroma, maxLightness).Clamped()
	}
	return c.RGB255()
}

var dashPatterns = map[string][]float64{
	"DASHED":  {6.35, 3.175},
	"DASHDOT": {6.35, 3.175, 0.5, 3.175},
}

type Encoder struct {
	catalog *catalog.Catalog
}

func New(cat *catalog.Catalog) *Encoder {
	return &Encoder{catalog: cat}
}

func (e *Encoder) Format() domain.ExportFormat {
	return domain.FormatPDF
}

type plotter struct {
	pdf   *gofpdf.Fpdf
	sheet *layout.Sheet
}

// useLayer sets pen color, width and dash pattern for a layer.
func (p *plotter) useLayer(name string) {
	l, _ := layout.LayerByName(name)
	r, g, b := PlotColor(l.Color)
	p.pdf.SetDrawColor(int(r), int(g), int(b))
	p.pdf.SetTextColor(int(r), int(g), int(b))
	p.pdf.SetLineWidth(l.WidthMM)
	p.pdf.SetDashPattern(dashPatterns[l.Linetype], 0)
}

// pdf pages have y down; the sheet has y up.
func (p *plotter) xy(pt domain.Point) (float64, float64) {
	return pt.X, p.sheet.HeightMM - pt.Y
}

func (p *plotter) line(a, b domain.Point) {
	x1, y1 := p.xy(a)
	x2, y2 := p.xy(b)
	p.pdf.Line(x1, y1, x2, y2)
}

func (p *plotter) rect(b domain.BBox) {
	x, y := p.xy(domain.Point{X: b.X, Y: b.MaxY()})
	p.pdf.Rect(x, y, b.Width, b.Height, "D")
}

func (p *plotter) text(at domain.Point, heightMM float64, s string) {
	p.pdf.SetFontSize(heightMM / 0.3528 * 1.4) // cap height to points
	x, y := p.xy(at)
	p.pdf.Text(x, y, s)
}

func (e *Encoder) Encode(ctx context.Context, model domain.ExportModel, opts domain.ExportOptions) ([]byte, domain.EncodeReport, error) {
	sheet, err := layout.NewSheet(model, opts)
	if err != nil {
		return nil, domain.EncodeReport{}, err
	}
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           gofpdf.SizeType{Wd: sheet.WidthMM, Ht: sheet.HeightMM},
	})
	pdf.SetCreator("pid-digitizer", true)
	pdf.SetTitle(titleOf(model), true)
	pdf.SetCompression(true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 8)
	p := &plotter{pdf: pdf, sheet: sheet}

	var report domain.EncodeReport
	for _, s := range layout.SelectSymbols(model, opts.IncludesUnverified(domain.FormatPDF)) {
		layer := layout.SymbolLayer(s.Category)
		if !sheet.Included(layer) {
			continue
		}
		entry, known := e.catalog.Resolve(s.Class)
		if !known {
			report.Warnings = append(report.Warnings, fmt.Sprintf("symbol %s: unknown class %q drawn as generic", s.ID, s.Class))
		}
		p.useLayer(layer)
		for _, seg := range entry.Segments(s.Rotation) {
			p.line(unitToSheet(sheet, s, seg.A), unitToSheet(sheet, s, seg.B))
		}
		if s.Tag != "" {
			box := sheet.Box(s.Page, s.BBox)
			p.text(domain.Point{X: box.X, Y: box.Y - 3*sheet.Scale}, 2.5*sheet.Scale, s.Tag)
		}
		report.Inserts++
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.EncodeReport{}, err
	}

	for _, l := range model.Lines {
		layer := layout.LineLayer(l.LineType)
		if len(l.Points) < 2 || !sheet.Included(layer) {
			continue
		}
		p.useLayer(layer)
		for i := 1; i < len(l.Points); i++ {
			p.line(sheet.Point(l.Page, l.Points[i-1]), sheet.Point(l.Page, l.Points[i]))
		}
		report.Polylines++
	}

	for _, t := range model.Tokens {
		if t.SymbolID != nil || strings.TrimSpace(t.Text) == "" {
			continue
		}
		layer := layout.TextLayer(t.Kind)
		if !sheet.Included(layer) {
			continue
		}
		p.useLayer(layer)
		box := sheet.Box(t.Page, t.BBox)
		p.text(domain.Point{X: box.X, Y: box.Y}, max(box.Height, 1.8), t.Text)
		report.Texts++
	}

	if sheet.Included(layout.LayerBorder) {
		p.useLayer(layout.LayerBorder)
		p.rect(sheet.Border())
		report.Polylines++
	}
	if sheet.Included(layout.LayerTitleBlock) {
		p.useLayer(layout.LayerTitleBlock)
		frame := sheet.TitleBlock()
		p.rect(frame)
		report.Polylines++
		rowH := frame.Height / 4
		for i, row := range layout.TitleLines(model) {
			p.text(domain.Point{X: frame.X + 3*sheet.Scale, Y: frame.MaxY() - float64(i+1)*rowH + rowH/3}, 2.5*sheet.Scale, row)
			report.Texts++
		}
	}
	if opts.Draft {
		pdf.SetTextColor(200, 200, 200)
		pdf.SetFontSize(48 * sheet.Scale)
		pdf.Text(sheet.WidthMM/3, sheet.HeightMM/2, "DRAFT")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, domain.EncodeReport{}, domain.WrapError(domain.ErrInternal, "render pdf plot", err)
	}
	return buf.Bytes(), report, nil
}

// unitToSheet maps a point of the rotated unit square onto the symbol box.
func unitToSheet(sheet *layout.Sheet, s domain.DetectedSymbol, u domain.Point) domain.Point {
	return sheet.Point(s.Page, domain.Point{X: s.BBox.X + u.X*s.BBox.Width, Y: s.BBox.Y + u.Y*s.BBox.Height})
}

func titleOf(model domain.ExportModel) string {
	if t := model.Drawing.TitleBlock.Title; t != "" {
		return t
	}
	return model.Drawing.Filename
}
