// Package xlsx writes the review checklist workbook: one row per symbol and
// line, plus the dangling line ends a reviewer has to resolve.
package xlsx

import (
	"context"
	"fmt"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/layout"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/graph"
)

const (
	SheetSymbols  = "Symbols"
	SheetLines    = "Lines"
	SheetDangling = "Dangling"
)

var (
	symbolHeader   = []any{"ID", "Page", "Class", "Category", "Tag", "Confidence", "Verified", "Flagged", "Description", "Spec", "X", "Y", "Width", "Height"}
	lineHeader     = []any{"ID", "Page", "Type", "From", "To", "Tag", "Vertices", "Length (mm)"}
	danglingHeader = []any{"Line ID", "Page", "End", "X", "Y"}
)

type Encoder struct{}

func New() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Format() domain.ExportFormat {
	return domain.FormatXLSX
}

func (e *Encoder) Encode(ctx context.Context, model domain.ExportModel, opts domain.ExportOptions) ([]byte, domain.EncodeReport, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSymbols); err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}
	for _, name := range []string{SheetLines, SheetDangling} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, domain.EncodeReport{}, wrap(err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}
	flagged, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFF2CC"}}})
	if err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}

	var report domain.EncodeReport
	symbols := layout.SelectSymbols(model, opts.IncludesUnverified(domain.FormatXLSX))
	rows := make([][]any, 0, len(symbols))
	for _, s := range symbols {
		rows = append(rows, []any{
			s.ID, s.Page + 1, string(s.Class), string(s.Category), s.Tag,
			math.Round(s.Confidence*1000) / 1000, s.IsVerified, s.IsFlagged,
			s.Attributes[domain.AttrDescription], s.Attributes[domain.AttrSpec],
			round1(s.BBox.X), round1(s.BBox.Y), round1(s.BBox.Width), round1(s.BBox.Height),
		})
	}
	if err := writeTable(f, SheetSymbols, symbolHeader, rows, bold); err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}
	for i, s := range symbols {
		if !s.IsFlagged {
			continue
		}
		end, _ := excelize.CoordinatesToCellName(len(symbolHeader), i+2)
		if err := f.SetCellStyle(SheetSymbols, fmt.Sprintf("A%d", i+2), end, flagged); err != nil {
			return nil, domain.EncodeReport{}, wrap(err)
		}
	}
	report.Inserts = len(symbols)

	if err := ctx.Err(); err != nil {
		return nil, domain.EncodeReport{}, err
	}

	dpi := model.DPI
	if dpi <= 0 {
		dpi = 300
	}
	rows = rows[:0]
	for _, l := range model.Lines {
		rows = append(rows, []any{
			l.ID, l.Page + 1, string(l.LineType), deref(l.FromSymbolID), deref(l.ToSymbolID), l.Tag,
			len(l.Points), round1(polylineLength(l.Points) / dpi * 25.4),
		})
	}
	if err := writeTable(f, SheetLines, lineHeader, rows, bold); err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}
	report.Polylines = len(model.Lines)

	g := graph.NewBuilder().Build(model.Drawing.ID, model.Symbols, model.Lines)
	pages := make(map[string]int, len(model.Lines))
	for _, l := range model.Lines {
		pages[l.ID] = l.Page
	}
	rows = rows[:0]
	for _, idx := range g.Dangling {
		n := g.Nodes[idx]
		end := "start"
		if n.End == 1 {
			end = "end"
		}
		rows = append(rows, []any{n.LineID, pages[n.LineID] + 1, end, round1(n.Point.X), round1(n.Point.Y)})
	}
	if err := writeTable(f, SheetDangling, danglingHeader, rows, bold); err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}
	if len(rows) > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d dangling line ends", len(rows)))
	}

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, domain.EncodeReport{}, wrap(err)
	}
	return buf.Bytes(), report, nil
}

func writeTable(f *excelize.File, sheet string, header []any, rows [][]any, headerStyle int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	if len(rows) > 0 {
		end, _ := excelize.CoordinatesToCellName(len(header), len(rows)+1)
		if err := f.AutoFilter(sheet, "A1:"+end, nil); err != nil {
			return err
		}
	}
	return nil
}

func wrap(err error) error {
	return domain.WrapError(domain.ErrInternal, "write checklist workbook", err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func polylineLength(pts []domain.Point) float64 {
	total := 0.0
	for i := 1; i < len(pts); i++ {
		total += pts[i-1].Distance(pts[i])
	}
	return total
}
