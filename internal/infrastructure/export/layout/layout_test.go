package layout

import (
	"errors"
	"math"
	"testing"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

func TestPaperSizes(t *testing.T) {
	w, h, err := PaperSize("a3")
	if err != nil || w != 420 || h != 297 {
		t.Fatalf("unexpected A3 %v x %v, %v", w, h, err)
	}
	if w, _, _ := PaperSize(""); w != 841 {
		t.Fatalf("expected A1 by default, got width %v", w)
	}
	if _, _, err := PaperSize("B5"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestValidateOptionsRejectsUnknownLayer(t *testing.T) {
	err := ValidateOptions(domain.ExportOptions{IncludedLayers: []string{LayerBorder, "PID-EXTRA"}})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSheetMapsPagesSideBySide(t *testing.T) {
	model := domain.ExportModel{
		DPI:   254,
		Pages: []domain.PageSize{{Width: 1000, Height: 500}, {Width: 1000, Height: 500}},
	}
	s, err := NewSheet(model, domain.ExportOptions{PaperSize: "A3", Scale: 2})
	if err != nil {
		t.Fatalf("sheet: %v", err)
	}
	if s.WidthMM != 840 || s.HeightMM != 594 {
		t.Fatalf("unexpected sheet %v x %v", s.WidthMM, s.HeightMM)
	}
	p := s.Point(0, domain.Point{X: 100, Y: 100})
	if math.Abs(p.X-10) > 1e-9 || math.Abs(p.Y-40) > 1e-9 {
		t.Fatalf("unexpected first page point %v", p)
	}
	q := s.Point(1, domain.Point{X: 0, Y: 500})
	if math.Abs(q.X-120) > 1e-9 || math.Abs(q.Y) > 1e-9 {
		t.Fatalf("unexpected second page point %v", q)
	}
	b := s.Box(0, domain.BBox{X: 0, Y: 0, Width: 100, Height: 100})
	if math.Abs(b.Y-40) > 1e-9 || math.Abs(b.Height-10) > 1e-9 {
		t.Fatalf("unexpected box %v", b)
	}
}

func TestLayerMapping(t *testing.T) {
	if SymbolLayer(domain.CategoryOther) != LayerValves || SymbolLayer(domain.CategoryInstrument) != LayerInstruments {
		t.Fatalf("unexpected symbol layers")
	}
	if LineLayer(domain.LineUtility) != LayerPipingUtility || TextLayer(domain.TokenNote) != LayerNotes {
		t.Fatalf("unexpected line or text layers")
	}
	l, ok := LayerByName(LayerPipingInstrument)
	if !ok || l.Color != 2 || l.Linetype != "DASHED" || l.WidthMM != 0.18 {
		t.Fatalf("unexpected layer %+v", l)
	}
}
