package dxf

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/layout"
)

func ptr(s string) *string { return &s }

func testModel() domain.ExportModel {
	return domain.ExportModel{
		Drawing: domain.Drawing{
			ID:         "d1",
			Filename:   "unit-100.pdf",
			TitleBlock: domain.TitleBlock{DrawingNumber: "PID-100", Revision: "B", Title: "Feed section"},
		},
		DPI:        254, // 0.1 mm per pixel
		Pages:      []domain.PageSize{{Width: 8000, Height: 5000}},
		ExportedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbols: []domain.DetectedSymbol{
			{ID: "s1", Class: "Pump_Centrifugal", Category: domain.CategoryEquipment, BBox: domain.BBox{X: 1000, Y: 1000, Width: 150, Height: 150}, IsVerified: true, Tag: "P-101"},
			{ID: "s2", Class: "Valve_Gate", Category: domain.CategoryValve, BBox: domain.BBox{X: 2000, Y: 1000, Width: 50, Height: 100}, Rotation: 90, IsVerified: true, Tag: "V-1",
				Attributes: map[string]string{domain.AttrSpec: "CS150"}},
			{ID: "s3", Class: "Filter", Category: domain.CategoryEquipment, BBox: domain.BBox{X: 3000, Y: 1000, Width: 100, Height: 100}},
			{ID: "s4", Class: "Mystery", Category: domain.CategoryOther, BBox: domain.BBox{X: 4000, Y: 1000, Width: 100, Height: 100}, IsVerified: true},
		},
		Lines: []domain.DetectedLine{
			{ID: "l1", LineType: domain.LineProcess, Points: []domain.Point{{X: 1150, Y: 1075}, {X: 2000, Y: 1075}}, FromSymbolID: ptr("s1"), ToSymbolID: ptr("s2")},
			{ID: "l2", LineType: domain.LineInstrument, Points: []domain.Point{{X: 2025, Y: 1000}, {X: 2025, Y: 500}, {X: 2500, Y: 500}}},
		},
		Tokens: []domain.TextToken{
			{ID: "t1", Text: "P-101", Kind: domain.TokenTag, SymbolID: ptr("s1"), BBox: domain.BBox{X: 1000, Y: 1160, Width: 100, Height: 30}},
			{ID: "t2", Text: "SEE NOTE 3", Kind: domain.TokenNote, BBox: domain.BBox{X: 500, Y: 4000, Width: 400, Height: 30}},
		},
	}
}

func encode(t *testing.T, model domain.ExportModel, opts domain.ExportOptions) ([]byte, domain.EncodeReport, *Document) {
	t.Helper()
	out, report, err := New(catalog.Default()).Encode(context.Background(), model, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	doc, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return out, report, doc
}

func TestEncodeRoundTrip(t *testing.T) {
	_, report, doc := encode(t, testModel(), domain.ExportOptions{})

	if doc.Version != "AC1009" {
		t.Fatalf("unexpected version %q", doc.Version)
	}
	if len(doc.Layers) != len(layout.Layers) {
		t.Fatalf("expected %d layers, got %d", len(layout.Layers), len(doc.Layers))
	}
	for i, want := range layout.Layers {
		got := doc.Layers[i]
		if got.Name != want.Name || got.Color != want.Color || got.Linetype != want.Linetype || got.WidthMM != want.WidthMM {
			t.Fatalf("layer %d: got %+v, want %+v", i, got, want)
		}
	}

	if report.Inserts != 3 || doc.Count("INSERT", "") != 3 {
		t.Fatalf("expected 3 inserts for the verified symbols, report %+v", report)
	}
	tags := map[string]string{}
	for _, e := range doc.Entities {
		if e.Type == "INSERT" {
			tags[e.Block] = e.Attribs[AttrTag]
		}
	}
	if tags["PID_PUMP_CENTRIFUGAL"] != "P-101" || tags["PID_VALVE_GATE"] != "V-1" {
		t.Fatalf("unexpected tag attributes %v", tags)
	}
	if _, ok := tags["PID_GENERIC"]; !ok {
		t.Fatalf("expected unknown class to use the generic block, got %v", tags)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "PID_GENERIC") {
		t.Fatalf("expected a fallback warning, got %v", report.Warnings)
	}

	if doc.Count("POLYLINE", layout.LayerPipingProcess) != 1 || doc.Count("POLYLINE", layout.LayerPipingInstrument) != 1 {
		t.Fatalf("expected one polyline per line type layer")
	}
	if doc.Count("POLYLINE", layout.LayerBorder) != 1 || doc.Count("POLYLINE", layout.LayerTitleBlock) != 1 {
		t.Fatalf("expected border and title block frames")
	}
	if report.Polylines != 4 {
		t.Fatalf("unexpected polyline count %d", report.Polylines)
	}

	if doc.Count("TEXT", layout.LayerTextTags) != 0 {
		t.Fatalf("tag already carried by the TAG attribute was repeated as text")
	}
	if doc.Count("TEXT", layout.LayerNotes) != 1 {
		t.Fatalf("expected the note on %s", layout.LayerNotes)
	}

	pump := doc.Blocks["PID_PUMP_CENTRIFUGAL"]
	if pump == nil || strings.Join(pump.AttDefs, ",") != "TAG,DESCRIPTION,TYPE,SPEC" || pump.Points != 2 {
		t.Fatalf("unexpected pump block %+v", pump)
	}
}

func TestEncodePlacesRotatedInsert(t *testing.T) {
	_, _, doc := encode(t, testModel(), domain.ExportOptions{})
	for _, e := range doc.Entities {
		if e.Type != "INSERT" || e.Block != "PID_VALVE_GATE" {
			continue
		}
		// Box 5 x 10 mm at (200, 400) mm on a 500 mm high page.
		if e.Rotation != 90 || math.Abs(e.At.X-205) > 1e-3 || math.Abs(e.At.Y-390) > 1e-3 {
			t.Fatalf("unexpected valve placement %+v", e)
		}
		if e.Attribs[AttrSpec] != "CS150" || e.Attribs[AttrType] != "Valve_Gate" {
			t.Fatalf("unexpected attributes %v", e.Attribs)
		}
		return
	}
	t.Fatalf("valve insert missing")
}

func TestEncodeIncludesUnverifiedForDrafts(t *testing.T) {
	_, report, _ := encode(t, testModel(), domain.ExportOptions{Draft: true})
	if report.Inserts != 4 {
		t.Fatalf("expected every symbol in a draft, got %d", report.Inserts)
	}
}

func TestEncodeSkipsExcludedLayers(t *testing.T) {
	_, report, doc := encode(t, testModel(), domain.ExportOptions{IncludedLayers: []string{layout.LayerPipingProcess}})
	if report.Inserts != 0 || doc.Count("POLYLINE", "") != 1 || doc.Count("TEXT", "") != 0 {
		t.Fatalf("expected only the process line, got %+v", report)
	}
	if len(doc.Layers) != len(layout.Layers) {
		t.Fatalf("layer table must stay complete")
	}
}

func TestEncodeWarnsAboutDegenerateLine(t *testing.T) {
	model := testModel()
	model.Lines = append(model.Lines, domain.DetectedLine{ID: "l3", LineType: domain.LineProcess, Points: []domain.Point{{X: 10, Y: 10}}})

	_, report, doc := encode(t, model, domain.ExportOptions{})
	if doc.Count("POLYLINE", "") != 2 {
		t.Fatalf("degenerate line must not be drawn")
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "line l3") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning naming l3, got %v", report.Warnings)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, _, _ := encode(t, testModel(), domain.ExportOptions{PaperSize: "A0"})
	b, _, _ := encode(t, testModel(), domain.ExportOptions{PaperSize: "A0"})
	if !bytes.Equal(a, b) {
		t.Fatalf("output differs between runs")
	}
}

func TestSelfCheckRejectsMismatch(t *testing.T) {
	out, _, _ := encode(t, testModel(), domain.ExportOptions{})
	if err := selfCheck(out, 2, 4); err == nil {
		t.Fatalf("expected insert mismatch to be reported")
	}
}
