package template

import (
	"context"
	"math"
	"testing"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
)

const dpi = 300

func drawEntry(t *testing.T, cat *catalog.Catalog, class domain.SymbolClass, box domain.BBox, rotation int) [][2]domain.Point {
	t.Helper()
	entry, ok := cat.Lookup(class)
	if !ok {
		t.Fatalf("class %s missing", class)
	}
	var out [][2]domain.Point
	for _, s := range entry.Segments(rotation) {
		out = append(out, [2]domain.Point{
			{X: box.X + s.A.X*box.Width, Y: box.Y + s.A.Y*box.Height},
			{X: box.X + s.B.X*box.Width, Y: box.Y + s.B.Y*box.Height},
		})
	}
	return out
}

func TestDetectsPumpWithPipesAttached(t *testing.T) {
	cat := catalog.Default()
	side := domain.MillimetresToPixels(15, dpi)
	box := domain.BBox{X: 400 - side/2, Y: 400 - side/2, Width: side, Height: side}

	img := raster.NewWhite(800, 800)
	raster.Stroke(img, drawEntry(t, cat, "Pump_Centrifugal", box, 0), 3)
	raster.Stroke(img, [][2]domain.Point{
		{{X: 20, Y: 400}, {X: box.X, Y: 400}},
		{{X: box.MaxX(), Y: box.Y}, {X: box.MaxX(), Y: 20}},
	}, 3)

	d := New(cat, Config{DPI: dpi})
	dets, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected one detection, got %+v", dets)
	}
	got := dets[0]
	class, _ := domain.ClassByID(got.ClassID)
	if class.Class != "Pump_Centrifugal" {
		t.Fatalf("expected pump, got %s (%.2f)", class.Class, got.Confidence)
	}
	if got.Confidence < domain.DefaultConfidenceThreshold {
		t.Fatalf("expected confident match, got %.2f", got.Confidence)
	}
	if math.Abs(got.BBox.X-box.X) > 4 || math.Abs(got.BBox.Width-box.Width) > 6 {
		t.Fatalf("box %+v far from drawn %+v", got.BBox, box)
	}
	if got.Rotation != 0 {
		t.Fatalf("expected upright pump, got %v", got.Rotation)
	}
}

func TestDetectsRotatedGateValve(t *testing.T) {
	cat := catalog.Default()
	w, h := domain.MillimetresToPixels(6, dpi), domain.MillimetresToPixels(10, dpi)
	box := domain.BBox{X: 300, Y: 300, Width: w, Height: h}

	img := raster.NewWhite(700, 700)
	raster.Stroke(img, drawEntry(t, cat, "Valve_Gate", box, 90), 3)

	dets, err := New(cat, Config{DPI: dpi}).Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected one detection, got %d", len(dets))
	}
	class, _ := domain.ClassByID(dets[0].ClassID)
	if class.Category != domain.CategoryValve {
		t.Fatalf("expected a valve, got %s", class.Class)
	}
	if r := domain.QuantizeRotation(dets[0].Rotation); r != 90 && r != 270 {
		t.Fatalf("expected a quarter turn, got %d", r)
	}
}

func TestIgnoresTextSizedBlobsAndPipes(t *testing.T) {
	img := raster.NewWhite(600, 600)
	raster.Stroke(img, [][2]domain.Point{
		{{X: 10, Y: 300}, {X: 590, Y: 300}},
		{{X: 100, Y: 100}, {X: 110, Y: 110}},
	}, 3)
	dets, err := New(catalog.Default(), Config{DPI: dpi}).Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("expected nothing, got %+v", dets)
	}
}

func TestDetectHonoursCancellation(t *testing.T) {
	cat := catalog.Default()
	side := domain.MillimetresToPixels(15, dpi)
	img := raster.NewWhite(600, 600)
	raster.Stroke(img, drawEntry(t, cat, "Pump_Centrifugal", domain.BBox{X: 200, Y: 200, Width: side, Height: side}, 0), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(cat, Config{DPI: dpi}).Detect(ctx, img); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
