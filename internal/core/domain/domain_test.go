package domain

import (
	"errors"
	"math"
	"testing"
)

func TestIoU(t *testing.T) {
	a := BBox{X: 0, Y: 0, Width: 10, Height: 10}
	if got := a.IoU(a); got != 1 {
		t.Fatalf("expected identical boxes iou 1, got %f", got)
	}
	b := BBox{X: 5, Y: 0, Width: 10, Height: 10}
	if got := a.IoU(b); math.Abs(got-50.0/150.0) > 1e-9 {
		t.Fatalf("unexpected iou %f", got)
	}
	c := BBox{X: 20, Y: 20, Width: 5, Height: 5}
	if got := a.IoU(c); got != 0 {
		t.Fatalf("expected disjoint iou 0, got %f", got)
	}
}

func TestDistanceTo(t *testing.T) {
	b := BBox{X: 10, Y: 10, Width: 10, Height: 10}
	if d := b.DistanceTo(Point{X: 15, Y: 15}); d != 0 {
		t.Fatalf("expected inside distance 0, got %f", d)
	}
	if d := b.DistanceTo(Point{X: 15, Y: 25}); d != 5 {
		t.Fatalf("expected distance 5, got %f", d)
	}
}

func TestQuantizeRotation(t *testing.T) {
	cases := map[float64]int{0: 0, 44: 0, 46: 90, 89.9: 90, 181: 180, 269: 270, 316: 0, -90: 270, 720: 0, math.NaN(): 0}
	for in, want := range cases {
		if got := QuantizeRotation(in); got != want {
			t.Fatalf("QuantizeRotation(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestIsFlaggedFor(t *testing.T) {
	if !IsFlaggedFor(0.69, DefaultConfidenceThreshold) {
		t.Fatalf("expected flag below threshold")
	}
	if IsFlaggedFor(0.7, DefaultConfidenceThreshold) {
		t.Fatalf("expected no flag at threshold")
	}
}

func TestRotateUnitPoint(t *testing.T) {
	u, v := RotateUnitPoint(1, 0.5, 90)
	if math.Abs(u-0.5) > 1e-9 || math.Abs(v) > 1e-9 {
		t.Fatalf("expected right port to move to top, got (%f,%f)", u, v)
	}
	u, v = RotateUnitPoint(1, 0.5, 180)
	if math.Abs(u) > 1e-9 || math.Abs(v-0.5) > 1e-9 {
		t.Fatalf("expected right port to move to left, got (%f,%f)", u, v)
	}
}

func TestTaxonomyHasFiftyUniqueClasses(t *testing.T) {
	if len(Taxonomy) != 50 {
		t.Fatalf("expected 50 classes, got %d", len(Taxonomy))
	}
	seen := map[SymbolClass]bool{}
	for _, e := range Taxonomy {
		if seen[e.Class] {
			t.Fatalf("duplicate class %s", e.Class)
		}
		seen[e.Class] = true
		if !e.Category.Valid() {
			t.Fatalf("invalid category for %s", e.Class)
		}
	}
	if id, ok := ClassID("Pump_Centrifugal"); !ok || id != 0 {
		t.Fatalf("expected pump class id 0, got %d", id)
	}
}

func TestParseStages(t *testing.T) {
	stages, err := ParseStages([]string{"tags", "detect", "detect"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stages) != 2 || stages[0] != StageDetect || stages[1] != StageTags {
		t.Fatalf("unexpected stages %v", stages)
	}
	if all, _ := ParseStages(nil); len(all) != 4 {
		t.Fatalf("expected all stages by default, got %v", all)
	}
	if _, err := ParseStages([]string{"paint"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExportStatusForwardOnly(t *testing.T) {
	if !ExportQueued.CanTransition(ExportProcessing) || !ExportProcessing.CanTransition(ExportCompleted) {
		t.Fatalf("expected forward transitions to be allowed")
	}
	if ExportCompleted.CanTransition(ExportFailed) || ExportProcessing.CanTransition(ExportQueued) {
		t.Fatalf("expected backward or terminal transitions to be rejected")
	}
}

func TestIncludesUnverifiedDefaults(t *testing.T) {
	if (ExportOptions{}).IncludesUnverified(FormatDXF) {
		t.Fatalf("formal dxf must exclude unverified symbols")
	}
	if !(ExportOptions{Draft: true}).IncludesUnverified(FormatDXF) {
		t.Fatalf("draft dxf must include unverified symbols")
	}
	if !(ExportOptions{}).IncludesUnverified(FormatXLSX) {
		t.Fatalf("checklist must include unverified symbols")
	}
	no := false
	if (ExportOptions{Draft: true, IncludeUnverified: &no}).IncludesUnverified(FormatDXF) {
		t.Fatalf("explicit option must win")
	}
}

func TestErrorKindsNest(t *testing.T) {
	if !errors.Is(ErrUnreadablePDF, ErrInvalidInput) || !errors.Is(ErrOutOfMemory, ErrTemporary) {
		t.Fatalf("expected sub-kinds to match their parent kind")
	}
	err := WrapError(ErrDrawingNotFound, "get drawing", errors.New("no rows"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found kind, got %v", err)
	}
}
