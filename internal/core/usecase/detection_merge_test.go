package usecase

import (
	"testing"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

func det(class domain.SymbolClass, x, y, w, h, conf float64) domain.PageDetection {
	return domain.PageDetection{Class: class, BBox: domain.BBox{X: x, Y: y, Width: w, Height: h}, Confidence: conf}
}

func TestMergeKeepsHigherConfidence(t *testing.T) {
	out := mergeDetections([]domain.PageDetection{
		det("Valve_Gate", 0, 0, 10, 10, 0.6),
		det("Valve_Gate", 1, 1, 10, 10, 0.9),
	}, 0.5)
	if len(out) != 1 || out[0].Confidence != 0.9 {
		t.Fatalf("expected the 0.9 box to survive, got %+v", out)
	}
}

func TestMergeIsClassAware(t *testing.T) {
	out := mergeDetections([]domain.PageDetection{
		det("Valve_Gate", 0, 0, 10, 10, 0.6),
		det("Valve_Globe", 0, 0, 10, 10, 0.9),
	}, 0.5)
	if len(out) != 2 {
		t.Fatalf("expected both classes kept, got %d", len(out))
	}
}

func TestMergeTieBreaksOnAreaThenPosition(t *testing.T) {
	larger := det("Filter", 0, 0, 12, 12, 0.8)
	smaller := det("Filter", 0, 0, 11, 11, 0.8)
	out := mergeDetections([]domain.PageDetection{smaller, larger}, 0.5)
	if len(out) != 1 || out[0].BBox.Width != 12 {
		t.Fatalf("expected larger box on equal confidence, got %+v", out)
	}

	upper := det("Filter", 1, 0, 10, 10, 0.8)
	lower := det("Filter", 0, 1, 10, 10, 0.8)
	out = mergeDetections([]domain.PageDetection{lower, upper}, 0.5)
	if len(out) != 1 || out[0].BBox.Y != 0 {
		t.Fatalf("expected smaller y to win, got %+v", out)
	}

	left := det("Filter", 0, 0, 10, 10, 0.8)
	right := det("Filter", 1, 0, 10, 10, 0.8)
	out = mergeDetections([]domain.PageDetection{right, left}, 0.5)
	if len(out) != 1 || out[0].BBox.X != 0 {
		t.Fatalf("expected smaller x to win, got %+v", out)
	}
}

func TestMergeKeepsLowOverlap(t *testing.T) {
	out := mergeDetections([]domain.PageDetection{
		det("Reducer", 0, 0, 10, 10, 0.9),
		det("Reducer", 6, 0, 10, 10, 0.8),
	}, 0.5)
	if len(out) != 2 {
		t.Fatalf("expected IoU 0.25 pair to be kept, got %d", len(out))
	}
}

func TestMergeIsOrderIndependent(t *testing.T) {
	in := []domain.PageDetection{
		det("Reducer", 0, 0, 10, 10, 0.7),
		det("Reducer", 2, 0, 10, 10, 0.9),
		det("Reducer", 4, 0, 10, 10, 0.8),
		det("Valve_Ball", 40, 40, 10, 10, 0.5),
	}
	a := mergeDetections(in, 0.5)
	reversed := []domain.PageDetection{in[3], in[2], in[1], in[0]}
	b := mergeDetections(reversed, 0.5)
	if len(a) != len(b) {
		t.Fatalf("length differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("item %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestToPageDetectionsClipsAndDropsUnknown(t *testing.T) {
	raw := []domain.RawDetection{
		{ClassID: 0, BBox: domain.BBox{X: 90, Y: 10, Width: 20, Height: 10}, Confidence: 0.9, Rotation: 93},
		{ClassID: 999, BBox: domain.BBox{X: 0, Y: 0, Width: 5, Height: 5}, Confidence: 0.9},
	}
	out, unknown := toPageDetections(raw, domain.Affine{Scale: 1, OffsetX: 100, OffsetY: 0}, 200, 100)
	if unknown != 1 || len(out) != 1 {
		t.Fatalf("expected one kept and one unknown, got %d/%d", len(out), unknown)
	}
	if out[0].BBox.MaxX() != 200 || out[0].Rotation != 90 {
		t.Fatalf("expected clipped box and quantized rotation, got %+v", out[0])
	}
	if out[0].Class != domain.Taxonomy[0].Class {
		t.Fatalf("unexpected class %s", out[0].Class)
	}
}
