package usecase

import (
	"math"
	"sort"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// defaultNMSIoU is the overlap above which two same-class boxes are one symbol.
const defaultNMSIoU = 0.5

// toPageDetections maps raw tile detections into page space, clipped to the
// page. Detections with unknown class ids are dropped and counted.
func toPageDetections(raw []domain.RawDetection, transform domain.Affine, pageW, pageH int) ([]domain.PageDetection, int) {
	page := domain.BBox{Width: float64(pageW), Height: float64(pageH)}
	out := make([]domain.PageDetection, 0, len(raw))
	unknown := 0
	for _, r := range raw {
		class, ok := domain.ClassByID(r.ClassID)
		if !ok {
			unknown++
			continue
		}
		box := transform.ApplyBox(r.BBox).Intersect(page)
		if box.Area() == 0 {
			continue
		}
		out = append(out, domain.PageDetection{
			Class:      class.Class,
			Category:   class.Category,
			BBox:       box,
			Confidence: clampConfidence(r.Confidence),
			Rotation:   domain.QuantizeRotation(r.Rotation),
		})
	}
	return out, unknown
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Min(1, math.Max(0, c))
}

// mergeDetections runs class-aware non-maximum suppression. Candidates are
// ranked by confidence, then larger area, then smaller (y, x); a candidate is
// suppressed when it overlaps a kept box of the same class by more than iou.
// The result is independent of input order.
func mergeDetections(dets []domain.PageDetection, iou float64) []domain.PageDetection {
	if iou <= 0 {
		iou = defaultNMSIoU
	}
	ranked := append([]domain.PageDetection(nil), dets...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return outranks(ranked[i], ranked[j])
	})

	kept := make([]domain.PageDetection, 0, len(ranked))
	byClass := make(map[domain.SymbolClass][]int)
	for _, d := range ranked {
		suppressed := false
		for _, k := range byClass[d.Class] {
			if kept[k].BBox.IoU(d.BBox) > iou {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		byClass[d.Class] = append(byClass[d.Class], len(kept))
		kept = append(kept, d)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i].BBox, kept[j].BBox
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return kept[i].Class < kept[j].Class
	})
	return kept
}

func outranks(a, b domain.PageDetection) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if aa, ba := a.BBox.Area(), b.BBox.Area(); aa != ba {
		return aa > ba
	}
	if a.BBox.Y != b.BBox.Y {
		return a.BBox.Y < b.BBox.Y
	}
	if a.BBox.X != b.BBox.X {
		return a.BBox.X < b.BBox.X
	}
	if a.Class != b.Class {
		return a.Class < b.Class
	}
	return a.Rotation < b.Rotation
}
