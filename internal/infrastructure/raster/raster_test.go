package raster

import (
	"image"
	"testing"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

func TestStrokeDrawsInk(t *testing.T) {
	img := NewWhite(50, 50)
	Stroke(img, [][2]domain.Point{{{X: 5, Y: 25}, {X: 45, Y: 25}}}, 3)
	if img.GrayAt(25, 25).Y != 0 {
		t.Fatalf("expected ink on the stroke centre")
	}
	if img.GrayAt(25, 10).Y != 0xff {
		t.Fatalf("expected paper away from the stroke")
	}
}

func TestComponentsSeparatesRegions(t *testing.T) {
	m := NewMask(20, 10)
	for x := 1; x < 5; x++ {
		m.Set(x, 2, true)
	}
	m.Set(10, 5, true)
	m.Set(11, 6, true)
	comps := m.Components()
	if len(comps) != 2 {
		t.Fatalf("expected 2 components, got %d", len(comps))
	}
	if comps[0].Bounds != image.Rect(1, 2, 5, 3) || comps[0].Pixels != 4 {
		t.Fatalf("unexpected first component %+v", comps[0])
	}
	if comps[1].Bounds != image.Rect(10, 5, 12, 7) {
		t.Fatalf("expected diagonal pixels to join, got %+v", comps[1])
	}
}

func TestRemoveLongRunsKeepsShortStrokes(t *testing.T) {
	m := NewMask(40, 10)
	for x := 0; x < 40; x++ {
		m.Set(x, 1, true)
	}
	for x := 5; x < 10; x++ {
		m.Set(x, 6, true)
	}
	out := m.RemoveLongRuns(20)
	if out.At(20, 1) {
		t.Fatalf("expected long run to be removed")
	}
	if !out.At(7, 6) {
		t.Fatalf("expected short run to survive")
	}
}

func TestThinReducesBarToSingleRow(t *testing.T) {
	m := NewMask(30, 9)
	for y := 3; y < 6; y++ {
		for x := 3; x < 27; x++ {
			m.Set(x, y, true)
		}
	}
	skel := m.Thin()
	for x := 6; x < 24; x++ {
		n := 0
		for y := 0; y < 9; y++ {
			if skel.At(x, y) {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("expected one skeleton pixel in column %d, got %d", x, n)
		}
	}
}

func TestDilateGrowsBySquare(t *testing.T) {
	m := NewMask(9, 9)
	m.Set(4, 4, true)
	d := m.Dilate(2)
	if d.Count() != 25 {
		t.Fatalf("expected 5x5 block, got %d pixels", d.Count())
	}
	if !d.At(2, 2) || d.At(1, 4) {
		t.Fatalf("unexpected dilation footprint")
	}
}
