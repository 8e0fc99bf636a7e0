package lines

import (
	"sort"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type polyline struct {
	points  []domain.Point
	pattern domain.StrokePattern
	// dirs holds the orientation of the first and last segment.
	dirs [2]orientation
}

func fromChain(ch *chain) polyline {
	a, b := ch.start(), ch.end()
	pts := []domain.Point{{X: a, Y: ch.c}, {X: b, Y: ch.c}}
	if ch.dir == vertical {
		pts = []domain.Point{{X: ch.c, Y: a}, {X: ch.c, Y: b}}
	}
	return polyline{points: pts, pattern: ch.pattern, dirs: [2]orientation{ch.dir, ch.dir}}
}

func (pl polyline) endpoint(end int) domain.Point {
	if end == 0 {
		return pl.points[0]
	}
	return pl.points[len(pl.points)-1]
}

func (pl polyline) reversed() polyline {
	pts := make([]domain.Point, len(pl.points))
	for i, p := range pl.points {
		pts[len(pts)-1-i] = p
	}
	return polyline{points: pts, pattern: pl.pattern, dirs: [2]orientation{pl.dirs[1], pl.dirs[0]}}
}

type endRef struct {
	line int
	end  int
}

// joinChains links orthogonal chains whose ends meet within radius into
// polylines. Only unambiguous corners are joined: each of the two ends must
// have exactly one partner.
func joinChains(chains []*chain, radius float64) []polyline {
	polys := make([]polyline, len(chains))
	for i, ch := range chains {
		polys[i] = fromChain(ch)
	}
	sortPolylines(polys)

	for {
		partners := func(ref endRef) []endRef {
			var out []endRef
			pt := polys[ref.line].endpoint(ref.end)
			dir := polys[ref.line].dirs[ref.end]
			for j := range polys {
				if j == ref.line || polys[j].pattern != polys[ref.line].pattern {
					continue
				}
				for e := 0; e < 2; e++ {
					if polys[j].dirs[e] == dir {
						continue
					}
					if pt.Distance(polys[j].endpoint(e)) <= radius {
						out = append(out, endRef{line: j, end: e})
					}
				}
			}
			return out
		}

		merged := false
		for i := 0; i < len(polys) && !merged; i++ {
			for end := 0; end < 2 && !merged; end++ {
				cand := partners(endRef{line: i, end: end})
				if len(cand) != 1 {
					continue
				}
				other := cand[0]
				if back := partners(other); len(back) != 1 || back[0] != (endRef{line: i, end: end}) {
					continue
				}
				polys[i] = joinAt(polys[i], end, polys[other.line], other.end)
				polys = append(polys[:other.line], polys[other.line+1:]...)
				merged = true
			}
		}
		if !merged {
			break
		}
	}

	for i := range polys {
		first, last := polys[i].points[0], polys[i].points[len(polys[i].points)-1]
		if last.Y < first.Y || (last.Y == first.Y && last.X < first.X) {
			polys[i] = polys[i].reversed()
		}
	}
	sortPolylines(polys)
	return polys
}

// joinAt connects end ea of a to end eb of b through their corner point.
func joinAt(a polyline, ea int, b polyline, eb int) polyline {
	if ea == 0 {
		a = a.reversed()
	}
	if eb == 1 {
		b = b.reversed()
	}
	aLast := a.points[len(a.points)-1]
	bFirst := b.points[0]
	corner := domain.Point{X: bFirst.X, Y: aLast.Y}
	if a.dirs[1] == vertical {
		corner = domain.Point{X: aLast.X, Y: bFirst.Y}
	}
	pts := make([]domain.Point, 0, len(a.points)+len(b.points)-1)
	pts = append(pts, a.points[:len(a.points)-1]...)
	pts = append(pts, corner)
	pts = append(pts, b.points[1:]...)
	return polyline{points: pts, pattern: a.pattern, dirs: [2]orientation{a.dirs[0], b.dirs[1]}}
}

func sortPolylines(polys []polyline) {
	sort.SliceStable(polys, func(i, j int) bool {
		a, b := polys[i].points[0], polys[j].points[0]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return len(polys[i].points) < len(polys[j].points)
	})
}
