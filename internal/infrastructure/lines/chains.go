package lines

import (
	"math"
	"sort"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type span struct{ a, b float64 }

// chain is a run of collinear pieces. Its on-runs are the inked intervals
// and the gaps between them form the stroke pattern.
type chain struct {
	dir     orientation
	c       float64
	weight  float64
	runs    []span
	pattern domain.StrokePattern
}

func (ch *chain) start() float64 { return ch.runs[0].a }
func (ch *chain) end() float64   { return ch.runs[len(ch.runs)-1].b }

func (ch *chain) add(pc piece, solidGap float64) {
	w := pc.b - pc.a + 1
	ch.c = (ch.c*ch.weight + pc.c*w) / (ch.weight + w)
	ch.weight += w
	last := &ch.runs[len(ch.runs)-1]
	if pc.a-last.b <= solidGap {
		last.b = math.Max(last.b, pc.b)
		return
	}
	ch.runs = append(ch.runs, span{a: pc.a, b: pc.b})
}

// gapBlocker reports whether the gap between two pieces crosses a symbol.
type gapBlocker func(dir orientation, c, a, b float64) bool

func symbolBlocker(symbols []domain.DetectedSymbol) gapBlocker {
	return func(dir orientation, c, a, b float64) bool {
		mid := (a + b) / 2
		p := domain.Point{X: mid, Y: c}
		if dir == vertical {
			p = domain.Point{X: c, Y: mid}
		}
		for _, s := range symbols {
			if s.BBox.Contains(p) {
				return true
			}
		}
		return false
	}
}

// buildChains groups pieces into chains: same orientation, cross coordinate
// within tolerance and gaps no longer than the dash gap limit. Chains shorter
// than the minimum line length are dropped.
func buildChains(ps []piece, p params, blocked gapBlocker) []*chain {
	sorted := append([]piece(nil), ps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].dir != sorted[j].dir {
			return sorted[i].dir < sorted[j].dir
		}
		if sorted[i].a != sorted[j].a {
			return sorted[i].a < sorted[j].a
		}
		return sorted[i].c < sorted[j].c
	})

	var (
		done []*chain
		open []*chain
	)
	flush := func(keep func(*chain) bool) {
		still := open[:0]
		for _, ch := range open {
			if keep(ch) {
				still = append(still, ch)
			} else {
				done = append(done, ch)
			}
		}
		open = still
	}

	for i, pc := range sorted {
		if i > 0 && sorted[i-1].dir != pc.dir {
			flush(func(*chain) bool { return false })
		}
		flush(func(ch *chain) bool { return pc.a-ch.end() <= p.maxGap })

		var best *chain
		bestDiff := math.Inf(1)
		for _, ch := range open {
			diff := math.Abs(ch.c - pc.c)
			if diff > p.coordTol || diff >= bestDiff {
				continue
			}
			if gap := pc.a - ch.end(); gap > p.solidGap && blocked != nil && blocked(pc.dir, ch.c, ch.end(), pc.a) {
				continue
			}
			best, bestDiff = ch, diff
		}
		if best != nil {
			best.add(pc, p.solidGap)
			continue
		}
		open = append(open, &chain{
			dir:    pc.dir,
			c:      pc.c,
			weight: pc.b - pc.a + 1,
			runs:   []span{{a: pc.a, b: pc.b}},
		})
	}
	done = append(done, open...)

	out := make([]*chain, 0, len(done))
	for _, ch := range done {
		if ch.end()-ch.start() < p.minLength {
			continue
		}
		ch.pattern = classifyPattern(ch.runs)
		out = append(out, ch)
	}
	return out
}

// classifyPattern reads the on-runs of a chain: one run is solid, short dots
// alternating with dashes is dash-dot, anything else with gaps is dashed.
func classifyPattern(runs []span) domain.StrokePattern {
	if len(runs) <= 1 {
		return domain.StrokeSolid
	}
	longest := 0.0
	for _, r := range runs {
		longest = math.Max(longest, r.b-r.a)
	}
	dots, dashes := 0, 0
	for _, r := range runs {
		if r.b-r.a <= 0.35*longest {
			dots++
		} else {
			dashes++
		}
	}
	if dots > 0 && dashes >= 2 && 2*dots >= dashes-1 {
		return domain.StrokeDashDot
	}
	return domain.StrokeDashed
}

// dropFrameChains removes solid chains spanning most of the sheet, which are
// border and title block frame lines rather than piping.
func dropFrameChains(chains []*chain, page domain.NormalizedPage) []*chain {
	out := chains[:0]
	for _, ch := range chains {
		limit := 0.8 * float64(page.Width)
		if ch.dir == vertical {
			limit = 0.8 * float64(page.Height)
		}
		if ch.pattern == domain.StrokeSolid && ch.end()-ch.start() >= limit {
			continue
		}
		out = append(out, ch)
	}
	return out
}
