// Package lines extracts pipe and signal lines from a normalized page,
// classifies them by stroke pattern and snaps their ends to symbol ports.
package lines

import (
	"context"
	"fmt"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type Config struct {
	SnapRadiusMM    float64
	JoinRadiusMM    float64
	MaxDashGapMM    float64
	MinLineLengthMM float64
}

func (c Config) normalize() Config {
	if c.SnapRadiusMM <= 0 {
		c.SnapRadiusMM = 3
	}
	if c.JoinRadiusMM <= 0 {
		c.JoinRadiusMM = 1
	}
	if c.MaxDashGapMM <= 0 {
		c.MaxDashGapMM = 4
	}
	if c.MinLineLengthMM <= 0 {
		c.MinLineLengthMM = 5
	}
	return c
}

type Builder struct {
	cfg Config
}

func New(cfg Config) *Builder {
	return &Builder{cfg: cfg.normalize()}
}

// params holds the configured lengths converted to pixels for one page.
type params struct {
	snap      float64
	join      float64
	maxGap    float64
	minLength float64
	coordTol  float64
	solidGap  float64
}

func (b *Builder) params(page domain.NormalizedPage) params {
	px := func(mm float64) float64 { return domain.MillimetresToPixels(mm, page.DPI) }
	p := params{
		snap:      px(b.cfg.SnapRadiusMM),
		join:      px(b.cfg.JoinRadiusMM),
		maxGap:    px(b.cfg.MaxDashGapMM),
		minLength: px(b.cfg.MinLineLengthMM),
		coordTol:  1.5,
		solidGap:  1.5,
	}
	if page.SourceType == domain.SourceScanned {
		// Skeleton pixels wander by a pixel or two and break at junctions.
		p.coordTol = 2.5
		p.solidGap = px(0.3)
	}
	return p
}

// Build returns the page's lines in reading order, without ids, with
// endpoints snapped to symbol connection points. Warnings name dangling
// endpoints.
func (b *Builder) Build(ctx context.Context, page domain.NormalizedPage, symbols []domain.DetectedSymbol) ([]domain.DetectedLine, []string, error) {
	p := b.params(page)
	onPage := make([]domain.DetectedSymbol, 0, len(symbols))
	for _, s := range symbols {
		if s.Page == page.Index {
			onPage = append(onPage, s)
		}
	}

	var (
		ps         []piece
		confidence float64
	)
	switch {
	case page.SourceType == domain.SourceVector && len(page.Segments) > 0:
		ps = vectorPieces(page.Segments, onPage)
		confidence = 1
	case page.Image != nil:
		ps = rasterPieces(page.Image, onPage)
		confidence = 0.9
	default:
		return nil, nil, fmt.Errorf("page %d has neither segments nor raster", page.Index)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	chains := buildChains(ps, p, symbolBlocker(onPage))
	chains = dropFrameChains(chains, page)
	polys := joinChains(chains, p.join)

	var (
		out      []domain.DetectedLine
		warnings []string
	)
	for _, poly := range polys {
		line := domain.DetectedLine{
			Page:       page.Index,
			LineType:   domain.LineTypeForPattern(poly.pattern),
			Points:     poly.points,
			Confidence: confidence,
		}
		for end := 0; end < 2; end++ {
			if !snapEnd(&line, end, onPage, p.snap) {
				pt := line.Start()
				name := "start"
				if end == 1 {
					pt, name = line.End(), "end"
				}
				warnings = append(warnings, fmt.Sprintf("page %d: %s line %s at (%.0f, %.0f) is dangling", page.Index, line.LineType, name, pt.X, pt.Y))
			}
		}
		out = append(out, line)
	}
	return out, warnings, nil
}

// snapEnd moves one end of the line onto the nearest connection point within
// radius and records the symbol. It reports whether the end was attached.
func snapEnd(line *domain.DetectedLine, end int, symbols []domain.DetectedSymbol, radius float64) bool {
	idx := 0
	if end == 1 {
		idx = len(line.Points) - 1
	}
	pt := line.Points[idx]
	var (
		best      float64
		bestPoint domain.Point
		bestID    string
		found     bool
	)
	for _, s := range symbols {
		for _, cp := range s.AbsoluteConnectionPoints() {
			d := pt.Distance(cp)
			if d > radius {
				continue
			}
			if !found || d < best || (d == best && s.ID < bestID) {
				best, bestPoint, bestID, found = d, cp, s.ID, true
			}
		}
	}
	if !found {
		return false
	}
	line.Points[idx] = bestPoint
	id := bestID
	if end == 0 {
		line.FromSymbolID = &id
	} else {
		line.ToSymbolID = &id
	}
	return true
}
