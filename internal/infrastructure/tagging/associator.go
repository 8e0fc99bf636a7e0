// Package tagging attaches drawing text to the symbols and lines it names.
package tagging

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// DefaultTagPattern accepts equipment and instrument tags such as P-101,
// FT101 or PSV-201A, and line numbers such as 6"-P-1001-CS.
const DefaultTagPattern = `^(?:[A-Z]{1,5}-?[0-9]{2,5}[A-Z]?|[0-9]{1,2}"?-[A-Z]{1,4}-[0-9]{3,5}(?:-[A-Z0-9]+)*)$`

// aboveWeight penalizes tokens placed above a symbol; drafting convention
// puts tags below or beside.
const aboveWeight = 1.5

type Config struct {
	RadiusMM   float64
	TagPattern string
}

type Associator struct {
	radiusMM float64
	pattern  *regexp.Regexp
}

func New(cfg Config) (*Associator, error) {
	if cfg.RadiusMM <= 0 {
		cfg.RadiusMM = 15
	}
	if cfg.TagPattern == "" {
		cfg.TagPattern = DefaultTagPattern
	}
	re, err := regexp.Compile(cfg.TagPattern)
	if err != nil {
		return nil, fmt.Errorf("compile tag pattern: %w", err)
	}
	return &Associator{radiusMM: cfg.RadiusMM, pattern: re}, nil
}

// Normalize applies NFKC and collapses whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(text)), " ")
}

func (a *Associator) IsTag(text string) bool {
	return a.pattern.MatchString(strings.ToUpper(Normalize(text)))
}

type pair struct {
	score  float64
	token  int
	target int
}

// Associate returns the tokens with kinds and targets decided. Manual
// assignments are kept and claim their targets before anything else; the
// symbols named in claimed take no token at all.
func (a *Associator) Associate(tokens []domain.TextToken, symbols []domain.DetectedSymbol, lines []domain.DetectedLine, dpi float64, claimed []string) []domain.TextToken {
	radius := domain.MillimetresToPixels(a.radiusMM, dpi)
	out := make([]domain.TextToken, len(tokens))
	copy(out, tokens)

	symbolClaimed := make([]bool, len(symbols))
	lineClaimed := make([]bool, len(lines))
	symbolIdx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		symbolIdx[s.ID] = i
	}
	lineIdx := make(map[string]int, len(lines))
	for i, l := range lines {
		lineIdx[l.ID] = i
	}
	for _, id := range claimed {
		if j, ok := symbolIdx[id]; ok {
			symbolClaimed[j] = true
		}
	}

	tokenClaimed := make([]bool, len(out))
	for i := range out {
		t := &out[i]
		t.Text = Normalize(t.Text)
		if t.Manual {
			tokenClaimed[i] = true
			if t.SymbolID != nil {
				if j, ok := symbolIdx[*t.SymbolID]; ok {
					symbolClaimed[j] = true
				}
			}
			if t.LineID != nil {
				if j, ok := lineIdx[*t.LineID]; ok {
					lineClaimed[j] = true
				}
			}
			continue
		}
		t.SymbolID, t.LineID = nil, nil
	}

	candidate := func(i int) bool {
		return !tokenClaimed[i] && a.IsTag(out[i].Text)
	}

	var pairs []pair
	for i := range out {
		if !candidate(i) {
			continue
		}
		c := out[i].BBox.Center()
		for j, s := range symbols {
			if s.Page != out[i].Page {
				continue
			}
			score := s.BBox.DistanceTo(c)
			if c.Y < s.BBox.Y {
				score *= aboveWeight
			}
			if score <= radius {
				pairs = append(pairs, pair{score: score, token: i, target: j})
			}
		}
	}
	for _, p := range greedy(pairs, tokenClaimed, symbolClaimed) {
		id := symbols[p.target].ID
		out[p.token].SymbolID = &id
	}

	pairs = pairs[:0]
	for i := range out {
		if !candidate(i) {
			continue
		}
		c := out[i].BBox.Center()
		for j, l := range lines {
			if l.Page != out[i].Page {
				continue
			}
			if score := distanceToPolyline(c, l.Points); score <= radius {
				pairs = append(pairs, pair{score: score, token: i, target: j})
			}
		}
	}
	for _, p := range greedy(pairs, tokenClaimed, lineClaimed) {
		id := lines[p.target].ID
		out[p.token].LineID = &id
	}

	for i := range out {
		t := &out[i]
		switch {
		case t.Associated():
			t.Kind = domain.TokenTag
		case strings.Contains(t.Text, " "):
			t.Kind = domain.TokenNote
		default:
			t.Kind = domain.TokenLabel
		}
	}
	return out
}

// greedy assigns nearest pairs first; ties go to the lower token, then the
// lower target index. Claimed flags are updated in place.
func greedy(pairs []pair, tokenClaimed, targetClaimed []bool) []pair {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		if pairs[i].token != pairs[j].token {
			return pairs[i].token < pairs[j].token
		}
		return pairs[i].target < pairs[j].target
	})
	var chosen []pair
	for _, p := range pairs {
		if tokenClaimed[p.token] || targetClaimed[p.target] {
			continue
		}
		tokenClaimed[p.token] = true
		targetClaimed[p.target] = true
		chosen = append(chosen, p)
	}
	return chosen
}

func distanceToPolyline(p domain.Point, points []domain.Point) float64 {
	switch len(points) {
	case 0:
		return 1e18
	case 1:
		return p.Distance(points[0])
	}
	best := 1e18
	for i := 1; i < len(points); i++ {
		best = min(best, domain.DistanceToSegment(p, points[i-1], points[i]))
	}
	return best
}

// Tokens turns page text into unassociated tokens.
func (a *Associator) Tokens(drawingID string, page int, source domain.TokenSource, fragments []domain.TextFragment) []domain.TextToken {
	out := make([]domain.TextToken, 0, len(fragments))
	for _, f := range fragments {
		text := Normalize(f.Text)
		if text == "" {
			continue
		}
		out = append(out, domain.TextToken{
			DrawingID:  drawingID,
			Page:       page,
			Text:       text,
			BBox:       f.BBox,
			Source:     source,
			Kind:       domain.TokenLabel,
			Confidence: f.Confidence,
		})
	}
	return out
}

// TargetTags collects the tag text each symbol and line ends up with.
func (a *Associator) TargetTags(tokens []domain.TextToken) (symbolTags, lineTags map[string]string) {
	symbolTags = map[string]string{}
	lineTags = map[string]string{}
	for _, t := range tokens {
		if t.SymbolID != nil {
			symbolTags[*t.SymbolID] = t.Text
		}
		if t.LineID != nil {
			lineTags[*t.LineID] = t.Text
		}
	}
	return symbolTags, lineTags
}
