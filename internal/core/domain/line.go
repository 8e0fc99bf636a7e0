package domain

import "time"

type LineType string

const (
	LineProcess    LineType = "process"
	LineUtility    LineType = "utility"
	LineInstrument LineType = "instrument"
)

func (t LineType) Valid() bool {
	switch t {
	case LineProcess, LineUtility, LineInstrument:
		return true
	}
	return false
}

type StrokePattern string

const (
	StrokeSolid   StrokePattern = "solid"
	StrokeDashed  StrokePattern = "dashed"
	StrokeDashDot StrokePattern = "dash-dot"
)

// LineTypeForPattern is the fixed stroke pattern to line type lookup.
func LineTypeForPattern(p StrokePattern) LineType {
	switch p {
	case StrokeDashed:
		return LineInstrument
	case StrokeDashDot:
		return LineUtility
	default:
		return LineProcess
	}
}

type DetectedLine struct {
	ID           string    `json:"id"`
	DrawingID    string    `json:"drawing_id"`
	Page         int       `json:"page"`
	LineType     LineType  `json:"line_type"`
	Points       []Point   `json:"points"`
	FromSymbolID *string   `json:"from_symbol_id"`
	ToSymbolID   *string   `json:"to_symbol_id"`
	Confidence   float64   `json:"confidence"`
	Tag          string    `json:"tag,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (l DetectedLine) Start() Point {
	if len(l.Points) == 0 {
		return Point{}
	}
	return l.Points[0]
}

func (l DetectedLine) End() Point {
	if len(l.Points) == 0 {
		return Point{}
	}
	return l.Points[len(l.Points)-1]
}

// OptionalID distinguishes an omitted JSON field from an explicit null.
type OptionalID struct {
	Set   bool
	Value *string
}

// LinePatch carries validation edits to a line.
type LinePatch struct {
	LineType     *LineType
	FromSymbolID OptionalID
	ToSymbolID   OptionalID
}

func (p LinePatch) Empty() bool {
	return p.LineType == nil && !p.FromSymbolID.Set && !p.ToSymbolID.Set
}

func (p LinePatch) Apply(l *DetectedLine) {
	if p.LineType != nil {
		l.LineType = *p.LineType
	}
	if p.FromSymbolID.Set {
		l.FromSymbolID = p.FromSymbolID.Value
	}
	if p.ToSymbolID.Set {
		l.ToSymbolID = p.ToSymbolID.Value
	}
}
