package domain

import (
	"math"
	"time"
)

type SymbolCategory string

const (
	CategoryEquipment  SymbolCategory = "equipment"
	CategoryInstrument SymbolCategory = "instrument"
	CategoryValve      SymbolCategory = "valve"
	CategoryOther      SymbolCategory = "other"
)

func (c SymbolCategory) Valid() bool {
	switch c {
	case CategoryEquipment, CategoryInstrument, CategoryValve, CategoryOther:
		return true
	}
	return false
}

type SymbolClass string

// DefaultConfidenceThreshold is the review threshold used when none is configured.
const DefaultConfidenceThreshold = 0.7

// Attribute keys carried by every symbol block.
const (
	AttrDescription = "description"
	AttrSpec        = "spec"
)

type DetectedSymbol struct {
	ID               string            `json:"id"`
	DrawingID        string            `json:"drawing_id"`
	Page             int               `json:"page"`
	Class            SymbolClass       `json:"symbol_class"`
	Category         SymbolCategory    `json:"category"`
	BBox             BBox              `json:"bbox"`
	Rotation         int               `json:"rotation"`
	Confidence       float64           `json:"confidence"`
	ConnectionPoints []Point           `json:"connection_points"`
	IsVerified       bool              `json:"is_verified"`
	IsFlagged        bool              `json:"is_flagged"`
	Tag              string            `json:"tag,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	ModelVersion     string            `json:"model_version,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// IsFlaggedFor reports whether a fresh detection needs review.
func IsFlaggedFor(confidence, threshold float64) bool {
	return confidence < threshold
}

// QuantizeRotation snaps an angle in degrees to the nearest of 0, 90, 180, 270.
func QuantizeRotation(degrees float64) int {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return 0
	}
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	q := int(math.Round(d/90)) * 90
	return q % 360
}

// AbsoluteConnectionPoints returns connection points in page coordinates.
func (s DetectedSymbol) AbsoluteConnectionPoints() []Point {
	out := make([]Point, len(s.ConnectionPoints))
	for i, p := range s.ConnectionPoints {
		out[i] = Point{X: s.BBox.X + p.X, Y: s.BBox.Y + p.Y}
	}
	return out
}

// RotateUnitPoint rotates a point of the unit square about its centre by a
// quantized rotation, counter-clockwise as seen on the sheet.
func RotateUnitPoint(u, v float64, rotation int) (float64, float64) {
	dx, dy := u-0.5, v-0.5
	switch QuantizeRotation(float64(rotation)) {
	case 90:
		dx, dy = dy, -dx
	case 180:
		dx, dy = -dx, -dy
	case 270:
		dx, dy = -dy, dx
	}
	return dx + 0.5, dy + 0.5
}

// SymbolPatch carries validation edits; nil fields are left unchanged.
type SymbolPatch struct {
	IsVerified *bool             `json:"is_verified,omitempty"`
	IsFlagged  *bool             `json:"is_flagged,omitempty"`
	Tag        *string           `json:"tag,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (p SymbolPatch) Empty() bool {
	return p.IsVerified == nil && p.IsFlagged == nil && p.Tag == nil && p.Attributes == nil
}

func (p SymbolPatch) Apply(s *DetectedSymbol) {
	if p.IsVerified != nil {
		s.IsVerified = *p.IsVerified
	}
	if p.IsFlagged != nil {
		s.IsFlagged = *p.IsFlagged
	}
	if p.Tag != nil {
		s.Tag = *p.Tag
	}
	if p.Attributes != nil {
		if s.Attributes == nil {
			s.Attributes = map[string]string{}
		}
		for k, v := range p.Attributes {
			s.Attributes[k] = v
		}
	}
}

type SymbolFilter struct {
	Category      SymbolCategory
	MinConfidence float64
	Page          int
	PageSize      int
}

type SymbolPage struct {
	Items    []DetectedSymbol `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
}
