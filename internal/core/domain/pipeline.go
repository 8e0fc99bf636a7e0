package domain

import (
	"image"
	"time"
)

// NormalizedDocument is the Normalizer output for one PDF.
type NormalizedDocument struct {
	Hash       string           `json:"hash"`
	SourceType SourceType       `json:"source_type"`
	Pages      []NormalizedPage `json:"pages"`
}

// NormalizedPage is a page at the working resolution. Image is persisted
// separately as PNG.
type NormalizedPage struct {
	Index       int             `json:"index"`
	SourceType  SourceType      `json:"source_type"`
	DPI         float64         `json:"dpi"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	SkewDegrees float64         `json:"skew_degrees"`
	Segments    []VectorSegment `json:"segments,omitempty"`
	Text        []TextFragment  `json:"text,omitempty"`
	Image       *image.Gray     `json:"-"`
}

// VectorSegment is a stroked PDF path segment in page pixels.
type VectorSegment struct {
	Start Point   `json:"start"`
	End   Point   `json:"end"`
	Width float64 `json:"width"`
}

// TextFragment is positioned text found on a page, from the PDF text layer or OCR.
type TextFragment struct {
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Tile is one detector input cut from a page.
type Tile struct {
	Index     int
	Row       int
	Col       int
	Image     image.Image
	Transform Affine
}

// RawDetection is a detector output in tile coordinates.
type RawDetection struct {
	ClassID    int     `json:"class_id"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Rotation   float64 `json:"rotation"`
}

// PageDetection is a detection mapped into page coordinates.
type PageDetection struct {
	Class      SymbolClass
	Category   SymbolCategory
	BBox       BBox
	Confidence float64
	Rotation   int
	// ModelVersion names the detector that produced the box.
	ModelVersion string
}

// PageSize is a normalized page's size in pixels.
type PageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ExportModel is the structured drawing handed to an encoder.
type ExportModel struct {
	Drawing Drawing
	Symbols []DetectedSymbol
	Lines   []DetectedLine
	Tokens  []TextToken
	// DPI is the working resolution the page coordinates were measured at.
	DPI        float64
	Pages      []PageSize
	ExportedAt time.Time
}

// EncodeReport describes what an encoder emitted.
type EncodeReport struct {
	Inserts   int      `json:"inserts"`
	Polylines int      `json:"polylines"`
	Texts     int      `json:"texts"`
	Warnings  []string `json:"warnings,omitempty"`
}
