// Package layout holds the sheet conventions shared by the export encoders:
// the layer table, paper sizes and the mapping from page pixels to sheet
// millimetres.
package layout

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type Layer struct {
	Name     string
	Color    int
	Linetype string
	WidthMM  float64
}

const (
	LayerEquipment        = "PID-EQUIPMENT"
	LayerInstruments      = "PID-INSTRUMENTS"
	LayerValves           = "PID-VALVES"
	LayerPipingProcess    = "PID-PIPING-PROCESS"
	LayerPipingUtility    = "PID-PIPING-UTILITY"
	LayerPipingInstrument = "PID-PIPING-INSTRUMENT"
	LayerTextTags         = "PID-TEXT-TAGS"
	LayerTextLabels       = "PID-TEXT-LABELS"
	LayerNotes            = "PID-NOTES"
	LayerTitleBlock       = "PID-TITLEBLOCK"
	LayerBorder           = "PID-BORDER"
)

// Layers is the fixed layer table in output order.
var Layers = []Layer{
	{LayerEquipment, 7, "CONTINUOUS", 0.50},
	{LayerInstruments, 3, "CONTINUOUS", 0.25},
	{LayerValves, 4, "CONTINUOUS", 0.35},
	{LayerPipingProcess, 1, "CONTINUOUS", 0.70},
	{LayerPipingUtility, 6, "DASHDOT", 0.35},
	{LayerPipingInstrument, 2, "DASHED", 0.18},
	{LayerTextTags, 7, "CONTINUOUS", 0.18},
	{LayerTextLabels, 8, "CONTINUOUS", 0.18},
	{LayerNotes, 9, "CONTINUOUS", 0.13},
	{LayerTitleBlock, 7, "CONTINUOUS", 0.35},
	{LayerBorder, 7, "CONTINUOUS", 0.70},
}

func LayerByName(name string) (Layer, bool) {
	for _, l := range Layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

func SymbolLayer(category domain.SymbolCategory) string {
	switch category {
	case domain.CategoryEquipment:
		return LayerEquipment
	case domain.CategoryInstrument:
		return LayerInstruments
	default:
		return LayerValves
	}
}

func LineLayer(t domain.LineType) string {
	switch t {
	case domain.LineUtility:
		return LayerPipingUtility
	case domain.LineInstrument:
		return LayerPipingInstrument
	default:
		return LayerPipingProcess
	}
}

func TextLayer(kind domain.TokenKind) string {
	switch kind {
	case domain.TokenTag:
		return LayerTextTags
	case domain.TokenNote:
		return LayerNotes
	default:
		return LayerTextLabels
	}
}

// Paper sizes in millimetres, landscape.
var paperSizes = map[string][2]float64{
	"A0": {1189, 841},
	"A1": {841, 594},
	"A2": {594, 420},
	"A3": {420, 297},
	"A4": {297, 210},
}

const DefaultPaper = "A1"

// PaperSize resolves a paper name; empty selects the default.
func PaperSize(name string) (float64, float64, error) {
	if name == "" {
		name = DefaultPaper
	}
	size, ok := paperSizes[strings.ToUpper(name)]
	if !ok {
		return 0, 0, domain.WrapError(domain.ErrInvalidInput, "paper size", fmt.Errorf("unknown paper size %q", name))
	}
	return size[0], size[1], nil
}

// ValidateOptions rejects options no encoder can honour.
func ValidateOptions(opts domain.ExportOptions) error {
	if _, _, err := PaperSize(opts.PaperSize); err != nil {
		return err
	}
	if opts.Scale < 0 {
		return domain.WrapError(domain.ErrInvalidInput, "export scale", fmt.Errorf("scale must be positive"))
	}
	for _, name := range opts.IncludedLayers {
		if _, ok := LayerByName(name); !ok {
			return domain.WrapError(domain.ErrInvalidInput, "included layers", fmt.Errorf("unknown layer %q", name))
		}
	}
	return nil
}

// pageGapMM separates consecutive pages laid out left to right.
const pageGapMM = 20

// Sheet maps page pixels to sheet millimetres with the y axis pointing up.
type Sheet struct {
	WidthMM  float64
	HeightMM float64
	Scale    float64
	included []string
	dpi      float64
	offsets  []float64
	heights  []float64
}

func NewSheet(model domain.ExportModel, opts domain.ExportOptions) (*Sheet, error) {
	w, h, err := PaperSize(opts.PaperSize)
	if err != nil {
		return nil, err
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}
	dpi := model.DPI
	if dpi <= 0 {
		dpi = 300
	}
	s := &Sheet{
		WidthMM:  w * scale,
		HeightMM: h * scale,
		Scale:    scale,
		included: opts.IncludedLayers,
		dpi:      dpi,
	}
	x := 0.0
	for _, p := range model.Pages {
		s.offsets = append(s.offsets, x)
		s.heights = append(s.heights, s.MM(float64(p.Height)))
		x += s.MM(float64(p.Width)) + pageGapMM
	}
	return s, nil
}

// MM converts a pixel length.
func (s *Sheet) MM(px float64) float64 {
	return px / s.dpi * 25.4
}

// Point maps a page point. Pages the model does not describe are placed at
// the origin with the sheet height as their height.
func (s *Sheet) Point(page int, p domain.Point) domain.Point {
	offset, height := 0.0, s.HeightMM
	if page >= 0 && page < len(s.offsets) {
		offset, height = s.offsets[page], s.heights[page]
	}
	return domain.Point{X: offset + s.MM(p.X), Y: height - s.MM(p.Y)}
}

// Box maps a page box to sheet coordinates; the result's origin is its
// lower-left corner.
func (s *Sheet) Box(page int, b domain.BBox) domain.BBox {
	lo := s.Point(page, domain.Point{X: b.X, Y: b.MaxY()})
	return domain.BBox{X: lo.X, Y: lo.Y, Width: s.MM(b.Width), Height: s.MM(b.Height)}
}

// Included reports whether entities on a layer are emitted.
func (s *Sheet) Included(layer string) bool {
	return len(s.included) == 0 || slices.Contains(s.included, layer)
}

// TitleBlock is the title block frame in sheet coordinates, anchored to the
// lower-right corner inside the border.
func (s *Sheet) TitleBlock() domain.BBox {
	w, h := 180*s.Scale, 50*s.Scale
	m := BorderMarginMM * s.Scale
	return domain.BBox{X: s.WidthMM - m - w, Y: m, Width: w, Height: h}
}

const BorderMarginMM = 10

// Border is the drawing frame inside the paper edge.
func (s *Sheet) Border() domain.BBox {
	m := BorderMarginMM * s.Scale
	return domain.BBox{X: m, Y: m, Width: s.WidthMM - 2*m, Height: s.HeightMM - 2*m}
}

// TitleLines are the title block rows, top to bottom.
func TitleLines(model domain.ExportModel) []string {
	tb := model.Drawing.TitleBlock
	number := tb.DrawingNumber
	if number == "" {
		number = model.Drawing.Filename
	}
	return []string{
		"DWG NO: " + number,
		"REV: " + tb.Revision,
		"DATE: " + model.ExportedAt.UTC().Format("2006-01-02"),
		"TITLE: " + tb.Title,
	}
}

// SelectSymbols returns the symbols an export carries.
func SelectSymbols(model domain.ExportModel, includeUnverified bool) []domain.DetectedSymbol {
	out := make([]domain.DetectedSymbol, 0, len(model.Symbols))
	for _, s := range model.Symbols {
		if s.IsVerified || includeUnverified {
			out = append(out, s)
		}
	}
	return out
}
