// Package dxf writes drawings as AutoCAD R12 (AC1009) ASCII DXF with the
// PID layer set and one attribute-bearing block per symbol class.
package dxf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/layout"
)

// Block attribute tags in definition order.
const (
	AttrTag         = "TAG"
	AttrDescription = "DESCRIPTION"
	AttrType        = "TYPE"
	AttrSpec        = "SPEC"
)

const (
	attrHeightMM = 2.5
	minTextMM    = 1.8
	circleSteps  = 32
)

type Encoder struct {
	catalog *catalog.Catalog
}

func New(cat *catalog.Catalog) *Encoder {
	return &Encoder{catalog: cat}
}

func (e *Encoder) Format() domain.ExportFormat {
	return domain.FormatDXF
}

// BlockName is the block used for a symbol class.
func BlockName(class domain.SymbolClass) string {
	return "PID_" + strings.ToUpper(string(class))
}

type insert struct {
	symbol domain.DetectedSymbol
	entry  catalog.Entry
	layer  string
	block  string
}

type text struct {
	layer string
	token domain.TextToken
}

// plan is everything one export emits, decided before writing.
type plan struct {
	sheet    *layout.Sheet
	inserts  []insert
	blocks   []catalog.Entry
	lines    []domain.DetectedLine
	texts    []text
	border   bool
	title    bool
	warnings []string
}

func (e *Encoder) plan(model domain.ExportModel, opts domain.ExportOptions) (*plan, error) {
	sheet, err := layout.NewSheet(model, opts)
	if err != nil {
		return nil, err
	}
	p := &plan{sheet: sheet}

	emitted := map[string]domain.DetectedSymbol{}
	blocks := map[string]catalog.Entry{}
	for _, s := range layout.SelectSymbols(model, opts.IncludesUnverified(domain.FormatDXF)) {
		layer := layout.SymbolLayer(s.Category)
		if !sheet.Included(layer) {
			continue
		}
		entry, known := e.catalog.Resolve(s.Class)
		if !known {
			p.warnings = append(p.warnings, fmt.Sprintf("symbol %s: unknown class %q drawn as %s", s.ID, s.Class, BlockName(catalog.GenericBlock)))
		}
		name := BlockName(entry.Class)
		blocks[name] = entry
		p.inserts = append(p.inserts, insert{symbol: s, entry: entry, layer: layer, block: name})
		emitted[s.ID] = s
	}
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.blocks = append(p.blocks, blocks[name])
	}

	for _, l := range model.Lines {
		if !sheet.Included(layout.LineLayer(l.LineType)) {
			continue
		}
		if len(l.Points) < 2 {
			p.warnings = append(p.warnings, fmt.Sprintf("line %s: %d point(s), not drawn", l.ID, len(l.Points)))
			continue
		}
		p.lines = append(p.lines, l)
	}

	for _, t := range model.Tokens {
		if t.SymbolID != nil {
			if s, ok := emitted[*t.SymbolID]; ok && strings.EqualFold(strings.TrimSpace(s.Tag), strings.TrimSpace(t.Text)) {
				continue
			}
		}
		layer := layout.TextLayer(t.Kind)
		if !sheet.Included(layer) || strings.TrimSpace(t.Text) == "" {
			continue
		}
		p.texts = append(p.texts, text{layer: layer, token: t})
	}

	p.border = sheet.Included(layout.LayerBorder)
	p.title = sheet.Included(layout.LayerTitleBlock)
	return p, nil
}

// Encode writes the drawing and reads the result back; a file whose insert
// or polyline counts differ from the model is rejected.
func (e *Encoder) Encode(ctx context.Context, model domain.ExportModel, opts domain.ExportOptions) ([]byte, domain.EncodeReport, error) {
	p, err := e.plan(model, opts)
	if err != nil {
		return nil, domain.EncodeReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.EncodeReport{}, err
	}

	w := &writer{}
	writeHeader(w, p.sheet)
	writeTables(w)
	e.writeBlocks(w, p.blocks)
	w.begin("ENTITIES")
	for _, ins := range p.inserts {
		writeInsert(w, p.sheet, ins)
	}
	for _, l := range p.lines {
		layer := layout.LineLayer(l.LineType)
		def, _ := layout.LayerByName(layer)
		pts := make([]domain.Point, len(l.Points))
		for i, pt := range l.Points {
			pts[i] = p.sheet.Point(l.Page, pt)
		}
		w.polyline(layer, pts, def.WidthMM, false)
	}
	texts := 0
	for _, t := range p.texts {
		box := p.sheet.Box(t.token.Page, t.token.BBox)
		w.text(t.layer, domain.Point{X: box.X, Y: box.Y}, max(box.Height, minTextMM), t.token.Text)
		texts++
	}
	polylines := len(p.lines)
	if p.border {
		def, _ := layout.LayerByName(layout.LayerBorder)
		w.polyline(layout.LayerBorder, corners(p.sheet.Border()), def.WidthMM, true)
		polylines++
	}
	if p.title {
		def, _ := layout.LayerByName(layout.LayerTitleBlock)
		frame := p.sheet.TitleBlock()
		w.polyline(layout.LayerTitleBlock, corners(frame), def.WidthMM, true)
		polylines++
		rowH := frame.Height / 4
		for i, row := range layout.TitleLines(model) {
			at := domain.Point{X: frame.X + 3*p.sheet.Scale, Y: frame.MaxY() - float64(i+1)*rowH + rowH/3}
			w.text(layout.LayerTitleBlock, at, attrHeightMM*p.sheet.Scale, row)
			texts++
		}
	}
	w.end()
	w.pair(0, "EOF")

	out := w.bytes()
	if err := selfCheck(out, len(p.inserts), polylines); err != nil {
		return nil, domain.EncodeReport{}, domain.WrapError(domain.ErrInternal, "dxf self-check", err)
	}
	return out, domain.EncodeReport{
		Inserts:   len(p.inserts),
		Polylines: polylines,
		Texts:     texts,
		Warnings:  p.warnings,
	}, nil
}

func selfCheck(data []byte, inserts, polylines int) error {
	doc, err := Parse(data)
	if err != nil {
		return err
	}
	if got := doc.Count("INSERT", ""); got != inserts {
		return fmt.Errorf("wrote %d inserts for %d symbols", got, inserts)
	}
	if got := doc.Count("POLYLINE", ""); got != polylines {
		return fmt.Errorf("wrote %d polylines, expected %d", got, polylines)
	}
	return nil
}

func writeHeader(w *writer, sheet *layout.Sheet) {
	w.begin("HEADER")
	w.headerVar("$ACADVER", 1, "AC1009")
	w.pair(9, "$INSBASE")
	w.point(10, domain.Point{})
	w.pair(9, "$EXTMIN")
	w.point(10, domain.Point{})
	w.pair(9, "$EXTMAX")
	w.point(10, domain.Point{X: sheet.WidthMM, Y: sheet.HeightMM})
	w.headerVar("$LUNITS", 70, "2")
	w.headerVar("$LUPREC", 70, "4")
	w.headerVar("$INSUNITS", 70, "4")
	w.headerVar("$MEASUREMENT", 70, "1")
	w.end()
}

type linetype struct {
	name    string
	desc    string
	pattern []float64
}

var linetypes = []linetype{
	{"CONTINUOUS", "Solid line", nil},
	{"DASHED", "__ __ __ __", []float64{6.35, -3.175}},
	{"DASHDOT", "__ . __ . __", []float64{6.35, -3.175, 0, -3.175}},
}

func writeTables(w *writer) {
	w.begin("TABLES")

	w.pair(0, "TABLE")
	w.pair(2, "LTYPE")
	w.int(70, len(linetypes))
	for _, lt := range linetypes {
		w.pair(0, "LTYPE")
		w.pair(2, lt.name)
		w.int(70, 0)
		w.str(3, lt.desc)
		w.int(72, 65)
		w.int(73, len(lt.pattern))
		total := 0.0
		for _, d := range lt.pattern {
			total += max(d, -d)
		}
		w.float(40, total)
		for _, d := range lt.pattern {
			w.float(49, d)
		}
	}
	w.pair(0, "ENDTAB")

	w.pair(0, "TABLE")
	w.pair(2, "LAYER")
	w.int(70, len(layout.Layers))
	for _, l := range layout.Layers {
		w.pair(0, "LAYER")
		w.pair(2, l.Name)
		w.int(70, 0)
		w.int(62, l.Color)
		w.pair(6, l.Linetype)
		// Lineweight in hundredths of a millimetre.
		w.int(370, int(l.WidthMM*100+0.5))
	}
	w.pair(0, "ENDTAB")

	w.end()
}

// writeBlocks defines each block in its unrotated nominal size with the
// base point at the lower-left corner.
func (e *Encoder) writeBlocks(w *writer, entries []catalog.Entry) {
	w.begin("BLOCKS")
	for _, entry := range entries {
		name := BlockName(entry.Class)
		W, H := entry.WidthMM, entry.HeightMM
		local := func(u, v float64) domain.Point { return domain.Point{X: u * W, Y: (1 - v) * H} }

		w.pair(0, "BLOCK")
		w.pair(8, "0")
		w.pair(2, name)
		w.int(70, 2)
		w.point(10, domain.Point{})
		w.pair(3, name)

		for _, prim := range entry.Geometry {
			switch {
			case prim.Line != nil:
				w.line("0", local(prim.Line[0], prim.Line[1]), local(prim.Line[2], prim.Line[3]))
			case prim.Rect != nil:
				x, y, rw, rh := prim.Rect[0], prim.Rect[1], prim.Rect[2], prim.Rect[3]
				w.polyline("0", []domain.Point{local(x, y), local(x+rw, y), local(x+rw, y+rh), local(x, y+rh)}, 0, true)
			case prim.Circle != nil:
				cx, cy, r := prim.Circle[0], prim.Circle[1], prim.Circle[2]
				if W == H {
					w.circle("0", local(cx, cy), r*W)
					continue
				}
				pts := make([]domain.Point, circleSteps)
				for i := range pts {
					a := 2 * math.Pi * float64(i) / circleSteps
					pts[i] = local(cx+r*math.Cos(a), cy+r*math.Sin(a))
				}
				w.polyline("0", pts, 0, true)
			case prim.Polyline != nil:
				pts := make([]domain.Point, len(prim.Polyline))
				for i, xy := range prim.Polyline {
					pts[i] = local(xy[0], xy[1])
				}
				w.polyline("0", pts, 0, prim.Closed)
			}
		}
		for _, port := range entry.Ports {
			w.pair(0, "POINT")
			w.pair(8, "0")
			w.point(10, local(port.X, port.Y))
		}
		for i, tag := range []string{AttrTag, AttrDescription, AttrType, AttrSpec} {
			w.pair(0, "ATTDEF")
			w.pair(8, "0")
			w.point(10, domain.Point{Y: -attrHeightMM * float64(i+1) * 1.4})
			w.float(40, attrHeightMM)
			w.pair(1, "")
			w.pair(3, tag)
			w.pair(2, tag)
			w.int(70, attdefFlags(tag))
		}
		w.pair(0, "ENDBLK")
		w.pair(8, "0")
	}
	w.end()
}

// Only TAG is visible on the sheet; the other attributes are data.
func attdefFlags(tag string) int {
	if tag == AttrTag {
		return 0
	}
	return 1
}

// writeInsert places a block so that its rotated, scaled outline fills the
// symbol's box.
func writeInsert(w *writer, sheet *layout.Sheet, ins insert) {
	box := sheet.Box(ins.symbol.Page, ins.symbol.BBox)
	rot := domain.QuantizeRotation(float64(ins.symbol.Rotation))
	W, H := ins.entry.WidthMM, ins.entry.HeightMM
	sx, sy := box.Width/W, box.Height/H
	at := domain.Point{X: box.X, Y: box.Y}
	switch rot {
	case 90:
		sx, sy = box.Height/W, box.Width/H
		at = domain.Point{X: box.MaxX(), Y: box.Y}
	case 180:
		at = domain.Point{X: box.MaxX(), Y: box.MaxY()}
	case 270:
		sx, sy = box.Height/W, box.Width/H
		at = domain.Point{X: box.X, Y: box.MaxY()}
	}

	w.pair(0, "INSERT")
	w.str(8, ins.layer)
	w.int(66, 1)
	w.str(2, ins.block)
	w.point(10, at)
	w.float(41, sx)
	w.float(42, sy)
	w.float(50, float64(rot))

	desc := ins.symbol.Attributes[domain.AttrDescription]
	if desc == "" {
		desc = ins.entry.Description
	}
	values := []struct{ tag, value string }{
		{AttrTag, ins.symbol.Tag},
		{AttrDescription, desc},
		{AttrType, string(ins.symbol.Class)},
		{AttrSpec, ins.symbol.Attributes[domain.AttrSpec]},
	}
	for i, v := range values {
		w.pair(0, "ATTRIB")
		w.str(8, ins.layer)
		w.point(10, domain.Point{X: box.X, Y: box.Y - attrHeightMM*float64(i+1)*1.4})
		w.float(40, attrHeightMM)
		w.str(1, v.value)
		w.pair(2, v.tag)
		w.int(70, attdefFlags(v.tag))
	}
	w.pair(0, "SEQEND")
	w.str(8, ins.layer)
}

func corners(b domain.BBox) []domain.Point {
	return []domain.Point{
		{X: b.X, Y: b.Y},
		{X: b.MaxX(), Y: b.Y},
		{X: b.MaxX(), Y: b.MaxY()},
		{X: b.X, Y: b.MaxY()},
	}
}
