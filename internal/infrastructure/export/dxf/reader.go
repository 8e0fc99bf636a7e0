package dxf

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// Document is the subset of a DXF file this package writes, read back.
type Document struct {
	Version  string
	Layers   []LayerEntry
	Blocks   map[string]*Block
	Entities []Entity
}

type LayerEntry struct {
	Name     string
	Color    int
	Linetype string
	WidthMM  float64
}

type Block struct {
	Name     string
	AttDefs  []string
	Points   int
	Entities int
}

type Entity struct {
	Type     string
	Layer    string
	Block    string
	At       domain.Point
	Rotation float64
	ScaleX   float64
	ScaleY   float64
	Width    float64
	Closed   bool
	Text     string
	Vertices []domain.Point
	Attribs  map[string]string
}

type pair struct {
	code  int
	value string
}

func readPairs(data []byte) ([]pair, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var out []pair
	for sc.Scan() {
		codeLine := strings.TrimSpace(sc.Text())
		if !sc.Scan() {
			return nil, fmt.Errorf("group code %q without value", codeLine)
		}
		code, err := strconv.Atoi(codeLine)
		if err != nil {
			return nil, fmt.Errorf("bad group code %q", codeLine)
		}
		out = append(out, pair{code: code, value: strings.TrimRight(sc.Text(), "\r")})
	}
	return out, sc.Err()
}

// Parse reads a DXF document produced by the encoder. Header variables
// arrive as fields of the SECTION record since they carry no 0 code.
func Parse(data []byte) (*Document, error) {
	pairs, err := readPairs(data)
	if err != nil {
		return nil, fmt.Errorf("read dxf: %w", err)
	}
	doc := &Document{Blocks: map[string]*Block{}}

	var (
		section string
		block   *Block
		open    *Entity // entity that collects ATTRIB or VERTEX records
	)
	for i := 0; i < len(pairs); {
		if pairs[i].code != 0 {
			return nil, fmt.Errorf("expected record start at pair %d", i)
		}
		kind := pairs[i].value
		j := i + 1
		for j < len(pairs) && pairs[j].code != 0 {
			j++
		}
		fields := pairs[i+1 : j]
		i = j

		switch kind {
		case "SECTION":
			section = value(fields, 2)
			if section == "HEADER" {
				for k := 0; k+1 < len(fields); k++ {
					if fields[k].code == 9 && fields[k].value == "$ACADVER" {
						doc.Version = fields[k+1].value
					}
				}
			}
			continue
		case "ENDSEC":
			section = ""
			continue
		case "EOF":
			return doc, nil
		}

		switch section {
		case "TABLES":
			if kind == "LAYER" {
				doc.Layers = append(doc.Layers, LayerEntry{
					Name:     value(fields, 2),
					Color:    intValue(fields, 62),
					Linetype: value(fields, 6),
					WidthMM:  float64(intValue(fields, 370)) / 100,
				})
			}
		case "BLOCKS":
			switch kind {
			case "BLOCK":
				block = &Block{Name: value(fields, 2)}
				doc.Blocks[block.Name] = block
			case "ENDBLK":
				block = nil
			case "ATTDEF":
				if block != nil {
					block.AttDefs = append(block.AttDefs, value(fields, 2))
				}
			case "POINT":
				if block != nil {
					block.Points++
				}
			case "VERTEX", "SEQEND":
			default:
				if block != nil {
					block.Entities++
				}
			}
		case "ENTITIES":
			switch kind {
			case "ATTRIB":
				if open != nil && open.Type == "INSERT" {
					open.Attribs[value(fields, 2)] = value(fields, 1)
				}
			case "VERTEX":
				if open != nil && open.Type == "POLYLINE" {
					open.Vertices = append(open.Vertices, point(fields, 10))
				}
			case "SEQEND":
				open = nil
			default:
				e := Entity{
					Type:     kind,
					Layer:    value(fields, 8),
					Block:    value(fields, 2),
					At:       point(fields, 10),
					Rotation: floatValue(fields, 50),
					ScaleX:   floatValue(fields, 41),
					ScaleY:   floatValue(fields, 42),
					Width:    floatValue(fields, 40),
					Closed:   intValue(fields, 70)&1 == 1,
					Text:     value(fields, 1),
				}
				if kind == "INSERT" {
					e.Attribs = map[string]string{}
				}
				doc.Entities = append(doc.Entities, e)
				open = nil
				if intValue(fields, 66) == 1 {
					open = &doc.Entities[len(doc.Entities)-1]
				}
			}
		}
	}
	return nil, fmt.Errorf("read dxf: missing EOF")
}

// Count returns the number of entities of a type, optionally on one layer.
func (d *Document) Count(kind, layer string) int {
	n := 0
	for _, e := range d.Entities {
		if e.Type == kind && (layer == "" || e.Layer == layer) {
			n++
		}
	}
	return n
}

func value(fields []pair, code int) string {
	for _, f := range fields {
		if f.code == code {
			return f.value
		}
	}
	return ""
}

func intValue(fields []pair, code int) int {
	v, _ := strconv.Atoi(strings.TrimSpace(value(fields, code)))
	return v
}

func floatValue(fields []pair, code int) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(value(fields, code)), 64)
	return v
}

func point(fields []pair, code int) domain.Point {
	return domain.Point{X: floatValue(fields, code), Y: floatValue(fields, code+10)}
}
