package dxf

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// writer emits DXF group code / value pairs.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) pair(code int, value string) {
	w.buf.WriteString(strconv.Itoa(code))
	w.buf.WriteByte('\n')
	w.buf.WriteString(value)
	w.buf.WriteByte('\n')
}

func (w *writer) str(code int, value string) {
	w.pair(code, strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
}

func (w *writer) int(code, value int) {
	w.pair(code, strconv.Itoa(value))
}

func (w *writer) float(code int, value float64) {
	if value == 0 {
		value = 0 // normalizes -0
	}
	w.pair(code, strconv.FormatFloat(value, 'f', 4, 64))
}

func (w *writer) point(code int, p domain.Point) {
	w.float(code, p.X)
	w.float(code+10, p.Y)
	w.float(code+20, 0)
}

func (w *writer) begin(section string) {
	w.pair(0, "SECTION")
	w.pair(2, section)
}

func (w *writer) end() {
	w.pair(0, "ENDSEC")
}

func (w *writer) headerVar(name string, code int, value string) {
	w.pair(9, name)
	w.pair(code, value)
}

func (w *writer) line(layer string, a, b domain.Point) {
	w.pair(0, "LINE")
	w.str(8, layer)
	w.point(10, a)
	w.point(11, b)
}

func (w *writer) circle(layer string, c domain.Point, r float64) {
	w.pair(0, "CIRCLE")
	w.str(8, layer)
	w.point(10, c)
	w.float(40, r)
}

func (w *writer) polyline(layer string, pts []domain.Point, width float64, closed bool) {
	w.pair(0, "POLYLINE")
	w.str(8, layer)
	w.int(66, 1)
	w.point(10, domain.Point{})
	w.float(40, width)
	w.float(41, width)
	flags := 0
	if closed {
		flags = 1
	}
	w.int(70, flags)
	for _, p := range pts {
		w.pair(0, "VERTEX")
		w.str(8, layer)
		w.point(10, p)
	}
	w.pair(0, "SEQEND")
	w.str(8, layer)
}

func (w *writer) text(layer string, at domain.Point, height float64, value string) {
	w.pair(0, "TEXT")
	w.str(8, layer)
	w.point(10, at)
	w.float(40, height)
	w.str(1, value)
}

func (w *writer) bytes() []byte {
	return w.buf.Bytes()
}
