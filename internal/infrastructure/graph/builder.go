// Package graph derives the connectivity graph of a drawing from its symbols
// and lines.
package graph

import (
	"sort"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type Builder struct{}

func NewBuilder() Builder {
	return Builder{}
}

// Build is pure: symbols and lines are ordered by id first, so equal inputs
// in any order give equal graphs. Nodes are the symbols followed by two
// endpoint nodes per line.
func (Builder) Build(drawingID string, symbols []domain.DetectedSymbol, lines []domain.DetectedLine) domain.ConnectivityGraph {
	syms := append([]domain.DetectedSymbol(nil), symbols...)
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].ID < syms[j].ID })
	ls := append([]domain.DetectedLine(nil), lines...)
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })

	g := domain.ConnectivityGraph{
		DrawingID:   drawingID,
		Nodes:       make([]domain.GraphNode, 0, len(syms)+2*len(ls)),
		Edges:       make([]domain.GraphEdge, 0, 3*len(ls)),
		Dangling:    []int{},
		Connections: []domain.SymbolConnection{},
	}

	symbolNode := make(map[string]int, len(syms))
	for i, s := range syms {
		symbolNode[s.ID] = i
		g.Nodes = append(g.Nodes, domain.GraphNode{
			Kind:     domain.NodeSymbol,
			SymbolID: s.ID,
			Point:    s.BBox.Center(),
		})
	}

	for _, l := range ls {
		base := len(g.Nodes)
		ends := [2]domain.Point{l.Start(), l.End()}
		refs := [2]*string{l.FromSymbolID, l.ToSymbolID}
		for end, p := range ends {
			g.Nodes = append(g.Nodes, domain.GraphNode{
				Kind:   domain.NodeEndpoint,
				LineID: l.ID,
				End:    end,
				Point:  p,
			})
		}
		g.Edges = append(g.Edges, domain.GraphEdge{From: base, To: base + 1, Kind: domain.EdgeLine, LineID: l.ID})

		attached := [2]string{}
		for end, ref := range refs {
			node := base + end
			if ref == nil {
				g.Dangling = append(g.Dangling, node)
				continue
			}
			si, ok := symbolNode[*ref]
			if !ok {
				// The symbol is gone; the end is free again.
				g.Dangling = append(g.Dangling, node)
				continue
			}
			edge := domain.GraphEdge{From: node, To: si, Kind: domain.EdgeAttachment, LineID: l.ID}
			if cp, ok := nearestConnectionPoint(syms[si], ends[end]); ok {
				edge.ConnectionPoint = &cp
			}
			g.Edges = append(g.Edges, edge)
			attached[end] = *ref
		}
		if attached[0] != "" && attached[1] != "" {
			g.Connections = append(g.Connections, domain.SymbolConnection{
				LineID:       l.ID,
				FromSymbolID: attached[0],
				ToSymbolID:   attached[1],
			})
		}
	}
	return g
}

func nearestConnectionPoint(s domain.DetectedSymbol, p domain.Point) (int, bool) {
	best, bestDist := -1, 0.0
	for i, cp := range s.AbsoluteConnectionPoints() {
		if d := cp.Distance(p); best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

// Neighbors lists, for each symbol id, the ids of symbols it is piped to.
func Neighbors(g domain.ConnectivityGraph) map[string][]string {
	out := map[string][]string{}
	for _, c := range g.Connections {
		out[c.FromSymbolID] = append(out[c.FromSymbolID], c.ToSymbolID)
		if c.FromSymbolID != c.ToSymbolID {
			out[c.ToSymbolID] = append(out[c.ToSymbolID], c.FromSymbolID)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}
