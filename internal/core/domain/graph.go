package domain

type GraphNodeKind string

const (
	NodeSymbol   GraphNodeKind = "symbol"
	NodeEndpoint GraphNodeKind = "endpoint"
)

// GraphNode indexes into the symbol or line arrays the graph was built from.
type GraphNode struct {
	Kind     GraphNodeKind `json:"kind"`
	SymbolID string        `json:"symbol_id,omitempty"`
	LineID   string        `json:"line_id,omitempty"`
	End      int           `json:"end,omitempty"`
	Point    Point         `json:"point"`
}

type GraphEdgeKind string

const (
	EdgeLine       GraphEdgeKind = "line"
	EdgeAttachment GraphEdgeKind = "attachment"
)

type GraphEdge struct {
	From            int           `json:"from"`
	To              int           `json:"to"`
	Kind            GraphEdgeKind `json:"kind"`
	LineID          string        `json:"line_id"`
	ConnectionPoint *int          `json:"connection_point,omitempty"`
}

type SymbolConnection struct {
	LineID       string `json:"line_id"`
	FromSymbolID string `json:"from_symbol_id"`
	ToSymbolID   string `json:"to_symbol_id"`
}

// ConnectivityGraph is derived from symbol and line state and is never
// persisted as the source of truth.
type ConnectivityGraph struct {
	DrawingID   string             `json:"drawing_id"`
	Nodes       []GraphNode        `json:"nodes"`
	Edges       []GraphEdge        `json:"edges"`
	Dangling    []int              `json:"dangling"`
	Connections []SymbolConnection `json:"connections"`
}
