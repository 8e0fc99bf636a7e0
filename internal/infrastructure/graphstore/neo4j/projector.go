// Package neo4j keeps a read-model copy of drawing connectivity in Neo4j.
package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

type Projector struct {
	driver   neo4j.DriverWithContext
	database string
}

func New(ctx context.Context, cfg Config) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, domain.WrapError(domain.ErrTemporary, "verify neo4j connectivity", err)
	}
	return &Projector{driver: driver, database: cfg.Database}, nil
}

func (p *Projector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

// Replace drops the drawing's subgraph and writes the new one in a single
// transaction. The read model is never patched.
func (p *Projector) Replace(ctx context.Context, graph domain.ConnectivityGraph) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: p.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements(graph) {
			res, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "replace connectivity graph", err)
	}
	return nil
}

type statement struct {
	cypher string
	params map[string]any
}

const (
	deleteDrawing = `MATCH (n:PidNode {drawing_id: $drawing_id}) DETACH DELETE n`
	createNodes   = `UNWIND $nodes AS node
CREATE (n:PidNode {drawing_id: $drawing_id, index: node.index, kind: node.kind,
  symbol_id: node.symbol_id, line_id: node.line_id, end: node.end, x: node.x, y: node.y})`
	createEdges = `UNWIND $edges AS edge
MATCH (a:PidNode {drawing_id: $drawing_id, index: edge.from})
MATCH (b:PidNode {drawing_id: $drawing_id, index: edge.to})
CREATE (a)-[:CONNECTS {kind: edge.kind, line_id: edge.line_id, connection_point: edge.connection_point}]->(b)`
)

// statements builds the parameterised writes for one graph. Empty node or
// edge lists produce no statement.
func statements(graph domain.ConnectivityGraph) []statement {
	out := []statement{{cypher: deleteDrawing, params: map[string]any{"drawing_id": graph.DrawingID}}}

	if len(graph.Nodes) > 0 {
		nodes := make([]map[string]any, 0, len(graph.Nodes))
		for i, n := range graph.Nodes {
			nodes = append(nodes, map[string]any{
				"index":     i,
				"kind":      string(n.Kind),
				"symbol_id": n.SymbolID,
				"line_id":   n.LineID,
				"end":       n.End,
				"x":         n.Point.X,
				"y":         n.Point.Y,
			})
		}
		out = append(out, statement{cypher: createNodes, params: map[string]any{"drawing_id": graph.DrawingID, "nodes": nodes}})
	}

	if len(graph.Edges) > 0 {
		edges := make([]map[string]any, 0, len(graph.Edges))
		for _, e := range graph.Edges {
			cp := -1
			if e.ConnectionPoint != nil {
				cp = *e.ConnectionPoint
			}
			edges = append(edges, map[string]any{
				"from":             e.From,
				"to":               e.To,
				"kind":             string(e.Kind),
				"line_id":          e.LineID,
				"connection_point": cp,
			})
		}
		out = append(out, statement{cypher: createEdges, params: map[string]any{"drawing_id": graph.DrawingID, "edges": edges}})
	}
	return out
}
