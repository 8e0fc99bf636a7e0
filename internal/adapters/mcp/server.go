// Package mcpadapter exposes the review and export operations as MCP tools
// over stdio.
package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/graph"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

const maxToolPageSize = 200

type Server struct {
	drawings ports.DrawingReader
	review   ports.ReviewService
	exports  ports.ExportService
}

func New(drawings ports.DrawingReader, review ports.ReviewService, exports ports.ExportService) *Server {
	return &Server{drawings: drawings, review: review, exports: exports}
}

// MCPServer registers every tool on a fresh mcp-go server.
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("pid-digitizer", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	srv.AddTool(mcp.NewTool("get_drawing",
		mcp.WithDescription("Drawing metadata, status and processing progress."),
		mcp.WithString("drawing_id", mcp.Required(), mcp.Description("Drawing id")),
	), s.getDrawing)

	srv.AddTool(mcp.NewTool("list_symbols",
		mcp.WithDescription("Detected symbols of a drawing, optionally filtered."),
		mcp.WithString("drawing_id", mcp.Required()),
		mcp.WithString("category", mcp.Enum(
			string(domain.CategoryEquipment),
			string(domain.CategoryInstrument),
			string(domain.CategoryValve),
			string(domain.CategoryOther),
		)),
		mcp.WithNumber("min_confidence", mcp.Min(0), mcp.Max(1)),
		mcp.WithNumber("page", mcp.Min(1)),
		mcp.WithNumber("page_size", mcp.Min(1), mcp.Max(maxToolPageSize)),
	), s.listSymbols)

	srv.AddTool(mcp.NewTool("get_connectivity",
		mcp.WithDescription("Connectivity graph of a drawing. With symbol_id, only the symbols piped to it."),
		mcp.WithString("drawing_id", mcp.Required()),
		mcp.WithString("symbol_id"),
	), s.getConnectivity)

	srv.AddTool(mcp.NewTool("request_export",
		mcp.WithDescription("Queue an export of one or more drawings."),
		mcp.WithArray("drawing_ids", mcp.Required(), mcp.WithStringItems(), mcp.MinItems(1)),
		mcp.WithString("format", mcp.Required(), mcp.Enum(
			string(domain.FormatDXF),
			string(domain.FormatPDF),
			string(domain.FormatXLSX),
		)),
		mcp.WithString("paper_size"),
		mcp.WithBoolean("draft"),
		mcp.WithBoolean("batch", mcp.Description("Package as a ZIP with a manifest. Defaults to true for more than one drawing.")),
	), s.requestExport)

	srv.AddTool(mcp.NewTool("get_export_status",
		mcp.WithDescription("Status, counters and per-drawing errors of an export job."),
		mcp.WithString("job_id", mcp.Required()),
	), s.getExportStatus)

	return srv
}

// ServeStdio blocks until stdin closes.
func (s *Server) ServeStdio(version string) error {
	return server.ServeStdio(s.MCPServer(version))
}

func (s *Server) getDrawing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("drawing_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.drawings.GetByID(ctx, id)
	return toolResult(ctx, "get_drawing", view, err)
}

func (s *Server) listSymbols(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("drawing_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := domain.SymbolFilter{
		Category:      domain.SymbolCategory(req.GetString("category", "")),
		MinConfidence: req.GetFloat("min_confidence", 0),
		Page:          max(1, req.GetInt("page", 1)),
		PageSize:      min(maxToolPageSize, max(1, req.GetInt("page_size", 50))),
	}
	page, err := s.review.ListSymbols(ctx, id, filter)
	return toolResult(ctx, "list_symbols", page, err)
}

type connectivityResult struct {
	Graph     *domain.ConnectivityGraph `json:"graph,omitempty"`
	SymbolID  string                    `json:"symbol_id,omitempty"`
	Neighbors []string                  `json:"neighbors,omitempty"`
}

func (s *Server) getConnectivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("drawing_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	g, err := s.review.Graph(ctx, id)
	if err != nil {
		return toolResult(ctx, "get_connectivity", nil, err)
	}
	symbolID := req.GetString("symbol_id", "")
	if symbolID == "" {
		return toolResult(ctx, "get_connectivity", connectivityResult{Graph: g}, nil)
	}
	neighbors := graph.Neighbors(*g)[symbolID]
	if neighbors == nil {
		neighbors = []string{}
	}
	return toolResult(ctx, "get_connectivity", connectivityResult{SymbolID: symbolID, Neighbors: neighbors}, nil)
}

func (s *Server) requestExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := req.RequireStringSlice("drawing_ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := domain.ExportOptions{
		PaperSize: req.GetString("paper_size", ""),
		Draft:     req.GetBool("draft", false),
	}
	job, err := s.exports.RequestExport(ctx, domain.ExportRequest{
		DrawingIDs: ids,
		Format:     domain.ExportFormat(format),
		Options:    opts,
		Batch:      req.GetBool("batch", len(ids) > 1),
	})
	if err != nil {
		return toolResult(ctx, "request_export", nil, err)
	}
	return toolResult(ctx, "request_export", map[string]string{"job_id": job.ID, "status": string(job.Status)}, nil)
}

func (s *Server) getExportStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.exports.GetJob(ctx, id)
	return toolResult(ctx, "get_export_status", job, err)
}

// toolResult turns domain failures into tool errors the client can read.
// Only unexpected failures are logged.
func toolResult(ctx context.Context, tool string, payload any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		if !isClientError(err) {
			logging.FromContext(ctx).Error("mcp_tool_failed", "tool", tool, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s failed", tool)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func isClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrTemporary)
}
