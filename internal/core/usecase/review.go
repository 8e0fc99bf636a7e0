package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

// ReviewUseCase applies the edits of the validation collaborator.
type ReviewUseCase struct {
	drawings  ports.DrawingRepository
	symbols   ports.SymbolRepository
	lines     ports.LineRepository
	tokens    ports.TokenRepository
	graph     ports.ConnectivityBuilder
	projector ports.GraphProjector
}

func NewReviewUseCase(
	drawings ports.DrawingRepository,
	symbols ports.SymbolRepository,
	lines ports.LineRepository,
	tokens ports.TokenRepository,
	graph ports.ConnectivityBuilder,
	projector ports.GraphProjector,
) *ReviewUseCase {
	return &ReviewUseCase{
		drawings:  drawings,
		symbols:   symbols,
		lines:     lines,
		tokens:    tokens,
		graph:     graph,
		projector: projector,
	}
}

func (uc *ReviewUseCase) requireDrawing(ctx context.Context, drawingID string) error {
	_, err := uc.drawings.GetByID(ctx, drawingID)
	return err
}

func (uc *ReviewUseCase) ListSymbols(ctx context.Context, drawingID string, filter domain.SymbolFilter) (domain.SymbolPage, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return domain.SymbolPage{}, domain.WrapError(domain.ErrInvalidInput, "list symbols", fmt.Errorf("unknown category %q", filter.Category))
	}
	if filter.MinConfidence < 0 || filter.MinConfidence > 1 {
		return domain.SymbolPage{}, domain.WrapError(domain.ErrInvalidInput, "list symbols", errors.New("minConfidence must be within [0,1]"))
	}
	if err := uc.requireDrawing(ctx, drawingID); err != nil {
		return domain.SymbolPage{}, err
	}
	return uc.symbols.List(ctx, drawingID, filter)
}

func (uc *ReviewUseCase) UpdateSymbol(ctx context.Context, drawingID, symbolID string, patch domain.SymbolPatch) (*domain.DetectedSymbol, error) {
	if patch.Empty() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update symbol", errors.New("empty patch"))
	}
	for key := range patch.Attributes {
		if key != domain.AttrDescription && key != domain.AttrSpec {
			return nil, domain.WrapError(domain.ErrInvalidInput, "update symbol", fmt.Errorf("unknown attribute %q", key))
		}
	}
	symbol, err := uc.symbols.GetByID(ctx, drawingID, symbolID)
	if err != nil {
		return nil, err
	}
	patch.Apply(symbol)
	if err := uc.symbols.Update(ctx, symbol); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("symbol_updated", "drawing_id", drawingID, "symbol_id", symbolID, "verified", symbol.IsVerified)
	return symbol, nil
}

func (uc *ReviewUseCase) ListLines(ctx context.Context, drawingID string) ([]domain.DetectedLine, error) {
	if err := uc.requireDrawing(ctx, drawingID); err != nil {
		return nil, err
	}
	return uc.lines.ListByDrawing(ctx, drawingID)
}

func (uc *ReviewUseCase) UpdateLine(ctx context.Context, drawingID, lineID string, patch domain.LinePatch) (*domain.DetectedLine, error) {
	if patch.Empty() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update line", errors.New("empty patch"))
	}
	if patch.LineType != nil && !patch.LineType.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update line", fmt.Errorf("unknown line type %q", *patch.LineType))
	}
	line, err := uc.lines.GetByID(ctx, drawingID, lineID)
	if err != nil {
		return nil, err
	}
	for _, end := range []domain.OptionalID{patch.FromSymbolID, patch.ToSymbolID} {
		if err := uc.checkEndpoint(ctx, drawingID, end); err != nil {
			return nil, err
		}
	}
	patch.Apply(line)
	if err := uc.lines.Update(ctx, line); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("line_updated", "drawing_id", drawingID, "line_id", lineID)
	uc.reproject(ctx, drawingID)
	return line, nil
}

// checkEndpoint rejects endpoint symbols that do not belong to the drawing.
func (uc *ReviewUseCase) checkEndpoint(ctx context.Context, drawingID string, end domain.OptionalID) error {
	if !end.Set || end.Value == nil {
		return nil
	}
	_, err := uc.symbols.GetByID(ctx, drawingID, *end.Value)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.WrapError(domain.ErrInvalidInput, "update line", fmt.Errorf("symbol %s is not part of drawing %s", *end.Value, drawingID))
	}
	return err
}

func (uc *ReviewUseCase) ListTokens(ctx context.Context, drawingID string) ([]domain.TextToken, error) {
	if err := uc.requireDrawing(ctx, drawingID); err != nil {
		return nil, err
	}
	return uc.tokens.ListByDrawing(ctx, drawingID)
}

// AssignToken attaches a token to at most one symbol or line and, for a
// symbol, makes the token text its tag.
func (uc *ReviewUseCase) AssignToken(ctx context.Context, drawingID, tokenID string, a domain.TokenAssignment) (*domain.TextToken, error) {
	if a.SymbolID != nil && a.LineID != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "assign token", errors.New("a token attaches to a symbol or a line, not both"))
	}
	token, err := uc.tokens.GetByID(ctx, drawingID, tokenID)
	if err != nil {
		return nil, err
	}

	var symbol *domain.DetectedSymbol
	if a.SymbolID != nil {
		symbol, err = uc.symbols.GetByID(ctx, drawingID, *a.SymbolID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "assign token", fmt.Errorf("symbol %s is not part of drawing %s", *a.SymbolID, drawingID))
		}
		if err != nil {
			return nil, err
		}
	}
	if a.LineID != nil {
		if _, err := uc.lines.GetByID(ctx, drawingID, *a.LineID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.WrapError(domain.ErrInvalidInput, "assign token", fmt.Errorf("line %s is not part of drawing %s", *a.LineID, drawingID))
			}
			return nil, err
		}
	}

	if err := uc.tokens.Assign(ctx, drawingID, tokenID, a); err != nil {
		return nil, err
	}
	token.SymbolID = a.SymbolID
	token.LineID = a.LineID
	token.Manual = true

	if symbol != nil && symbol.Tag != token.Text {
		symbol.Tag = token.Text
		if err := uc.symbols.Update(ctx, symbol); err != nil {
			return nil, fmt.Errorf("tag symbol: %w", err)
		}
	}
	logging.FromContext(ctx).Info("token_assigned", "drawing_id", drawingID, "token_id", tokenID)
	return token, nil
}

func (uc *ReviewUseCase) Graph(ctx context.Context, drawingID string) (*domain.ConnectivityGraph, error) {
	symbols, lines, err := uc.model(ctx, drawingID)
	if err != nil {
		return nil, err
	}
	graph := uc.graph.Build(drawingID, symbols, lines)
	return &graph, nil
}

func (uc *ReviewUseCase) model(ctx context.Context, drawingID string) ([]domain.DetectedSymbol, []domain.DetectedLine, error) {
	if err := uc.requireDrawing(ctx, drawingID); err != nil {
		return nil, nil, err
	}
	symbols, err := uc.symbols.ListAll(ctx, drawingID)
	if err != nil {
		return nil, nil, fmt.Errorf("list symbols: %w", err)
	}
	lines, err := uc.lines.ListByDrawing(ctx, drawingID)
	if err != nil {
		return nil, nil, fmt.Errorf("list lines: %w", err)
	}
	return symbols, lines, nil
}

// reproject replaces the graph read model after a connectivity edit.
func (uc *ReviewUseCase) reproject(ctx context.Context, drawingID string) {
	if uc.projector == nil {
		return
	}
	symbols, lines, err := uc.model(ctx, drawingID)
	if err == nil {
		err = uc.projector.Replace(ctx, uc.graph.Build(drawingID, symbols, lines))
	}
	if err != nil {
		logging.FromContext(ctx).Warn("graph_projection_failed", "drawing_id", drawingID, "error", err)
	}
}
