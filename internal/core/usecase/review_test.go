package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/graph"
)

type reviewFixture struct {
	drawings  *memDrawings
	symbols   *memSymbols
	lines     *memLines
	tokens    *memTokens
	projector *recordingProjector
	uc        *ReviewUseCase
}

func newReviewFixture() *reviewFixture {
	f := &reviewFixture{
		drawings: newMemDrawings(
			domain.Drawing{ID: "d1", Status: domain.StatusReview},
			domain.Drawing{ID: "d2", Status: domain.StatusReview},
		),
		projector: &recordingProjector{},
	}
	f.symbols = newMemSymbols(f.drawings)
	f.lines = newMemLines(f.drawings)
	f.tokens = newMemTokens(f.drawings)

	f.symbols.items["d1"] = []domain.DetectedSymbol{
		{ID: "pump", DrawingID: "d1", Class: "Pump_Centrifugal", Category: domain.CategoryEquipment, Confidence: 0.93,
			BBox: domain.BBox{X: 100, Y: 100, Width: 50, Height: 50}},
		{ID: "valve", DrawingID: "d1", Class: "Valve_Gate", Category: domain.CategoryValve, Confidence: 0.55, IsFlagged: true,
			BBox: domain.BBox{X: 300, Y: 115, Width: 20, Height: 20}},
	}
	f.symbols.items["d2"] = []domain.DetectedSymbol{
		{ID: "other", DrawingID: "d2", Class: "Tank_Atmospheric", Category: domain.CategoryEquipment, Confidence: 0.9},
	}
	f.lines.items["d1"] = []domain.DetectedLine{
		{ID: "l1", DrawingID: "d1", LineType: domain.LineProcess, Points: []domain.Point{{X: 150, Y: 125}, {X: 300, Y: 125}}},
	}
	f.tokens.items["d1"] = []domain.TextToken{
		{ID: "t1", DrawingID: "d1", Text: "XV-2001", Kind: domain.TokenTag},
	}
	f.uc = NewReviewUseCase(f.drawings, f.symbols, f.lines, f.tokens, graph.NewBuilder(), f.projector)
	return f
}

func TestListSymbolsFilters(t *testing.T) {
	f := newReviewFixture()
	ctx := context.Background()

	page, err := f.uc.ListSymbols(ctx, "d1", domain.SymbolFilter{Category: domain.CategoryValve})
	if err != nil || len(page.Items) != 1 || page.Items[0].ID != "valve" {
		t.Fatalf("unexpected page %+v, %v", page, err)
	}
	page, err = f.uc.ListSymbols(ctx, "d1", domain.SymbolFilter{MinConfidence: 0.9})
	if err != nil || len(page.Items) != 1 || page.Items[0].ID != "pump" {
		t.Fatalf("unexpected page %+v, %v", page, err)
	}

	for _, filter := range []domain.SymbolFilter{{Category: "piping"}, {MinConfidence: 1.5}} {
		if _, err := f.uc.ListSymbols(ctx, "d1", filter); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("filter %+v: expected invalid input, got %v", filter, err)
		}
	}
	if _, err := f.uc.ListSymbols(ctx, "nope", domain.SymbolFilter{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateSymbolVerifiesAndEditsAttributes(t *testing.T) {
	f := newReviewFixture()
	verified, unflagged := true, false

	got, err := f.uc.UpdateSymbol(context.Background(), "d1", "valve", domain.SymbolPatch{
		IsVerified: &verified,
		IsFlagged:  &unflagged,
		Attributes: map[string]string{domain.AttrSpec: "CS-150"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.IsVerified || got.IsFlagged || got.Attributes[domain.AttrSpec] != "CS-150" {
		t.Fatalf("patch not applied: %+v", got)
	}

	if _, err := f.uc.UpdateSymbol(context.Background(), "d1", "valve", domain.SymbolPatch{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty patch, got %v", err)
	}
	bad := domain.SymbolPatch{Attributes: map[string]string{"colour": "red"}}
	if _, err := f.uc.UpdateSymbol(context.Background(), "d1", "valve", bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown attribute, got %v", err)
	}
	if _, err := f.uc.UpdateSymbol(context.Background(), "d1", "other", domain.SymbolPatch{IsVerified: &verified}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for symbol of another drawing, got %v", err)
	}
}

func TestUpdateLineRejectsForeignEndpoint(t *testing.T) {
	f := newReviewFixture()
	foreign := "other"

	_, err := f.uc.UpdateLine(context.Background(), "d1", "l1", domain.LinePatch{
		ToSymbolID: domain.OptionalID{Set: true, Value: &foreign},
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if line, _ := f.lines.GetByID(context.Background(), "d1", "l1"); line.ToSymbolID != nil {
		t.Fatal("rejected edit was stored")
	}
	if len(f.projector.graphs) != 0 {
		t.Fatal("rejected edit was projected")
	}
}

func TestUpdateLineConnectsAndReprojects(t *testing.T) {
	f := newReviewFixture()
	from, to := "pump", "valve"
	utility := domain.LineUtility

	line, err := f.uc.UpdateLine(context.Background(), "d1", "l1", domain.LinePatch{
		LineType:     &utility,
		FromSymbolID: domain.OptionalID{Set: true, Value: &from},
		ToSymbolID:   domain.OptionalID{Set: true, Value: &to},
	})
	if err != nil {
		t.Fatalf("update line: %v", err)
	}
	if line.LineType != domain.LineUtility || *line.FromSymbolID != "pump" || *line.ToSymbolID != "valve" {
		t.Fatalf("patch not applied: %+v", line)
	}
	if len(f.projector.graphs) != 1 {
		t.Fatalf("expected one projection, got %d", len(f.projector.graphs))
	}
	g := f.projector.graphs[0]
	if len(g.Connections) != 1 || g.Connections[0].FromSymbolID != "pump" || g.Connections[0].ToSymbolID != "valve" {
		t.Fatalf("unexpected connections %+v", g.Connections)
	}

	// An explicit null detaches the end again.
	line, err = f.uc.UpdateLine(context.Background(), "d1", "l1", domain.LinePatch{ToSymbolID: domain.OptionalID{Set: true}})
	if err != nil || line.ToSymbolID != nil || line.FromSymbolID == nil {
		t.Fatalf("expected detached end, got %+v, %v", line, err)
	}
}

func TestAssignTokenTagsSymbol(t *testing.T) {
	f := newReviewFixture()
	valve := "valve"

	token, err := f.uc.AssignToken(context.Background(), "d1", "t1", domain.TokenAssignment{SymbolID: &valve})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !token.Manual || token.SymbolID == nil || *token.SymbolID != "valve" {
		t.Fatalf("unexpected token %+v", token)
	}
	symbol, _ := f.symbols.GetByID(context.Background(), "d1", "valve")
	if symbol.Tag != "XV-2001" {
		t.Fatalf("expected symbol tag XV-2001, got %q", symbol.Tag)
	}

	line := "l1"
	if _, err := f.uc.AssignToken(context.Background(), "d1", "t1", domain.TokenAssignment{SymbolID: &valve, LineID: &line}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for double target, got %v", err)
	}
	foreign := "other"
	if _, err := f.uc.AssignToken(context.Background(), "d1", "t1", domain.TokenAssignment{SymbolID: &foreign}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for foreign symbol, got %v", err)
	}
}

func TestGraphReflectsStoredConnectivity(t *testing.T) {
	f := newReviewFixture()
	pump := "pump"
	f.lines.items["d1"][0].FromSymbolID = &pump

	g, err := f.uc.Graph(context.Background(), "d1")
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if g.DrawingID != "d1" || len(g.Nodes) != 4 || len(g.Edges) != 2 {
		t.Fatalf("unexpected graph %+v", g)
	}
	if len(g.Connections) != 0 {
		t.Fatalf("half-attached line is not a connection: %+v", g.Connections)
	}
	if len(g.Dangling) != 1 {
		t.Fatalf("expected one dangling end, got %v", g.Dangling)
	}
}

func TestReaperReleasesStuckWork(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()
	drawings := newMemDrawings(
		domain.Drawing{ID: "stuck", Status: domain.StatusProcessing, ActiveJobID: "j1", ProcessingStartedAt: &old},
		domain.Drawing{ID: "busy", Status: domain.StatusProcessing, ActiveJobID: "j2", ProcessingStartedAt: &recent},
	)
	jobs := newMemJobs()
	_ = jobs.Create(context.Background(), &domain.ProcessingJob{ID: "j1", DrawingID: "stuck", Status: domain.JobRunning})
	_ = jobs.Create(context.Background(), &domain.ProcessingJob{ID: "j2", DrawingID: "busy", Status: domain.JobRunning})
	exports := newMemExports()
	exports.items["e1"] = &domain.ExportJob{ID: "e1", Status: domain.ExportProcessing, StartedAt: &old}
	exports.items["e2"] = &domain.ExportJob{ID: "e2", Status: domain.ExportProcessing, StartedAt: &recent}
	exports.items["e3"] = &domain.ExportJob{ID: "e3", Status: domain.ExportQueued, CreatedAt: old}
	exports.items["e4"] = &domain.ExportJob{ID: "e4", Status: domain.ExportQueued, CreatedAt: recent}

	uc := NewReaperUseCase(drawings, jobs, exports, time.Hour, time.Hour)
	result, err := uc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Drawings != 1 || result.Exports != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if d := drawings.get("stuck"); d.Status != domain.StatusError || d.Error != "processing timed out" {
		t.Fatalf("unexpected stuck drawing %+v", d)
	}
	if j := jobs.get("j1"); j.Status != domain.JobFailed {
		t.Fatalf("expected reaped job failed, got %s", j.Status)
	}
	if d := drawings.get("busy"); d.Status != domain.StatusProcessing {
		t.Fatalf("recent drawing was reaped: %+v", d)
	}
	if e := exports.get("e1"); e.Status != domain.ExportFailed || e.Errors[0].Message != "export timed out" {
		t.Fatalf("unexpected stuck export %+v", e)
	}
	if e := exports.get("e2"); e.Status != domain.ExportProcessing {
		t.Fatalf("recent export was reaped: %+v", e)
	}
	// Never picked up, e.g. the request was published while no worker listened.
	if e := exports.get("e3"); e.Status != domain.ExportFailed || len(e.Errors) != 1 || e.Errors[0].Message != "export timed out" {
		t.Fatalf("unexpected stale queued export %+v", e)
	}
	if e := exports.get("e4"); e.Status != domain.ExportQueued {
		t.Fatalf("fresh queued export was reaped: %+v", e)
	}

	result, err = uc.Sweep(context.Background())
	if err != nil || result.Drawings != 0 || result.Exports != 0 {
		t.Fatalf("second sweep should find nothing, got %+v, %v", result, err)
	}
}
