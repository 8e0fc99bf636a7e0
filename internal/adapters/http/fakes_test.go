package httpadapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/kirillkom/pid-digitizer/internal/config"
	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
)

type fakeIngestor struct {
	req  ports.UploadRequest
	body []byte
	err  error
}

func (f *fakeIngestor) Upload(_ context.Context, req ports.UploadRequest, body io.Reader) (*domain.Drawing, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.req = req
	f.body, _ = io.ReadAll(body)
	return &domain.Drawing{ID: "d1", ProjectID: req.ProjectID, Filename: req.Filename, Status: domain.StatusUploaded}, nil
}

type fakeDrawings struct {
	err     error
	deleted []string
}

func (f *fakeDrawings) GetByID(_ context.Context, id string) (*domain.DrawingView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.DrawingView{
		Drawing:  domain.Drawing{ID: id, Status: domain.StatusProcessing},
		Progress: &domain.Progress{JobID: "j1", Stage: domain.StageDetect, Percent: 25},
	}, nil
}

func (f *fakeDrawings) Delete(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeScheduler struct {
	stages []string
	err    error
}

func (f *fakeScheduler) RequestProcessing(_ context.Context, drawingID string, stages []string) (*domain.ProcessingJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.stages = stages
	return &domain.ProcessingJob{ID: "job-1", DrawingID: drawingID, Status: domain.JobQueued}, nil
}

func (f *fakeScheduler) GetJob(_ context.Context, jobID string) (*domain.ProcessingJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ProcessingJob{ID: jobID, Status: domain.JobRunning}, nil
}

type fakeReview struct {
	filter     domain.SymbolFilter
	symbolPtch domain.SymbolPatch
	linePatch  domain.LinePatch
	assignment domain.TokenAssignment
	err        error
}

func (f *fakeReview) ListSymbols(_ context.Context, _ string, filter domain.SymbolFilter) (domain.SymbolPage, error) {
	f.filter = filter
	if f.err != nil {
		return domain.SymbolPage{}, f.err
	}
	return domain.SymbolPage{Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (f *fakeReview) UpdateSymbol(_ context.Context, drawingID, symbolID string, patch domain.SymbolPatch) (*domain.DetectedSymbol, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.symbolPtch = patch
	symbol := &domain.DetectedSymbol{ID: symbolID, DrawingID: drawingID}
	patch.Apply(symbol)
	return symbol, nil
}

func (f *fakeReview) ListLines(context.Context, string) ([]domain.DetectedLine, error) {
	return nil, f.err
}

func (f *fakeReview) UpdateLine(_ context.Context, drawingID, lineID string, patch domain.LinePatch) (*domain.DetectedLine, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.linePatch = patch
	return &domain.DetectedLine{ID: lineID, DrawingID: drawingID}, nil
}

func (f *fakeReview) ListTokens(context.Context, string) ([]domain.TextToken, error) {
	return nil, f.err
}

func (f *fakeReview) AssignToken(_ context.Context, drawingID, tokenID string, assignment domain.TokenAssignment) (*domain.TextToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.assignment = assignment
	return &domain.TextToken{ID: tokenID, DrawingID: drawingID, SymbolID: assignment.SymbolID, Manual: true}, nil
}

func (f *fakeReview) Graph(_ context.Context, drawingID string) (*domain.ConnectivityGraph, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ConnectivityGraph{DrawingID: drawingID}, nil
}

type fakeExports struct {
	ids      []string
	format   domain.ExportFormat
	opts     domain.ExportOptions
	batch    bool
	artifact []byte
	err      error
}

func (f *fakeExports) RequestExport(_ context.Context, req domain.ExportRequest) (*domain.ExportJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ids, f.format, f.opts, f.batch = req.DrawingIDs, req.Format, req.Options, req.Batch
	return &domain.ExportJob{ID: "exp-1", DrawingIDs: req.DrawingIDs, Format: req.Format, Batch: req.Batch, Status: domain.ExportQueued}, nil
}

func (f *fakeExports) GetJob(_ context.Context, jobID string) (*domain.ExportJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ExportJob{ID: jobID, Status: domain.ExportCompleted}, nil
}

func (f *fakeExports) OpenResult(context.Context, string) (domain.ExportArtifact, io.ReadCloser, error) {
	if f.err != nil {
		return domain.ExportArtifact{}, nil, f.err
	}
	return domain.ExportArtifact{Filename: "PID-001_revB.dxf", ContentType: "application/dxf"},
		io.NopCloser(bytes.NewReader(f.artifact)), nil
}

type testServices struct {
	ingestor  *fakeIngestor
	drawings  *fakeDrawings
	scheduler *fakeScheduler
	review    *fakeReview
	exports   *fakeExports
}

func newTestServices() *testServices {
	return &testServices{
		ingestor:  &fakeIngestor{},
		drawings:  &fakeDrawings{},
		scheduler: &fakeScheduler{},
		review:    &fakeReview{},
		exports:   &fakeExports{},
	}
}

func newTestHandler(t *testing.T, cfg config.Config, s *testServices) http.Handler {
	t.Helper()
	rt, err := NewRouter(cfg, Services{
		Ingestor:  s.ingestor,
		Drawings:  s.drawings,
		Scheduler: s.scheduler,
		Review:    s.review,
		Exports:   s.exports,
	}, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return rt.Handler()
}
