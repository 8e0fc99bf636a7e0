package ports

import (
	"context"
	"io"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type UploadRequest struct {
	ProjectID  string
	Filename   string
	MimeType   string
	TitleBlock domain.TitleBlock
}

// DrawingIngestor is the inbound contract for drawing upload.
type DrawingIngestor interface {
	Upload(ctx context.Context, req UploadRequest, body io.Reader) (*domain.Drawing, error)
}

// DrawingReader is the inbound read model for drawing metadata/state.
type DrawingReader interface {
	GetByID(ctx context.Context, id string) (*domain.DrawingView, error)
	Delete(ctx context.Context, id string) error
}

// ProcessingScheduler accepts processing requests and exposes job records.
type ProcessingScheduler interface {
	RequestProcessing(ctx context.Context, drawingID string, stages []string) (*domain.ProcessingJob, error)
	GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error)
}

// DrawingProcessor runs a queued processing job.
type DrawingProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// ReviewService is the contract used by the validation collaborator.
type ReviewService interface {
	ListSymbols(ctx context.Context, drawingID string, filter domain.SymbolFilter) (domain.SymbolPage, error)
	UpdateSymbol(ctx context.Context, drawingID, symbolID string, patch domain.SymbolPatch) (*domain.DetectedSymbol, error)
	ListLines(ctx context.Context, drawingID string) ([]domain.DetectedLine, error)
	UpdateLine(ctx context.Context, drawingID, lineID string, patch domain.LinePatch) (*domain.DetectedLine, error)
	ListTokens(ctx context.Context, drawingID string) ([]domain.TextToken, error)
	AssignToken(ctx context.Context, drawingID, tokenID string, assignment domain.TokenAssignment) (*domain.TextToken, error)
	Graph(ctx context.Context, drawingID string) (*domain.ConnectivityGraph, error)
}

// ExportService accepts export requests and serves their results.
type ExportService interface {
	RequestExport(ctx context.Context, req domain.ExportRequest) (*domain.ExportJob, error)
	GetJob(ctx context.Context, jobID string) (*domain.ExportJob, error)
	OpenResult(ctx context.Context, jobID string) (domain.ExportArtifact, io.ReadCloser, error)
}

// ExportRunner runs a queued export job.
type ExportRunner interface {
	RunExportJob(ctx context.Context, jobID string) error
}
