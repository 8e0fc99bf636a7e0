package ports

import (
	"context"
	"image"
	"io"
	"iter"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// DrawingRepository persists drawing state. Status changes are conditional
// writes: a transition whose precondition no longer holds returns
// domain.ErrConflict.
type DrawingRepository interface {
	Create(ctx context.Context, drawing *domain.Drawing) error
	GetByID(ctx context.Context, id string) (*domain.Drawing, error)
	Delete(ctx context.Context, id string) error
	BeginProcessing(ctx context.Context, drawingID, jobID string, from []domain.DrawingStatus) error
	SetSourceInfo(ctx context.Context, drawingID, jobID string, sourceType domain.SourceType, pageCount int) error
	FinishProcessing(ctx context.Context, drawingID, jobID string, status domain.DrawingStatus, errMessage string) error
	MarkComplete(ctx context.Context, drawingID string) error
	ListStuck(ctx context.Context, startedBefore time.Time) ([]domain.Drawing, error)
}

// ProcessingJobRepository persists pipeline job records.
type ProcessingJobRepository interface {
	Create(ctx context.Context, job *domain.ProcessingJob) error
	GetByID(ctx context.Context, id string) (*domain.ProcessingJob, error)
	LatestForDrawing(ctx context.Context, drawingID string) (*domain.ProcessingJob, error)
	MarkRunning(ctx context.Context, id string) error
	CompleteStage(ctx context.Context, id string, stage domain.Stage, partial []domain.PartialFailure, warnings []string) error
	Finish(ctx context.Context, id string, status domain.JobStatus, errMessage string) error
}

// SymbolRepository stores detections. Replace runs inside the owning job's lease.
type SymbolRepository interface {
	ReplaceForDrawing(ctx context.Context, drawingID, jobID string, symbols []domain.DetectedSymbol) error
	List(ctx context.Context, drawingID string, filter domain.SymbolFilter) (domain.SymbolPage, error)
	ListAll(ctx context.Context, drawingID string) ([]domain.DetectedSymbol, error)
	GetByID(ctx context.Context, drawingID, symbolID string) (*domain.DetectedSymbol, error)
	Update(ctx context.Context, symbol *domain.DetectedSymbol) error
}

type LineRepository interface {
	ReplaceForDrawing(ctx context.Context, drawingID, jobID string, lines []domain.DetectedLine) error
	ListByDrawing(ctx context.Context, drawingID string) ([]domain.DetectedLine, error)
	GetByID(ctx context.Context, drawingID, lineID string) (*domain.DetectedLine, error)
	Update(ctx context.Context, line *domain.DetectedLine) error
}

// TokenRepository stores text tokens and commits tag associations together
// with the symbol and line tags they imply.
type TokenRepository interface {
	CommitAssociations(ctx context.Context, drawingID, jobID string, tokens []domain.TextToken, symbolTags, lineTags map[string]string) error
	ListByDrawing(ctx context.Context, drawingID string) ([]domain.TextToken, error)
	GetByID(ctx context.Context, drawingID, tokenID string) (*domain.TextToken, error)
	Assign(ctx context.Context, drawingID, tokenID string, assignment domain.TokenAssignment) error
}

type ExportJobRepository interface {
	Create(ctx context.Context, job *domain.ExportJob) error
	GetByID(ctx context.Context, id string) (*domain.ExportJob, error)
	Transition(ctx context.Context, id string, from, to domain.ExportStatus) error
	Finish(ctx context.Context, job *domain.ExportJob) error
	Expire(ctx context.Context, id string, from domain.ExportStatus, reason string) error
	// ListStuck returns processing jobs started before cutoff and queued jobs
	// created before it.
	ListStuck(ctx context.Context, cutoff time.Time) ([]domain.ExportJob, error)
}

// ObjectStorage stores source files, page rasters and export artifacts.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// JobQueue transports job ids between the API and the workers.
type JobQueue interface {
	PublishProcessJob(ctx context.Context, jobID string) error
	SubscribeProcessJobs(ctx context.Context, handler func(context.Context, string) error) error
	PublishExportJob(ctx context.Context, jobID string) error
	SubscribeExportJobs(ctx context.Context, handler func(context.Context, string) error) error
}

// DocumentNormalizer turns PDF bytes into pages at the working resolution.
type DocumentNormalizer interface {
	Normalize(ctx context.Context, pdf []byte) (*domain.NormalizedDocument, error)
}

// PageStore persists normalizer output so later stages can resume.
type PageStore interface {
	Save(ctx context.Context, drawingID string, doc *domain.NormalizedDocument) error
	Load(ctx context.Context, drawingID string) (*domain.NormalizedDocument, error)
	Manifest(ctx context.Context, drawingID string) (*domain.NormalizedDocument, error)
}

type Tiler interface {
	Tiles(img image.Image) iter.Seq[domain.Tile]
	Count(bounds image.Rectangle) int
}

// SymbolDetector is the pluggable detection backend.
type SymbolDetector interface {
	Detect(ctx context.Context, tile image.Image) ([]domain.RawDetection, error)
	ModelVersion() string
}

// BatchDetector is implemented by backends that accept several tiles per call.
type BatchDetector interface {
	SymbolDetector
	DetectBatch(ctx context.Context, tiles []image.Image) ([][]domain.RawDetection, error)
}

// LineBuilder extracts typed polylines from a page and snaps their endpoints.
type LineBuilder interface {
	Build(ctx context.Context, page domain.NormalizedPage, symbols []domain.DetectedSymbol) ([]domain.DetectedLine, []string, error)
}

type TextRecognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]domain.TextFragment, error)
}

// TagAssociator links text tokens to symbols and lines.
type TagAssociator interface {
	Tokens(drawingID string, page int, source domain.TokenSource, fragments []domain.TextFragment) []domain.TextToken
	TargetTags(tokens []domain.TextToken) (symbolTags, lineTags map[string]string)
	Associate(tokens []domain.TextToken, symbols []domain.DetectedSymbol, lines []domain.DetectedLine, dpi float64, claimed []string) []domain.TextToken
}

// SymbolCatalog knows where each class connects to pipes.
type SymbolCatalog interface {
	ConnectionPoints(class domain.SymbolClass, box domain.BBox, rotation int) []domain.Point
}

type ConnectivityBuilder interface {
	Build(drawingID string, symbols []domain.DetectedSymbol, lines []domain.DetectedLine) domain.ConnectivityGraph
}

// GraphProjector replaces a read-model copy of the connectivity graph.
type GraphProjector interface {
	Replace(ctx context.Context, graph domain.ConnectivityGraph) error
}

// PipelineMetrics receives measurements from the processing stages.
type PipelineMetrics interface {
	ObserveQueueLag(kind string, lag time.Duration)
	ObserveStage(stage domain.Stage, duration time.Duration, err error)
	RecordTile(outcome string)
	RecordSymbols(flagged, unflagged int)
}

// DrawingEncoder renders a structured drawing into one export format.
type DrawingEncoder interface {
	Format() domain.ExportFormat
	Encode(ctx context.Context, model domain.ExportModel, opts domain.ExportOptions) ([]byte, domain.EncodeReport, error)
}
