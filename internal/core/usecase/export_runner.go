package usecase

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

// ExportRunnerUseCase runs export jobs. A retried job starts over; items are
// independent and a failed item never aborts its siblings. A run cut short by
// its context records nothing it produced.
type ExportRunnerUseCase struct {
	drawings ports.DrawingRepository
	jobs     ports.ExportJobRepository
	symbols  ports.SymbolRepository
	lines    ports.LineRepository
	tokens   ports.TokenRepository
	pages    ports.PageStore
	storage  ports.ObjectStorage
	queue    ports.JobQueue
	encoders map[domain.ExportFormat]ports.DrawingEncoder
	metrics  ports.PipelineMetrics
	now      func() time.Time
}

type ExportRunnerDeps struct {
	Drawings ports.DrawingRepository
	Jobs     ports.ExportJobRepository
	Symbols  ports.SymbolRepository
	Lines    ports.LineRepository
	Tokens   ports.TokenRepository
	Pages    ports.PageStore
	Storage  ports.ObjectStorage
	Queue    ports.JobQueue
	Encoders []ports.DrawingEncoder
	Metrics  ports.PipelineMetrics
}

func NewExportRunnerUseCase(deps ExportRunnerDeps) *ExportRunnerUseCase {
	encoders := make(map[domain.ExportFormat]ports.DrawingEncoder, len(deps.Encoders))
	for _, e := range deps.Encoders {
		encoders[e.Format()] = e
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ExportRunnerUseCase{
		drawings: deps.Drawings,
		jobs:     deps.Jobs,
		symbols:  deps.Symbols,
		lines:    deps.Lines,
		tokens:   deps.Tokens,
		pages:    deps.Pages,
		storage:  deps.Storage,
		queue:    deps.Queue,
		encoders: encoders,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// exportItem is one drawing's outcome within a job.
type exportItem struct {
	drawingID string
	drawing   *domain.Drawing
	filename  string
	data      []byte
	report    domain.EncodeReport
	err       error
}

type manifestItem struct {
	DrawingID     string               `json:"drawing_id"`
	DrawingNumber string               `json:"drawing_number,omitempty"`
	Revision      string               `json:"revision,omitempty"`
	File          string               `json:"file,omitempty"`
	Status        string               `json:"status"`
	Error         string               `json:"error,omitempty"`
	Report        *domain.EncodeReport `json:"report,omitempty"`
}

type batchManifest struct {
	JobID       string               `json:"job_id"`
	Format      domain.ExportFormat  `json:"format"`
	Options     domain.ExportOptions `json:"options"`
	GeneratedAt time.Time            `json:"generated_at"`
	Items       []manifestItem       `json:"items"`
}

func (uc *ExportRunnerUseCase) RunExportJob(ctx context.Context, jobID string) error {
	job, err := uc.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	ctx = logging.WithAttrs(ctx, "export_job_id", job.ID, "format", job.Format)
	logger := logging.FromContext(ctx)
	if job.Status.Terminal() {
		logger.Info("export_already_finished", "status", job.Status)
		return nil
	}
	if job.Status == domain.ExportQueued {
		uc.metrics.ObserveQueueLag("export", uc.now().Sub(job.CreatedAt))
		if err := uc.jobs.Transition(ctx, job.ID, domain.ExportQueued, domain.ExportProcessing); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				logger.Info("export_claimed_elsewhere")
				return nil
			}
			return err
		}
		job.Status = domain.ExportProcessing
	}

	encoder, ok := uc.encoders[job.Format]
	if !ok {
		return uc.fail(ctx, job, fmt.Sprintf("no encoder for format %s", job.Format))
	}

	items := make([]exportItem, 0, len(job.DrawingIDs))
	for _, id := range job.DrawingIDs {
		if err := ctx.Err(); err != nil {
			return uc.interrupted(ctx, job, err)
		}
		item := uc.exportDrawing(ctx, job, encoder, id)
		if err := ctx.Err(); err != nil {
			return uc.interrupted(ctx, job, err)
		}
		if item.err != nil {
			logger.Warn("export_item_failed", "drawing_id", id, "error", item.err)
		}
		items = append(items, item)
	}

	job.Errors = []domain.ExportItemError{}
	job.CompletedDrawings, job.FailedDrawings = 0, 0
	for _, item := range items {
		if item.err != nil {
			job.FailedDrawings++
			job.Errors = append(job.Errors, domain.ExportItemError{DrawingID: item.drawingID, Message: item.err.Error()})
			continue
		}
		job.CompletedDrawings++
	}
	if job.CompletedDrawings == 0 {
		job.Status = domain.ExportFailed
		return uc.finish(ctx, job)
	}

	key, data, err := uc.packageArtifact(job, items)
	if err != nil {
		return uc.fail(ctx, job, err.Error())
	}
	if err := uc.storage.Save(ctx, key, bytes.NewReader(data)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return uc.interrupted(ctx, job, ctxErr)
		}
		return uc.fail(ctx, job, fmt.Sprintf("store artifact: %v", err))
	}
	job.ResultRef = key
	job.Status = domain.ExportCompleted
	if err := uc.finish(ctx, job); err != nil {
		return err
	}

	if job.Options.Formal(job.Format) {
		for _, item := range items {
			if item.err != nil {
				continue
			}
			if err := uc.drawings.MarkComplete(ctx, item.drawing.ID); err != nil {
				logger.Warn("mark_complete_failed", "drawing_id", item.drawing.ID, "error", err)
			}
		}
	}
	return nil
}

func (uc *ExportRunnerUseCase) exportDrawing(ctx context.Context, job *domain.ExportJob, encoder ports.DrawingEncoder, drawingID string) exportItem {
	item := exportItem{drawingID: drawingID}
	drawing, err := uc.preflight(ctx, job, drawingID)
	if err != nil {
		item.err = err
		return item
	}
	item.drawing = drawing

	model, err := uc.model(ctx, drawing)
	if err != nil {
		item.err = fmt.Errorf("drawing %s: %w", drawingID, err)
		return item
	}
	data, report, err := encoder.Encode(ctx, model, job.Options)
	if err != nil {
		item.err = fmt.Errorf("drawing %s: encode %s: %w", drawingID, job.Format, err)
		return item
	}
	item.data = data
	item.report = report
	item.filename = artifactName(drawing, job.Format)
	logging.FromContext(ctx).Info("export_item_encoded",
		"drawing_id", drawingID,
		"bytes", len(data),
		"inserts", report.Inserts,
		"polylines", report.Polylines,
		"warnings", len(report.Warnings),
	)
	return item
}

// preflight checks that a drawing can be exported: it exists, it has been
// through detection (any status for drafts) and its source file resolves.
func (uc *ExportRunnerUseCase) preflight(ctx context.Context, job *domain.ExportJob, drawingID string) (*domain.Drawing, error) {
	drawing, err := uc.drawings.GetByID(ctx, drawingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("drawing %s: not found", drawingID)
		}
		return nil, fmt.Errorf("drawing %s: %w", drawingID, err)
	}
	if !job.Options.Draft && drawing.Status != domain.StatusReview && drawing.Status != domain.StatusComplete {
		return nil, fmt.Errorf("drawing %s: status %s cannot be exported", drawingID, drawing.Status)
	}
	ok, err := uc.storage.Exists(ctx, drawing.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("drawing %s: check source file: %w", drawingID, err)
	}
	if !ok {
		return nil, fmt.Errorf("drawing %s: source file %s is missing", drawingID, drawing.StoragePath)
	}
	return drawing, nil
}

func (uc *ExportRunnerUseCase) model(ctx context.Context, drawing *domain.Drawing) (domain.ExportModel, error) {
	symbols, err := uc.symbols.ListAll(ctx, drawing.ID)
	if err != nil {
		return domain.ExportModel{}, fmt.Errorf("list symbols: %w", err)
	}
	lines, err := uc.lines.ListByDrawing(ctx, drawing.ID)
	if err != nil {
		return domain.ExportModel{}, fmt.Errorf("list lines: %w", err)
	}
	tokens, err := uc.tokens.ListByDrawing(ctx, drawing.ID)
	if err != nil {
		return domain.ExportModel{}, fmt.Errorf("list tokens: %w", err)
	}
	model := domain.ExportModel{
		Drawing:    *drawing,
		Symbols:    symbols,
		Lines:      lines,
		Tokens:     tokens,
		ExportedAt: uc.now(),
	}
	doc, err := uc.pages.Manifest(ctx, drawing.ID)
	switch {
	case err == nil:
		for _, p := range doc.Pages {
			model.DPI = p.DPI
			model.Pages = append(model.Pages, domain.PageSize{Width: p.Width, Height: p.Height})
		}
	case errors.Is(err, domain.ErrNotFound):
		// Drafts of unprocessed drawings carry no page geometry.
	default:
		return domain.ExportModel{}, fmt.Errorf("load page manifest: %w", err)
	}
	return model, nil
}

// packageArtifact stores a single drawing as-is and a batch as one ZIP with a
// manifest.json describing every item.
func (uc *ExportRunnerUseCase) packageArtifact(job *domain.ExportJob, items []exportItem) (string, []byte, error) {
	prefix := fmt.Sprintf("exports/%s/", job.ID)
	if !job.Batch {
		item := items[0]
		return prefix + item.filename, item.data, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	manifest := batchManifest{
		JobID:       job.ID,
		Format:      job.Format,
		Options:     job.Options,
		GeneratedAt: uc.now(),
	}
	used := map[string]int{}
	for _, item := range items {
		entry := manifestItem{DrawingID: item.drawingID, Status: "completed"}
		if item.drawing != nil {
			entry.DrawingNumber = item.drawing.TitleBlock.DrawingNumber
			entry.Revision = item.drawing.TitleBlock.Revision
		}
		if item.err != nil {
			entry.Status = "failed"
			entry.Error = item.err.Error()
			manifest.Items = append(manifest.Items, entry)
			continue
		}
		name := item.filename
		if n := used[name]; n > 0 {
			name = fmt.Sprintf("%d_%s", n, name)
		}
		used[item.filename]++
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: manifest.GeneratedAt})
		if err != nil {
			return "", nil, fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := w.Write(item.data); err != nil {
			return "", nil, fmt.Errorf("zip %s: %w", name, err)
		}
		report := item.report
		entry.File = name
		entry.Report = &report
		manifest.Items = append(manifest.Items, entry)
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode manifest: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "manifest.json", Method: zip.Deflate, Modified: manifest.GeneratedAt})
	if err != nil {
		return "", nil, fmt.Errorf("zip manifest: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", nil, fmt.Errorf("zip manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("close zip: %w", err)
	}
	return prefix + fmt.Sprintf("export-%s.zip", job.ID), buf.Bytes(), nil
}

// interrupted ends a run whose context ended before the job was finalized.
// Item outcomes so far are dropped. Past the deadline the job fails; on
// cancellation it stays processing and is queued again for a fresh run.
func (uc *ExportRunnerUseCase) interrupted(ctx context.Context, job *domain.ExportJob, cause error) error {
	logger := logging.FromContext(ctx)
	detached := context.WithoutCancel(ctx)
	job.Errors = nil
	job.CompletedDrawings, job.FailedDrawings = 0, 0

	if errors.Is(cause, context.DeadlineExceeded) || uc.queue == nil {
		logger.Warn("export_deadline_exceeded", "error", cause)
		return uc.fail(detached, job, exportTimedOut)
	}
	logger.Warn("export_interrupted", "error", cause)
	if err := uc.queue.PublishExportJob(detached, job.ID); err != nil {
		logger.Error("export_republish_failed", "error", err)
		return fmt.Errorf("requeue export job: %w", err)
	}
	return nil
}

func (uc *ExportRunnerUseCase) fail(ctx context.Context, job *domain.ExportJob, msg string) error {
	job.Status = domain.ExportFailed
	job.Errors = append(job.Errors, domain.ExportItemError{Message: msg})
	return uc.finish(ctx, job)
}

func (uc *ExportRunnerUseCase) finish(ctx context.Context, job *domain.ExportJob) error {
	if err := uc.jobs.Finish(ctx, job); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logging.FromContext(ctx).Warn("export_finish_conflict", "error", err)
			return nil
		}
		return fmt.Errorf("finish export job: %w", err)
	}
	logging.FromContext(ctx).Info("export_finished",
		"status", job.Status,
		"completed_drawings", job.CompletedDrawings,
		"failed_drawings", job.FailedDrawings,
	)
	return nil
}

func artifactName(d *domain.Drawing, format domain.ExportFormat) string {
	base := d.TitleBlock.DrawingNumber
	if base == "" {
		base = d.ID
	}
	if d.TitleBlock.Revision != "" {
		base += "_rev" + d.TitleBlock.Revision
	}
	return sanitizeFilename(base + "." + string(format))
}
