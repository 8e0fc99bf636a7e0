package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

type ProcessorConfig struct {
	ConfidenceThreshold float64
	NMSIoU              float64
	MaxAttempts         int
}

// ProcessorDeps are the collaborators of the processing pipeline. Recognizer,
// Projector and Metrics may be nil.
type ProcessorDeps struct {
	Drawings   ports.DrawingRepository
	Jobs       ports.ProcessingJobRepository
	Symbols    ports.SymbolRepository
	Lines      ports.LineRepository
	Tokens     ports.TokenRepository
	Storage    ports.ObjectStorage
	Queue      ports.JobQueue
	Normalizer ports.DocumentNormalizer
	Pages      ports.PageStore
	Tiler      ports.Tiler
	Detection  *DetectionRuntime
	Catalog    ports.SymbolCatalog
	LineBuild  ports.LineBuilder
	Recognizer ports.TextRecognizer
	Associator ports.TagAssociator
	Graph      ports.ConnectivityBuilder
	Projector  ports.GraphProjector
	Metrics    ports.PipelineMetrics
}

// ProcessorUseCase runs processing jobs stage by stage. Every stage commits
// under the job's lease on the drawing and is skipped on redelivery once done.
type ProcessorUseCase struct {
	cfg        ProcessorConfig
	drawings   ports.DrawingRepository
	jobs       ports.ProcessingJobRepository
	symbols    ports.SymbolRepository
	lines      ports.LineRepository
	tokens     ports.TokenRepository
	storage    ports.ObjectStorage
	queue      ports.JobQueue
	normalizer ports.DocumentNormalizer
	pages      ports.PageStore
	tiler      ports.Tiler
	detection  *DetectionRuntime
	catalog    ports.SymbolCatalog
	lineBuild  ports.LineBuilder
	recognizer ports.TextRecognizer
	associator ports.TagAssociator
	graph      ports.ConnectivityBuilder
	projector  ports.GraphProjector
	metrics    ports.PipelineMetrics
	now        func() time.Time
}

func NewProcessorUseCase(cfg ProcessorConfig, deps ProcessorDeps) *ProcessorUseCase {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = domain.DefaultConfidenceThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ProcessorUseCase{
		cfg:        cfg,
		drawings:   deps.Drawings,
		jobs:       deps.Jobs,
		symbols:    deps.Symbols,
		lines:      deps.Lines,
		tokens:     deps.Tokens,
		storage:    deps.Storage,
		queue:      deps.Queue,
		normalizer: deps.Normalizer,
		pages:      deps.Pages,
		tiler:      deps.Tiler,
		detection:  deps.Detection,
		catalog:    deps.Catalog,
		lineBuild:  deps.LineBuild,
		recognizer: deps.Recognizer,
		associator: deps.Associator,
		graph:      deps.Graph,
		projector:  deps.Projector,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// stageOutcome is what a stage hands to CompleteStage.
type stageOutcome struct {
	partial  []domain.PartialFailure
	warnings []string
}

func (uc *ProcessorUseCase) ProcessJob(ctx context.Context, jobID string) error {
	job, err := uc.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load processing job: %w", err)
	}
	ctx = logging.WithAttrs(ctx, "job_id", job.ID, "drawing_id", job.DrawingID)
	logger := logging.FromContext(ctx)
	if job.Status.Terminal() {
		logger.Info("job_already_finished", "status", job.Status)
		return nil
	}

	drawing, err := uc.drawings.GetByID(ctx, job.DrawingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			uc.finishJob(ctx, job.ID, domain.JobFailed, "drawing was deleted")
			return nil
		}
		return fmt.Errorf("load drawing: %w", err)
	}
	if drawing.Status != domain.StatusProcessing || drawing.ActiveJobID != job.ID {
		logger.Warn("job_lease_lost", "status", drawing.Status, "active_job_id", drawing.ActiveJobID)
		uc.finishJob(ctx, job.ID, domain.JobFailed, "drawing is no longer held by this job")
		return nil
	}

	if job.Status == domain.JobQueued {
		uc.metrics.ObserveQueueLag("process", uc.now().Sub(job.CreatedAt))
	}
	if err := uc.jobs.MarkRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	job.Attempts++

	runErr := uc.runStages(ctx, drawing, job)
	if runErr == nil {
		if err := uc.drawings.FinishProcessing(ctx, drawing.ID, job.ID, domain.StatusReview, ""); err != nil {
			return uc.handleFailure(ctx, drawing, job, err)
		}
		uc.finishJob(ctx, job.ID, domain.JobCompleted, "")
		logger.Info("job_completed", "attempts", job.Attempts)
		return nil
	}
	return uc.handleFailure(ctx, drawing, job, runErr)
}

func (uc *ProcessorUseCase) runStages(ctx context.Context, drawing *domain.Drawing, job *domain.ProcessingJob) error {
	for _, stage := range job.Stages {
		if job.StageDone(stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("before stage %s: %w", stage, err)
		}

		start := time.Now()
		outcome, err := uc.runStage(ctx, stage, drawing, job)
		uc.metrics.ObserveStage(stage, time.Since(start), err)
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		if err := uc.jobs.CompleteStage(ctx, job.ID, stage, outcome.partial, outcome.warnings); err != nil {
			return fmt.Errorf("complete stage %s: %w", stage, err)
		}
		job.CompletedStages = append(job.CompletedStages, stage)
		logging.FromContext(ctx).Info("stage_completed",
			"stage", stage,
			"duration_ms", time.Since(start).Milliseconds(),
			"partial_failures", len(outcome.partial),
			"warnings", len(outcome.warnings),
		)
	}
	return nil
}

func (uc *ProcessorUseCase) runStage(ctx context.Context, stage domain.Stage, drawing *domain.Drawing, job *domain.ProcessingJob) (stageOutcome, error) {
	switch stage {
	case domain.StageNormalize:
		return uc.normalize(ctx, drawing, job)
	case domain.StageDetect:
		return uc.detect(ctx, drawing, job)
	case domain.StageLines:
		return uc.buildLines(ctx, drawing, job)
	case domain.StageTags:
		return uc.associateTags(ctx, drawing, job)
	}
	return stageOutcome{}, domain.WrapError(domain.ErrInternal, "run stage", fmt.Errorf("unknown stage %q", stage))
}

// handleFailure decides between a retry and a terminal failure. A lost lease
// stops the attempt without touching the drawing.
func (uc *ProcessorUseCase) handleFailure(ctx context.Context, drawing *domain.Drawing, job *domain.ProcessingJob, cause error) error {
	logger := logging.FromContext(ctx)
	switch {
	case errors.Is(cause, domain.ErrConflict):
		logger.Warn("job_superseded", "error", cause)
		uc.finishJob(ctx, job.ID, domain.JobFailed, "superseded: "+cause.Error())
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
	case (errors.Is(cause, domain.ErrTemporary) || errors.Is(cause, context.Canceled)) && job.Attempts < uc.cfg.MaxAttempts:
		logger.Warn("job_retry_scheduled", "attempt", job.Attempts, "max_attempts", uc.cfg.MaxAttempts, "error", cause)
		err := uc.queue.PublishProcessJob(context.WithoutCancel(ctx), job.ID)
		if err == nil {
			return nil
		}
		logger.Error("job_republish_failed", "error", err)
	}

	// The outcome is recorded even when ctx has expired.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "processing timed out"
	}
	if err := uc.drawings.FinishProcessing(finishCtx, drawing.ID, job.ID, domain.StatusError, msg); err != nil && !errors.Is(err, domain.ErrConflict) {
		logger.Error("drawing_error_status_failed", "error", err)
	}
	uc.finishJob(finishCtx, job.ID, domain.JobFailed, msg)
	logger.Error("job_failed", "attempts", job.Attempts, "error", cause)
	return cause
}

func (uc *ProcessorUseCase) finishJob(ctx context.Context, jobID string, status domain.JobStatus, msg string) {
	if err := uc.jobs.Finish(ctx, jobID, status, msg); err != nil && !errors.Is(err, domain.ErrConflict) {
		logging.FromContext(ctx).Error("job_finish_failed", "job_id", jobID, "status", status, "error", err)
	}
}

func (uc *ProcessorUseCase) normalize(ctx context.Context, drawing *domain.Drawing, job *domain.ProcessingJob) (stageOutcome, error) {
	rc, err := uc.storage.Open(ctx, drawing.StoragePath)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("open source file: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return stageOutcome{}, domain.WrapError(domain.ErrTemporary, "read source file", err)
	}

	doc, err := uc.normalizer.Normalize(ctx, data)
	if err != nil {
		return stageOutcome{}, err
	}
	if err := uc.pages.Save(ctx, drawing.ID, doc); err != nil {
		return stageOutcome{}, domain.WrapError(domain.ErrTemporary, "save pages", err)
	}
	if err := uc.drawings.SetSourceInfo(ctx, drawing.ID, job.ID, doc.SourceType, len(doc.Pages)); err != nil {
		return stageOutcome{}, err
	}
	drawing.SourceType = doc.SourceType
	drawing.PageCount = len(doc.Pages)

	var out stageOutcome
	for _, p := range doc.Pages {
		if p.SkewDegrees != 0 {
			out.warnings = append(out.warnings, fmt.Sprintf("page %d: deskewed by %.2f degrees", p.Index+1, p.SkewDegrees))
		}
	}
	return out, nil
}

func (uc *ProcessorUseCase) loadPages(ctx context.Context, drawingID string) (*domain.NormalizedDocument, error) {
	doc, err := uc.pages.Load(ctx, drawingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "load pages", errors.New("drawing has not been normalized"))
		}
		return nil, domain.WrapError(domain.ErrTemporary, "load pages", err)
	}
	return doc, nil
}

func (uc *ProcessorUseCase) detect(ctx context.Context, drawing *domain.Drawing, job *domain.ProcessingJob) (stageOutcome, error) {
	doc, err := uc.loadPages(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, err
	}

	var (
		out     stageOutcome
		symbols []domain.DetectedSymbol
	)
	now := uc.now()
	for _, page := range doc.Pages {
		dets, partial, warnings, err := uc.pageDetections(ctx, page)
		if err != nil {
			return stageOutcome{}, err
		}
		out.partial = append(out.partial, partial...)
		out.warnings = append(out.warnings, warnings...)
		for _, d := range dets {
			symbols = append(symbols, uc.newSymbol(drawing.ID, page.Index, d, now))
		}
	}

	flagged := 0
	for _, s := range symbols {
		if s.IsFlagged {
			flagged++
		}
	}
	uc.metrics.RecordSymbols(flagged, len(symbols)-flagged)

	if err := uc.symbols.ReplaceForDrawing(ctx, drawing.ID, job.ID, symbols); err != nil {
		return stageOutcome{}, err
	}
	logging.FromContext(ctx).Info("symbols_detected", "symbols", len(symbols), "flagged", flagged, "model", uc.detection.ModelVersion())
	return out, nil
}

func (uc *ProcessorUseCase) newSymbol(drawingID string, page int, d domain.PageDetection, now time.Time) domain.DetectedSymbol {
	category := d.Category
	if !category.Valid() {
		category = domain.CategoryOther
	}
	return domain.DetectedSymbol{
		ID:               uuid.NewString(),
		DrawingID:        drawingID,
		Page:             page,
		Class:            d.Class,
		Category:         category,
		BBox:             d.BBox,
		Rotation:         d.Rotation,
		Confidence:       d.Confidence,
		ConnectionPoints: uc.catalog.ConnectionPoints(d.Class, d.BBox, d.Rotation),
		IsFlagged:        domain.IsFlaggedFor(d.Confidence, uc.cfg.ConfidenceThreshold),
		Attributes:       map[string]string{},
		ModelVersion:     d.ModelVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (uc *ProcessorUseCase) buildLines(ctx context.Context, drawing *domain.Drawing, job *domain.ProcessingJob) (stageOutcome, error) {
	doc, err := uc.loadPages(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, err
	}
	symbols, err := uc.symbols.ListAll(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("list symbols: %w", err)
	}
	known := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		known[s.ID] = true
	}

	var (
		out   stageOutcome
		lines []domain.DetectedLine
	)
	now := uc.now()
	for _, page := range doc.Pages {
		pageLines, warnings, err := uc.lineBuild.Build(ctx, page, symbolsOnPage(symbols, page.Index))
		if err != nil {
			return stageOutcome{}, fmt.Errorf("build lines on page %d: %w", page.Index+1, err)
		}
		for _, w := range warnings {
			out.warnings = append(out.warnings, fmt.Sprintf("page %d: %s", page.Index+1, w))
		}
		for _, l := range pageLines {
			l.ID = uuid.NewString()
			l.DrawingID = drawing.ID
			l.Page = page.Index
			l.CreatedAt = now
			l.UpdatedAt = now
			l.FromSymbolID = keepKnown(l.FromSymbolID, known)
			l.ToSymbolID = keepKnown(l.ToSymbolID, known)
			lines = append(lines, l)
		}
	}

	if err := uc.lines.ReplaceForDrawing(ctx, drawing.ID, job.ID, lines); err != nil {
		return stageOutcome{}, err
	}
	if w := uc.project(ctx, drawing.ID, symbols, lines); w != "" {
		out.warnings = append(out.warnings, w)
	}
	logging.FromContext(ctx).Info("lines_built", "lines", len(lines))
	return out, nil
}

// project refreshes the graph read model. Failures are reported, not fatal.
func (uc *ProcessorUseCase) project(ctx context.Context, drawingID string, symbols []domain.DetectedSymbol, lines []domain.DetectedLine) string {
	if uc.projector == nil || uc.graph == nil {
		return ""
	}
	graph := uc.graph.Build(drawingID, symbols, lines)
	if err := uc.projector.Replace(ctx, graph); err != nil {
		logging.FromContext(ctx).Warn("graph_projection_failed", "error", err)
		return "graph read model not updated: " + err.Error()
	}
	return ""
}

func (uc *ProcessorUseCase) associateTags(ctx context.Context, drawing *domain.Drawing, job *domain.ProcessingJob) (stageOutcome, error) {
	doc, err := uc.loadPages(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, err
	}
	symbols, err := uc.symbols.ListAll(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("list symbols: %w", err)
	}
	lines, err := uc.lines.ListByDrawing(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("list lines: %w", err)
	}
	existing, err := uc.tokens.ListByDrawing(ctx, drawing.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("list tokens: %w", err)
	}

	var (
		out    stageOutcome
		tokens []domain.TextToken
	)
	for _, t := range existing {
		if t.Manual {
			tokens = append(tokens, t)
		}
	}
	manual := tokens

	dpi := 0.0
	for _, page := range doc.Pages {
		dpi = page.DPI
		fragments, source, err := uc.pageText(ctx, page)
		if err != nil {
			out.partial = append(out.partial, domain.PartialFailure{
				Stage:   domain.StageTags,
				Page:    page.Index,
				Tile:    -1,
				Message: err.Error(),
			})
			continue
		}
		for _, t := range uc.associator.Tokens(drawing.ID, page.Index, source, fragments) {
			if duplicatesManual(t, manual) {
				continue
			}
			t.ID = uuid.NewString()
			tokens = append(tokens, t)
		}
	}

	// A reviewer-confirmed tag is final; its symbol does not compete for tokens.
	var verified []string
	for _, s := range symbols {
		if s.IsVerified && s.Tag != "" {
			verified = append(verified, s.ID)
		}
	}
	associated := uc.associator.Associate(tokens, symbols, lines, dpi, verified)
	symbolTags, lineTags := uc.associator.TargetTags(associated)
	for _, id := range verified {
		delete(symbolTags, id)
	}
	if err := uc.tokens.CommitAssociations(ctx, drawing.ID, job.ID, associated, symbolTags, lineTags); err != nil {
		return stageOutcome{}, err
	}
	logging.FromContext(ctx).Info("tags_associated", "tokens", len(associated), "symbol_tags", len(symbolTags), "line_tags", len(lineTags))
	return out, nil
}

// pageText is the text layer of vector pages and OCR output for scans.
func (uc *ProcessorUseCase) pageText(ctx context.Context, page domain.NormalizedPage) ([]domain.TextFragment, domain.TokenSource, error) {
	if page.SourceType == domain.SourceVector {
		return page.Text, domain.TokenSourceVector, nil
	}
	if uc.recognizer == nil {
		return nil, domain.TokenSourceOCR, errors.New("text recognition is disabled")
	}
	if page.Image == nil {
		return nil, domain.TokenSourceOCR, errors.New("page raster missing")
	}
	fragments, err := uc.recognizer.Recognize(ctx, page.Image)
	if err != nil {
		return nil, domain.TokenSourceOCR, fmt.Errorf("recognize text: %w", err)
	}
	return fragments, domain.TokenSourceOCR, nil
}

func duplicatesManual(t domain.TextToken, manual []domain.TextToken) bool {
	for _, m := range manual {
		if m.Page == t.Page && m.Text == t.Text && m.BBox.IoU(t.BBox) > 0.5 {
			return true
		}
	}
	return false
}

func symbolsOnPage(symbols []domain.DetectedSymbol, page int) []domain.DetectedSymbol {
	var out []domain.DetectedSymbol
	for _, s := range symbols {
		if s.Page == page {
			out = append(out, s)
		}
	}
	return out
}

func keepKnown(id *string, known map[string]bool) *string {
	if id == nil || !known[*id] {
		return nil
	}
	return id
}

type nopMetrics struct{}

func (nopMetrics) ObserveQueueLag(string, time.Duration)           {}
func (nopMetrics) ObserveStage(domain.Stage, time.Duration, error) {}
func (nopMetrics) RecordTile(string)                               {}
func (nopMetrics) RecordSymbols(int, int)                          {}
