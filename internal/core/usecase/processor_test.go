package usecase

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/detector/template"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/graph"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/lines"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/tagging"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/tiling"
)

type fakeNormalizer struct {
	doc   *domain.NormalizedDocument
	err   error
	calls int
}

func (f *fakeNormalizer) Normalize(context.Context, []byte) (*domain.NormalizedDocument, error) {
	f.calls++
	return f.doc, f.err
}

// scriptedDetector answers per tile through fn, keyed on the tile's left edge
// in page pixels.
type scriptedDetector struct {
	version  string
	fn       func(x int) ([]domain.RawDetection, error)
	batchErr error

	mu      sync.Mutex
	batches []int
}

func (d *scriptedDetector) Detect(_ context.Context, tile image.Image) ([]domain.RawDetection, error) {
	return d.fn(tile.Bounds().Min.X)
}

func (d *scriptedDetector) ModelVersion() string { return d.version }

type scriptedBatchDetector struct {
	*scriptedDetector
}

func (d scriptedBatchDetector) DetectBatch(ctx context.Context, tiles []image.Image) ([][]domain.RawDetection, error) {
	d.mu.Lock()
	d.batches = append(d.batches, len(tiles))
	d.mu.Unlock()
	if d.batchErr != nil {
		return nil, d.batchErr
	}
	out := make([][]domain.RawDetection, len(tiles))
	for i, tile := range tiles {
		dets, err := d.Detect(ctx, tile)
		if err != nil {
			return nil, err
		}
		out[i] = dets
	}
	return out, nil
}

type recordingProjector struct {
	graphs []domain.ConnectivityGraph
}

func (p *recordingProjector) Replace(_ context.Context, g domain.ConnectivityGraph) error {
	p.graphs = append(p.graphs, g)
	return nil
}

func pumpDetection(confidence float64) domain.RawDetection {
	id, _ := domain.ClassID("Pump_Centrifugal")
	return domain.RawDetection{ClassID: id, BBox: domain.BBox{X: 20, Y: 20, Width: 40, Height: 40}, Confidence: confidence}
}

// stripPage is a blank 400x100 page that a 100px tiler cuts into four tiles.
func stripPage(source domain.SourceType) *domain.NormalizedDocument {
	return &domain.NormalizedDocument{
		SourceType: source,
		Pages: []domain.NormalizedPage{{
			Index:      0,
			SourceType: source,
			DPI:        300,
			Width:      400,
			Height:     100,
			Image:      raster.NewWhite(400, 100),
		}},
	}
}

type pipeline struct {
	drawings   *memDrawings
	jobs       *memJobs
	symbols    *memSymbols
	lines      *memLines
	tokens     *memTokens
	storage    *memStorage
	queue      *memQueue
	pages      *memPages
	normalizer *fakeNormalizer
	projector  *recordingProjector
	uc         *ProcessorUseCase
	drawingID  string
	jobID      string
}

type pipelineOptions struct {
	primary     ports.SymbolDetector
	fallback    ports.SymbolDetector
	tiler       ports.Tiler
	batchSize   int
	maxAttempts int
	doc         *domain.NormalizedDocument
	completed   []domain.Stage
}

func newPipeline(t *testing.T, opts pipelineOptions) *pipeline {
	t.Helper()
	if opts.tiler == nil {
		opts.tiler = tiling.New(100, 0)
	}
	if opts.batchSize == 0 {
		opts.batchSize = 1
	}
	now := time.Now().UTC()
	drawing := domain.Drawing{
		ID:                  "drawing-1",
		ProjectID:           "plant",
		StoragePath:         "drawings/drawing-1/source/p.pdf",
		Status:              domain.StatusProcessing,
		ActiveJobID:         "job-1",
		ProcessingStartedAt: &now,
	}
	p := &pipeline{
		drawings:   newMemDrawings(drawing),
		jobs:       newMemJobs(),
		storage:    newMemStorage(),
		queue:      &memQueue{},
		pages:      newMemPages(),
		normalizer: &fakeNormalizer{doc: opts.doc},
		projector:  &recordingProjector{},
		drawingID:  drawing.ID,
		jobID:      "job-1",
	}
	p.symbols = newMemSymbols(p.drawings)
	p.lines = newMemLines(p.drawings)
	p.tokens = newMemTokens(p.drawings)
	p.storage.objects[drawing.StoragePath] = []byte("%PDF-1.7")
	_ = p.jobs.Create(context.Background(), &domain.ProcessingJob{
		ID:              p.jobID,
		DrawingID:       drawing.ID,
		Stages:          domain.AllStages(),
		CompletedStages: opts.completed,
		Status:          domain.JobQueued,
		CreatedAt:       now,
	})

	associator, err := tagging.New(tagging.Config{})
	if err != nil {
		t.Fatalf("associator: %v", err)
	}
	maxAttempts := opts.maxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	p.uc = NewProcessorUseCase(ProcessorConfig{ConfidenceThreshold: 0.7, MaxAttempts: maxAttempts}, ProcessorDeps{
		Drawings:   p.drawings,
		Jobs:       p.jobs,
		Symbols:    p.symbols,
		Lines:      p.lines,
		Tokens:     p.tokens,
		Storage:    p.storage,
		Queue:      p.queue,
		Normalizer: p.normalizer,
		Pages:      p.pages,
		Tiler:      opts.tiler,
		Detection: NewDetectionRuntime(opts.primary, opts.fallback, DetectionConfig{
			BatchSize:       opts.batchSize,
			TileConcurrency: 2,
			MaxConcurrent:   2,
		}, nil),
		Catalog:    catalog.Default(),
		LineBuild:  lines.New(lines.Config{}),
		Associator: associator,
		Graph:      graph.NewBuilder(),
		Projector:  p.projector,
	})
	return p
}

func TestProcessJobFlagsLowConfidenceSymbolsAndTagsThem(t *testing.T) {
	doc := stripPage(domain.SourceVector)
	doc.Pages[0].Text = []domain.TextFragment{
		{Text: "P-101", BBox: domain.BBox{X: 25, Y: 64, Width: 30, Height: 8}, Confidence: 1},
	}
	detector := &scriptedDetector{version: "primary-v1", fn: func(x int) ([]domain.RawDetection, error) {
		switch x {
		case 0:
			return []domain.RawDetection{pumpDetection(0.92)}, nil
		case 200:
			return []domain.RawDetection{pumpDetection(0.41)}, nil
		}
		return nil, nil
	}}
	p := newPipeline(t, pipelineOptions{primary: detector, doc: doc})

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}

	if got := p.drawings.get(p.drawingID); got.Status != domain.StatusReview || got.ActiveJobID != "" {
		t.Fatalf("expected drawing in review without lease, got %+v", got)
	}
	job := p.jobs.get(p.jobID)
	if job.Status != domain.JobCompleted || len(job.CompletedStages) != 4 {
		t.Fatalf("unexpected job %+v", job)
	}
	if p.normalizer.calls != 1 {
		t.Fatalf("expected one normalization, got %d", p.normalizer.calls)
	}

	symbols, _ := p.symbols.ListAll(context.Background(), p.drawingID)
	if len(symbols) != 2 {
		t.Fatalf("expected two symbols, got %d", len(symbols))
	}
	var confident string
	for _, s := range symbols {
		if s.IsFlagged != (s.Confidence < 0.7) {
			t.Fatalf("flag does not follow threshold: %+v", s)
		}
		if s.ModelVersion != "primary-v1" || s.Category != domain.CategoryEquipment {
			t.Fatalf("unexpected symbol %+v", s)
		}
		if len(s.ConnectionPoints) == 0 {
			t.Fatalf("expected catalog connection points on %s", s.Class)
		}
		if s.Confidence > 0.9 {
			confident = s.ID
		}
	}
	if p.tokens.symbolTags[confident] != "P-101" {
		t.Fatalf("expected P-101 on the pump at the text, got %v", p.tokens.symbolTags)
	}
	if len(p.projector.graphs) != 1 || len(p.projector.graphs[0].Nodes) != 2 {
		t.Fatalf("expected projected graph with two nodes, got %+v", p.projector.graphs)
	}
}

func TestProcessJobDetectsPumpOnScannedPage(t *testing.T) {
	cat := catalog.Default()
	entry, ok := cat.Lookup("Pump_Centrifugal")
	if !ok {
		t.Fatal("pump missing from catalog")
	}
	side := domain.MillimetresToPixels(15, 300)
	box := domain.BBox{X: 400 - side/2, Y: 400 - side/2, Width: side, Height: side}
	var strokes [][2]domain.Point
	for _, s := range entry.Segments(0) {
		strokes = append(strokes, [2]domain.Point{
			{X: box.X + s.A.X*box.Width, Y: box.Y + s.A.Y*box.Height},
			{X: box.X + s.B.X*box.Width, Y: box.Y + s.B.Y*box.Height},
		})
	}
	img := raster.NewWhite(800, 800)
	raster.Stroke(img, strokes, 3)
	raster.Stroke(img, [][2]domain.Point{
		{{X: 20, Y: 400}, {X: box.X, Y: 400}},
		{{X: box.MaxX(), Y: box.Y}, {X: box.MaxX(), Y: 20}},
	}, 3)

	doc := &domain.NormalizedDocument{
		SourceType: domain.SourceScanned,
		Pages: []domain.NormalizedPage{{
			SourceType: domain.SourceScanned,
			DPI:        300,
			Width:      800,
			Height:     800,
			Image:      img,
		}},
	}
	p := newPipeline(t, pipelineOptions{
		primary: template.New(cat, template.Config{DPI: 300}),
		tiler:   tiling.New(800, 0.1),
		doc:     doc,
	})

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}
	symbols, _ := p.symbols.ListAll(context.Background(), p.drawingID)
	if len(symbols) != 1 {
		t.Fatalf("expected one symbol, got %+v", symbols)
	}
	pump := symbols[0]
	if pump.Class != "Pump_Centrifugal" || pump.Confidence < 0.7 || pump.IsFlagged {
		t.Fatalf("expected confident unflagged pump, got %+v", pump)
	}

	job := p.jobs.get(p.jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("expected completed job, got %+v", job)
	}
	// Scans without a recognizer still finish, with the text gap recorded.
	var ocrGap bool
	for _, pf := range job.PartialFailures {
		if pf.Stage == domain.StageTags && pf.Tile == -1 {
			ocrGap = true
		}
	}
	if !ocrGap {
		t.Fatalf("expected tag-stage partial failure, got %+v", job.PartialFailures)
	}
}

func TestProcessJobHalvesBatchesThenFallsBackToCPU(t *testing.T) {
	primary := &scriptedDetector{version: "gpu", fn: func(int) ([]domain.RawDetection, error) {
		return nil, domain.ErrOutOfMemory
	}, batchErr: domain.ErrOutOfMemory}
	fallback := &scriptedDetector{version: "cpu", fn: func(int) ([]domain.RawDetection, error) {
		return []domain.RawDetection{pumpDetection(0.9)}, nil
	}}
	p := newPipeline(t, pipelineOptions{
		primary:   scriptedBatchDetector{primary},
		fallback:  fallback,
		batchSize: 4,
		doc:       stripPage(domain.SourceVector),
	})

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if got := primary.batches; len(got) != 3 || got[0] != 4 || got[1] != 2 || got[2] != 2 {
		t.Fatalf("expected batches 4,2,2, got %v", got)
	}
	symbols, _ := p.symbols.ListAll(context.Background(), p.drawingID)
	if len(symbols) != 4 {
		t.Fatalf("expected a pump per tile, got %d", len(symbols))
	}
	for _, s := range symbols {
		if s.ModelVersion != "cpu" {
			t.Fatalf("expected fallback model version, got %q", s.ModelVersion)
		}
	}
}

func TestProcessJobRecordsCorruptTileAndContinues(t *testing.T) {
	detector := &scriptedDetector{version: "v1", fn: func(x int) ([]domain.RawDetection, error) {
		if x == 100 {
			return nil, domain.ErrCorruptTile
		}
		return []domain.RawDetection{pumpDetection(0.9)}, nil
	}}
	p := newPipeline(t, pipelineOptions{
		primary:   scriptedBatchDetector{detector},
		batchSize: 4,
		doc:       stripPage(domain.SourceVector),
	})

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}
	job := p.jobs.get(p.jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("expected completed job, got %+v", job)
	}
	if len(job.PartialFailures) != 1 {
		t.Fatalf("expected one partial failure, got %+v", job.PartialFailures)
	}
	pf := job.PartialFailures[0]
	if pf.Stage != domain.StageDetect || pf.Page != 0 || pf.Tile != 1 {
		t.Fatalf("unexpected partial failure %+v", pf)
	}
	symbols, _ := p.symbols.ListAll(context.Background(), p.drawingID)
	if len(symbols) != 3 {
		t.Fatalf("expected symbols from the healthy tiles, got %d", len(symbols))
	}
}

func TestProcessJobRetriesTransientFailures(t *testing.T) {
	detector := &scriptedDetector{version: "v1", fn: func(int) ([]domain.RawDetection, error) {
		return nil, domain.ErrModelUnavailable
	}}
	p := newPipeline(t, pipelineOptions{primary: detector, maxAttempts: 3, doc: stripPage(domain.SourceVector)})

	for attempt := 1; attempt <= 2; attempt++ {
		if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
			t.Fatalf("attempt %d: expected retry, got %v", attempt, err)
		}
		if got := p.drawings.get(p.drawingID); got.Status != domain.StatusProcessing {
			t.Fatalf("attempt %d: drawing left processing: %s", attempt, got.Status)
		}
	}
	if len(p.queue.processed) != 2 {
		t.Fatalf("expected two re-publishes, got %v", p.queue.processed)
	}
	if p.normalizer.calls != 1 {
		t.Fatalf("expected the normalize stage to run once, got %d", p.normalizer.calls)
	}

	err := p.uc.ProcessJob(context.Background(), p.jobID)
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected final temporary error, got %v", err)
	}
	job := p.jobs.get(p.jobID)
	if job.Status != domain.JobFailed || job.Attempts != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := p.drawings.get(p.drawingID); got.Status != domain.StatusError || got.Error == "" {
		t.Fatalf("expected drawing in error, got %+v", got)
	}
}

func TestProcessJobStopsWhenSuperseded(t *testing.T) {
	var p *pipeline
	detector := &scriptedDetector{version: "v1", fn: func(int) ([]domain.RawDetection, error) {
		p.drawings.mu.Lock()
		p.drawings.items[p.drawingID].ActiveJobID = "job-2"
		p.drawings.mu.Unlock()
		return nil, nil
	}}
	p = newPipeline(t, pipelineOptions{primary: detector, doc: stripPage(domain.SourceVector)})

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("superseded job should stop quietly, got %v", err)
	}
	job := p.jobs.get(p.jobID)
	if job.Status != domain.JobFailed || !strings.HasPrefix(job.Error, "superseded") {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := p.drawings.get(p.drawingID); got.Status != domain.StatusProcessing || got.ActiveJobID != "job-2" {
		t.Fatalf("newer job's lease was disturbed: %+v", got)
	}
}

func TestProcessJobWithoutLeaseDoesNothing(t *testing.T) {
	p := newPipeline(t, pipelineOptions{primary: &scriptedDetector{version: "v1"}, doc: stripPage(domain.SourceVector)})
	p.drawings.items[p.drawingID].ActiveJobID = "job-0"

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if p.normalizer.calls != 0 {
		t.Fatal("expected no stage to run")
	}
	if job := p.jobs.get(p.jobID); job.Status != domain.JobFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
}

func TestProcessJobResumesAfterCompletedStages(t *testing.T) {
	detector := &scriptedDetector{version: "v1", fn: func(int) ([]domain.RawDetection, error) { return nil, nil }}
	doc := stripPage(domain.SourceVector)
	p := newPipeline(t, pipelineOptions{
		primary:   detector,
		doc:       doc,
		completed: []domain.Stage{domain.StageNormalize},
	})
	_ = p.pages.Save(context.Background(), p.drawingID, doc)

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if p.normalizer.calls != 0 {
		t.Fatalf("normalize re-ran on resume")
	}
	if job := p.jobs.get(p.jobID); job.Status != domain.JobCompleted {
		t.Fatalf("expected completed job, got %+v", job)
	}
}

func TestProcessJobLeavesVerifiedTagsToReviewers(t *testing.T) {
	doc := stripPage(domain.SourceVector)
	doc.Pages[0].Text = []domain.TextFragment{
		{Text: "P-101", BBox: domain.BBox{X: 25, Y: 64, Width: 30, Height: 8}, Confidence: 1},
	}
	p := newPipeline(t, pipelineOptions{
		primary:   &scriptedDetector{version: "v1", fn: func(int) ([]domain.RawDetection, error) { return nil, nil }},
		doc:       doc,
		completed: []domain.Stage{domain.StageNormalize, domain.StageDetect, domain.StageLines},
	})
	_ = p.pages.Save(context.Background(), p.drawingID, doc)
	p.symbols.items[p.drawingID] = []domain.DetectedSymbol{
		{ID: "confirmed", DrawingID: p.drawingID, Class: "Pump_Centrifugal", BBox: domain.BBox{X: 20, Y: 20, Width: 40, Height: 40}, IsVerified: true, Tag: "P-100"},
		{ID: "open", DrawingID: p.drawingID, Class: "Pump_Centrifugal", BBox: domain.BBox{X: 100, Y: 20, Width: 40, Height: 40}},
	}

	if err := p.uc.ProcessJob(context.Background(), p.jobID); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if _, ok := p.tokens.symbolTags["confirmed"]; ok {
		t.Fatalf("verified tag was overwritten: %v", p.tokens.symbolTags)
	}
	if p.tokens.symbolTags["open"] != "P-101" {
		t.Fatalf("expected the nearest unconfirmed symbol to take P-101, got %v", p.tokens.symbolTags)
	}
}

func TestProcessJobTimeoutIsTerminal(t *testing.T) {
	p := newPipeline(t, pipelineOptions{
		primary:     &scriptedDetector{version: "v1"},
		maxAttempts: 5,
		doc:         stripPage(domain.SourceVector),
	})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	if err := p.uc.ProcessJob(ctx, p.jobID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(p.queue.processed) != 0 {
		t.Fatal("timed out job must not be re-published")
	}
	if got := p.drawings.get(p.drawingID); got.Status != domain.StatusError || got.Error != "processing timed out" {
		t.Fatalf("unexpected drawing %+v", got)
	}
}
