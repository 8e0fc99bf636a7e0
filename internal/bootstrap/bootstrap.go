package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kirillkom/pid-digitizer/internal/config"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/core/usecase"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/catalog"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/detector/httpmodel"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/detector/template"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/dxf"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/layout"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/pdfplot"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/graph"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/graphstore/neo4j"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/lines"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/normalizer"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/ocr/tesseract"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/queue/nats"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/resilience"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/storage/minio"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/tagging"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/tiling"
)

type App struct {
	Config config.Config

	Queue ports.JobQueue

	Drawings     *usecase.DrawingUseCase
	Scheduler    *usecase.SchedulerUseCase
	Review       *usecase.ReviewUseCase
	Exports      *usecase.ExportUseCase
	Processor    *usecase.ProcessorUseCase
	ExportRunner *usecase.ExportRunnerUseCase
	Reaper       *usecase.ReaperUseCase

	closeFn func()
}

// New wires the application. metrics may be nil for processes that do not
// run pipeline stages.
func New(ctx context.Context, cfg config.Config, metrics ports.PipelineMetrics) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	drawingRepo := postgres.NewDrawingRepository(db)
	jobRepo := postgres.NewProcessingJobRepository(db)
	symbolRepo := postgres.NewSymbolRepository(db)
	lineRepo := postgres.NewLineRepository(db)
	tokenRepo := postgres.NewTokenRepository(db)
	exportRepo := postgres.NewExportJobRepository(db)

	executor := resilience.NewExecutor(resilience.ConfigFrom(resilience.Settings{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		FailureRatio:   cfg.BreakerFailureRatio,
		MinRequests:    cfg.BreakerMinRequests,
		OpenTimeout:    cfg.BreakerOpenTimeout,
	}))

	storage, err := newObjectStorage(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Subjects{
		Process: cfg.NATSProcessSubject,
		Export:  cfg.NATSExportSubject,
	}, nats.Options{
		ResilienceExecutor: executor,
		ProcessConcurrency: cfg.ProcessingMaxConcurrent,
		ExportConcurrency:  cfg.ExportMaxConcurrent,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	symbolCatalog, err := loadCatalog(cfg.SymbolCatalogPath)
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, err
	}

	primary, fallback := newDetectors(cfg, symbolCatalog, executor)
	detection := usecase.NewDetectionRuntime(primary, fallback, usecase.DetectionConfig{
		BatchSize:       cfg.DetectorBatchSize,
		TileConcurrency: cfg.TileConcurrency,
		MaxConcurrent:   cfg.DetectionMaxConcurrent,
	}, metrics)

	associator, err := tagging.New(tagging.Config{
		RadiusMM:   cfg.AssociationRadiusMM,
		TagPattern: cfg.TagPattern,
	})
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init tag associator: %w", err)
	}

	var recognizer ports.TextRecognizer
	if cfg.OCREnabled {
		recognizer = tesseract.New(tesseract.Config{Language: cfg.OCRLanguage})
	}

	var projector ports.GraphProjector
	closeProjector := func() {}
	if cfg.Neo4jURI != "" {
		p, err := neo4j.New(ctx, neo4j.Config{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
		if err != nil {
			queue.Close()
			_ = db.Close()
			return nil, fmt.Errorf("init neo4j projector: %w", err)
		}
		projector = p
		closeProjector = func() { _ = p.Close(context.Background()) }
	}

	pages := normalizer.NewPageStore(storage)
	connectivity := graph.NewBuilder()

	processor := usecase.NewProcessorUseCase(usecase.ProcessorConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NMSIoU:              cfg.NMSIoUThreshold,
		MaxAttempts:         cfg.JobMaxAttempts,
	}, usecase.ProcessorDeps{
		Drawings: drawingRepo,
		Jobs:     jobRepo,
		Symbols:  symbolRepo,
		Lines:    lineRepo,
		Tokens:   tokenRepo,
		Storage:  storage,
		Queue:    queue,
		Normalizer: normalizer.New(normalizer.Config{
			WorkingDPI:       cfg.WorkingDPI,
			MinDPI:           cfg.MinDPI,
			MaxUpscale:       cfg.MaxUpscale,
			VectorMinObjects: cfg.VectorMinObjects,
		}),
		Pages:     pages,
		Tiler:     tiling.New(cfg.TileSize, cfg.TileOverlap),
		Detection: detection,
		Catalog:   symbolCatalog,
		LineBuild: lines.New(lines.Config{
			SnapRadiusMM:    cfg.SnapRadiusMM,
			JoinRadiusMM:    cfg.JoinRadiusMM,
			MaxDashGapMM:    cfg.MaxDashGapMM,
			MinLineLengthMM: cfg.MinLineLengthMM,
		}),
		Recognizer: recognizer,
		Associator: associator,
		Graph:      connectivity,
		Projector:  projector,
		Metrics:    metrics,
	})

	exportRunner := usecase.NewExportRunnerUseCase(usecase.ExportRunnerDeps{
		Drawings: drawingRepo,
		Jobs:     exportRepo,
		Symbols:  symbolRepo,
		Lines:    lineRepo,
		Tokens:   tokenRepo,
		Pages:    pages,
		Storage:  storage,
		Queue:    queue,
		Encoders: []ports.DrawingEncoder{
			dxf.New(symbolCatalog),
			pdfplot.New(symbolCatalog),
			xlsx.New(),
		},
		Metrics: metrics,
	})

	return &App{
		Config: cfg,
		Queue:  queue,

		Drawings:     usecase.NewDrawingUseCase(drawingRepo, jobRepo, storage, cfg.UploadMaxBytes),
		Scheduler:    usecase.NewSchedulerUseCase(drawingRepo, jobRepo, queue),
		Review:       usecase.NewReviewUseCase(drawingRepo, symbolRepo, lineRepo, tokenRepo, connectivity, projector),
		Exports:      usecase.NewExportUseCase(drawingRepo, exportRepo, storage, queue, layout.ValidateOptions),
		Processor:    processor,
		ExportRunner: exportRunner,
		Reaper:       usecase.NewReaperUseCase(drawingRepo, jobRepo, exportRepo, cfg.ProcessingTimeout, cfg.ExportTimeout),

		closeFn: func() {
			closeProjector()
			queue.Close()
			if c, ok := storage.(io.Closer); ok {
				_ = c.Close()
			}
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newObjectStorage(ctx context.Context, cfg config.Config) (ports.ObjectStorage, error) {
	switch cfg.StorageProvider {
	case "minio":
		store, err := minio.New(minio.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, resilience.NewExecutor(resilience.DefaultConfig()))
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "local", "":
		return localfs.New(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load symbol catalog: %w", err)
	}
	return cat, nil
}

// newDetectors picks the primary backend and the CPU fallback. The template
// detector is always available, so one of the two is never remote.
func newDetectors(cfg config.Config, cat *catalog.Catalog, executor *resilience.Executor) (ports.SymbolDetector, ports.SymbolDetector) {
	local := template.New(cat, template.Config{
		DPI:       cfg.WorkingDPI,
		MinScore:  cfg.TemplateMinScore,
		LongRunMM: cfg.TemplateLongRunMM,
	})
	opts := httpmodel.Options{Timeout: cfg.DetectorTimeout, Executor: executor}

	switch cfg.DetectorBackend {
	case "http":
		var fallback ports.SymbolDetector = local
		if cfg.DetectorFallbackURL != "" {
			fallback = httpmodel.New(cfg.DetectorFallbackURL, cfg.DetectorModel, opts)
		}
		return httpmodel.New(cfg.DetectorURL, cfg.DetectorModel, opts), fallback
	default:
		if cfg.DetectorBackend != "template" {
			slog.Warn("unknown_detector_backend", "backend", cfg.DetectorBackend)
		}
		if cfg.DetectorFallbackURL != "" {
			return local, httpmodel.New(cfg.DetectorFallbackURL, cfg.DetectorModel, opts)
		}
		return local, nil
	}
}
