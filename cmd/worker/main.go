package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/pid-digitizer/internal/bootstrap"
	"github.com/kirillkom/pid-digitizer/internal/config"
	"github.com/kirillkom/pid-digitizer/internal/core/usecase"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
	"github.com/kirillkom/pid-digitizer/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, workerMetrics.Pipeline(serviceName))
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("worker_subscribed", "subject", cfg.NATSProcessSubject, "concurrency", cfg.ProcessingMaxConcurrent)
		return app.Queue.SubscribeProcessJobs(gctx, func(handlerCtx context.Context, jobID string) error {
			return runJob(handlerCtx, workerMetrics, "process", jobID, cfg.ProcessingTimeout, app.Processor.ProcessJob)
		})
	})
	g.Go(func() error {
		logger.Info("worker_subscribed", "subject", cfg.NATSExportSubject, "concurrency", cfg.ExportMaxConcurrent)
		return app.Queue.SubscribeExportJobs(gctx, func(handlerCtx context.Context, jobID string) error {
			return runJob(handlerCtx, workerMetrics, "export", jobID, cfg.ExportTimeout, app.ExportRunner.RunExportJob)
		})
	})
	g.Go(func() error {
		app.Reaper.Run(gctx, cfg.ReaperInterval, func(result usecase.ReapResult) {
			workerMetrics.RecordReaped(serviceName, "process", result.Drawings)
			workerMetrics.RecordReaped(serviceName, "export", result.Exports)
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
}

func runJob(
	ctx context.Context,
	workerMetrics *metrics.WorkerMetrics,
	kind, jobID string,
	timeout time.Duration,
	run func(context.Context, string) error,
) error {
	ctx = logging.WithAttrs(ctx, "job_kind", kind, "job_id", jobID)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workerMetrics.StartJob(kind)
	start := time.Now()
	err := run(ctx, jobID)
	workerMetrics.FinishJob(serviceName, kind, time.Since(start), err)
	return err
}
