package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

const (
	processingTimedOut = "processing timed out"
	exportTimedOut     = "export timed out"
)

// ReaperUseCase releases work that has outlived its time limit: drawings stuck
// in processing go to error, and export jobs that sat queued or processing too
// long fail.
type ReaperUseCase struct {
	drawings          ports.DrawingRepository
	jobs              ports.ProcessingJobRepository
	exports           ports.ExportJobRepository
	processingTimeout time.Duration
	exportTimeout     time.Duration
	now               func() time.Time
}

func NewReaperUseCase(
	drawings ports.DrawingRepository,
	jobs ports.ProcessingJobRepository,
	exports ports.ExportJobRepository,
	processingTimeout, exportTimeout time.Duration,
) *ReaperUseCase {
	return &ReaperUseCase{
		drawings:          drawings,
		jobs:              jobs,
		exports:           exports,
		processingTimeout: processingTimeout,
		exportTimeout:     exportTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// ReapResult counts what one sweep released.
type ReapResult struct {
	Drawings int
	Exports  int
}

func (uc *ReaperUseCase) Sweep(ctx context.Context) (ReapResult, error) {
	var result ReapResult
	logger := logging.FromContext(ctx)

	stuck, err := uc.drawings.ListStuck(ctx, uc.now().Add(-uc.processingTimeout))
	if err != nil {
		return result, err
	}
	for _, d := range stuck {
		err := uc.drawings.FinishProcessing(ctx, d.ID, d.ActiveJobID, domain.StatusError, processingTimedOut)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return result, err
		}
		if d.ActiveJobID != "" {
			if err := uc.jobs.Finish(ctx, d.ActiveJobID, domain.JobFailed, processingTimedOut); err != nil && !errors.Is(err, domain.ErrConflict) {
				logger.Warn("reap_job_finish_failed", "job_id", d.ActiveJobID, "error", err)
			}
		}
		result.Drawings++
		logger.Warn("drawing_reaped", "drawing_id", d.ID, "job_id", d.ActiveJobID)
	}

	exports, err := uc.exports.ListStuck(ctx, uc.now().Add(-uc.exportTimeout))
	if err != nil {
		return result, err
	}
	for _, job := range exports {
		err := uc.exports.Expire(ctx, job.ID, job.Status, exportTimedOut)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return result, err
		}
		result.Exports++
		logger.Warn("export_reaped", "export_job_id", job.ID, "was", string(job.Status))
	}
	return result, nil
}

// Run sweeps every interval until ctx ends. onSweep, when set, sees every
// successful sweep.
func (uc *ReaperUseCase) Run(ctx context.Context, interval time.Duration, onSweep func(ReapResult)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := uc.Sweep(ctx)
			if err != nil {
				logging.FromContext(ctx).Error("reaper_sweep_failed", "error", err)
				continue
			}
			if onSweep != nil {
				onSweep(result)
			}
		}
	}
}
