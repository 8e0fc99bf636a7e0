package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

// SchedulerUseCase admits processing requests. Admission is a conditional
// status write, so two concurrent requests for one drawing cannot both win.
type SchedulerUseCase struct {
	drawings ports.DrawingRepository
	jobs     ports.ProcessingJobRepository
	queue    ports.JobQueue
}

func NewSchedulerUseCase(
	drawings ports.DrawingRepository,
	jobs ports.ProcessingJobRepository,
	queue ports.JobQueue,
) *SchedulerUseCase {
	return &SchedulerUseCase{drawings: drawings, jobs: jobs, queue: queue}
}

func (uc *SchedulerUseCase) RequestProcessing(ctx context.Context, drawingID string, stageNames []string) (*domain.ProcessingJob, error) {
	stages, err := domain.ParseStages(stageNames)
	if err != nil {
		return nil, err
	}
	if _, err := uc.drawings.GetByID(ctx, drawingID); err != nil {
		return nil, err
	}

	job := &domain.ProcessingJob{
		ID:              uuid.NewString(),
		DrawingID:       drawingID,
		Stages:          stages,
		CompletedStages: []domain.Stage{},
		Status:          domain.JobQueued,
		PartialFailures: []domain.PartialFailure{},
		Warnings:        []string{},
		CreatedAt:       time.Now().UTC(),
	}

	if err := uc.drawings.BeginProcessing(ctx, drawingID, job.ID, domain.IdleStatuses()); err != nil {
		return nil, err
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		uc.release(ctx, drawingID, job.ID, err)
		return nil, fmt.Errorf("create processing job: %w", err)
	}
	if err := uc.queue.PublishProcessJob(ctx, job.ID); err != nil {
		uc.release(ctx, drawingID, job.ID, err)
		if finishErr := uc.jobs.Finish(ctx, job.ID, domain.JobFailed, err.Error()); finishErr != nil {
			logging.FromContext(ctx).Warn("job_fail_after_publish_error", "job_id", job.ID, "error", finishErr)
		}
		return nil, fmt.Errorf("publish processing job: %w", err)
	}

	logging.FromContext(ctx).Info("processing_requested", "drawing_id", drawingID, "job_id", job.ID, "stages", stages)
	return job, nil
}

// release puts a drawing that never got a running job into the error state,
// which is idle and can be resubmitted.
func (uc *SchedulerUseCase) release(ctx context.Context, drawingID, jobID string, cause error) {
	msg := fmt.Sprintf("scheduling failed: %v", cause)
	if err := uc.drawings.FinishProcessing(ctx, drawingID, jobID, domain.StatusError, msg); err != nil {
		logging.FromContext(ctx).Warn("release_drawing_failed", "drawing_id", drawingID, "job_id", jobID, "error", err)
	}
}

func (uc *SchedulerUseCase) GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	return uc.jobs.GetByID(ctx, jobID)
}
