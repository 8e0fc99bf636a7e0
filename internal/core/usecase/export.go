package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

const zipContentType = "application/zip"

// OptionsValidator rejects export options no encoder can honour.
type OptionsValidator func(domain.ExportOptions) error

// ExportUseCase accepts export requests and serves finished artifacts.
type ExportUseCase struct {
	drawings ports.DrawingRepository
	jobs     ports.ExportJobRepository
	storage  ports.ObjectStorage
	queue    ports.JobQueue
	validate OptionsValidator
}

func NewExportUseCase(
	drawings ports.DrawingRepository,
	jobs ports.ExportJobRepository,
	storage ports.ObjectStorage,
	queue ports.JobQueue,
	validate OptionsValidator,
) *ExportUseCase {
	return &ExportUseCase{
		drawings: drawings,
		jobs:     jobs,
		storage:  storage,
		queue:    queue,
		validate: validate,
	}
}

func (uc *ExportUseCase) RequestExport(ctx context.Context, req domain.ExportRequest) (*domain.ExportJob, error) {
	if !req.Format.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "request export", fmt.Errorf("unknown format %q", req.Format))
	}
	ids := uniqueIDs(req.DrawingIDs)
	if len(ids) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "request export", errors.New("at least one drawing id is required"))
	}
	if !req.Batch && len(ids) > 1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "request export", errors.New("a single export names exactly one drawing"))
	}
	if uc.validate != nil {
		if err := uc.validate(req.Options); err != nil {
			return nil, err
		}
	}
	// Batch members are weak references; preflight reports missing ones per item.
	if !req.Batch {
		if _, err := uc.drawings.GetByID(ctx, ids[0]); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	job := &domain.ExportJob{
		ID:         uuid.NewString(),
		DrawingIDs: ids,
		Format:     req.Format,
		Options:    req.Options,
		Batch:      req.Batch,
		Status:     domain.ExportQueued,
		Errors:     []domain.ExportItemError{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}
	if err := uc.queue.PublishExportJob(ctx, job.ID); err != nil {
		if tErr := uc.jobs.Transition(ctx, job.ID, domain.ExportQueued, domain.ExportFailed); tErr != nil {
			logging.FromContext(ctx).Warn("export_fail_after_publish_error", "job_id", job.ID, "error", tErr)
		}
		return nil, fmt.Errorf("publish export job: %w", err)
	}
	logging.FromContext(ctx).Info("export_requested", "job_id", job.ID, "format", job.Format, "drawings", len(ids), "batch", job.Batch)
	return job, nil
}

func (uc *ExportUseCase) GetJob(ctx context.Context, jobID string) (*domain.ExportJob, error) {
	return uc.jobs.GetByID(ctx, jobID)
}

func (uc *ExportUseCase) OpenResult(ctx context.Context, jobID string) (domain.ExportArtifact, io.ReadCloser, error) {
	job, err := uc.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.ExportArtifact{}, nil, err
	}
	if job.Status != domain.ExportCompleted || job.ResultRef == "" {
		return domain.ExportArtifact{}, nil, domain.WrapError(domain.ErrConflict, "open export result", fmt.Errorf("job is %s", job.Status))
	}
	artifact := artifactFor(job)
	rc, err := uc.storage.Open(ctx, artifact.StorageKey)
	if err != nil {
		return domain.ExportArtifact{}, nil, fmt.Errorf("open export artifact: %w", err)
	}
	return artifact, rc, nil
}

func artifactFor(job *domain.ExportJob) domain.ExportArtifact {
	contentType := job.Format.ContentType()
	if job.Batch {
		contentType = zipContentType
	}
	return domain.ExportArtifact{
		Filename:    path.Base(job.ResultRef),
		ContentType: contentType,
		StorageKey:  job.ResultRef,
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
