package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type ProcessingJobRepository struct {
	db *sql.DB
}

func NewProcessingJobRepository(db *sql.DB) *ProcessingJobRepository {
	return &ProcessingJobRepository{db: db}
}

const processingJobColumns = `id, drawing_id, stages, completed_stages, status, attempts, error_message,
	partial_failures, warnings, created_at, started_at, finished_at`

func (r *ProcessingJobRepository) Create(ctx context.Context, job *domain.ProcessingJob) error {
	stagesJSON, err := marshalJSON(job.Stages, "stages")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO processing_jobs (id, drawing_id, stages, completed_stages, status, attempts, created_at)
VALUES ($1,$2,$3,'[]'::jsonb,$4,0,$5)
`, job.ID, job.DrawingID, stagesJSON, string(job.Status), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert processing job: %w", err)
	}
	return nil
}

func (r *ProcessingJobRepository) GetByID(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+processingJobColumns+` FROM processing_jobs WHERE id = $1`, id)
	job, err := scanProcessingJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get processing job", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return job, nil
}

func (r *ProcessingJobRepository) LatestForDrawing(ctx context.Context, drawingID string) (*domain.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+processingJobColumns+`
FROM processing_jobs
WHERE drawing_id = $1
ORDER BY created_at DESC
LIMIT 1
`, drawingID)
	job, err := scanProcessingJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "latest processing job", fmt.Errorf("drawing_id=%s", drawingID))
		}
		return nil, err
	}
	return job, nil
}

// MarkRunning counts a delivery attempt. Terminal jobs are not reopened.
func (r *ProcessingJobRepository) MarkRunning(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE processing_jobs
SET status = $2, attempts = attempts + 1, started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status IN ($4, $2)
`, id, string(domain.JobRunning), time.Now().UTC(), string(domain.JobQueued))
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	n, err := rowsAffected(result, "mark job running")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "mark job running", id)
	}
	return nil
}

// CompleteStage appends a finished stage along with its partial failures and warnings.
func (r *ProcessingJobRepository) CompleteStage(ctx context.Context, id string, stage domain.Stage, partial []domain.PartialFailure, warnings []string) error {
	stageJSON, err := marshalJSON([]domain.Stage{stage}, "stage")
	if err != nil {
		return err
	}
	if partial == nil {
		partial = []domain.PartialFailure{}
	}
	partialJSON, err := marshalJSON(partial, "partial failures")
	if err != nil {
		return err
	}
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := marshalJSON(warnings, "warnings")
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE processing_jobs
SET completed_stages = CASE WHEN completed_stages @> $2::jsonb THEN completed_stages ELSE completed_stages || $2::jsonb END,
	partial_failures = partial_failures || $3::jsonb,
	warnings = warnings || $4::jsonb
WHERE id = $1 AND status = $5
`, id, stageJSON, partialJSON, warningsJSON, string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("complete stage: %w", err)
	}
	n, err := rowsAffected(result, "complete stage")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "complete stage", id)
	}
	return nil
}

func (r *ProcessingJobRepository) Finish(ctx context.Context, id string, status domain.JobStatus, errMessage string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE processing_jobs
SET status = $2, error_message = $3, finished_at = $4
WHERE id = $1 AND status NOT IN ($5, $6)
`, id, string(status), errMessage, time.Now().UTC(), string(domain.JobCompleted), string(domain.JobFailed))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	n, err := rowsAffected(result, "finish job")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "finish job", id)
	}
	return nil
}

func (r *ProcessingJobRepository) missingOrConflict(ctx context.Context, op, id string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM processing_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrJobNotFound, op, fmt.Errorf("id=%s", id))
		}
		return fmt.Errorf("%s: check job: %w", op, err)
	}
	return domain.WrapError(domain.ErrConflict, op, fmt.Errorf("job %s is %s", id, status))
}

func scanProcessingJob(s rowScanner) (*domain.ProcessingJob, error) {
	var job domain.ProcessingJob
	var status string
	var stagesRaw, completedRaw, partialRaw, warningsRaw []byte
	var startedAt, finishedAt sql.NullTime
	err := s.Scan(
		&job.ID, &job.DrawingID, &stagesRaw, &completedRaw, &status, &job.Attempts, &job.Error,
		&partialRaw, &warningsRaw, &job.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan processing job: %w", err)
	}
	if err := unmarshalJSON(stagesRaw, &job.Stages, "stages"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(completedRaw, &job.CompletedStages, "completed stages"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(partialRaw, &job.PartialFailures, "partial failures"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(warningsRaw, &job.Warnings, "warnings"); err != nil {
		return nil, err
	}
	if job.CompletedStages == nil {
		job.CompletedStages = []domain.Stage{}
	}
	if job.PartialFailures == nil {
		job.PartialFailures = []domain.PartialFailure{}
	}
	if job.Warnings == nil {
		job.Warnings = []string{}
	}
	job.Status = domain.JobStatus(status)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}
