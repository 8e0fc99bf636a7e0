package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type ExportJobRepository struct {
	db *sql.DB
}

func NewExportJobRepository(db *sql.DB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

const exportJobColumns = `id, drawing_ids, format, options, batch, status, result_ref, errors, completed_drawings,
	failed_drawings, created_at, updated_at, started_at, finished_at`

func (r *ExportJobRepository) Create(ctx context.Context, job *domain.ExportJob) error {
	idsJSON, err := marshalJSON(job.DrawingIDs, "drawing ids")
	if err != nil {
		return err
	}
	optsJSON, err := marshalJSON(job.Options, "options")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO export_jobs (id, drawing_ids, format, options, batch, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, job.ID, idsJSON, string(job.Format), optsJSON, job.Batch, string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

func (r *ExportJobRepository) GetByID(ctx context.Context, id string) (*domain.ExportJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportJobColumns+` FROM export_jobs WHERE id = $1`, id)
	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get export job", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return job, nil
}

// Transition is a compare-and-set on status; only forward moves are allowed.
func (r *ExportJobRepository) Transition(ctx context.Context, id string, from, to domain.ExportStatus) error {
	if !from.CanTransition(to) {
		return domain.WrapError(domain.ErrConflict, "transition export job", fmt.Errorf("%s -> %s", from, to))
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE export_jobs
SET status = $3, updated_at = $4,
	started_at = CASE WHEN $3 = 'processing' THEN $4 ELSE started_at END
WHERE id = $1 AND status = $2
`, id, string(from), string(to), now)
	if err != nil {
		return fmt.Errorf("transition export job: %w", err)
	}
	n, err := rowsAffected(result, "transition export job")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "transition export job", id)
	}
	return nil
}

// Finish stores the terminal outcome of a job that is still processing.
func (r *ExportJobRepository) Finish(ctx context.Context, job *domain.ExportJob) error {
	if !domain.ExportProcessing.CanTransition(job.Status) {
		return domain.WrapError(domain.ErrConflict, "finish export job", fmt.Errorf("status %s is not terminal", job.Status))
	}
	errs := job.Errors
	if errs == nil {
		errs = []domain.ExportItemError{}
	}
	errsJSON, err := marshalJSON(errs, "export errors")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE export_jobs
SET status = $2, result_ref = $3, errors = $4, completed_drawings = $5, failed_drawings = $6, updated_at = $7, finished_at = $7
WHERE id = $1 AND status = $8
`, job.ID, string(job.Status), job.ResultRef, errsJSON, job.CompletedDrawings, job.FailedDrawings, now, string(domain.ExportProcessing))
	if err != nil {
		return fmt.Errorf("finish export job: %w", err)
	}
	n, err := rowsAffected(result, "finish export job")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "finish export job", job.ID)
	}
	job.UpdatedAt = now
	job.FinishedAt = &now
	return nil
}

// Expire fails a job that is still in status from, appending reason to its
// errors. Counters and any partial result are left as they are.
func (r *ExportJobRepository) Expire(ctx context.Context, id string, from domain.ExportStatus, reason string) error {
	if !from.CanTransition(domain.ExportFailed) {
		return domain.WrapError(domain.ErrConflict, "expire export job", fmt.Errorf("%s cannot fail", from))
	}
	entry, err := marshalJSON([]domain.ExportItemError{{Message: reason}}, "export errors")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE export_jobs
SET status = $3, errors = errors || $4::jsonb, updated_at = $5, finished_at = $5
WHERE id = $1 AND status = $2
`, id, string(from), string(domain.ExportFailed), string(entry), now)
	if err != nil {
		return fmt.Errorf("expire export job: %w", err)
	}
	n, err := rowsAffected(result, "expire export job")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "expire export job", id)
	}
	return nil
}

// ListStuck returns jobs processing since before cutoff and jobs that were
// queued before cutoff and never picked up.
func (r *ExportJobRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]domain.ExportJob, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+exportJobColumns+`
FROM export_jobs
WHERE (status = $1 AND started_at < $3) OR (status = $2 AND created_at < $3)
ORDER BY created_at ASC
`, string(domain.ExportProcessing), string(domain.ExportQueued), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck export jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExportJob, 0)
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export jobs: %w", err)
	}
	return out, nil
}

func (r *ExportJobRepository) missingOrConflict(ctx context.Context, op, id string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM export_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrJobNotFound, op, fmt.Errorf("id=%s", id))
		}
		return fmt.Errorf("%s: check export job: %w", op, err)
	}
	return domain.WrapError(domain.ErrConflict, op, fmt.Errorf("export job %s is %s", id, status))
}

func scanExportJob(sc rowScanner) (*domain.ExportJob, error) {
	var job domain.ExportJob
	var format, status string
	var idsRaw, optsRaw, errsRaw []byte
	var startedAt, finishedAt sql.NullTime
	err := sc.Scan(
		&job.ID, &idsRaw, &format, &optsRaw, &job.Batch, &status, &job.ResultRef, &errsRaw, &job.CompletedDrawings,
		&job.FailedDrawings, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan export job: %w", err)
	}
	if err := unmarshalJSON(idsRaw, &job.DrawingIDs, "drawing ids"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(optsRaw, &job.Options, "options"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(errsRaw, &job.Errors, "export errors"); err != nil {
		return nil, err
	}
	if job.Errors == nil {
		job.Errors = []domain.ExportItemError{}
	}
	job.Format = domain.ExportFormat(format)
	job.Status = domain.ExportStatus(status)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}
