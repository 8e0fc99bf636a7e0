package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type DrawingRepository struct {
	db *sql.DB
}

func NewDrawingRepository(db *sql.DB) *DrawingRepository {
	return &DrawingRepository{db: db}
}

const drawingColumns = `id, project_id, filename, mime_type, storage_path, source_type, status, error_message,
	page_count, active_job_id, processing_started_at, drawing_number, revision, title, created_at, updated_at`

func (r *DrawingRepository) Create(ctx context.Context, d *domain.Drawing) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO drawings (
	id, project_id, filename, mime_type, storage_path, source_type, status, error_message,
	page_count, drawing_number, revision, title, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`,
		d.ID, d.ProjectID, d.Filename, d.MimeType, d.StoragePath, string(d.SourceType), string(d.Status), d.Error,
		d.PageCount, d.TitleBlock.DrawingNumber, d.TitleBlock.Revision, d.TitleBlock.Title, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert drawing: %w", err)
	}
	return nil
}

func (r *DrawingRepository) GetByID(ctx context.Context, id string) (*domain.Drawing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+drawingColumns+` FROM drawings WHERE id = $1`, id)
	d, err := scanDrawing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDrawingNotFound, "get drawing", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan drawing: %w", err)
	}
	return d, nil
}

// Delete removes an idle drawing; extracted rows cascade.
func (r *DrawingRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM drawings WHERE id = $1 AND status <> $2`, id, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("delete drawing: %w", err)
	}
	n, err := rowsAffected(result, "delete drawing")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "delete drawing", id, "drawing is processing")
	}
	return nil
}

// BeginProcessing claims the drawing for jobID when its status is one of from.
func (r *DrawingRepository) BeginProcessing(ctx context.Context, drawingID, jobID string, from []domain.DrawingStatus) error {
	if len(from) == 0 {
		from = domain.IdleStatuses()
	}
	now := time.Now().UTC()
	args := []any{drawingID, jobID, now, string(domain.StatusProcessing)}
	placeholders := make([]string, len(from))
	for i, s := range from {
		args = append(args, string(s))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE drawings
SET status = $4, active_job_id = $2, processing_started_at = $3, error_message = '', updated_at = $3
WHERE id = $1 AND status IN (`+strings.Join(placeholders, ",")+`)
`, args...)
	if err != nil {
		return fmt.Errorf("begin processing: %w", err)
	}
	n, err := rowsAffected(result, "begin processing")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "begin processing", drawingID, "drawing is already being processed")
	}
	return nil
}

func (r *DrawingRepository) SetSourceInfo(ctx context.Context, drawingID, jobID string, sourceType domain.SourceType, pageCount int) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE drawings
SET source_type = $3, page_count = $4, updated_at = $5
WHERE id = $1 AND status = $6 AND active_job_id = $2
`, drawingID, jobID, string(sourceType), pageCount, time.Now().UTC(), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("set source info: %w", err)
	}
	n, err := rowsAffected(result, "set source info")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "set source info", drawingID, "job "+jobID+" no longer holds the drawing")
	}
	return nil
}

// FinishProcessing releases the lease held by jobID and sets the outcome status.
func (r *DrawingRepository) FinishProcessing(ctx context.Context, drawingID, jobID string, status domain.DrawingStatus, errMessage string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE drawings
SET status = $3, error_message = $4, active_job_id = NULL, processing_started_at = NULL, updated_at = $5
WHERE id = $1 AND status = $6 AND active_job_id = $2
`, drawingID, jobID, string(status), errMessage, time.Now().UTC(), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("finish processing: %w", err)
	}
	n, err := rowsAffected(result, "finish processing")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "finish processing", drawingID, "job "+jobID+" no longer holds the drawing")
	}
	return nil
}

// MarkComplete moves a reviewed drawing to complete. Already complete is a no-op.
func (r *DrawingRepository) MarkComplete(ctx context.Context, drawingID string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE drawings
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN ($4, $2)
`, drawingID, string(domain.StatusComplete), time.Now().UTC(), string(domain.StatusReview))
	if err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	n, err := rowsAffected(result, "mark complete")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missingOrConflict(ctx, "mark complete", drawingID, "drawing is not under review")
	}
	return nil
}

func (r *DrawingRepository) ListStuck(ctx context.Context, startedBefore time.Time) ([]domain.Drawing, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+drawingColumns+`
FROM drawings
WHERE status = $1 AND processing_started_at < $2
ORDER BY processing_started_at ASC
`, string(domain.StatusProcessing), startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stuck drawings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Drawing, 0)
	for rows.Next() {
		d, err := scanDrawing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drawing: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drawings: %w", err)
	}
	return out, nil
}

func (r *DrawingRepository) missingOrConflict(ctx context.Context, op, id, reason string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM drawings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: check drawing: %w", op, err)
	}
	if !exists {
		return domain.WrapError(domain.ErrDrawingNotFound, op, fmt.Errorf("id=%s", id))
	}
	return domain.WrapError(domain.ErrConflict, op, errors.New(reason))
}

func scanDrawing(s rowScanner) (*domain.Drawing, error) {
	var d domain.Drawing
	var sourceType, status string
	var activeJob sql.NullString
	var startedAt sql.NullTime
	err := s.Scan(
		&d.ID, &d.ProjectID, &d.Filename, &d.MimeType, &d.StoragePath, &sourceType, &status, &d.Error,
		&d.PageCount, &activeJob, &startedAt, &d.TitleBlock.DrawingNumber, &d.TitleBlock.Revision, &d.TitleBlock.Title,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.SourceType = domain.SourceType(sourceType)
	d.Status = domain.DrawingStatus(status)
	d.ActiveJobID = activeJob.String
	d.ProcessingStartedAt = timePtr(startedAt)
	return &d, nil
}
