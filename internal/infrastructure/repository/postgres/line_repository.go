package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type LineRepository struct {
	db *sql.DB
}

func NewLineRepository(db *sql.DB) *LineRepository {
	return &LineRepository{db: db}
}

const lineColumns = `id, drawing_id, page, line_type, points, from_symbol_id, to_symbol_id, confidence, tag, created_at, updated_at`

func (r *LineRepository) ReplaceForDrawing(ctx context.Context, drawingID, jobID string, lines []domain.DetectedLine) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := checkLease(ctx, tx, drawingID, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM detected_lines WHERE drawing_id = $1`, drawingID); err != nil {
			return fmt.Errorf("delete lines: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO detected_lines (`+lineColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`)
		if err != nil {
			return fmt.Errorf("prepare line insert: %w", err)
		}
		defer stmt.Close()

		for _, l := range lines {
			pointsJSON, err := marshalJSON(nonNilPoints(l.Points), "points")
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				l.ID, drawingID, l.Page, string(l.LineType), pointsJSON, nullString(l.FromSymbolID), nullString(l.ToSymbolID),
				l.Confidence, l.Tag, l.CreatedAt, l.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert line: %w", err)
			}
		}
		return nil
	})
}

func (r *LineRepository) ListByDrawing(ctx context.Context, drawingID string) ([]domain.DetectedLine, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+lineColumns+`
FROM detected_lines
WHERE drawing_id = $1
ORDER BY page ASC, id ASC
`, drawingID)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DetectedLine, 0)
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lines: %w", err)
	}
	return out, nil
}

func (r *LineRepository) GetByID(ctx context.Context, drawingID, lineID string) (*domain.DetectedLine, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM detected_lines WHERE drawing_id = $1 AND id = $2`, drawingID, lineID)
	l, err := scanLine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrLineNotFound, "get line", fmt.Errorf("id=%s", lineID))
		}
		return nil, err
	}
	return l, nil
}

// Update writes type and endpoint associations. A referenced symbol outside
// the drawing fails the composite foreign key and surfaces as invalid input.
func (r *LineRepository) Update(ctx context.Context, l *domain.DetectedLine) error {
	l.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE detected_lines AS l
SET line_type = $3, from_symbol_id = $4, to_symbol_id = $5, updated_at = $6
FROM drawings AS d
WHERE l.drawing_id = $1 AND l.id = $2 AND d.id = l.drawing_id AND d.status <> $7
`, l.DrawingID, l.ID, string(l.LineType), nullString(l.FromSymbolID), nullString(l.ToSymbolID), l.UpdatedAt, string(domain.StatusProcessing))
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.WrapError(domain.ErrInvalidInput, "update line", err)
		}
		return fmt.Errorf("update line: %w", err)
	}
	n, err := rowsAffected(result, "update line")
	if err != nil {
		return err
	}
	if n == 0 {
		return explainEditMiss(ctx, r.db, "update line", l.DrawingID, domain.ErrLineNotFound, l.ID)
	}
	return nil
}

func scanLine(sc rowScanner) (*domain.DetectedLine, error) {
	var l domain.DetectedLine
	var lineType string
	var pointsRaw []byte
	var from, to sql.NullString
	err := sc.Scan(&l.ID, &l.DrawingID, &l.Page, &lineType, &pointsRaw, &from, &to, &l.Confidence, &l.Tag, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan line: %w", err)
	}
	if err := unmarshalJSON(pointsRaw, &l.Points, "points"); err != nil {
		return nil, err
	}
	l.LineType = domain.LineType(lineType)
	l.FromSymbolID = stringPtr(from)
	l.ToSymbolID = stringPtr(to)
	return &l, nil
}
