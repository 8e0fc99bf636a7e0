package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, drawing_id, page, text, bbox_x, bbox_y, bbox_w, bbox_h, source, kind, symbol_id, line_id, manual, confidence`

// CommitAssociations replaces automatic tokens and writes the implied symbol
// and line tags in one transaction under the job's lease. Manual tokens are
// upserted, never dropped.
func (r *TokenRepository) CommitAssociations(ctx context.Context, drawingID, jobID string, tokens []domain.TextToken, symbolTags, lineTags map[string]string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := checkLease(ctx, tx, drawingID, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM text_tokens WHERE drawing_id = $1 AND manual = FALSE`, drawingID); err != nil {
			return fmt.Errorf("delete tokens: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO text_tokens (`+tokenColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, symbol_id = EXCLUDED.symbol_id, line_id = EXCLUDED.line_id
`)
		if err != nil {
			return fmt.Errorf("prepare token insert: %w", err)
		}
		defer stmt.Close()
		for _, t := range tokens {
			_, err := stmt.ExecContext(ctx,
				t.ID, drawingID, t.Page, t.Text, t.BBox.X, t.BBox.Y, t.BBox.Width, t.BBox.Height,
				string(t.Source), string(t.Kind), nullString(t.SymbolID), nullString(t.LineID), t.Manual, t.Confidence,
			)
			if err != nil {
				return fmt.Errorf("insert token: %w", err)
			}
		}

		for symbolID, tag := range symbolTags {
			if _, err := tx.ExecContext(ctx, `UPDATE detected_symbols SET tag = $3 WHERE drawing_id = $1 AND id = $2`, drawingID, symbolID, tag); err != nil {
				return fmt.Errorf("update symbol tag: %w", err)
			}
		}
		for lineID, tag := range lineTags {
			if _, err := tx.ExecContext(ctx, `UPDATE detected_lines SET tag = $3 WHERE drawing_id = $1 AND id = $2`, drawingID, lineID, tag); err != nil {
				return fmt.Errorf("update line tag: %w", err)
			}
		}
		return nil
	})
}

func (r *TokenRepository) ListByDrawing(ctx context.Context, drawingID string) ([]domain.TextToken, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+tokenColumns+`
FROM text_tokens
WHERE drawing_id = $1
ORDER BY page ASC, bbox_y ASC, bbox_x ASC, id ASC
`, drawingID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TextToken, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

func (r *TokenRepository) GetByID(ctx context.Context, drawingID, tokenID string) (*domain.TextToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM text_tokens WHERE drawing_id = $1 AND id = $2`, drawingID, tokenID)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrTokenNotFound, "get token", fmt.Errorf("id=%s", tokenID))
		}
		return nil, err
	}
	return t, nil
}

// Assign records a manual association, which later tag runs keep.
func (r *TokenRepository) Assign(ctx context.Context, drawingID, tokenID string, a domain.TokenAssignment) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE text_tokens AS t
SET symbol_id = $3, line_id = $4, manual = TRUE
FROM drawings AS d
WHERE t.drawing_id = $1 AND t.id = $2 AND d.id = t.drawing_id AND d.status <> $5
`, drawingID, tokenID, nullString(a.SymbolID), nullString(a.LineID), string(domain.StatusProcessing))
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.WrapError(domain.ErrInvalidInput, "assign token", err)
		}
		return fmt.Errorf("assign token: %w", err)
	}
	n, err := rowsAffected(result, "assign token")
	if err != nil {
		return err
	}
	if n == 0 {
		return explainEditMiss(ctx, r.db, "assign token", drawingID, domain.ErrTokenNotFound, tokenID)
	}
	return nil
}

func scanToken(sc rowScanner) (*domain.TextToken, error) {
	var t domain.TextToken
	var source, kind string
	var symbolID, lineID sql.NullString
	err := sc.Scan(
		&t.ID, &t.DrawingID, &t.Page, &t.Text, &t.BBox.X, &t.BBox.Y, &t.BBox.Width, &t.BBox.Height,
		&source, &kind, &symbolID, &lineID, &t.Manual, &t.Confidence,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.Source = domain.TokenSource(source)
	t.Kind = domain.TokenKind(kind)
	t.SymbolID = stringPtr(symbolID)
	t.LineID = stringPtr(lineID)
	return &t, nil
}
