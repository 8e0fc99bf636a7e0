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

type SymbolRepository struct {
	db *sql.DB
}

func NewSymbolRepository(db *sql.DB) *SymbolRepository {
	return &SymbolRepository{db: db}
}

const symbolColumns = `id, drawing_id, page, symbol_class, category, bbox_x, bbox_y, bbox_w, bbox_h, rotation,
	confidence, connection_points, is_verified, is_flagged, tag, attributes, model_version, created_at, updated_at`

// ReplaceForDrawing swaps the drawing's detections in one transaction while
// jobID holds the processing lease.
func (r *SymbolRepository) ReplaceForDrawing(ctx context.Context, drawingID, jobID string, symbols []domain.DetectedSymbol) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := checkLease(ctx, tx, drawingID, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM detected_symbols WHERE drawing_id = $1`, drawingID); err != nil {
			return fmt.Errorf("delete symbols: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO detected_symbols (`+symbolColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`)
		if err != nil {
			return fmt.Errorf("prepare symbol insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range symbols {
			cpJSON, err := marshalJSON(nonNilPoints(s.ConnectionPoints), "connection points")
			if err != nil {
				return err
			}
			attrJSON, err := marshalJSON(nonNilAttrs(s.Attributes), "attributes")
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				s.ID, drawingID, s.Page, string(s.Class), string(s.Category), s.BBox.X, s.BBox.Y, s.BBox.Width, s.BBox.Height,
				s.Rotation, s.Confidence, cpJSON, s.IsVerified, s.IsFlagged, s.Tag, attrJSON, s.ModelVersion, s.CreatedAt, s.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert symbol: %w", err)
			}
		}
		return nil
	})
}

func (r *SymbolRepository) List(ctx context.Context, drawingID string, filter domain.SymbolFilter) (domain.SymbolPage, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size < 1 {
		size = 50
	}

	where := []string{"drawing_id = $1"}
	args := []any{drawingID}
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.MinConfidence > 0 {
		args = append(args, filter.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detected_symbols WHERE `+clause, args...).Scan(&total); err != nil {
		return domain.SymbolPage{}, fmt.Errorf("count symbols: %w", err)
	}

	args = append(args, size, (page-1)*size)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT %s
FROM detected_symbols
WHERE %s
ORDER BY page ASC, confidence DESC, id ASC
LIMIT $%d OFFSET $%d
`, symbolColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return domain.SymbolPage{}, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	items, err := collectSymbols(rows)
	if err != nil {
		return domain.SymbolPage{}, err
	}
	return domain.SymbolPage{Items: items, Page: page, PageSize: size, Total: total}, nil
}

func (r *SymbolRepository) ListAll(ctx context.Context, drawingID string) ([]domain.DetectedSymbol, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+symbolColumns+`
FROM detected_symbols
WHERE drawing_id = $1
ORDER BY page ASC, bbox_y ASC, bbox_x ASC, id ASC
`, drawingID)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()
	return collectSymbols(rows)
}

func (r *SymbolRepository) GetByID(ctx context.Context, drawingID, symbolID string) (*domain.DetectedSymbol, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+symbolColumns+` FROM detected_symbols WHERE drawing_id = $1 AND id = $2`, drawingID, symbolID)
	s, err := scanSymbol(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSymbolNotFound, "get symbol", fmt.Errorf("id=%s", symbolID))
		}
		return nil, err
	}
	return s, nil
}

// Update writes the editable fields. Edits are rejected while the drawing is processing.
func (r *SymbolRepository) Update(ctx context.Context, s *domain.DetectedSymbol) error {
	attrJSON, err := marshalJSON(nonNilAttrs(s.Attributes), "attributes")
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE detected_symbols AS s
SET is_verified = $3, is_flagged = $4, tag = $5, attributes = $6, updated_at = $7
FROM drawings AS d
WHERE s.drawing_id = $1 AND s.id = $2 AND d.id = s.drawing_id AND d.status <> $8
`, s.DrawingID, s.ID, s.IsVerified, s.IsFlagged, s.Tag, attrJSON, s.UpdatedAt, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("update symbol: %w", err)
	}
	n, err := rowsAffected(result, "update symbol")
	if err != nil {
		return err
	}
	if n == 0 {
		return explainEditMiss(ctx, r.db, "update symbol", s.DrawingID, domain.ErrSymbolNotFound, s.ID)
	}
	return nil
}

func collectSymbols(rows *sql.Rows) ([]domain.DetectedSymbol, error) {
	out := make([]domain.DetectedSymbol, 0)
	for rows.Next() {
		s, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate symbols: %w", err)
	}
	return out, nil
}

func scanSymbol(sc rowScanner) (*domain.DetectedSymbol, error) {
	var s domain.DetectedSymbol
	var class, category string
	var cpRaw, attrRaw []byte
	err := sc.Scan(
		&s.ID, &s.DrawingID, &s.Page, &class, &category, &s.BBox.X, &s.BBox.Y, &s.BBox.Width, &s.BBox.Height,
		&s.Rotation, &s.Confidence, &cpRaw, &s.IsVerified, &s.IsFlagged, &s.Tag, &attrRaw, &s.ModelVersion,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan symbol: %w", err)
	}
	if err := unmarshalJSON(cpRaw, &s.ConnectionPoints, "connection points"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(attrRaw, &s.Attributes, "attributes"); err != nil {
		return nil, err
	}
	s.Class = domain.SymbolClass(class)
	s.Category = domain.SymbolCategory(category)
	return &s, nil
}

func nonNilPoints(p []domain.Point) []domain.Point {
	if p == nil {
		return []domain.Point{}
	}
	return p
}

func nonNilAttrs(a map[string]string) map[string]string {
	if a == nil {
		return map[string]string{}
	}
	return a
}
