package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables. Line and token references to symbols are
// composite keys on (drawing_id, id), so an association can only point inside
// its own drawing, and deleting a symbol clears the reference column only.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101401)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS drawings (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	page_count INT NOT NULL DEFAULT 0,
	active_job_id TEXT,
	processing_started_at TIMESTAMPTZ,
	drawing_number TEXT NOT NULL DEFAULT '',
	revision TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drawings_status ON drawings(status);
CREATE INDEX IF NOT EXISTS idx_drawings_project ON drawings(project_id);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id TEXT PRIMARY KEY,
	drawing_id TEXT NOT NULL REFERENCES drawings(id) ON DELETE CASCADE,
	stages JSONB NOT NULL DEFAULT '[]'::jsonb,
	completed_stages JSONB NOT NULL DEFAULT '[]'::jsonb,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	partial_failures JSONB NOT NULL DEFAULT '[]'::jsonb,
	warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_processing_jobs_drawing ON processing_jobs(drawing_id, created_at DESC);

CREATE TABLE IF NOT EXISTS detected_symbols (
	id TEXT PRIMARY KEY,
	drawing_id TEXT NOT NULL REFERENCES drawings(id) ON DELETE CASCADE,
	page INT NOT NULL,
	symbol_class TEXT NOT NULL,
	category TEXT NOT NULL,
	bbox_x DOUBLE PRECISION NOT NULL,
	bbox_y DOUBLE PRECISION NOT NULL,
	bbox_w DOUBLE PRECISION NOT NULL,
	bbox_h DOUBLE PRECISION NOT NULL,
	rotation INT NOT NULL DEFAULT 0,
	confidence DOUBLE PRECISION NOT NULL,
	connection_points JSONB NOT NULL DEFAULT '[]'::jsonb,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
	tag TEXT NOT NULL DEFAULT '',
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	model_version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (drawing_id, id)
);

CREATE INDEX IF NOT EXISTS idx_symbols_drawing ON detected_symbols(drawing_id, category, confidence DESC);

CREATE TABLE IF NOT EXISTS detected_lines (
	id TEXT PRIMARY KEY,
	drawing_id TEXT NOT NULL REFERENCES drawings(id) ON DELETE CASCADE,
	page INT NOT NULL,
	line_type TEXT NOT NULL,
	points JSONB NOT NULL,
	from_symbol_id TEXT,
	to_symbol_id TEXT,
	confidence DOUBLE PRECISION NOT NULL,
	tag TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (drawing_id, id),
	FOREIGN KEY (drawing_id, from_symbol_id) REFERENCES detected_symbols(drawing_id, id) ON DELETE SET NULL (from_symbol_id),
	FOREIGN KEY (drawing_id, to_symbol_id) REFERENCES detected_symbols(drawing_id, id) ON DELETE SET NULL (to_symbol_id)
);

CREATE INDEX IF NOT EXISTS idx_lines_drawing ON detected_lines(drawing_id);

CREATE TABLE IF NOT EXISTS text_tokens (
	id TEXT PRIMARY KEY,
	drawing_id TEXT NOT NULL REFERENCES drawings(id) ON DELETE CASCADE,
	page INT NOT NULL,
	text TEXT NOT NULL,
	bbox_x DOUBLE PRECISION NOT NULL,
	bbox_y DOUBLE PRECISION NOT NULL,
	bbox_w DOUBLE PRECISION NOT NULL,
	bbox_h DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL,
	kind TEXT NOT NULL,
	symbol_id TEXT,
	line_id TEXT,
	manual BOOLEAN NOT NULL DEFAULT FALSE,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	FOREIGN KEY (drawing_id, symbol_id) REFERENCES detected_symbols(drawing_id, id) ON DELETE SET NULL (symbol_id),
	FOREIGN KEY (drawing_id, line_id) REFERENCES detected_lines(drawing_id, id) ON DELETE SET NULL (line_id)
);

CREATE INDEX IF NOT EXISTS idx_tokens_drawing ON text_tokens(drawing_id);

CREATE TABLE IF NOT EXISTS export_jobs (
	id TEXT PRIMARY KEY,
	drawing_ids JSONB NOT NULL,
	format TEXT NOT NULL,
	options JSONB NOT NULL DEFAULT '{}'::jsonb,
	batch BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL,
	result_ref TEXT NOT NULL DEFAULT '',
	errors JSONB NOT NULL DEFAULT '[]'::jsonb,
	completed_drawings INT NOT NULL DEFAULT 0,
	failed_drawings INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

ALTER TABLE export_jobs ADD COLUMN IF NOT EXISTS batch BOOLEAN NOT NULL DEFAULT false;

CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status, started_at);
CREATE INDEX IF NOT EXISTS idx_export_jobs_queued ON export_jobs(created_at) WHERE status = 'queued';
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// withTx runs fn in a transaction and commits when it returns nil.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// checkLease locks the drawing row and verifies jobID still owns it.
func checkLease(ctx context.Context, tx *sql.Tx, drawingID, jobID string) error {
	var status string
	var active sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT status, active_job_id FROM drawings WHERE id = $1 FOR UPDATE`, drawingID).
		Scan(&status, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrDrawingNotFound, "check lease", fmt.Errorf("id=%s", drawingID))
		}
		return fmt.Errorf("check lease: %w", err)
	}
	if domain.DrawingStatus(status) != domain.StatusProcessing || active.String != jobID {
		return domain.WrapError(domain.ErrConflict, "check lease", fmt.Errorf("drawing %s is %s and held by %q, not job %s", drawingID, status, active.String, jobID))
	}
	return nil
}

// explainEditMiss resolves why a validation edit matched no row: the drawing
// is gone, the pipeline holds it, or the item itself does not exist.
func explainEditMiss(ctx context.Context, db *sql.DB, op, drawingID string, itemKind error, itemID string) error {
	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM drawings WHERE id = $1`, drawingID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrDrawingNotFound, op, fmt.Errorf("id=%s", drawingID))
		}
		return fmt.Errorf("%s: check drawing: %w", op, err)
	}
	if domain.DrawingStatus(status) == domain.StatusProcessing {
		return domain.WrapError(domain.ErrConflict, op, fmt.Errorf("drawing %s is processing", drawingID))
	}
	return domain.WrapError(itemKind, op, fmt.Errorf("id=%s", itemID))
}

func rowsAffected(result sql.Result, op string) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n, nil
}

func marshalJSON(v any, what string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", what, err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, v any, what string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
