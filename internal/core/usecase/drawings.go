package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

var pdfMagic = []byte("%PDF-")

type DrawingUseCase struct {
	drawings ports.DrawingRepository
	jobs     ports.ProcessingJobRepository
	storage  ports.ObjectStorage
	maxBytes int64
}

func NewDrawingUseCase(
	drawings ports.DrawingRepository,
	jobs ports.ProcessingJobRepository,
	storage ports.ObjectStorage,
	maxBytes int64,
) *DrawingUseCase {
	return &DrawingUseCase{
		drawings: drawings,
		jobs:     jobs,
		storage:  storage,
		maxBytes: maxBytes,
	}
}

// DrawingPrefix is the storage prefix holding everything derived from a drawing.
func DrawingPrefix(drawingID string) string {
	return fmt.Sprintf("drawings/%s/", drawingID)
}

func sourceKey(drawingID, filename string) string {
	return DrawingPrefix(drawingID) + "source/" + sanitizeFilename(filename)
}

func (uc *DrawingUseCase) Upload(ctx context.Context, req ports.UploadRequest, body io.Reader) (*domain.Drawing, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload drawing", errors.New("project id is required"))
	}
	if req.MimeType != "" && req.MimeType != "application/pdf" && req.MimeType != "application/octet-stream" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload drawing", fmt.Errorf("unsupported mime type %q", req.MimeType))
	}

	data, err := uc.readBounded(body)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data[:min(len(data), 1024)], "\x00\t\r\n "), pdfMagic) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload drawing", errors.New("file is not a pdf"))
	}

	id := uuid.NewString()
	key := sourceKey(id, req.Filename)
	now := time.Now().UTC()

	if err := uc.storage.Save(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	drawing := &domain.Drawing{
		ID:          id,
		ProjectID:   req.ProjectID,
		Filename:    req.Filename,
		MimeType:    "application/pdf",
		StoragePath: key,
		Status:      domain.StatusUploaded,
		TitleBlock:  req.TitleBlock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := uc.drawings.Create(ctx, drawing); err != nil {
		if delErr := uc.storage.DeletePrefix(ctx, DrawingPrefix(id)); delErr != nil {
			logging.FromContext(ctx).Warn("upload_cleanup_failed", "drawing_id", id, "error", delErr)
		}
		return nil, fmt.Errorf("create drawing metadata: %w", err)
	}

	logging.FromContext(ctx).Info("drawing_uploaded", "drawing_id", id, "bytes", len(data), "project_id", req.ProjectID)
	return drawing, nil
}

func (uc *DrawingUseCase) readBounded(body io.Reader) ([]byte, error) {
	if uc.maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, uc.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > uc.maxBytes {
		return nil, domain.WrapError(domain.ErrTooLarge, "upload drawing", fmt.Errorf("file exceeds %d bytes", uc.maxBytes))
	}
	return data, nil
}

func (uc *DrawingUseCase) GetByID(ctx context.Context, id string) (*domain.DrawingView, error) {
	drawing, err := uc.drawings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &domain.DrawingView{Drawing: *drawing}

	job, err := uc.jobs.LatestForDrawing(ctx, id)
	switch {
	case err == nil:
		progress := job.Progress()
		view.Progress = &progress
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, fmt.Errorf("load latest job: %w", err)
	}
	return view, nil
}

// Delete removes the drawing with its derived records, then its stored files.
func (uc *DrawingUseCase) Delete(ctx context.Context, id string) error {
	if err := uc.drawings.Delete(ctx, id); err != nil {
		return err
	}
	if err := uc.storage.DeletePrefix(ctx, DrawingPrefix(id)); err != nil {
		logging.FromContext(ctx).Warn("drawing_files_cleanup_failed", "drawing_id", id, "error", err)
	}
	logging.FromContext(ctx).Info("drawing_deleted", "drawing_id", id)
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "drawing.pdf"
	}
	return base
}
