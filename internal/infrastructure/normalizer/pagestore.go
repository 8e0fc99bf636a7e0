package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
)

// PageStore keeps normalized pages in object storage: a JSON manifest with
// page geometry and vector content, and one PNG per page.
type PageStore struct {
	storage ports.ObjectStorage
}

func NewPageStore(storage ports.ObjectStorage) *PageStore {
	return &PageStore{storage: storage}
}

func PagesPrefix(drawingID string) string {
	return fmt.Sprintf("drawings/%s/pages/", drawingID)
}

func manifestKey(drawingID string) string {
	return PagesPrefix(drawingID) + "manifest.json"
}

func pageKey(drawingID string, index int) string {
	return fmt.Sprintf("%spage-%03d.png", PagesPrefix(drawingID), index)
}

func (s *PageStore) Save(ctx context.Context, drawingID string, doc *domain.NormalizedDocument) error {
	for _, page := range doc.Pages {
		if page.Image == nil {
			return fmt.Errorf("page %d has no raster", page.Index)
		}
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := enc.Encode(&buf, page.Image); err != nil {
			return fmt.Errorf("encode page %d: %w", page.Index, err)
		}
		if err := s.storage.Save(ctx, pageKey(drawingID, page.Index), &buf); err != nil {
			return fmt.Errorf("save page %d: %w", page.Index, err)
		}
	}

	manifest, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	// The manifest is written last; its presence marks a complete set.
	if err := s.storage.Save(ctx, manifestKey(drawingID), bytes.NewReader(manifest)); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// Manifest loads page geometry and vector content without the rasters.
func (s *PageStore) Manifest(ctx context.Context, drawingID string) (*domain.NormalizedDocument, error) {
	raw, err := s.read(ctx, manifestKey(drawingID))
	if err != nil {
		return nil, err
	}
	var doc domain.NormalizedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &doc, nil
}

func (s *PageStore) Load(ctx context.Context, drawingID string) (*domain.NormalizedDocument, error) {
	doc, err := s.Manifest(ctx, drawingID)
	if err != nil {
		return nil, err
	}
	for i := range doc.Pages {
		data, err := s.read(ctx, pageKey(drawingID, doc.Pages[i].Index))
		if err != nil {
			return nil, err
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode page %d: %w", doc.Pages[i].Index, err)
		}
		doc.Pages[i].Image = raster.ToGray(img)
	}
	return doc, nil
}

func (s *PageStore) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
