//go:build cgo

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type Recognizer struct {
	cfg Config
}

func New(cfg Config) *Recognizer {
	return &Recognizer{cfg: cfg.normalize()}
}

// Recognize returns word boxes in image pixels. Tesseract clients are not
// safe for concurrent use; each call owns one.
func (r *Recognizer) Recognize(ctx context.Context, img image.Image) ([]domain.TextFragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page for ocr: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()
	if r.cfg.TessdataPath != "" {
		if err := client.SetTessdataPrefix(r.cfg.TessdataPath); err != nil {
			return nil, fmt.Errorf("set tessdata path: %w", err)
		}
	}
	if err := client.SetLanguage(r.cfg.Language); err != nil {
		return nil, fmt.Errorf("set ocr language: %w", err)
	}
	// Sparse text: tags and labels are scattered over the sheet.
	if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("set ocr image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("ocr words: %w", err)
	}
	out := make([]domain.TextFragment, 0, len(boxes))
	for _, box := range boxes {
		word := strings.TrimSpace(box.Word)
		confidence := box.Confidence / 100
		if word == "" || confidence < r.cfg.MinConfidence {
			continue
		}
		out = append(out, domain.TextFragment{
			Text: word,
			BBox: domain.BBox{
				X:      float64(box.Box.Min.X),
				Y:      float64(box.Box.Min.Y),
				Width:  float64(box.Box.Dx()),
				Height: float64(box.Box.Dy()),
			},
			Confidence: confidence,
		})
	}
	return out, nil
}
