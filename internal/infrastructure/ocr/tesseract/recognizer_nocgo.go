//go:build !cgo

package tesseract

import (
	"context"
	"image"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type Recognizer struct {
	cfg Config
}

func New(cfg Config) *Recognizer {
	return &Recognizer{cfg: cfg.normalize()}
}

func (r *Recognizer) Recognize(context.Context, image.Image) ([]domain.TextFragment, error) {
	return nil, ErrUnavailable
}
