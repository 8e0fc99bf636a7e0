package normalizer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
	"github.com/tsawler/tabula/reader"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

// pointsPerInch is the PDF user space unit.
const pointsPerInch = 72.0

type Config struct {
	WorkingDPI       float64
	MinDPI           float64
	MaxUpscale       float64
	VectorMinObjects int
}

func (c Config) normalize() Config {
	if c.MinDPI <= 0 {
		c.MinDPI = 300
	}
	if c.WorkingDPI < c.MinDPI {
		c.WorkingDPI = c.MinDPI
	}
	if c.MaxUpscale < 1 {
		c.MaxUpscale = 1
	}
	if c.VectorMinObjects <= 0 {
		c.VectorMinObjects = 25
	}
	return c
}

// Normalizer classifies PDF pages and renders them at the working DPI.
type Normalizer struct {
	cfg Config
}

func New(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg.normalize()}
}

func (n *Normalizer) Normalize(ctx context.Context, data []byte) (*domain.NormalizedDocument, error) {
	if !looksLikePDF(data) {
		return nil, domain.WrapError(domain.ErrUnreadablePDF, "normalize", errors.New("missing %PDF header"))
	}
	sum := sha256.Sum256(data)

	text, err := openText(data)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnreadablePDF, "normalize", err)
	}
	pageCount := text.NumPage()
	if pageCount == 0 {
		return nil, domain.WrapError(domain.ErrUnreadablePDF, "normalize", errors.New("document has no pages"))
	}

	graphics, cleanup, err := openGraphics(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	doc := &domain.NormalizedDocument{
		Hash:       hex.EncodeToString(sum[:]),
		SourceType: domain.SourceVector,
		Pages:      make([]domain.NormalizedPage, 0, pageCount),
	}
	logger := logging.FromContext(ctx)
	for i := 0; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := n.normalizePage(text, graphics, i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		if page.SourceType == domain.SourceScanned {
			doc.SourceType = domain.SourceScanned
		}
		logger.Debug("page_normalized",
			"page", i,
			"source_type", page.SourceType,
			"width", page.Width,
			"height", page.Height,
			"skew_degrees", page.SkewDegrees,
		)
		doc.Pages = append(doc.Pages, page)
	}
	return doc, nil
}

func (n *Normalizer) normalizePage(text *pdf.Reader, graphics *reader.Reader, index int) (domain.NormalizedPage, error) {
	tp, err := graphics.GetPage(index)
	if err != nil {
		return domain.NormalizedPage{}, domain.WrapError(domain.ErrUnreadablePDF, "load page", err)
	}
	widthPt, heightPt, err := pageSize(tp)
	if err != nil {
		return domain.NormalizedPage{}, domain.WrapError(domain.ErrUnreadablePDF, "page size", err)
	}

	stats := n.pageStats(text, graphics, tp, index)
	if stats.objects() >= n.cfg.VectorMinObjects {
		return n.renderVector(graphics, tp, index, widthPt, heightPt, stats)
	}
	return n.renderScanned(graphics, tp, index, widthPt, heightPt)
}

func looksLikePDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}

// openText parses the document structure. The parser panics on some
// malformed inputs, so the panic is turned into an error.
func openText(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("parse pdf: %v", rec)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	return r, nil
}

// openGraphics opens the content-stream reader, which needs a file handle.
// openGraphics spools data to a temp file for the content-stream reader. Only
// a parse failure means the document is unreadable; scratch file trouble is
// the host's and may clear on retry.
func openGraphics(data []byte) (*reader.Reader, func(), error) {
	f, err := os.CreateTemp("", "pid-normalize-*.pdf")
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrTemporary, "normalize", fmt.Errorf("create temp pdf: %w", err))
	}
	remove := func() {
		f.Close()
		os.Remove(f.Name())
	}
	if _, err := f.Write(data); err != nil {
		remove()
		return nil, nil, domain.WrapError(domain.ErrTemporary, "normalize", fmt.Errorf("write temp pdf: %w", err))
	}
	if _, err := f.Seek(0, 0); err != nil {
		remove()
		return nil, nil, domain.WrapError(domain.ErrTemporary, "normalize", fmt.Errorf("rewind temp pdf: %w", err))
	}
	r, err := reader.NewReader(f)
	if err != nil {
		remove()
		return nil, nil, domain.WrapError(domain.ErrUnreadablePDF, "normalize", fmt.Errorf("open pdf: %w", err))
	}
	return r, remove, nil
}
