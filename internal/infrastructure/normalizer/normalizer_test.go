package normalizer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"path/filepath"
	"testing"

	"github.com/jung-kurt/gofpdf/v2"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/storage/localfs"
)

func testConfig() Config {
	return Config{WorkingDPI: 300, MinDPI: 300, MaxUpscale: 2, VectorMinObjects: 10}
}

func newSheet() *gofpdf.Fpdf {
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           gofpdf.SizeType{Wd: 100, Ht: 80},
	})
	pdf.AddPage()
	return pdf
}

func vectorPDF(t *testing.T) []byte {
	t.Helper()
	pdf := newSheet()
	pdf.SetLineWidth(0.5)
	for i := 0; i < 12; i++ {
		y := 10 + float64(i)*5
		pdf.Line(10, y, 90, y)
	}
	pdf.Rect(40, 30, 20, 20, "D")
	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(12, 75, "P-101")
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("render vector pdf: %v", err)
	}
	return buf.Bytes()
}

func scannedPDF(t *testing.T, dpi float64) []byte {
	t.Helper()
	w := int(math.Round(100 / 25.4 * dpi))
	h := int(math.Round(80 / 25.4 * dpi))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	// A thick cross in the middle of the sheet.
	for y := h/2 - 3; y <= h/2+3; y++ {
		for x := w / 4; x < 3*w/4; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	for x := w/2 - 3; x <= w/2+3; x++ {
		for y := h / 4; y < 3*h/4; y++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode scan: %v", err)
	}

	pdf := newSheet()
	opts := gofpdf.ImageOptions{ImageType: "JPG"}
	pdf.RegisterImageOptionsReader("scan", opts, &jpg)
	pdf.ImageOptions("scan", 0, 0, 100, 80, false, opts, 0, "")
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("render scanned pdf: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeRejectsNonPDF(t *testing.T) {
	_, err := New(testConfig()).Normalize(context.Background(), []byte("not a drawing"))
	if !errors.Is(err, domain.ErrUnreadablePDF) {
		t.Fatalf("expected unreadable pdf, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected input error kind, got %v", err)
	}
}

func TestNormalizeScratchFailureIsTemporary(t *testing.T) {
	t.Setenv("TMPDIR", filepath.Join(t.TempDir(), "gone"))

	_, err := New(testConfig()).Normalize(context.Background(), vectorPDF(t))
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if errors.Is(err, domain.ErrUnreadablePDF) {
		t.Fatalf("a readable document was reported unreadable: %v", err)
	}
}

func TestNormalizeVectorPage(t *testing.T) {
	doc, err := New(testConfig()).Normalize(context.Background(), vectorPDF(t))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if doc.SourceType != domain.SourceVector || len(doc.Pages) != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
	page := doc.Pages[0]
	wantW := 100 / 25.4 * 300
	if math.Abs(float64(page.Width)-wantW) > 2 {
		t.Fatalf("expected width near %.0f px, got %d", wantW, page.Width)
	}
	if len(page.Segments) < 12 {
		t.Fatalf("expected stroked segments to be kept, got %d", len(page.Segments))
	}
	// First line at 10 mm from the top runs from 10 mm to 90 mm.
	first := page.Segments[0]
	mm := 300 / 25.4
	if math.Abs(first.Start.Y-10*mm) > 2 || math.Abs(first.Start.X-10*mm) > 2 || math.Abs(first.End.X-90*mm) > 2 {
		t.Fatalf("unexpected first segment %+v", first)
	}
	if page.Image.GrayAt(int(50*mm), int(10*mm)).Y >= raster.InkThreshold {
		t.Fatalf("expected ink under the first line")
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	data := vectorPDF(t)
	n := New(testConfig())
	a, err := n.Normalize(context.Background(), data)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := n.Normalize(context.Background(), data)
	if err != nil {
		t.Fatalf("normalize again: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("hash differs")
	}
	if len(a.Pages[0].Segments) != len(b.Pages[0].Segments) {
		t.Fatalf("segment count differs")
	}
	if !bytes.Equal(a.Pages[0].Image.Pix, b.Pages[0].Image.Pix) {
		t.Fatalf("raster differs between runs")
	}
}

func TestNormalizeScannedPage(t *testing.T) {
	doc, err := New(testConfig()).Normalize(context.Background(), scannedPDF(t, 300))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	page := doc.Pages[0]
	if page.SourceType != domain.SourceScanned || doc.SourceType != domain.SourceScanned {
		t.Fatalf("expected scanned page, got %s", page.SourceType)
	}
	if page.SkewDegrees != 0 {
		t.Fatalf("expected straight scan, got skew %.2f", page.SkewDegrees)
	}
	if page.Image.GrayAt(page.Width/2, page.Height/2).Y != 0 {
		t.Fatalf("expected ink at the cross centre")
	}
	if page.Image.GrayAt(page.Width/8, page.Height/8).Y != 0xff {
		t.Fatalf("expected paper in the corner")
	}
}

func TestNormalizeRejectsLowResolutionScan(t *testing.T) {
	_, err := New(testConfig()).Normalize(context.Background(), scannedPDF(t, 100))
	if !errors.Is(err, domain.ErrResolutionTooLow) {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestEstimateSkewFindsTilt(t *testing.T) {
	img := raster.NewWhite(800, 600)
	slope := math.Tan(2 * math.Pi / 180)
	for row := 100; row < 600; row += 80 {
		for x := 50; x < 750; x++ {
			y := row + int(float64(x-400)*slope)
			if y >= 0 && y < 600 {
				img.SetGray(x, y, color.Gray{Y: 0})
				if y+1 < 600 {
					img.SetGray(x, y+1, color.Gray{Y: 0})
				}
			}
		}
	}
	skew := estimateSkew(img)
	if math.Abs(skew+2) > 0.3 {
		t.Fatalf("expected about -2 degrees, got %.2f", skew)
	}
}

func TestBinarizeKeepsThinStrokesOnGreyPaper(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 60, 60))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	for x := 0; x < 60; x++ {
		img.SetGray(x, 30, color.Gray{Y: 150})
	}
	out := binarize(img, 31, 10)
	if out.GrayAt(30, 30).Y != 0 {
		t.Fatalf("expected stroke to become ink")
	}
	if out.GrayAt(30, 10).Y != 0xff {
		t.Fatalf("expected grey paper to become white")
	}
}

func TestPageStoreRoundTrip(t *testing.T) {
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	doc, err := New(testConfig()).Normalize(context.Background(), vectorPDF(t))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	store := NewPageStore(storage)
	if err := store.Save(context.Background(), "d1", doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(context.Background(), "d1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Hash != doc.Hash || len(loaded.Pages[0].Segments) != len(doc.Pages[0].Segments) {
		t.Fatalf("manifest mismatch")
	}
	if !bytes.Equal(loaded.Pages[0].Image.Pix, doc.Pages[0].Image.Pix) {
		t.Fatalf("raster mismatch")
	}

	manifest, err := store.Manifest(context.Background(), "d1")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if manifest.Pages[0].Image != nil || manifest.Pages[0].Width != doc.Pages[0].Width {
		t.Fatalf("expected geometry without raster, got %+v", manifest.Pages[0])
	}

	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
