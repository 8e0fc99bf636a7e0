package normalizer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/tsawler/tabula/pages"
	"github.com/tsawler/tabula/reader"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/raster"
)

const (
	maxSkewDegrees  = 5.0
	skewStepDegrees = 0.25
	// skewSampleWidth bounds the image used for the projection search.
	skewSampleWidth = 1200
	binarizeWindow  = 31
	binarizeOffset  = 10
	// darkFloor marks pixels as ink regardless of their neighbourhood.
	darkFloor = 64
)

// renderScanned takes the largest embedded raster on the page and brings it to
// the working DPI: resample, deskew, denoise, binarize.
func (n *Normalizer) renderScanned(graphics *reader.Reader, tp *pages.Page, index int, widthPt, heightPt float64) (domain.NormalizedPage, error) {
	src, err := largestImage(graphics, tp)
	if err != nil {
		return domain.NormalizedPage{}, err
	}
	bounds := src.Bounds()
	effective := float64(bounds.Dx()) / (widthPt / pointsPerInch)
	if effective < n.cfg.MinDPI && n.cfg.MinDPI/effective > n.cfg.MaxUpscale {
		return domain.NormalizedPage{}, domain.WrapError(domain.ErrResolutionTooLow, "normalize scan",
			fmt.Errorf("page %d scanned at %.0f dpi, need %.0f", index+1, effective, n.cfg.MinDPI))
	}

	dpi := n.cfg.WorkingDPI
	w := int(math.Ceil(widthPt / pointsPerInch * dpi))
	h := int(math.Ceil(heightPt / pointsPerInch * dpi))

	var resampled image.Image = src
	if math.Abs(effective-dpi)/dpi > 0.01 || bounds.Dx() != w || bounds.Dy() != h {
		resampled = imaging.Resize(src, w, h, imaging.Lanczos)
	}
	gray := raster.ToGray(resampled)

	skew := estimateSkew(gray)
	if skew != 0 {
		rotated := imaging.Rotate(gray, -skew, color.White)
		gray = raster.ToGray(imaging.CropCenter(rotated, w, h))
	}

	denoised := raster.ToGray(effect.Median(gray, 1))
	binary := binarize(denoised, binarizeWindow, binarizeOffset)

	return domain.NormalizedPage{
		Index:       index,
		SourceType:  domain.SourceScanned,
		DPI:         dpi,
		Width:       w,
		Height:      h,
		SkewDegrees: skew,
		Image:       binary,
	}, nil
}

func largestImage(graphics *reader.Reader, tp *pages.Page) (image.Image, error) {
	images, err := graphics.ExtractPageImages(tp)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnreadablePDF, "extract page images", err)
	}
	var best *reader.PageImage
	for i := range images {
		img := &images[i]
		if best == nil || img.Width*img.Height > best.Width*best.Height {
			best = img
		}
	}
	if best == nil {
		return nil, domain.WrapError(domain.ErrUnreadablePDF, "extract page images", errors.New("page has neither vector content nor an embedded image"))
	}

	var decoded image.Image
	switch best.Filter {
	case "DCTDecode", "DCT":
		decoded, err = imaging.Decode(bytes.NewReader(best.Data))
	default:
		var encoded []byte
		encoded, err = best.ToPNG()
		if err == nil {
			decoded, err = imaging.Decode(bytes.NewReader(encoded))
		}
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnreadablePDF, "decode page image", err)
	}
	return decoded, nil
}

// estimateSkew searches small rotations for the one that gives the sharpest
// horizontal projection profile. The result is the clockwise rotation in
// degrees that straightens the page; zero when it is already straight.
func estimateSkew(gray *image.Gray) float64 {
	sample := gray
	b := gray.Bounds()
	if b.Dx() > skewSampleWidth {
		ratio := float64(skewSampleWidth) / float64(b.Dx())
		sample = raster.ToGray(imaging.Resize(gray, skewSampleWidth, int(float64(b.Dy())*ratio), imaging.Box))
	}
	sb := sample.Bounds()
	type px struct{ x, y float64 }
	var ink []px
	for y := sb.Min.Y; y < sb.Max.Y; y++ {
		for x := sb.Min.X; x < sb.Max.X; x++ {
			if sample.GrayAt(x, y).Y < raster.InkThreshold {
				ink = append(ink, px{float64(x), float64(y)})
			}
		}
	}
	if len(ink) == 0 {
		return 0
	}
	cx, cy := float64(sb.Dx())/2, float64(sb.Dy())/2
	diag := int(math.Hypot(float64(sb.Dx()), float64(sb.Dy()))) + 2

	score := func(deg float64) float64 {
		rad := deg * math.Pi / 180
		sin, cos := math.Sin(rad), math.Cos(rad)
		rows := make([]float64, diag)
		for _, p := range ink {
			y := cy + (p.x-cx)*sin + (p.y-cy)*cos
			row := int(y) + diag/2 - int(cy)
			if row >= 0 && row < diag {
				rows[row]++
			}
		}
		var s float64
		for _, r := range rows {
			s += r * r
		}
		return s
	}

	best, bestScore := 0.0, score(0)
	for deg := -maxSkewDegrees; deg <= maxSkewDegrees+1e-9; deg += skewStepDegrees {
		if math.Abs(deg) < 1e-9 {
			continue
		}
		if s := score(deg); s > bestScore*1.0001 {
			best, bestScore = deg, s
		}
	}
	return best
}

// binarize applies a local mean threshold using an integral image.
func binarize(gray *image.Gray, window, offset int) *image.Gray {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}
	half := window / 2
	out := raster.NewWhite(w, h)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h, y+half+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w, x+half+1)
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := sum / int64((x1-x0)*(y1-y0))
			v := int64(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			if v < darkFloor || v < mean-int64(offset) {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return out
}
