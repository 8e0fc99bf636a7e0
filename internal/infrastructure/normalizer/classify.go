package normalizer

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/tsawler/tabula/core"
	"github.com/tsawler/tabula/pages"
	"github.com/tsawler/tabula/reader"
	"github.com/tsawler/tabula/text"
)

// pageStats is what a page holds in extractable vector content.
type pageStats struct {
	glyphs    int
	textRects int
	segments  []strokedSegment
	fragments []text.TextFragment
}

func (s pageStats) objects() int {
	return s.glyphs + s.textRects + len(s.segments)
}

// pageStats counts text runs and stroked paths. Failures to read either
// layer count as an empty layer; a page without vector content is a scan.
func (n *Normalizer) pageStats(textReader *pdf.Reader, graphics *reader.Reader, page *pages.Page, index int) pageStats {
	var stats pageStats
	if content, err := pageContent(textReader, index+1); err == nil {
		for _, t := range content.Text {
			if strings.TrimSpace(t.S) != "" {
				stats.glyphs++
			}
		}
		stats.textRects = len(content.Rect)
	}

	if raw, err := contentBytes(page); err == nil && len(raw) > 0 {
		if segs, err := strokedPaths(raw); err == nil {
			stats.segments = segs
		}
	}

	if frags, err := graphics.ExtractTextFragments(page); err == nil {
		for _, f := range frags {
			if strings.TrimSpace(f.Text) != "" {
				stats.fragments = append(stats.fragments, f)
			}
		}
	}
	return stats
}

func pageContent(r *pdf.Reader, number int) (content pdf.Content, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("read page %d content: %v", number, rec)
		}
	}()
	p := r.Page(number)
	if p.V.IsNull() {
		return pdf.Content{}, fmt.Errorf("page %d missing", number)
	}
	return p.Content(), nil
}

func contentBytes(page *pages.Page) ([]byte, error) {
	contents, err := page.Contents()
	if err != nil {
		return nil, err
	}
	var all []byte
	for _, obj := range contents {
		stream, ok := obj.(*core.Stream)
		if !ok {
			continue
		}
		data, err := stream.Decode()
		if err != nil {
			return nil, fmt.Errorf("decode content stream: %w", err)
		}
		all = append(all, data...)
		all = append(all, '\n')
	}
	return all, nil
}

func pageSize(page *pages.Page) (float64, float64, error) {
	box, err := page.MediaBox()
	if err != nil {
		return 0, 0, err
	}
	w, h := box[2]-box[0], box[3]-box[1]
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("degenerate media box %v", box)
	}
	return w, h, nil
}
