// Package tesseract reads words off scanned pages with Tesseract.
//
// The gosseract binding needs cgo and libtesseract. Builds without cgo get
// a recognizer that reports ErrUnavailable; the tag stage then records a
// warning and continues without OCR tokens.
package tesseract

import "errors"

var ErrUnavailable = errors.New("tesseract ocr unavailable in this build")

type Config struct {
	Language      string
	TessdataPath  string
	MinConfidence float64
}

func (c Config) normalize() Config {
	if c.Language == "" {
		c.Language = "eng"
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.4
	}
	return c
}
