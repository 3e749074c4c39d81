// Package tesseract implements the OCR capability with a local Tesseract
// installation through gosseract. It requires cgo and libtesseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/pavelanni/quizgrader/internal/ocr"
)

// Extractor runs Tesseract on each image with a fresh client.
type Extractor struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// New constructs a Tesseract-backed extractor for the given languages
// (Tesseract codes such as "eng", "rus").
func New(languages ...string) *Extractor {
	return &Extractor{languages: languages, clientFactory: gosseract.NewClient}
}

func (e *Extractor) Name() string { return "tesseract" }

func (e *Extractor) Extract(ctx context.Context, image []byte) (ocr.Result, error) {
	if err := ocr.Validate(image); err != nil {
		return ocr.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, ocr.AsExtractionError(err)
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(image); err != nil {
		return ocr.Result{}, ocr.Fail(ocr.ReasonCorrupt, fmt.Errorf("set image: %w", err))
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, fmt.Errorf("set languages: %w", err))
		}
	}
	text, err := c.Text()
	if err != nil {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, fmt.Errorf("recognize text: %w", err))
	}

	return ocr.Result{
		Text:       strings.TrimSpace(text),
		Confidence: meanWordConfidence(c),
	}, nil
}

func meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return ocr.Clamp(sum / float64(len(boxes)))
}
