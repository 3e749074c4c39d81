// Package gemini implements the OCR capability with Google Gemini vision models.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pavelanni/quizgrader/internal/ocr"
	"github.com/pavelanni/quizgrader/internal/ocr/prompts"
)

type Extractor struct {
	client  *genai.Client
	model   string
	variant prompts.Variant
}

// New creates a Gemini-backed extractor. Close releases the client.
func New(ctx context.Context, apiKey, model, variant string) (*Extractor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini API key is empty")
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Extractor{client: cl, model: strings.TrimSpace(model), variant: prompts.Variant(variant)}, nil
}

func (e *Extractor) Name() string { return "gemini:" + e.model }

func (e *Extractor) Close() error { return e.client.Close() }

func (e *Extractor) Extract(ctx context.Context, image []byte) (ocr.Result, error) {
	if err := ocr.Validate(image); err != nil {
		return ocr.Result{}, err
	}
	system, err := prompts.Build(e.variant, prompts.Data{})
	if err != nil {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, err)
	}

	m := e.client.GenerativeModel(e.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}

	resp, err := m.GenerateContent(ctx,
		genai.Text("Transcribe this answer sheet."),
		genai.Blob{MIMEType: ocr.SniffFormat(image).MIME(), Data: image},
	)
	if err != nil {
		return ocr.Result{}, ocr.AsExtractionError(fmt.Errorf("gemini generate: %w", err))
	}

	txt := strings.TrimSpace(firstText(resp))
	slog.Debug("gemini OCR response", "model", e.model, "raw", txt)
	if txt == "" {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, errors.New("gemini: empty response"))
	}

	var out struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(txt), &out); err != nil {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, fmt.Errorf("gemini: bad JSON: %w", err))
	}
	return ocr.Result{Text: out.Text, Confidence: ocr.Clamp(out.Confidence)}, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
