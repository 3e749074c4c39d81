// Package openai implements the OCR capability on top of any
// OpenAI-compatible vision chat endpoint (OpenAI, Ollama, vLLM).
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/quizgrader/internal/ocr"
	"github.com/pavelanni/quizgrader/internal/ocr/prompts"
)

// transcription is the JSON object the model is asked to return.
type transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Extractor wraps an OpenAI-compatible API client.
type Extractor struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
	anchors []string
}

// New creates a new vision OCR extractor.
func New(baseURL, apiKey, modelName, variant string) (*Extractor, error) {
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Extractor{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.Variant(variant),
	}, nil
}

// WithAnchors returns a copy of e whose prompt lists the expected question markers.
func (e *Extractor) WithAnchors(anchors []string) *Extractor {
	cp := *e
	cp.anchors = append([]string(nil), anchors...)
	return &cp
}

func (e *Extractor) Name() string { return "openai:" + e.model }

// Ping checks that the endpoint is reachable and the model exists.
func (e *Extractor) Ping(ctx context.Context) error {
	_, err := e.api.GetModel(ctx, e.model)
	if err != nil {
		return fmt.Errorf("get model %s: %w", e.model, err)
	}
	return nil
}

// Extract sends the image to the vision model and parses its transcription.
func (e *Extractor) Extract(ctx context.Context, image []byte) (ocr.Result, error) {
	if err := ocr.Validate(image); err != nil {
		return ocr.Result{}, err
	}

	systemPrompt, err := prompts.Build(e.variant, prompts.Data{Anchors: e.anchors})
	if err != nil {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, fmt.Errorf("build prompt: %w", err))
	}

	resp, err := e.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Transcribe this answer sheet."},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL(image),
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return ocr.Result{}, ocr.AsExtractionError(fmt.Errorf("vision API call: %w", err))
	}
	if len(resp.Choices) == 0 {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, errors.New("model returned no choices"))
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("vision OCR response", "model", e.model, "raw", raw)
	return parseTranscription(raw)
}

func parseTranscription(raw string) (ocr.Result, error) {
	raw = stripCodeFences(strings.TrimSpace(raw))
	if raw == "" {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, errors.New("empty model response"))
	}
	var t transcription
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, fmt.Errorf("parse model response: %w (raw: %s)", err, raw))
	}
	return ocr.Result{Text: t.Text, Confidence: ocr.Clamp(t.Confidence)}, nil
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func dataURL(image []byte) string {
	return "data:" + ocr.SniffFormat(image).MIME() + ";base64," + base64.StdEncoding.EncodeToString(image)
}
