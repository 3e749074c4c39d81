package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/ocr"
	"github.com/pavelanni/quizgrader/internal/ocr/gemini"
	"github.com/pavelanni/quizgrader/internal/ocr/openai"
	"github.com/pavelanni/quizgrader/internal/ocr/prompts"
	"github.com/pavelanni/quizgrader/internal/similarity"
)

// backendFactory builds an OCR extractor and a function releasing it.
type backendFactory func(ctx context.Context, v *viper.Viper) (ocr.Extractor, func(), error)

// backends holds the OCR backends compiled into this binary. Optional ones
// register themselves from build-tagged files.
var backends = map[string]backendFactory{
	"openai": newOpenAI,
	"gemini": newGemini,
}

func newExtractor(ctx context.Context, v *viper.Viper) (ocr.Extractor, func(), error) {
	name := strings.ToLower(strings.TrimSpace(v.GetString("ocr-backend")))
	factory, ok := backends[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown or unavailable OCR backend %q (built in: %s)", name, backendNames())
	}
	return factory(ctx, v)
}

func backendNames() string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	return strings.Join(names, ", ")
}

func ocrVariant(v *viper.Viper) string {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("ocr-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid ocr-variant, using handwritten", "variant", variant)
		variant = string(prompts.VariantHandwritten)
	}
	return variant
}

func newOpenAI(ctx context.Context, v *viper.Viper) (ocr.Extractor, func(), error) {
	ex, err := openai.New(v.GetString("ocr-url"), v.GetString("ocr-key"), v.GetString("ocr-model"), ocrVariant(v))
	if err != nil {
		return nil, nil, fmt.Errorf("create OCR client: %w", err)
	}
	if anchors := v.GetStringSlice("ocr-anchors"); len(anchors) > 0 {
		ex = ex.WithAnchors(anchors)
	}
	if err := ex.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("OCR health check: %w", err)
	}
	slog.Info("OCR endpoint OK", "url", v.GetString("ocr-url"), "model", v.GetString("ocr-model"))
	return ex, func() {}, nil
}

func newGemini(ctx context.Context, v *viper.Viper) (ocr.Extractor, func(), error) {
	ex, err := gemini.New(ctx, v.GetString("ocr-key"), v.GetString("ocr-model"), ocrVariant(v))
	if err != nil {
		return nil, nil, fmt.Errorf("create gemini client: %w", err)
	}
	return ex, func() {
		if err := ex.Close(); err != nil {
			slog.Warn("close gemini client", "error", err)
		}
	}, nil
}

// newSimilarity builds the pair comparison engine selected by --similarity.
func newSimilarity(v *viper.Viper, cfg model.PipelineConfig) (*similarity.Engine, error) {
	name := strings.ToLower(strings.TrimSpace(v.GetString("similarity")))
	var scorer similarity.Scorer
	if name == "embedding" {
		scorer = similarity.NewEmbedding(v.GetString("ocr-url"), v.GetString("ocr-key"), v.GetString("embedding-model"))
	} else {
		s, err := similarity.New(name)
		if err != nil {
			return nil, err
		}
		scorer = s
	}
	engine := similarity.NewEngine(scorer)
	engine.AggregateThreshold = cfg.AggregateThreshold
	engine.QuestionThreshold = cfg.QuestionThreshold
	engine.Workers = cfg.Workers
	return engine, nil
}
