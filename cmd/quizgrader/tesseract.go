//go:build tesseract

package main

import (
	"context"

	"github.com/spf13/viper"

	"github.com/pavelanni/quizgrader/internal/ocr"
	"github.com/pavelanni/quizgrader/internal/ocr/tesseract"
)

func init() {
	backends["tesseract"] = func(_ context.Context, v *viper.Viper) (ocr.Extractor, func(), error) {
		return tesseract.New(v.GetStringSlice("ocr-langs")...), func() {}, nil
	}
}
