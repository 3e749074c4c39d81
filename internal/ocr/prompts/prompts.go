// Package prompts renders the transcription prompts sent to vision-model
// OCR backends.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/*.txt
var templateFS embed.FS

var anchorTagRegex = regexp.MustCompile(`(?i)</?\s*(system-instructions|transcript)\b[^>]*>`)

// Variant selects the transcription prompt.
type Variant string

const (
	// VariantHandwritten tolerates cursive, crossed-out words and margins.
	VariantHandwritten Variant = "handwritten"
	// VariantTyped is tuned for printed or typed answer sheets.
	VariantTyped Variant = "typed"
)

var validVariants = map[Variant]bool{
	VariantHandwritten: true,
	VariantTyped:       true,
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Variant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// Data holds template data for transcription prompts.
type Data struct {
	Languages []string
	// Anchors are question markers the model must preserve verbatim.
	Anchors []string
}

// Load parses the transcription templates from fsys. It runs once; later
// calls return the first result.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[Variant]*template.Template)
		for _, v := range []Variant{VariantHandwritten, VariantTyped} {
			name := "templates/transcribe_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New(string(v)).Funcs(template.FuncMap{
				"join": strings.Join,
			}).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// Build renders the system prompt for the given variant, loading the
// embedded templates on first use.
func Build(variant Variant, data Data) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", err
	}
	tmpl, ok := templates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	clean := make([]string, 0, len(data.Anchors))
	for _, a := range data.Anchors {
		if a = sanitize(a); a != "" {
			clean = append(clean, a)
		}
	}
	data.Anchors = clean

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitize(s string) string {
	s = anchorTagRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
