// Package normalize canonicalizes OCR text and splits it into per-question
// answer spans.
package normalize

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/ocr"
)

// DefaultDenylist holds characters OCR engines commonly emit as noise.
const DefaultDenylist = "|~_^*`•·¦§¶©®™«»[]{}<>\\"

// DefaultLowConfidence is the OCR confidence below which a warning is recorded.
const DefaultLowConfidence = 0.5

// defaultCorrections maps OCR artifacts that survive NFKC to their plain form.
var defaultCorrections = []string{
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`,
	"–", "-", "—", "-", "−", "-",
	"\u00ad", "", "\u200b", "", "\ufeff", "",
	"[?]", " ",
}

// Normalizer canonicalizes text and segments it by rubric anchors.
// It is safe for concurrent use.
type Normalizer struct {
	denylist      map[rune]bool
	lowConfidence float64
	corrections   *strings.Replacer
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithDenylist replaces the set of stripped noise characters.
func WithDenylist(chars string) Option {
	return func(n *Normalizer) {
		n.denylist = make(map[rune]bool, len(chars))
		for _, r := range chars {
			n.denylist[r] = true
		}
	}
}

// WithLowConfidence sets the warning threshold for OCR confidence.
func WithLowConfidence(threshold float64) Option {
	return func(n *Normalizer) { n.lowConfidence = threshold }
}

// WithCorrections appends old/new replacement pairs applied after NFKC.
func WithCorrections(oldnew ...string) Option {
	return func(n *Normalizer) {
		pairs := append(append([]string(nil), defaultCorrections...), oldnew...)
		n.corrections = strings.NewReplacer(pairs...)
	}
}

// New creates a Normalizer with the default denylist, corrections and
// confidence threshold.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		lowConfidence: DefaultLowConfidence,
		corrections:   strings.NewReplacer(defaultCorrections...),
	}
	WithDenylist(DefaultDenylist)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Text canonicalizes s: NFKC, artifact corrections, lowercase, denylist
// stripping and whitespace collapsing.
func (n *Normalizer) Text(s string) string {
	s = norm.NFKC.String(s)
	s = n.corrections.Replace(s)
	// A Caser is stateful and must not be shared between goroutines.
	s = cases.Lower(language.Und).String(s)
	s = strings.Map(func(r rune) rune {
		if n.denylist[r] {
			return ' '
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Normalize builds the ExtractedDocument for one OCR result. When questions
// is empty the document carries only the full text.
func (n *Normalizer) Normalize(submissionID string, res ocr.Result, questions []model.QuestionSpec) model.ExtractedDocument {
	doc := model.ExtractedDocument{
		SubmissionID: submissionID,
		RawText:      res.Text,
		FullText:     n.Text(res.Text),
		Confidence:   ocr.Clamp(res.Confidence),
		Spans:        make(map[int]string, len(questions)),
	}
	if doc.FullText == "" {
		doc.Warnings = append(doc.Warnings, model.Warning{Code: model.WarnEmptyText})
	}
	if doc.Confidence < n.lowConfidence {
		doc.Warnings = append(doc.Warnings, model.Warning{Code: model.WarnLowConfidence})
	}
	if len(questions) == 0 {
		return doc
	}

	spans, warnings := n.Segment(doc.FullText, questions)
	doc.Spans = spans
	doc.Warnings = append(doc.Warnings, warnings...)
	return doc
}

type anchorHit struct {
	question   int
	start, end int
}

// Segment splits normalized text into per-question spans. Anchors are
// searched in rubric order, explicit question markers before bare numbers, each search starting where the previous anchor
// ended; a question whose anchor is not found gets an empty span and an
// anchor_missing warning.
func (n *Normalizer) Segment(text string, questions []model.QuestionSpec) (map[int]string, []model.Warning) {
	spans := make(map[int]string, len(questions))
	var warnings []model.Warning
	var hits []anchorHit

	cursor := 0
	for _, q := range questions {
		spans[q.Index] = ""
		tiers := [][]string{q.Anchors}
		if len(q.Anchors) == 0 {
			tiers = defaultAnchorTiers(q.Index)
		}
		var start, end int
		var ok bool
		for _, anchors := range tiers {
			if start, end, ok = n.findAnchor(text, cursor, anchors); ok {
				break
			}
		}
		if !ok {
			warnings = append(warnings, model.Warning{Code: model.WarnAnchorMissing, Question: q.Index})
			continue
		}
		hits = append(hits, anchorHit{question: q.Index, start: start, end: end})
		cursor = end
	}

	for i, h := range hits {
		stop := len(text)
		if i+1 < len(hits) {
			stop = hits[i+1].start
		}
		spans[h.question] = trimSpan(text[h.end:stop])
	}

	if len(questions) == 1 && len(hits) == 0 {
		spans[questions[0].Index] = trimSpan(text)
	}
	return spans, warnings
}

// DefaultAnchors returns the markers tried for a question without
// rubric-provided anchors, already in normalized form.
func DefaultAnchors(index int) []string {
	var all []string
	for _, tier := range defaultAnchorTiers(index) {
		all = append(all, tier...)
	}
	return all
}

// defaultAnchorTiers groups the default markers from most to least specific.
// A bare "2." is only tried when no "q2:" style marker follows the cursor, so
// numbers inside an answer ("world war 2.") do not split it.
func defaultAnchorTiers(index int) [][]string {
	i := strconv.Itoa(index)
	return [][]string{
		{"question " + i, "q" + i + ":", "q" + i + ".", "q" + i + ")", "q " + i + ":"},
		{i + ".", i + ")"},
	}
}

// findAnchor returns the earliest match at or after from among anchors,
// preferring the longest anchor on ties.
func (n *Normalizer) findAnchor(text string, from int, anchors []string) (int, int, bool) {
	bestStart, bestEnd := -1, -1
	for _, raw := range anchors {
		a := n.Text(raw)
		if a == "" {
			continue
		}
		for off := from; off <= len(text); {
			idx := strings.Index(text[off:], a)
			if idx < 0 {
				break
			}
			start := off + idx
			end := start + len(a)
			if boundaryBefore(text, start) && boundaryAfter(text, end, a) {
				if bestStart < 0 || start < bestStart || (start == bestStart && end > bestEnd) {
					bestStart, bestEnd = start, end
				}
				break
			}
			_, size := utf8.DecodeRuneInString(text[start:])
			off = start + size
		}
	}
	return bestStart, bestEnd, bestStart >= 0
}

func boundaryBefore(text string, pos int) bool {
	if pos == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:pos])
	return !isWordRune(r)
}

func boundaryAfter(text string, pos int, anchor string) bool {
	if pos >= len(text) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(text[pos:])
	last, _ := utf8.DecodeLastRuneInString(anchor)
	switch {
	case isWordRune(last):
		return !isWordRune(next)
	case last == '.' || last == ',':
		// "3." must not match the decimal in "3.14".
		return !unicode.IsDigit(next)
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func trimSpan(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(":.,;)", r)
	})
}
