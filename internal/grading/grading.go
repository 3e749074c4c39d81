// Package grading scores extracted answer spans against a quiz rubric.
package grading

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/pavelanni/quizgrader/internal/i18n"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/normalize"
	"github.com/pavelanni/quizgrader/internal/similarity"
)

// Profile sets how forgiving fuzzy matching is.
type Profile struct {
	Name             string
	AcceptSimilarity float64
}

var profiles = map[string]Profile{
	"strict":   {Name: "strict", AcceptSimilarity: 0.92},
	"standard": {Name: "standard", AcceptSimilarity: 0.85},
	"lenient":  {Name: "lenient", AcceptSimilarity: 0.75},
}

// LookupProfile returns the named profile. An empty name means standard.
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		name = "standard"
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown grading profile %q", name)
	}
	return p, nil
}

// IsValidProfile reports whether name is a known grading profile.
func IsValidProfile(name string) bool {
	_, ok := profiles[name]
	return ok
}

// Grader applies a rubric to extracted documents. It holds no mutable state
// and is safe for concurrent use.
type Grader struct {
	Profile       Profile
	LowConfidence float64
	norm          *normalize.Normalizer
}

// New returns a grader for the given profile, normalizing expected answers
// with norm (or a default normalizer when nil).
func New(profile Profile, lowConfidence float64, norm *normalize.Normalizer) *Grader {
	if norm == nil {
		norm = normalize.New()
	}
	if profile.AcceptSimilarity <= 0 {
		profile = profiles["standard"]
	}
	return &Grader{Profile: profile, LowConfidence: lowConfidence, norm: norm}
}

// Grade scores doc against quiz. It never fails: unreadable documents yield
// an Ungradeable result with zero scores.
func (g *Grader) Grade(ctx context.Context, doc model.ExtractedDocument, quiz model.Quiz) model.GradingResult {
	res := model.GradingResult{
		SubmissionID: doc.SubmissionID,
		MaxScore:     round2(quiz.TotalPoints()),
		Items:        make([]model.FeedbackItem, 0, len(quiz.Questions)),
	}

	if doc.Failed || doc.HasWarning(model.WarnEmptyText) || strings.TrimSpace(doc.FullText) == "" {
		res.Ungradeable = true
		if doc.Failed {
			res.Note = i18n.Td(ctx, "NoteExtractionFailed", map[string]any{"Reason": doc.Error})
		} else {
			res.Note = i18n.T(ctx, "NoteUngradeable")
		}
		for _, q := range quiz.Questions {
			res.Items = append(res.Items, model.FeedbackItem{
				Question:  q.Index,
				MaxPoints: q.Points,
				Rationale: i18n.T(ctx, "FeedbackUnreadable"),
			})
		}
		return res
	}

	lowConf := doc.HasWarning(model.WarnLowConfidence) ||
		(g.LowConfidence > 0 && doc.Confidence < g.LowConfidence)

	for _, q := range quiz.Questions {
		item := g.gradeQuestion(ctx, q, doc)
		item.Points = clamp(round2(item.Points), 0, q.Points)
		if lowConf {
			item.Rationale += " " + i18n.T(ctx, "FeedbackLowConfidence")
		}
		res.Items = append(res.Items, item)
		res.TotalScore += item.Points
	}
	res.TotalScore = round2(res.TotalScore)
	if res.MaxScore > 0 {
		res.Percent = round2(res.TotalScore / res.MaxScore * 100)
	}
	res.LetterGrade = LetterGrade(res.Percent)
	if lowConf {
		res.Note = i18n.Td(ctx, "NoteLowConfidence", map[string]any{"Confidence": percent(doc.Confidence)})
	}
	return res
}

func (g *Grader) gradeQuestion(ctx context.Context, q model.QuestionSpec, doc model.ExtractedDocument) model.FeedbackItem {
	item := model.FeedbackItem{Question: q.Index, MaxPoints: q.Points}
	span := g.norm.Text(doc.Spans[q.Index])
	if span == "" {
		if hasQuestionWarning(doc, model.WarnAnchorMissing, q.Index) {
			item.Rationale = i18n.Td(ctx, "FeedbackAnchorMissing", map[string]any{"Question": q.Index})
		} else {
			item.Rationale = i18n.T(ctx, "FeedbackIncorrect")
		}
		return item
	}

	policy := q.Policy
	if policy == "" {
		policy = model.PolicyAuto
	}
	switch policy {
	case model.PolicyExact:
		return g.exact(ctx, q, span, item)
	case model.PolicyKeywords:
		return g.keywords(ctx, q, span, item)
	case model.PolicyFuzzy:
		return g.fuzzy(ctx, q, span, item)
	}

	if len(q.Expected) == 0 && len(q.Keywords) == 0 {
		item.Rationale = i18n.T(ctx, "FeedbackNoRubric")
		return item
	}
	if g.matchesExact(q, span) {
		item.Correct = true
		item.Points = q.Points
		item.Rationale = i18n.T(ctx, "FeedbackCorrect")
		return item
	}
	if len(q.Keywords) > 0 {
		return g.keywords(ctx, q, span, item)
	}
	return g.fuzzy(ctx, q, span, item)
}

func (g *Grader) exact(ctx context.Context, q model.QuestionSpec, span string, item model.FeedbackItem) model.FeedbackItem {
	if g.matchesExact(q, span) {
		item.Correct = true
		item.Points = q.Points
		item.Rationale = i18n.T(ctx, "FeedbackCorrect")
		return item
	}
	item.Rationale = i18n.T(ctx, "FeedbackIncorrect")
	return item
}

func (g *Grader) matchesExact(q model.QuestionSpec, span string) bool {
	spanTokens := similarity.Tokens(span)
	for _, exp := range q.Expected {
		e := g.norm.Text(exp)
		if e == "" {
			continue
		}
		if e == span || affirmedPhrase(spanTokens, similarity.Tokens(e)) {
			return true
		}
	}
	return false
}

func (g *Grader) keywords(ctx context.Context, q model.QuestionSpec, span string, item model.FeedbackItem) model.FeedbackItem {
	if len(q.Keywords) == 0 {
		return g.exact(ctx, q, span, item)
	}
	spanTokens := similarity.Tokens(span)
	var missing []string
	for _, kw := range q.Keywords {
		if !containsPhrase(spanTokens, similarity.Tokens(g.norm.Text(kw))) {
			missing = append(missing, kw)
		}
	}
	total := len(q.Keywords)
	found := total - len(missing)
	if found == total {
		item.Correct = true
		item.Points = q.Points
		item.Rationale = i18n.Td(ctx, "FeedbackAllKeywords", map[string]any{"Total": total})
		return item
	}
	if found > 0 {
		switch q.PartialCredit {
		case model.PartialDefault, model.PartialProportional:
			item.Points = q.Points * float64(found) / float64(total)
		case model.PartialHalf:
			item.Points = q.Points / 2
		}
	}
	item.Rationale = i18n.Td(ctx, "FeedbackPartialKeywords", map[string]any{
		"Found":   found,
		"Total":   total,
		"Missing": strings.Join(missing, ", "),
	})
	return item
}

func (g *Grader) fuzzy(ctx context.Context, q model.QuestionSpec, span string, item model.FeedbackItem) model.FeedbackItem {
	accept := q.AcceptSimilarity
	if accept <= 0 {
		accept = g.Profile.AcceptSimilarity
	}
	spanTokens := similarity.Tokens(span)
	best, numbersOK := 0.0, false
	for _, exp := range q.Expected {
		e := g.norm.Text(exp)
		if e == "" {
			continue
		}
		s := bestWindow(spanTokens, similarity.Tokens(e), span, e)
		ok := numbersMatch(spanTokens, similarity.Tokens(e))
		if s > best || (s == best && ok) {
			best, numbersOK = s, ok
		}
	}

	if best >= accept && numbersOK {
		item.Correct = true
		item.Points = q.Points
		item.Rationale = i18n.Td(ctx, "FeedbackCorrectFuzzy", map[string]any{"Similarity": percent(best)})
		return item
	}
	if numbersOK && best > 0 {
		switch q.PartialCredit {
		case model.PartialProportional:
			item.Points = q.Points * best
		case model.PartialHalf:
			if best >= 0.5 {
				item.Points = q.Points / 2
			}
		}
		if item.Points > 0 {
			item.Rationale = i18n.Td(ctx, "FeedbackPartialFuzzy", map[string]any{"Similarity": percent(best)})
			return item
		}
	}
	if best > 0 {
		item.Rationale = i18n.Td(ctx, "FeedbackNearMiss", map[string]any{"Similarity": percent(best)})
	} else {
		item.Rationale = i18n.T(ctx, "FeedbackIncorrect")
	}
	return item
}

// bestWindow returns the best edit similarity between the expected answer and
// either the whole span or any run of span tokens as long as the answer.
// Windows are only considered under the same rules as affirmedPhrase.
func bestWindow(spanTokens, expTokens []string, span, exp string) float64 {
	best := similarity.EditSimilarity(span, exp)
	n := len(expTokens)
	if n == 0 || n > len(spanTokens) || len(spanTokens)-n > maxExtraTokens {
		return best
	}
	want := strings.Join(expTokens, " ")
	for i := 0; i+n <= len(spanTokens); i++ {
		if negatedAt(spanTokens, i) {
			continue
		}
		s := similarity.EditSimilarity(strings.Join(spanTokens[i:i+n], " "), want)
		best = max(best, s)
	}
	return best
}

// numbersMatch requires every numeric token of the expected answer to appear
// verbatim in the span.
func numbersMatch(spanTokens, expTokens []string) bool {
	for _, t := range expTokens {
		if isNumeric(t) && !slices.Contains(spanTokens, t) {
			return false
		}
	}
	return true
}

func isNumeric(t string) bool {
	for _, r := range t {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return t != ""
}

// maxExtraTokens bounds how much surrounding text a contained answer may
// carry; a longer span is treated as a list of guesses.
const maxExtraTokens = 6

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "nor": true, "neither": true,
	"не": true, "нет": true, "ни": true,
}

// affirmedPhrase reports whether needle occurs in haystack as a whole-word
// phrase that is not negated, with at most maxExtraTokens other tokens.
func affirmedPhrase(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) || len(haystack)-len(needle) > maxExtraTokens {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) && !negatedAt(haystack, i) {
			return true
		}
	}
	return false
}

// negatedAt reports whether the token before position i negates it, including
// contractions split by tokenization ("isn't" → "isn", "t").
func negatedAt(tokens []string, i int) bool {
	if i == 0 {
		return false
	}
	prev := tokens[i-1]
	if negations[prev] {
		return true
	}
	return prev == "t" && i >= 2 && strings.HasSuffix(tokens[i-2], "n")
}

func containsPhrase(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func hasQuestionWarning(doc model.ExtractedDocument, code model.WarningCode, question int) bool {
	for _, w := range doc.Warnings {
		if w.Code == code && w.Question == question {
			return true
		}
	}
	return false
}

// LetterGrade maps a percentage to A–F.
func LetterGrade(pct float64) string {
	switch {
	case pct >= 90:
		return "A"
	case pct >= 80:
		return "B"
	case pct >= 70:
		return "C"
	case pct >= 60:
		return "D"
	}
	return "F"
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(v, hi)) }

func percent(v float64) int { return int(math.Round(v * 100)) }
