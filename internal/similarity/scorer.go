// Package similarity compares extracted submissions pairwise to surface
// suspiciously similar answers.
package similarity

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Scorer rates the similarity of two normalized texts in [0,1].
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, a, b string) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, a, b string) (float64, error) {
	return f(ctx, a, b)
}

// TokenOverlap is the Jaccard index over word-token sets.
type TokenOverlap struct{}

func (TokenOverlap) Score(_ context.Context, a, b string) (float64, error) {
	return Jaccard(Tokens(a), Tokens(b)), nil
}

// Levenshtein scores 1 - editDistance/maxLen over runes.
type Levenshtein struct{}

func (Levenshtein) Score(_ context.Context, a, b string) (float64, error) {
	return EditSimilarity(a, b), nil
}

// Weighted is one component of a Blend.
type Weighted struct {
	Scorer Scorer
	Weight float64
}

// Blend is the weighted mean of several scorers.
type Blend struct {
	Parts []Weighted
}

// NewBlend mixes token overlap and edit similarity, with tokenWeight given to
// the token overlap side.
func NewBlend(tokenWeight float64) Blend {
	tokenWeight = clamp01(tokenWeight)
	return Blend{Parts: []Weighted{
		{Scorer: TokenOverlap{}, Weight: tokenWeight},
		{Scorer: Levenshtein{}, Weight: 1 - tokenWeight},
	}}
}

func (b Blend) Score(ctx context.Context, x, y string) (float64, error) {
	var sum, weight float64
	for _, p := range b.Parts {
		if p.Weight <= 0 {
			continue
		}
		s, err := p.Scorer.Score(ctx, x, y)
		if err != nil {
			return 0, fmt.Errorf("blend component: %w", err)
		}
		sum += p.Weight * s
		weight += p.Weight
	}
	if weight == 0 {
		return 0, nil
	}
	return clamp01(sum / weight), nil
}

// Tokens splits text into lowercase word tokens, dropping punctuation.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Jaccard returns |A∩B| / |A∪B| over the token sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// EditSimilarity is 1 - levenshtein(a,b)/max(len(a),len(b)) in runes.
// Two empty strings are identical.
func EditSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(distance(ra, rb))/float64(maxLen)
}

func distance(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// New returns the scorer registered under name: tokens, levenshtein or blend.
// Embedding scorers need a client and are built with NewEmbedding.
func New(name string) (Scorer, error) {
	switch name {
	case "", "tokens":
		return TokenOverlap{}, nil
	case "levenshtein":
		return Levenshtein{}, nil
	case "blend":
		return NewBlend(0.5), nil
	}
	return nil, fmt.Errorf("unknown similarity scorer %q", name)
}
