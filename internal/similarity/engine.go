package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/quizgrader/internal/model"
)

// ErrComparisonSkipped is returned when a document has no comparable text.
var ErrComparisonSkipped = errors.New("comparison skipped")

const (
	DefaultAggregateThreshold = 0.8
	DefaultQuestionThreshold  = 0.9
)

// Engine compares every pair of extracted documents in a batch.
type Engine struct {
	Scorer             Scorer
	AggregateThreshold float64
	QuestionThreshold  float64
	Workers            int
}

// NewEngine returns an engine with default thresholds and a token overlap
// scorer when s is nil.
func NewEngine(s Scorer) *Engine {
	if s == nil {
		s = TokenOverlap{}
	}
	return &Engine{
		Scorer:             s,
		AggregateThreshold: DefaultAggregateThreshold,
		QuestionThreshold:  DefaultQuestionThreshold,
		Workers:            4,
	}
}

// Compare scores all unordered pairs of comparable documents. Pairs come
// back sorted by (SubmissionA, SubmissionB). Documents that cannot take part
// are reported in the skipped list. If the scorer fails, no pairs are
// returned and every comparable document is skipped as scoring_failed.
func (e *Engine) Compare(ctx context.Context, docs []model.ExtractedDocument, questions []model.QuestionSpec) ([]model.SimilarityPair, []model.Skipped, error) {
	var comparable []model.ExtractedDocument
	var skipped []model.Skipped
	for _, d := range docs {
		switch {
		case d.Failed:
			skipped = append(skipped, model.Skipped{SubmissionID: d.SubmissionID, Reason: model.SkipExtractionFailed})
		case !d.Comparable():
			skipped = append(skipped, model.Skipped{SubmissionID: d.SubmissionID, Reason: model.SkipNoText})
		default:
			comparable = append(comparable, d)
		}
	}
	sort.Slice(comparable, func(i, j int) bool {
		return comparable[i].SubmissionID < comparable[j].SubmissionID
	})

	if len(comparable) == 1 {
		skipped = append(skipped, model.Skipped{SubmissionID: comparable[0].SubmissionID, Reason: model.SkipNoPeers})
		return nil, skipped, nil
	}

	n := len(comparable)
	pairs := make([]model.SimilarityPair, n*(n-1)/2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	slot := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			k, a, b := slot, comparable[i], comparable[j]
			slot++
			g.Go(func() error {
				p, err := e.comparePair(gctx, a, b, questions)
				if err != nil {
					return fmt.Errorf("compare %s/%s: %w", a.SubmissionID, b.SubmissionID, err)
				}
				pairs[k] = p
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		slog.Error("similarity scoring failed", "error", err)
		for _, d := range comparable {
			skipped = append(skipped, model.Skipped{SubmissionID: d.SubmissionID, Reason: model.SkipScoringFailed})
		}
		return nil, skipped, err
	}

	flagged := 0
	for _, p := range pairs {
		if p.Flagged {
			flagged++
		}
	}
	slog.Debug("similarity computed", "documents", n, "pairs", len(pairs), "flagged", flagged)
	return pairs, skipped, nil
}

// CompareTwo scores a single pair, always including section detail.
func (e *Engine) CompareTwo(ctx context.Context, a, b model.ExtractedDocument, questions []model.QuestionSpec) (model.SimilarityPair, error) {
	for _, d := range []model.ExtractedDocument{a, b} {
		if !d.Comparable() {
			return model.SimilarityPair{}, fmt.Errorf("%s: %w", d.SubmissionID, ErrComparisonSkipped)
		}
	}
	if b.SubmissionID < a.SubmissionID {
		a, b = b, a
	}
	p, err := e.comparePair(ctx, a, b, questions)
	if err != nil {
		return model.SimilarityPair{}, err
	}
	if p.Sections == nil {
		p.Sections = sections(a, b, questions, p.PerQuestion)
	}
	return p, nil
}

func (e *Engine) comparePair(ctx context.Context, a, b model.ExtractedDocument, questions []model.QuestionSpec) (model.SimilarityPair, error) {
	p := model.SimilarityPair{
		SubmissionA: a.SubmissionID,
		SubmissionB: b.SubmissionID,
		PerQuestion: make(map[int]float64, len(questions)),
	}
	var weighted, total float64
	counted := 0
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		ta, tb := a.Spans[q.Index], b.Spans[q.Index]
		if ta == "" && tb == "" {
			p.PerQuestion[q.Index] = 0
			continue
		}
		s, err := e.Scorer.Score(ctx, ta, tb)
		if err != nil {
			return p, fmt.Errorf("question %d: %w", q.Index, err)
		}
		s = clamp01(s)
		p.PerQuestion[q.Index] = s
		w := max(q.Points, 0)
		weighted += w * s
		total += w
		counted++
		if p.FlagReason == "" && s >= e.questionThreshold() {
			p.FlagReason = fmt.Sprintf("question:%d", q.Index)
		}
	}
	switch {
	case total > 0:
		p.Aggregate = weighted / total
	case counted > 0:
		var sum float64
		for _, s := range p.PerQuestion {
			sum += s
		}
		p.Aggregate = sum / float64(counted)
	}
	if p.Aggregate >= e.aggregateThreshold() {
		p.FlagReason = "aggregate"
	}
	p.Flagged = p.FlagReason != ""
	if p.Flagged {
		p.Sections = sections(a, b, questions, p.PerQuestion)
	}
	return p, nil
}

func sections(a, b model.ExtractedDocument, questions []model.QuestionSpec, per map[int]float64) []model.SectionComparison {
	out := make([]model.SectionComparison, 0, len(questions))
	for _, q := range questions {
		out = append(out, model.SectionComparison{
			Question:   q.Index,
			Similarity: per[q.Index],
			TextA:      a.Spans[q.Index],
			TextB:      b.Spans[q.Index],
		})
	}
	return out
}

func (e *Engine) workers() int {
	if e.Workers < 1 {
		return 1
	}
	return e.Workers
}

func (e *Engine) aggregateThreshold() float64 {
	if e.AggregateThreshold <= 0 {
		return DefaultAggregateThreshold
	}
	return e.AggregateThreshold
}

func (e *Engine) questionThreshold() float64 {
	if e.QuestionThreshold <= 0 {
		return DefaultQuestionThreshold
	}
	return e.QuestionThreshold
}
