package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pavelanni/quizgrader/internal/model"
)

func questions(points ...float64) []model.QuestionSpec {
	qs := make([]model.QuestionSpec, len(points))
	for i, p := range points {
		qs[i] = model.QuestionSpec{Index: i + 1, Points: p}
	}
	return qs
}

func doc(id string, spans ...string) model.ExtractedDocument {
	d := model.ExtractedDocument{SubmissionID: id, Spans: make(map[int]string)}
	for i, s := range spans {
		d.Spans[i+1] = s
	}
	return d
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the cat sat", "the cat sat", 1},
		{"disjoint", "alpha beta", "gamma delta", 0},
		{"half", "a b", "b c d", 0.25},
		{"punctuation ignored", "paris.", "paris", 1},
		{"both empty", "", "", 0},
		{"one empty", "word", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TokenOverlap{}.Score(context.Background(), tt.a, tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if !approx(got, tt.want) {
				t.Errorf("Score(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestEditSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"1944", "1945", 0.75},
		{"kitten", "sitting", 1 - 3.0/7},
		{"", "", 1},
		{"abc", "", 0},
		{"москва", "москва", 1},
	}
	for _, tt := range tests {
		if got := EditSimilarity(tt.a, tt.b); !approx(got, tt.want) {
			t.Errorf("EditSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBlend(t *testing.T) {
	b := NewBlend(0.5)
	got, err := b.Score(context.Background(), "1944", "1945")
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 0.375) {
		t.Errorf("blend = %v, want 0.375", got)
	}
}

func TestNewScorer(t *testing.T) {
	for _, name := range []string{"", "tokens", "levenshtein", "blend"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
	if _, err := New("magic"); err == nil {
		t.Error("expected error for unknown scorer")
	}
}

func TestCompareSymmetryAndCount(t *testing.T) {
	docs := []model.ExtractedDocument{
		doc("s3", "gamma text", "more words"),
		doc("s1", "alpha text", "some words"),
		doc("s4", "delta", "words"),
		doc("s2", "beta text", "other words"),
	}
	e := NewEngine(nil)
	pairs, skipped, err := e.Compare(context.Background(), docs, questions(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, want none", skipped)
	}
	if len(pairs) != 6 {
		t.Fatalf("got %d pairs, want C(4,2)=6", len(pairs))
	}
	seen := make(map[[2]string]bool)
	for _, p := range pairs {
		if p.SubmissionA == p.SubmissionB {
			t.Errorf("self pair %s", p.SubmissionA)
		}
		if p.SubmissionA >= p.SubmissionB {
			t.Errorf("pair not canonical: %s,%s", p.SubmissionA, p.SubmissionB)
		}
		key := [2]string{p.SubmissionA, p.SubmissionB}
		if seen[key] {
			t.Errorf("duplicate pair %v", key)
		}
		seen[key] = true
		if p.Aggregate < 0 || p.Aggregate > 1 {
			t.Errorf("aggregate out of range: %v", p.Aggregate)
		}
	}
	if pairs[0].SubmissionA != "s1" || pairs[0].SubmissionB != "s2" {
		t.Errorf("first pair = %s,%s, want s1,s2", pairs[0].SubmissionA, pairs[0].SubmissionB)
	}

	byID := map[string]model.ExtractedDocument{}
	for _, d := range docs {
		byID[d.SubmissionID] = d
	}
	for _, p := range pairs {
		rev, err := e.CompareTwo(context.Background(), byID[p.SubmissionB], byID[p.SubmissionA], questions(1, 1))
		if err != nil {
			t.Fatal(err)
		}
		if !approx(rev.Aggregate, p.Aggregate) {
			t.Errorf("asymmetric aggregate for %s,%s: %v vs %v", p.SubmissionA, p.SubmissionB, p.Aggregate, rev.Aggregate)
		}
	}
}

func TestIdenticalSubmissionsFlagged(t *testing.T) {
	docs := []model.ExtractedDocument{
		doc("a", "the answer is paris", "it was 1945"),
		doc("b", "the answer is paris", "it was 1945"),
	}
	pairs, _, err := NewEngine(nil).Compare(context.Background(), docs, questions(5, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs", len(pairs))
	}
	p := pairs[0]
	if !approx(p.Aggregate, 1) || !p.Flagged || p.FlagReason != "aggregate" {
		t.Errorf("pair = %+v, want aggregate 1 flagged", p)
	}
	if len(p.Sections) != 2 {
		t.Errorf("flagged pair should carry sections, got %d", len(p.Sections))
	}
}

func TestSingleQuestionFlag(t *testing.T) {
	docs := []model.ExtractedDocument{
		doc("a", "copied paragraph about the revolution", "alpha"),
		doc("b", "copied paragraph about the revolution", "omega"),
	}
	e := NewEngine(nil)
	e.AggregateThreshold = 0.95
	pairs, _, err := e.Compare(context.Background(), docs, questions(9, 1))
	if err != nil {
		t.Fatal(err)
	}
	p := pairs[0]
	if !approx(p.PerQuestion[1], 1) || !approx(p.PerQuestion[2], 0) {
		t.Errorf("per question = %v", p.PerQuestion)
	}
	if !approx(p.Aggregate, 0.9) {
		t.Errorf("aggregate = %v, want 0.9", p.Aggregate)
	}
	if !p.Flagged || p.FlagReason != "question:1" {
		t.Errorf("flag = %v reason %q, want question:1", p.Flagged, p.FlagReason)
	}
}

func TestBlankAndFailedExcluded(t *testing.T) {
	failed := doc("f", "text")
	failed.Failed = true
	docs := []model.ExtractedDocument{
		doc("a", "one answer", "two"),
		doc("blank", "", ""),
		doc("b", "another answer", "three"),
		failed,
	}
	pairs, skipped, err := NewEngine(nil).Compare(context.Background(), docs, questions(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0].SubmissionA != "a" || pairs[0].SubmissionB != "b" {
		t.Errorf("pairs = %+v, want only a,b", pairs)
	}
	want := map[string]model.SkipReason{"blank": model.SkipNoText, "f": model.SkipExtractionFailed}
	if len(skipped) != len(want) {
		t.Fatalf("skipped = %v", skipped)
	}
	for _, s := range skipped {
		if want[s.SubmissionID] != s.Reason {
			t.Errorf("skipped %s reason %s, want %s", s.SubmissionID, s.Reason, want[s.SubmissionID])
		}
	}
}

func TestBothEmptyQuestionHasNoWeight(t *testing.T) {
	docs := []model.ExtractedDocument{
		doc("a", "same words here", ""),
		doc("b", "same words here", ""),
	}
	pairs, _, err := NewEngine(nil).Compare(context.Background(), docs, questions(1, 100))
	if err != nil {
		t.Fatal(err)
	}
	if !approx(pairs[0].Aggregate, 1) {
		t.Errorf("aggregate = %v, want 1 (empty question ignored)", pairs[0].Aggregate)
	}
	if pairs[0].PerQuestion[2] != 0 {
		t.Errorf("empty question score = %v, want 0", pairs[0].PerQuestion[2])
	}
}

func TestSingleComparableHasNoPeers(t *testing.T) {
	pairs, skipped, err := NewEngine(nil).Compare(context.Background(),
		[]model.ExtractedDocument{doc("only", "text")}, questions(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 || len(skipped) != 1 || skipped[0].Reason != model.SkipNoPeers {
		t.Errorf("pairs=%v skipped=%v", pairs, skipped)
	}
}

func TestScorerFailure(t *testing.T) {
	boom := errors.New("boom")
	e := NewEngine(ScorerFunc(func(context.Context, string, string) (float64, error) {
		return 0, boom
	}))
	docs := []model.ExtractedDocument{doc("a", "x"), doc("b", "y"), doc("c", "")}
	pairs, skipped, err := e.Compare(context.Background(), docs, questions(1))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if pairs != nil {
		t.Errorf("pairs = %v, want nil", pairs)
	}
	failed := 0
	for _, s := range skipped {
		if s.Reason == model.SkipScoringFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("scoring_failed skips = %d, want 2", failed)
	}
}

func TestCompareTwoSkipped(t *testing.T) {
	_, err := NewEngine(nil).CompareTwo(context.Background(), doc("a", "x"), doc("b", ""), questions(1))
	if !errors.Is(err, ErrComparisonSkipped) {
		t.Errorf("err = %v, want ErrComparisonSkipped", err)
	}
}

func TestCompareTwoSections(t *testing.T) {
	p, err := NewEngine(nil).CompareTwo(context.Background(), doc("z", "one", "two"), doc("a", "one", "three"), questions(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if p.SubmissionA != "a" || p.SubmissionB != "z" {
		t.Errorf("order = %s,%s", p.SubmissionA, p.SubmissionB)
	}
	if len(p.Sections) != 2 || p.Sections[1].TextA != "three" || p.Sections[1].TextB != "two" {
		t.Errorf("sections = %+v", p.Sections)
	}
}

func TestEmbeddingScorer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := map[string][]float32{
			"cats": {1, 0},
			"dogs": {0, 1},
			"pets": {1, 1},
		}
		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec[in]}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test"})
	}))
	t.Cleanup(srv.Close)

	e := NewEmbedding(srv.URL+"/v1", "test-key", "test")
	ctx := context.Background()

	got, err := e.Score(ctx, "cats", "dogs")
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 0) {
		t.Errorf("cats/dogs = %v, want 0", got)
	}
	got, err = e.Score(ctx, "cats", "pets")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-1/math.Sqrt2) > 1e-6 {
		t.Errorf("cats/pets = %v, want %v", got, 1/math.Sqrt2)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("embedding calls = %d, want 2 (cats memoized)", n)
	}
	if got, _ := e.Score(ctx, "", "cats"); got != 0 {
		t.Errorf("empty text = %v, want 0", got)
	}
}
