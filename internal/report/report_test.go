package report

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/pavelanni/quizgrader/internal/model"
)

func quiz() model.Quiz {
	return model.Quiz{
		ID:   "q1",
		Name: "Geography",
		Questions: []model.QuestionSpec{
			{Index: 1, Points: 5},
			{Index: 2, Points: 5},
		},
	}
}

func entry(id string, status model.ResultStatus, score float64) Entry {
	return Entry{
		SubmissionID: id,
		StudentID:    "student-" + id,
		Status:       status,
		Grading:      model.GradingResult{SubmissionID: id, TotalScore: score, MaxScore: 10, Percent: score * 10},
	}
}

func TestAssemble(t *testing.T) {
	failed := entry("c", model.ResultExtractionFailed, 0)
	failed.Document = model.ExtractedDocument{SubmissionID: "c", Failed: true, Error: "extraction failed: corrupt"}
	entries := []Entry{
		entry("b", model.ResultGraded, 8),
		entry("a", model.ResultGraded, 6),
		failed,
		entry("d", model.ResultGraded, 4),
	}
	pairs := []model.SimilarityPair{
		{SubmissionA: "a", SubmissionB: "b", Aggregate: 0.95, Flagged: true, FlagReason: "aggregate"},
		{SubmissionA: "a", SubmissionB: "d", Aggregate: 0.97, Flagged: false},
		{SubmissionA: "b", SubmissionB: "d", Aggregate: 0.2},
	}
	skipped := []model.Skipped{{SubmissionID: "c", Reason: model.SkipExtractionFailed}}

	r := Assemble(quiz(), "run-1", entries, pairs, skipped, 0.99)

	if r.RunID != "run-1" || r.QuizID != "q1" || r.MaxScore != 10 {
		t.Errorf("header = %+v", r)
	}
	ids := make([]string, len(r.Students))
	for i, s := range r.Students {
		ids[i] = s.SubmissionID
	}
	if !reflect.DeepEqual(ids, []string{"b", "a", "c", "d"}) {
		t.Errorf("order = %v, want input order", ids)
	}

	a := r.Students[1]
	if a.Similarity == nil || *a.Similarity != 0.95 {
		t.Errorf("a similarity = %v, want max over flagged pairs 0.95", a.Similarity)
	}
	if !a.Flagged || !reflect.DeepEqual(a.Matches, []string{"b"}) {
		t.Errorf("a flagged=%v matches=%v", a.Flagged, a.Matches)
	}

	c := r.Students[2]
	if c.Similarity != nil || c.SimilarityStatus != model.SimilarityNotComputed {
		t.Errorf("failed student similarity = %v %q", c.Similarity, c.SimilarityStatus)
	}
	if c.Status != model.ResultExtractionFailed || c.Grading.TotalScore != 0 || c.Error == "" {
		t.Errorf("failed student = %+v", c)
	}

	d := r.Students[3]
	if d.Similarity == nil || *d.Similarity != 0.97 || d.Flagged {
		t.Errorf("d = %+v, want unflagged max 0.97", d)
	}

	want := model.ReportStats{
		Submissions:       4,
		Extracted:         3,
		Failed:            1,
		AverageScore:      4.5,
		AveragePercent:    45,
		AverageSimilarity: 0.9567,
		FlaggedCount:      2,
	}
	if r.Stats != want {
		t.Errorf("stats = %+v, want %+v", r.Stats, want)
	}
}

func TestAssembleThresholdFlagsStudent(t *testing.T) {
	entries := []Entry{entry("a", model.ResultGraded, 1), entry("b", model.ResultGraded, 1)}
	pairs := []model.SimilarityPair{{SubmissionA: "a", SubmissionB: "b", Aggregate: 0.85}}
	r := Assemble(quiz(), "run", entries, pairs, nil, 0.8)
	if r.Stats.FlaggedCount != 2 {
		t.Errorf("flagged count = %d, want 2", r.Stats.FlaggedCount)
	}
}

func TestAssembleEmpty(t *testing.T) {
	r := Assemble(quiz(), "run", nil, nil, nil, 0.8)
	if r.Stats.Submissions != 0 || r.Pairs == nil || len(r.Students) != 0 {
		t.Errorf("report = %+v", r)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	entries := []Entry{entry("a", model.ResultGraded, 3), entry("b", model.ResultGraded, 7)}
	pairs := []model.SimilarityPair{{SubmissionA: "a", SubmissionB: "b", Aggregate: 0.5}}
	r1 := Assemble(quiz(), "run", entries, pairs, nil, 0.8)
	r2 := Assemble(quiz(), "run", entries, pairs, nil, 0.8)
	if !reflect.DeepEqual(r1, r2) {
		t.Error("Assemble is not deterministic")
	}
}

func TestSummary(t *testing.T) {
	r := Assemble(quiz(), "run", []Entry{entry("a", model.ResultGraded, 7)}, nil, nil, 0.8)
	got := Summary(context.Background(), r)
	if !strings.HasPrefix(got, "Geography: 1 submissions") || !strings.Contains(got, "7.00/10.00") {
		t.Errorf("Summary = %q", got)
	}
}
