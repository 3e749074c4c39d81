// Package report assembles per-submission results and similarity pairs into
// the batch Report.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/pavelanni/quizgrader/internal/i18n"
	"github.com/pavelanni/quizgrader/internal/model"
)

// Entry is the pipeline outcome for one submission.
type Entry struct {
	SubmissionID string
	StudentID    string
	StudentName  string
	Status       model.ResultStatus
	Document     model.ExtractedDocument
	Grading      model.GradingResult
}

// Assemble builds the report. Students keep the order of entries. It does
// no I/O and returns the same report for the same inputs.
func Assemble(quiz model.Quiz, runID string, entries []Entry, pairs []model.SimilarityPair, skipped []model.Skipped, aggregateThreshold float64) model.Report {
	r := model.Report{
		RunID:    runID,
		QuizID:   quiz.ID,
		QuizName: quiz.Name,
		QuizDate: quiz.Date,
		MaxScore: quiz.TotalPoints(),
		Students: make([]model.StudentResult, 0, len(entries)),
		Pairs:    pairs,
	}
	if r.Pairs == nil {
		r.Pairs = []model.SimilarityPair{}
	}

	skipReason := make(map[string]model.SkipReason, len(skipped))
	for _, s := range skipped {
		skipReason[s.SubmissionID] = s.Reason
	}

	var scoreSum, pctSum, simSum float64
	simCount := 0
	for _, e := range entries {
		sr := model.StudentResult{
			SubmissionID:     e.SubmissionID,
			StudentID:        e.StudentID,
			StudentName:      e.StudentName,
			Status:           e.Status,
			Grading:          e.Grading,
			SimilarityStatus: model.SimilarityNotComputed,
			Error:            e.Document.Error,
		}
		for _, w := range e.Document.Warnings {
			sr.Warnings = append(sr.Warnings, w.String())
		}
		if reason, ok := skipReason[e.SubmissionID]; ok {
			sr.Warnings = append(sr.Warnings, "similarity_skipped:"+string(reason))
		} else if sim, flagged, matches, ok := studentSimilarity(e.SubmissionID, pairs); ok {
			sr.Similarity = &sim
			sr.SimilarityStatus = "computed"
			sr.Flagged = flagged || sim >= aggregateThreshold
			sr.Matches = matches
			simSum += sim
			simCount++
		}

		switch e.Status {
		case model.ResultExtractionFailed:
			r.Stats.Failed++
		case model.ResultGraded, model.ResultUngradeable:
			r.Stats.Extracted++
		}
		if sr.Flagged {
			r.Stats.FlaggedCount++
		}
		scoreSum += e.Grading.TotalScore
		pctSum += e.Grading.Percent
		r.Students = append(r.Students, sr)
	}

	r.Stats.Submissions = len(entries)
	if n := len(entries); n > 0 {
		r.Stats.AverageScore = round2(scoreSum / float64(n))
		r.Stats.AveragePercent = round2(pctSum / float64(n))
	}
	if simCount > 0 {
		r.Stats.AverageSimilarity = round4(simSum / float64(simCount))
	}
	return r
}

// studentSimilarity is the max aggregate over flagged pairs involving id,
// falling back to the max over all of its pairs. ok is false when id takes
// part in no pair.
func studentSimilarity(id string, pairs []model.SimilarityPair) (sim float64, flagged bool, matches []string, ok bool) {
	var maxAll, maxFlagged float64
	for _, p := range pairs {
		other, involved := p.Involves(id)
		if !involved {
			continue
		}
		ok = true
		maxAll = math.Max(maxAll, p.Aggregate)
		if p.Flagged {
			flagged = true
			maxFlagged = math.Max(maxFlagged, p.Aggregate)
			matches = append(matches, other)
		}
	}
	sort.Strings(matches)
	if flagged {
		return maxFlagged, true, matches, ok
	}
	return maxAll, false, nil, ok
}

// Summary renders a one-line description of the report in the language
// carried by ctx.
func Summary(ctx context.Context, r model.Report) string {
	name := r.QuizName
	if name == "" {
		name = r.QuizID
	}
	return i18n.Td(ctx, "ReportSummary", map[string]any{
		"Quiz":     name,
		"Students": r.Stats.Submissions,
		"Average":  fmt.Sprintf("%.2f/%.2f", r.Stats.AverageScore, r.MaxScore),
		"Flagged":  r.Stats.FlaggedCount,
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
