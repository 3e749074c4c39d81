package model

import (
	"fmt"
	"time"
)

// MatchPolicy selects how a question's answer span is compared against the
// expected answers.
type MatchPolicy string

const (
	// PolicyAuto tries exact, then keywords (if any), then fuzzy matching.
	PolicyAuto MatchPolicy = "auto"
	// PolicyExact requires the span to equal or contain an expected answer.
	PolicyExact MatchPolicy = "exact"
	// PolicyKeywords awards credit for the fraction of keywords present.
	PolicyKeywords MatchPolicy = "keywords"
	// PolicyFuzzy accepts spans whose edit similarity clears a threshold.
	PolicyFuzzy MatchPolicy = "fuzzy"
)

// PartialCredit is the rule for awarding points to a partial match.
type PartialCredit string

const (
	// PartialDefault gives proportional credit for keywords and none for fuzzy near-misses.
	PartialDefault      PartialCredit = ""
	PartialNone         PartialCredit = "none"
	PartialHalf         PartialCredit = "half"
	PartialProportional PartialCredit = "proportional"
)

// QuestionSpec is one rubric entry of a quiz.
type QuestionSpec struct {
	Index            int           `json:"index"`
	Points           float64       `json:"points"`
	Expected         []string      `json:"expected"`
	Anchors          []string      `json:"anchors,omitempty"`
	Policy           MatchPolicy   `json:"policy,omitempty"`
	Keywords         []string      `json:"keywords,omitempty"`
	PartialCredit    PartialCredit `json:"partial_credit,omitempty"`
	AcceptSimilarity float64       `json:"accept_similarity,omitempty"`
}

// Quiz is a rubric plus its solution image. Treat as immutable once built.
type Quiz struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Date          string         `json:"date"`
	Questions     []QuestionSpec `json:"questions"`
	SolutionImage []byte         `json:"solution_image,omitempty"`
}

// TotalPoints returns the sum of all question point values.
func (q Quiz) TotalPoints() float64 {
	var sum float64
	for _, qs := range q.Questions {
		sum += qs.Points
	}
	return sum
}

// Submission is one student's scanned quiz.
type Submission struct {
	ID          string   `json:"id"`
	StudentID   string   `json:"student_id"`
	StudentName string   `json:"student_name,omitempty"`
	QuizID      string   `json:"quiz_id"`
	Images      [][]byte `json:"images"`
}

// WarningCode classifies a non-fatal extraction problem.
type WarningCode string

const (
	WarnAnchorMissing WarningCode = "anchor_missing"
	WarnLowConfidence WarningCode = "low_confidence"
	WarnEmptyText     WarningCode = "empty_text"
)

// Warning is a segmentation warning attached to an ExtractedDocument.
// Question is zero for document-level warnings.
type Warning struct {
	Code     WarningCode `json:"code"`
	Question int         `json:"question,omitempty"`
}

func (w Warning) String() string {
	if w.Question > 0 {
		return fmt.Sprintf("%s:%d", w.Code, w.Question)
	}
	return string(w.Code)
}

// ExtractedDocument is the OCR + normalization result for one submission.
type ExtractedDocument struct {
	SubmissionID string         `json:"submission_id"`
	Fingerprint  string         `json:"fingerprint"`
	RawText      string         `json:"raw_text"`
	FullText     string         `json:"full_text"`
	Spans        map[int]string `json:"spans"`
	Confidence   float64        `json:"confidence"`
	Warnings     []Warning      `json:"warnings,omitempty"`
	Failed       bool           `json:"failed,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// HasWarning reports whether the document carries a warning with the given code.
func (d ExtractedDocument) HasWarning(code WarningCode) bool {
	for _, w := range d.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Comparable reports whether the document holds any text worth comparing.
func (d ExtractedDocument) Comparable() bool {
	if d.Failed {
		return false
	}
	for _, s := range d.Spans {
		if s != "" {
			return true
		}
	}
	return false
}

// SectionComparison is the per-question detail of a pairwise comparison.
type SectionComparison struct {
	Question   int     `json:"question"`
	Similarity float64 `json:"similarity"`
	TextA      string  `json:"text_a"`
	TextB      string  `json:"text_b"`
}

// SimilarityPair is the comparison of one unordered pair of submissions.
// SubmissionA always sorts before SubmissionB.
type SimilarityPair struct {
	SubmissionA string              `json:"submission_a"`
	SubmissionB string              `json:"submission_b"`
	PerQuestion map[int]float64     `json:"per_question"`
	Aggregate   float64             `json:"aggregate"`
	Flagged     bool                `json:"flagged"`
	FlagReason  string              `json:"flag_reason,omitempty"`
	Sections    []SectionComparison `json:"sections,omitempty"`
}

// Involves reports whether the pair includes the given submission, and the
// id of the other side.
func (p SimilarityPair) Involves(id string) (string, bool) {
	switch id {
	case p.SubmissionA:
		return p.SubmissionB, true
	case p.SubmissionB:
		return p.SubmissionA, true
	}
	return "", false
}

// SkipReason explains why a submission has no similarity.
type SkipReason string

const (
	SkipExtractionFailed SkipReason = "extraction_failed"
	SkipNoText           SkipReason = "no_text"
	SkipNoPeers          SkipReason = "no_peers"
	SkipScoringFailed    SkipReason = "scoring_failed"
)

// Skipped marks a submission excluded from similarity comparison.
type Skipped struct {
	SubmissionID string     `json:"submission_id"`
	Reason       SkipReason `json:"reason"`
}

// FeedbackItem is the grading outcome for one question.
type FeedbackItem struct {
	Question  int     `json:"question"`
	Correct   bool    `json:"correct"`
	Points    float64 `json:"points"`
	MaxPoints float64 `json:"max_points"`
	Rationale string  `json:"rationale"`
}

// GradingResult is the score of one submission against the rubric.
type GradingResult struct {
	SubmissionID string         `json:"submission_id"`
	Items        []FeedbackItem `json:"items"`
	TotalScore   float64        `json:"total_score"`
	MaxScore     float64        `json:"max_score"`
	Percent      float64        `json:"percent"`
	LetterGrade  string         `json:"letter_grade"`
	Ungradeable  bool           `json:"ungradeable,omitempty"`
	Note         string         `json:"note,omitempty"`
}

// SubmissionState is the per-submission pipeline state.
type SubmissionState string

const (
	StatePending          SubmissionState = "pending"
	StateExtracting       SubmissionState = "extracting"
	StateExtracted        SubmissionState = "extracted"
	StateExtractionFailed SubmissionState = "extraction_failed"
	StateGrading          SubmissionState = "grading"
	StateGraded           SubmissionState = "graded"
)

// ResultStatus is the user-visible status of a report entry.
type ResultStatus string

const (
	ResultGraded           ResultStatus = "graded"
	ResultUngradeable      ResultStatus = "ungradeable"
	ResultExtractionFailed ResultStatus = "extraction_failed"
	ResultCancelled        ResultStatus = "cancelled"
)

// SimilarityNotComputed is the status text for students without a similarity.
const SimilarityNotComputed = "not computed"

// StudentResult is one report row.
type StudentResult struct {
	SubmissionID     string        `json:"submission_id"`
	StudentID        string        `json:"student_id"`
	StudentName      string        `json:"student_name,omitempty"`
	Status           ResultStatus  `json:"status"`
	Grading          GradingResult `json:"grading"`
	Similarity       *float64      `json:"similarity"`
	SimilarityStatus string        `json:"similarity_status"`
	Flagged          bool          `json:"flagged"`
	Matches          []string      `json:"matches,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// ReportStats holds batch-level aggregates.
type ReportStats struct {
	Submissions       int     `json:"submissions"`
	Extracted         int     `json:"extracted"`
	Failed            int     `json:"failed"`
	AverageScore      float64 `json:"average_score"`
	AveragePercent    float64 `json:"average_percent"`
	AverageSimilarity float64 `json:"average_similarity"`
	FlaggedCount      int     `json:"flagged_count"`
}

// Report is the assembled outcome of one batch run.
type Report struct {
	RunID        string           `json:"run_id"`
	QuizID       string           `json:"quiz_id"`
	QuizName     string           `json:"quiz_name"`
	QuizDate     string           `json:"quiz_date,omitempty"`
	MaxScore     float64          `json:"max_score"`
	SolutionText string           `json:"solution_text,omitempty"`
	Stats        ReportStats      `json:"stats"`
	Students     []StudentResult  `json:"students"`
	Pairs        []SimilarityPair `json:"pairs"`
}

// PipelineConfig holds runtime pipeline parameters set via CLI flags.
type PipelineConfig struct {
	Workers            int           // size of the extraction/grading pool
	OCRTimeout         time.Duration // per-call OCR deadline, 0 disables
	OCRRetries         int           // extra attempts after a retryable OCR failure
	LowConfidence      float64       // below this OCR confidence a warning is recorded
	AggregateThreshold float64
	QuestionThreshold  float64
	FreshCache         bool   // reset the extraction cache at the start of every run
	Profile            string // grading profile (strict, standard, lenient)
	Lang               string // feedback language
}

// DefaultPipelineConfig returns the documented defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:            4,
		OCRTimeout:         60 * time.Second,
		LowConfidence:      0.5,
		AggregateThreshold: 0.8,
		QuestionThreshold:  0.9,
		Profile:            "standard",
		Lang:               "en",
	}
}
