package model

import "time"

// ReportSummary describes an archived report without its body.
type ReportSummary struct {
	RunID     string    `json:"run_id"`
	QuizID    string    `json:"quiz_id"`
	QuizName  string    `json:"quiz_name"`
	Students  int       `json:"students"`
	Flagged   int       `json:"flagged"`
	CreatedAt time.Time `json:"created_at"`
}

// Manifest is the on-disk description of a batch for the CLI: a quiz
// rubric plus image paths relative to the manifest file.
type Manifest struct {
	Quiz         Quiz                 `json:"quiz"`
	SolutionPath string               `json:"solution_image_path,omitempty"`
	Submissions  []ManifestSubmission `json:"submissions"`
}

// ManifestSubmission references one student's scan files.
type ManifestSubmission struct {
	ID          string   `json:"id"`
	StudentID   string   `json:"student_id"`
	StudentName string   `json:"student_name,omitempty"`
	ImagePaths  []string `json:"image_paths"`
}
