package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/quizgrader/internal/model"
)

// SaveReport archives a finished report. Saving a run id again replaces the
// stored body, which is identical for an unchanged batch.
func (s *Store) SaveReport(ctx context.Context, r model.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (run_id, quiz_id, quiz_name, students, flagged, report_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET report_json = excluded.report_json,
		   students = excluded.students, flagged = excluded.flagged`,
		r.RunID, r.QuizID, r.QuizName, r.Stats.Submissions, r.Stats.FlaggedCount, string(data), time.Now().UTC(),
	)
	return err
}

// GetReport returns an archived report by run id.
func (s *Store) GetReport(ctx context.Context, runID string) (model.Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM reports WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Report{}, ErrNotFound
	}
	if err != nil {
		return model.Report{}, err
	}
	var r model.Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return model.Report{}, fmt.Errorf("unmarshal report %s: %w", runID, err)
	}
	return r, nil
}

// ListReports returns summaries of archived reports, newest first. An empty
// quizID lists all quizzes.
func (s *Store) ListReports(ctx context.Context, quizID string) ([]model.ReportSummary, error) {
	query := `SELECT run_id, quiz_id, quiz_name, students, flagged, created_at FROM reports`
	var args []any
	if quizID != "" {
		query += ` WHERE quiz_id = ?`
		args = append(args, quizID)
	}
	query += ` ORDER BY created_at DESC, run_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ReportSummary
	for rows.Next() {
		var rs model.ReportSummary
		if err := rows.Scan(&rs.RunID, &rs.QuizID, &rs.QuizName, &rs.Students, &rs.Flagged, &rs.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
