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

// SaveQuiz upserts a quiz rubric. The solution image is not stored.
func (s *Store) SaveQuiz(ctx context.Context, q model.Quiz) error {
	if q.ID == "" {
		return errors.New("quiz id is required")
	}
	q.SolutionImage = nil
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quiz: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quizzes (id, name, quiz_date, rubric_json, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, quiz_date = excluded.quiz_date,
		   rubric_json = excluded.rubric_json, updated_at = excluded.updated_at`,
		q.ID, q.Name, q.Date, string(data), time.Now().UTC(),
	)
	return err
}

// GetQuiz returns a stored quiz rubric.
func (s *Store) GetQuiz(ctx context.Context, id string) (model.Quiz, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT rubric_json FROM quizzes WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Quiz{}, ErrNotFound
	}
	if err != nil {
		return model.Quiz{}, err
	}
	var q model.Quiz
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return model.Quiz{}, fmt.Errorf("unmarshal quiz %s: %w", id, err)
	}
	return q, nil
}

// ListQuizzes returns all stored quizzes ordered by id.
func (s *Store) ListQuizzes(ctx context.Context) ([]model.Quiz, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rubric_json FROM quizzes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quizzes []model.Quiz
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var q model.Quiz
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return nil, fmt.Errorf("unmarshal quiz: %w", err)
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}
