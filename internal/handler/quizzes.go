package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/store"
)

// validateQuiz checks a rubric before it is stored.
func validateQuiz(q model.Quiz) error {
	if q.ID == "" {
		return errors.New("quiz id is required")
	}
	if len(q.Questions) == 0 {
		return errors.New("quiz has no questions")
	}
	seen := make(map[int]bool, len(q.Questions))
	for _, qs := range q.Questions {
		if qs.Index < 1 {
			return fmt.Errorf("question index %d must be positive", qs.Index)
		}
		if seen[qs.Index] {
			return fmt.Errorf("duplicate question index %d", qs.Index)
		}
		seen[qs.Index] = true
		if qs.Points < 0 {
			return fmt.Errorf("question %d has negative points", qs.Index)
		}
		switch qs.Policy {
		case "", model.PolicyAuto, model.PolicyExact, model.PolicyKeywords, model.PolicyFuzzy:
		default:
			return fmt.Errorf("question %d has unknown policy %q", qs.Index, qs.Policy)
		}
	}
	return nil
}

func (h *Handler) handleSaveQuiz(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		renderError(w, r, http.StatusNotFound, "quiz storage disabled")
		return
	}
	var q model.Quiz
	if err := render.DecodeJSON(r.Body, &q); err != nil {
		slog.Error("failed to decode quiz", "error", err)
		renderError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	if err := validateQuiz(q); err != nil {
		renderError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SaveQuiz(r.Context(), q); err != nil {
		slog.Error("failed to save quiz", "quiz", q.ID, "error", err)
		renderError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("saved quiz", "quiz", q.ID, "questions", len(q.Questions))
	q.SolutionImage = nil
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, q)
}

func (h *Handler) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		renderError(w, r, http.StatusNotFound, "quiz storage disabled")
		return
	}
	quizzes, err := h.store.ListQuizzes(r.Context())
	if err != nil {
		slog.Error("failed to list quizzes", "error", err)
		renderError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	if quizzes == nil {
		quizzes = []model.Quiz{}
	}
	render.JSON(w, r, quizzes)
}

func (h *Handler) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		renderError(w, r, http.StatusNotFound, "quiz storage disabled")
		return
	}
	q, err := h.store.GetQuiz(r.Context(), chi.URLParam(r, "quizID"))
	if errors.Is(err, store.ErrNotFound) {
		renderError(w, r, http.StatusNotFound, "quiz not found")
		return
	}
	if err != nil {
		slog.Error("failed to get quiz", "error", err)
		renderError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	render.JSON(w, r, q)
}
