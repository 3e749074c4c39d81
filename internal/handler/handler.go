package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/ocr"
	"github.com/pavelanni/quizgrader/internal/report"
	"github.com/pavelanni/quizgrader/internal/similarity"
	"github.com/pavelanni/quizgrader/internal/store"
)

// Pipeline is the grading core the HTTP layer drives.
type Pipeline interface {
	Run(ctx context.Context, quiz model.Quiz, subs []model.Submission) (model.Report, error)
	Extract(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.ExtractedDocument, error)
	ExtractOnly(ctx context.Context, image []byte) (model.ExtractedDocument, error)
	CompareTwo(ctx context.Context, a, b model.ExtractedDocument, quiz model.Quiz) (model.SimilarityPair, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	pipeline Pipeline
	store    *store.Store
}

// New creates a new Handler. The store may be nil, which disables quiz
// lookup and the report archive.
func New(p Pipeline, s *store.Store) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: pipeline is required")
	}
	return &Handler{pipeline: p, store: s}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/grade", h.handleGrade)
		r.Post("/compare", h.handleCompare)
		r.Post("/extract", h.handleExtract)
		r.Get("/reports", h.handleListReports)
		r.Get("/reports/{runID}", h.handleGetReport)
		r.Put("/quizzes", h.handleSaveQuiz)
		r.Get("/quizzes", h.handleListQuizzes)
		r.Get("/quizzes/{quizID}", h.handleGetQuiz)
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// renderExtractionError maps an OCR failure to 422 with its reason.
func renderExtractionError(w http.ResponseWriter, r *http.Request, err error) {
	ee := ocr.AsExtractionError(err)
	render.Status(r, http.StatusUnprocessableEntity)
	render.JSON(w, r, errorResponse{Error: err.Error(), Reason: string(ee.Reason)})
}

type gradeRequest struct {
	QuizID      string             `json:"quiz_id,omitempty"`
	Quiz        *model.Quiz        `json:"quiz,omitempty"`
	Submissions []model.Submission `json:"submissions"`
}

type compareRequest struct {
	QuizID string           `json:"quiz_id,omitempty"`
	Quiz   *model.Quiz      `json:"quiz,omitempty"`
	A      model.Submission `json:"a"`
	B      model.Submission `json:"b"`
}

type extractRequest struct {
	Image []byte `json:"image"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			renderError(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// resolveQuiz returns the inline quiz or loads quizID from the store.
func (h *Handler) resolveQuiz(ctx context.Context, quizID string, inline *model.Quiz) (model.Quiz, int, error) {
	if inline != nil {
		if len(inline.Questions) == 0 {
			return model.Quiz{}, http.StatusBadRequest, errors.New("quiz has no questions")
		}
		return *inline, 0, nil
	}
	if quizID == "" {
		return model.Quiz{}, http.StatusBadRequest, errors.New("quiz or quiz_id is required")
	}
	if h.store == nil {
		return model.Quiz{}, http.StatusBadRequest, errors.New("quiz_id lookup needs a database")
	}
	q, err := h.store.GetQuiz(ctx, quizID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Quiz{}, http.StatusNotFound, errors.New("quiz not found")
	}
	if err != nil {
		return model.Quiz{}, http.StatusInternalServerError, err
	}
	return q, 0, nil
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		slog.Error("failed to decode request", "error", err)
		renderError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	quiz, status, err := h.resolveQuiz(r.Context(), req.QuizID, req.Quiz)
	if err != nil {
		renderError(w, r, status, err.Error())
		return
	}
	if len(req.Submissions) == 0 {
		renderError(w, r, http.StatusBadRequest, "submissions are required")
		return
	}
	seen := make(map[string]bool, len(req.Submissions))
	for _, s := range req.Submissions {
		if s.ID == "" || seen[s.ID] {
			renderError(w, r, http.StatusBadRequest, "every submission needs a unique id")
			return
		}
		seen[s.ID] = true
	}

	rep, err := h.pipeline.Run(r.Context(), quiz, req.Submissions)
	if err != nil {
		slog.Error("batch failed", "quiz", quiz.ID, "error", err)
		renderError(w, r, http.StatusServiceUnavailable, "batch did not complete")
		return
	}
	if h.store != nil {
		if err := h.store.SaveReport(r.Context(), rep); err != nil {
			slog.Error("failed to archive report", "run", rep.RunID, "error", err)
		}
	}
	w.Header().Set("X-Report-Summary", strings.ReplaceAll(report.Summary(r.Context(), rep), "\n", " "))
	render.JSON(w, r, rep)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		slog.Error("failed to decode request", "error", err)
		renderError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	quiz, status, err := h.resolveQuiz(r.Context(), req.QuizID, req.Quiz)
	if err != nil {
		renderError(w, r, status, err.Error())
		return
	}

	docs := make([]model.ExtractedDocument, 2)
	for i, sub := range []model.Submission{req.A, req.B} {
		doc, err := h.pipeline.Extract(r.Context(), quiz, sub)
		if err != nil {
			slog.Warn("compare extraction failed", "submission", sub.ID, "error", err)
			renderExtractionError(w, r, err)
			return
		}
		docs[i] = doc
	}

	pair, err := h.pipeline.CompareTwo(r.Context(), docs[0], docs[1], quiz)
	if errors.Is(err, similarity.ErrComparisonSkipped) {
		renderError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		slog.Error("comparison failed", "error", err)
		renderError(w, r, http.StatusInternalServerError, "comparison failed")
		return
	}
	render.JSON(w, r, pair)
}

func (h *Handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		slog.Error("failed to decode request", "error", err)
		renderError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	doc, err := h.pipeline.ExtractOnly(r.Context(), req.Image)
	if err != nil {
		renderExtractionError(w, r, err)
		return
	}
	render.JSON(w, r, doc)
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		renderError(w, r, http.StatusNotFound, "report archive disabled")
		return
	}
	list, err := h.store.ListReports(r.Context(), r.URL.Query().Get("quiz_id"))
	if err != nil {
		slog.Error("failed to list reports", "error", err)
		renderError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []model.ReportSummary{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		renderError(w, r, http.StatusNotFound, "report archive disabled")
		return
	}
	rep, err := h.store.GetReport(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		renderError(w, r, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		slog.Error("failed to get report", "error", err)
		renderError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	render.JSON(w, r, rep)
}
