// Package pipeline runs a batch of submissions through extraction, grading
// and similarity and assembles the report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/quizgrader/internal/grading"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/normalize"
	"github.com/pavelanni/quizgrader/internal/ocr"
	"github.com/pavelanni/quizgrader/internal/report"
	"github.com/pavelanni/quizgrader/internal/similarity"
)

// runNamespace seeds deterministic run identifiers.
var runNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e39-9a0c-2d8f3b6e1a47")

// Observer receives every submission state transition.
type Observer func(submissionID string, state model.SubmissionState)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers a state transition hook.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithSimilarity replaces the default similarity engine.
func WithSimilarity(e *similarity.Engine) Option {
	return func(o *Orchestrator) { o.similarity = e }
}

// WithNormalizer replaces the default text normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(o *Orchestrator) { o.normalizer = n }
}

// WithRetryBackoff sets the base delay between OCR retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = d }
}

// Orchestrator owns the extraction cache and coordinates the worker pool.
// It is safe to call Run concurrently; runs share the cache.
type Orchestrator struct {
	extractor  ocr.Extractor
	normalizer *normalize.Normalizer
	grader     *grading.Grader
	similarity *similarity.Engine
	cache      *Cache
	cfg        model.PipelineConfig
	observer   Observer
	backoff    time.Duration
}

// New builds an orchestrator around ex. Timeouts and retries from cfg are
// applied to every OCR call.
func New(ex ocr.Extractor, cfg model.PipelineConfig, opts ...Option) (*Orchestrator, error) {
	if ex == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	profile, err := grading.LookupProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cache:   NewCache(),
		cfg:     cfg,
		backoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New(normalize.WithLowConfidence(cfg.LowConfidence))
	}
	if o.similarity == nil {
		o.similarity = similarity.NewEngine(nil)
		o.similarity.AggregateThreshold = cfg.AggregateThreshold
		o.similarity.QuestionThreshold = cfg.QuestionThreshold
		o.similarity.Workers = cfg.Workers
	}
	o.grader = grading.New(profile, cfg.LowConfidence, o.normalizer)
	o.extractor = ocr.WithRetry(ocr.WithTimeout(ex, cfg.OCRTimeout), cfg.OCRRetries, o.backoff)
	return o, nil
}

// Cache exposes the orchestrator's extraction cache.
func (o *Orchestrator) Cache() *Cache { return o.cache }

// Reset empties the extraction cache before a fresh batch.
func (o *Orchestrator) Reset() { o.cache.Reset() }

// Run extracts, grades and compares all submissions. Every submission gets
// exactly one report entry. On cancellation submissions not yet started are
// marked cancelled, similarity is skipped and ctx.Err() is returned along
// with the partial report.
func (o *Orchestrator) Run(ctx context.Context, quiz model.Quiz, subs []model.Submission) (model.Report, error) {
	if o.cfg.FreshCache {
		o.cache.Reset()
	}
	start := time.Now()
	slog.Info("batch started", "quiz", quiz.ID, "submissions", len(subs), "workers", o.cfg.Workers)

	entries := make([]report.Entry, len(subs))
	docs := make([]model.ExtractedDocument, len(subs))
	for i, s := range subs {
		entries[i] = report.Entry{
			SubmissionID: s.ID,
			StudentID:    s.StudentID,
			StudentName:  s.StudentName,
			Status:       model.ResultCancelled,
			Grading:      model.GradingResult{SubmissionID: s.ID, MaxScore: quiz.TotalPoints()},
		}
		docs[i] = model.ExtractedDocument{SubmissionID: s.ID, Failed: true, Error: "cancelled"}
		entries[i].Document = docs[i]
		o.transition(s.ID, model.StatePending)
	}

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for i, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			doc, res, status := o.process(ctx, quiz, sub)
			docs[i] = doc
			entries[i].Document = doc
			entries[i].Grading = res
			entries[i].Status = status
			return nil
		})
	}
	_ = g.Wait()

	solution := o.solutionText(ctx, quiz)

	runID := o.runID(quiz, docs)
	if err := ctx.Err(); err != nil {
		slog.Warn("batch cancelled", "quiz", quiz.ID, "error", err)
		r := report.Assemble(quiz, runID, entries, nil, nil, o.similarity.AggregateThreshold)
		r.SolutionText = solution
		return r, err
	}

	pairs, skipped, err := o.similarity.Compare(ctx, docs, quiz.Questions)
	if err != nil {
		if ctx.Err() != nil {
			return model.Report{}, ctx.Err()
		}
		slog.Warn("similarity not computed", "quiz", quiz.ID, "error", err)
	}

	r := report.Assemble(quiz, runID, entries, pairs, skipped, o.similarity.AggregateThreshold)
	r.SolutionText = solution
	slog.Info("batch finished",
		"quiz", quiz.ID,
		"run", runID,
		"graded", r.Stats.Extracted,
		"failed", r.Stats.Failed,
		"flagged", r.Stats.FlaggedCount,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return r, nil
}

func (o *Orchestrator) process(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.ExtractedDocument, model.GradingResult, model.ResultStatus) {
	o.transition(sub.ID, model.StateExtracting)
	doc, err := o.Extract(ctx, quiz, sub)
	if err != nil {
		if ctx.Err() != nil {
			return model.ExtractedDocument{SubmissionID: sub.ID, Failed: true, Error: "cancelled"},
				model.GradingResult{SubmissionID: sub.ID, MaxScore: quiz.TotalPoints()},
				model.ResultCancelled
		}
		ee := ocr.AsExtractionError(err)
		o.transition(sub.ID, model.StateExtractionFailed)
		slog.Warn("extraction failed", "submission", sub.ID, "reason", ee.Reason, "error", err)
		doc = model.ExtractedDocument{
			SubmissionID: sub.ID,
			Failed:       true,
			Error:        ee.Error(),
			Spans:        map[int]string{},
		}
		o.transition(sub.ID, model.StateGrading)
		res := o.grader.Grade(ctx, doc, quiz)
		o.transition(sub.ID, model.StateGraded)
		return doc, res, model.ResultExtractionFailed
	}
	o.transition(sub.ID, model.StateExtracted)

	o.transition(sub.ID, model.StateGrading)
	res := o.grader.Grade(ctx, doc, quiz)
	o.transition(sub.ID, model.StateGraded)

	status := model.ResultGraded
	if res.Ungradeable {
		status = model.ResultUngradeable
	}
	return doc, res, status
}

// Extract returns the normalized document for a submission, reusing cached
// results for identical images. Any failure is an *ocr.ExtractionError.
func (o *Orchestrator) Extract(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.ExtractedDocument, error) {
	if len(sub.Images) == 0 {
		return model.ExtractedDocument{}, ocr.Fail(ocr.ReasonEmpty, errors.New("submission has no images"))
	}
	fps := make([]string, len(sub.Images))
	for i, img := range sub.Images {
		fps[i] = ocr.Fingerprint(img)
	}
	fp := ocr.CombineFingerprints(fps)

	if doc, ok := o.cache.Document(quiz.ID, fp); ok {
		slog.Debug("extraction cache hit", "submission", sub.ID, "fingerprint", fp[:12])
		doc.SubmissionID = sub.ID
		return doc, nil
	}

	texts := make([]string, 0, len(sub.Images))
	conf := 1.0
	for i, img := range sub.Images {
		res, err := o.recognize(ctx, fps[i], img)
		if err != nil {
			return model.ExtractedDocument{}, fmt.Errorf("image %d: %w", i+1, err)
		}
		texts = append(texts, res.Text)
		conf = min(conf, res.Confidence)
	}

	doc := o.normalizer.Normalize(sub.ID, ocr.Result{Text: strings.Join(texts, "\n"), Confidence: conf}, quiz.Questions)
	doc.Fingerprint = fp
	doc = o.cache.StoreDocument(quiz.ID, fp, doc)
	doc.SubmissionID = sub.ID
	return doc, nil
}

func (o *Orchestrator) recognize(ctx context.Context, fp string, image []byte) (ocr.Result, error) {
	if err := ocr.Validate(image); err != nil {
		return ocr.Result{}, err
	}
	res, hit, err := o.cache.Recognize(ctx, fp, image, o.extractor)
	if err != nil {
		return ocr.Result{}, ocr.AsExtractionError(err)
	}
	slog.Debug("image recognized",
		"fingerprint", fp[:12],
		"size", humanize.Bytes(uint64(len(image))),
		"confidence", res.Confidence,
		"cached", hit,
	)
	return res, nil
}

// ExtractOnly runs OCR and normalization on a single image without a rubric.
func (o *Orchestrator) ExtractOnly(ctx context.Context, image []byte) (model.ExtractedDocument, error) {
	fp := ocr.Fingerprint(image)
	res, err := o.recognize(ctx, fp, image)
	if err != nil {
		return model.ExtractedDocument{}, err
	}
	doc := o.normalizer.Normalize("", res, nil)
	doc.Fingerprint = fp
	return doc, nil
}

// CompareTwo compares two already extracted documents against the quiz.
func (o *Orchestrator) CompareTwo(ctx context.Context, a, b model.ExtractedDocument, quiz model.Quiz) (model.SimilarityPair, error) {
	return o.similarity.CompareTwo(ctx, a, b, quiz.Questions)
}

func (o *Orchestrator) solutionText(ctx context.Context, quiz model.Quiz) string {
	if len(quiz.SolutionImage) == 0 || ctx.Err() != nil {
		return ""
	}
	res, err := o.recognize(ctx, ocr.Fingerprint(quiz.SolutionImage), quiz.SolutionImage)
	if err != nil {
		slog.Warn("solution image not extracted", "quiz", quiz.ID, "error", err)
		return ""
	}
	return o.normalizer.Text(res.Text)
}

// runID is derived from the quiz and the image fingerprints so an unchanged
// batch keeps its identifier across reruns.
func (o *Orchestrator) runID(quiz model.Quiz, docs []model.ExtractedDocument) string {
	var b strings.Builder
	b.WriteString(quiz.ID)
	for _, d := range docs {
		b.WriteByte('\n')
		b.WriteString(d.SubmissionID)
		b.WriteByte(':')
		b.WriteString(d.Fingerprint)
	}
	return uuid.NewSHA1(runNamespace, []byte(b.String())).String()
}

func (o *Orchestrator) transition(id string, state model.SubmissionState) {
	slog.Debug("submission state", "submission", id, "state", state)
	if o.observer != nil {
		o.observer(id, state)
	}
}
