package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/quizgrader/internal/ocr"
)

// GetOCR returns the stored recognition of an image by one engine.
func (s *Store) GetOCR(ctx context.Context, fingerprint, engine string) (ocr.Result, error) {
	var r ocr.Result
	err := s.db.QueryRowContext(ctx,
		`SELECT text, confidence FROM ocr_cache WHERE fingerprint = ? AND engine = ?`,
		fingerprint, engine,
	).Scan(&r.Text, &r.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// PutOCR stores a recognition result. The first stored result for a
// fingerprint and engine is kept.
func (s *Store) PutOCR(ctx context.Context, fingerprint, engine string, r ocr.Result) error {
	return s.putOCR(ctx, fingerprint, engine, r, false)
}

// ReplaceOCR stores a recognition result, overwriting any earlier one.
func (s *Store) ReplaceOCR(ctx context.Context, fingerprint, engine string, r ocr.Result) error {
	return s.putOCR(ctx, fingerprint, engine, r, true)
}

func (s *Store) putOCR(ctx context.Context, fingerprint, engine string, r ocr.Result, replace bool) error {
	conflict := `DO NOTHING`
	if replace {
		conflict = `DO UPDATE SET text = excluded.text, confidence = excluded.confidence, created_at = excluded.created_at`
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ocr_cache (fingerprint, engine, text, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint, engine) `+conflict,
		fingerprint, engine, r.Text, r.Confidence, time.Now().UTC(),
	)
	return err
}

// OCRCount returns the number of cached recognitions.
func (s *Store) OCRCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ocr_cache`).Scan(&n)
	return n, err
}

// CachingExtractor serves recognitions from the store and records new ones,
// so identical scans are not sent to the OCR backend again across restarts.
type CachingExtractor struct {
	next    ocr.Extractor
	store   *Store
	engine  string
	refresh bool
}

// CacheOption configures a CachingExtractor.
type CacheOption func(*CachingExtractor)

// WithRefresh makes the extractor ignore stored results and overwrite them
// with fresh recognitions.
func WithRefresh(refresh bool) CacheOption {
	return func(c *CachingExtractor) { c.refresh = refresh }
}

// NewCachingExtractor wraps next with the durable cache.
func NewCachingExtractor(next ocr.Extractor, s *Store, opts ...CacheOption) *CachingExtractor {
	c := &CachingExtractor{next: next, store: s, engine: ocr.Name(next)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachingExtractor) Name() string { return c.engine }

func (c *CachingExtractor) Extract(ctx context.Context, image []byte) (ocr.Result, error) {
	fp := ocr.Fingerprint(image)
	if !c.refresh {
		res, err := c.store.GetOCR(ctx, fp, c.engine)
		switch {
		case err == nil:
			return res, nil
		case !errors.Is(err, ErrNotFound):
			slog.Warn("ocr cache lookup failed", "engine", c.engine, "error", err)
		}
	}

	res, err := c.next.Extract(ctx, image)
	if err != nil {
		return ocr.Result{}, err
	}
	put := c.store.PutOCR
	if c.refresh {
		put = c.store.ReplaceOCR
	}
	if err := put(ctx, fp, c.engine, res); err != nil {
		slog.Warn("ocr cache write failed", "engine", c.engine, "error", fmt.Errorf("put ocr: %w", err))
	}
	return res, nil
}
