package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/ocr"
)

type docKey struct {
	quizID      string
	fingerprint string
}

// Cache holds extraction results for the life of an Orchestrator. Entries
// are write-once: the first successful writer wins. Failures are never
// stored, so a later run retries them.
type Cache struct {
	mu   sync.RWMutex
	docs map[docKey]model.ExtractedDocument
	ocr  map[string]ocr.Result

	group singleflight.Group
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		docs: make(map[docKey]model.ExtractedDocument),
		ocr:  make(map[string]ocr.Result),
	}
}

// Document returns the cached normalized document for a quiz and combined
// image fingerprint.
func (c *Cache) Document(quizID, fingerprint string) (model.ExtractedDocument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[docKey{quizID, fingerprint}]
	return d, ok
}

// StoreDocument records doc unless an entry already exists, and returns the
// entry that ends up cached.
func (c *Cache) StoreDocument(quizID, fingerprint string, doc model.ExtractedDocument) model.ExtractedDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := docKey{quizID, fingerprint}
	if existing, ok := c.docs[key]; ok {
		return existing
	}
	c.docs[key] = doc
	return doc
}

// Recognize returns the OCR result for one image, calling ex at most once per
// fingerprint across concurrent callers. hit reports whether the result came
// from the cache without a backend call by this caller.
//
// The shared backend call is detached from any single caller's cancellation:
// a caller whose ctx ends stops waiting, while the call keeps running for the
// other callers and its result is still cached.
func (c *Cache) Recognize(ctx context.Context, fingerprint string, image []byte, ex ocr.Extractor) (res ocr.Result, hit bool, err error) {
	c.mu.RLock()
	res, ok := c.ocr[fingerprint]
	c.mu.RUnlock()
	if ok {
		return res, true, nil
	}
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, false, err
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (any, error) {
		c.mu.RLock()
		cached, ok := c.ocr[fingerprint]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		r, err := ex.Extract(detached, image)
		if err != nil {
			return ocr.Result{}, err
		}
		r.Confidence = ocr.Clamp(r.Confidence)
		c.mu.Lock()
		if existing, ok := c.ocr[fingerprint]; ok {
			r = existing
		} else {
			c.ocr[fingerprint] = r
		}
		c.mu.Unlock()
		return r, nil
	})

	select {
	case out := <-ch:
		if out.Err != nil {
			return ocr.Result{}, false, out.Err
		}
		return out.Val.(ocr.Result), out.Shared, nil
	case <-ctx.Done():
		return ocr.Result{}, false, ctx.Err()
	}
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[docKey]model.ExtractedDocument)
	c.ocr = make(map[string]ocr.Result)
}

// Len returns the number of cached OCR results.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ocr)
}
