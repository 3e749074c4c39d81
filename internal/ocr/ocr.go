// Package ocr defines the capability boundary between the grading pipeline
// and optical character recognition backends.
package ocr

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Result is the text recognized in one image.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Extractor converts an image buffer into text. Implementations must return
// an *ExtractionError on failure and a confidence in [0,1].
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Result, error)
}

// Namer is implemented by extractors that can identify their backend.
type Namer interface {
	Name() string
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, image []byte) (Result, error)

func (f ExtractorFunc) Extract(ctx context.Context, image []byte) (Result, error) {
	return f(ctx, image)
}

// Name returns the backend name of e, or "unknown".
func Name(e Extractor) string {
	if n, ok := e.(Namer); ok {
		return n.Name()
	}
	return "unknown"
}

// Reason classifies an extraction failure.
type Reason string

const (
	ReasonEmpty   Reason = "empty"
	ReasonCorrupt Reason = "corrupt"
	ReasonTimeout Reason = "timeout"
	ReasonBackend Reason = "backend"
)

// ExtractionError is the only fault the OCR boundary raises.
type ExtractionError struct {
	Reason Reason
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return "extraction failed: " + string(e.Reason)
	}
	return fmt.Sprintf("extraction failed (%s): %v", e.Reason, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *ExtractionError) Retryable() bool {
	return e.Reason == ReasonTimeout || e.Reason == ReasonBackend
}

// Fail wraps err as an ExtractionError with the given reason. An err that
// already is an ExtractionError is returned unchanged.
func Fail(reason Reason, err error) error {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExtractionError{Reason: reason, Err: err}
}

// AsExtractionError converts any error into an ExtractionError, mapping
// deadline errors to ReasonTimeout.
func AsExtractionError(err error) *ExtractionError {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExtractionError{Reason: ReasonTimeout, Err: err}
	}
	return &ExtractionError{Reason: ReasonBackend, Err: err}
}

// Clamp bounds a confidence value to [0,1].
func Clamp(c float64) float64 {
	switch {
	case c != c, c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// Fingerprint returns the hex BLAKE2b-256 digest of an image buffer.
func Fingerprint(image []byte) string {
	sum := blake2b.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// CombineFingerprints derives one fingerprint from several in order.
func CombineFingerprints(fps []string) string {
	if len(fps) == 1 {
		return fps[0]
	}
	var buf bytes.Buffer
	for _, fp := range fps {
		buf.WriteString(fp)
		buf.WriteByte('\n')
	}
	return Fingerprint(buf.Bytes())
}

// Format is a detected image container format.
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWEBP    Format = "webp"
	FormatTIFF    Format = "tiff"
	FormatBMP     Format = "bmp"
	FormatPDF     Format = "pdf"
)

// MIME returns the media type of the format.
func (f Format) MIME() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWEBP:
		return "image/webp"
	case FormatTIFF:
		return "image/tiff"
	case FormatBMP:
		return "image/bmp"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// SniffFormat detects the image format from magic bytes.
func SniffFormat(b []byte) Format {
	switch {
	case len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return FormatGIF
	case len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")):
		return FormatWEBP
	case bytes.HasPrefix(b, []byte("II*\x00")), bytes.HasPrefix(b, []byte("MM\x00*")):
		return FormatTIFF
	case bytes.HasPrefix(b, []byte("BM")) && len(b) > 14:
		return FormatBMP
	case bytes.HasPrefix(b, []byte("%PDF-")):
		return FormatPDF
	}
	return FormatUnknown
}

// Validate checks that an image buffer is non-empty and in a known format.
func Validate(image []byte) error {
	if len(image) == 0 {
		return &ExtractionError{Reason: ReasonEmpty, Err: errors.New("image buffer is empty")}
	}
	if SniffFormat(image) == FormatUnknown {
		return &ExtractionError{Reason: ReasonCorrupt, Err: errors.New("unrecognized image format")}
	}
	return nil
}

type timeoutExtractor struct {
	next    Extractor
	timeout time.Duration
}

// WithTimeout bounds every Extract call of next by d. A non-positive d
// returns next unchanged.
func WithTimeout(next Extractor, d time.Duration) Extractor {
	if d <= 0 {
		return next
	}
	return &timeoutExtractor{next: next, timeout: d}
}

func (t *timeoutExtractor) Name() string { return Name(t.next) }

func (t *timeoutExtractor) Extract(ctx context.Context, image []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.next.Extract(ctx, image)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return Result{}, AsExtractionError(o.err)
		}
		return o.res, nil
	case <-ctx.Done():
		return Result{}, AsExtractionError(ctx.Err())
	}
}

type retryExtractor struct {
	next     Extractor
	attempts int
	backoff  time.Duration
}

// WithRetry retries retryable failures of next up to retries extra times,
// sleeping backoff*attempt between attempts.
func WithRetry(next Extractor, retries int, backoff time.Duration) Extractor {
	if retries <= 0 {
		return next
	}
	return &retryExtractor{next: next, attempts: retries + 1, backoff: backoff}
}

func (r *retryExtractor) Name() string { return Name(r.next) }

func (r *retryExtractor) Extract(ctx context.Context, image []byte) (Result, error) {
	var lastErr *ExtractionError
	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, err := r.next.Extract(ctx, image)
		if err == nil {
			return res, nil
		}
		lastErr = AsExtractionError(err)
		if !lastErr.Retryable() || ctx.Err() != nil {
			return Result{}, lastErr
		}
		slog.Debug("ocr attempt failed", "backend", Name(r.next), "attempt", attempt, "error", err)
		if attempt < r.attempts && r.backoff > 0 {
			select {
			case <-time.After(time.Duration(attempt) * r.backoff):
			case <-ctx.Done():
				return Result{}, AsExtractionError(ctx.Err())
			}
		}
	}
	return Result{}, lastErr
}
