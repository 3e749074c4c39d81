package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/ocr"
)

type fakeOCR struct {
	texts  map[string]ocr.Result
	calls  atomic.Int32
	delay  time.Duration
	onCall func()
}

func (f *fakeOCR) Extract(ctx context.Context, image []byte) (ocr.Result, error) {
	f.calls.Add(1)
	if f.onCall != nil {
		f.onCall()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ocr.Result{}, ocr.AsExtractionError(ctx.Err())
		}
	}
	r, ok := f.texts[string(image)]
	if !ok {
		return ocr.Result{}, ocr.Fail(ocr.ReasonBackend, errors.New("backend rejected image"))
	}
	return r, nil
}

func img(name string) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), name...)
}

func newFake(texts map[string]string) *fakeOCR {
	f := &fakeOCR{texts: make(map[string]ocr.Result)}
	for name, text := range texts {
		f.texts[string(img(name))] = ocr.Result{Text: text, Confidence: 0.9}
	}
	return f
}

func geoQuiz() model.Quiz {
	return model.Quiz{
		ID:   "geo",
		Name: "Geography",
		Questions: []model.QuestionSpec{
			{Index: 1, Points: 5, Expected: []string{"Paris"}},
			{Index: 2, Points: 5, Expected: []string{"1945"}},
		},
	}
}

func sub(id string, images ...string) model.Submission {
	s := model.Submission{ID: id, StudentID: "student-" + id, QuizID: "geo"}
	for _, name := range images {
		s.Images = append(s.Images, img(name))
	}
	return s
}

func testConfig(workers int) model.PipelineConfig {
	cfg := model.DefaultPipelineConfig()
	cfg.Workers = workers
	cfg.OCRTimeout = 0
	return cfg
}

func newOrchestrator(t *testing.T, ex ocr.Extractor, cfg model.PipelineConfig, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(ex, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func student(t *testing.T, r model.Report, id string) model.StudentResult {
	t.Helper()
	for _, s := range r.Students {
		if s.SubmissionID == id {
			return s
		}
	}
	t.Fatalf("student %s not in report", id)
	return model.StudentResult{}
}

func TestRunGradesAndFlags(t *testing.T) {
	fake := newFake(map[string]string{
		"a": "Question 1: The capital is Paris. Question 2: In 1944.",
		"b": "Question 1: The capital is Paris. Question 2: In 1944.",
		"c": "Question 1: Lyon. Question 2: 1945.",
	})
	o := newOrchestrator(t, fake, testConfig(2))

	r, err := o.Run(context.Background(), geoQuiz(), []model.Submission{sub("s1", "a"), sub("s2", "b"), sub("s3", "c")})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Students) != 3 {
		t.Fatalf("students = %d", len(r.Students))
	}

	s1 := student(t, r, "s1")
	if s1.Status != model.ResultGraded || s1.Grading.TotalScore != 5 {
		t.Errorf("s1 = %+v, want graded 5", s1.Grading)
	}
	if s1.Grading.Items[1].Points != 0 {
		t.Errorf("1944 should score 0, got %v", s1.Grading.Items[1].Points)
	}
	if !s1.Flagged || !reflect.DeepEqual(s1.Matches, []string{"s2"}) {
		t.Errorf("s1 flagged=%v matches=%v", s1.Flagged, s1.Matches)
	}
	s3 := student(t, r, "s3")
	if s3.Grading.TotalScore != 5 || s3.Flagged {
		t.Errorf("s3 = %+v", s3)
	}
	if len(r.Pairs) != 3 {
		t.Errorf("pairs = %d, want 3", len(r.Pairs))
	}
	if r.Stats.FlaggedCount != 2 {
		t.Errorf("flagged = %d, want 2", r.Stats.FlaggedCount)
	}
}

func TestRunCacheHit(t *testing.T) {
	fake := newFake(map[string]string{
		"a": "1. paris 2. 1945",
		"b": "1. rome 2. 1944",
	})
	o := newOrchestrator(t, fake, testConfig(4))
	quiz := geoQuiz()
	quiz.SolutionImage = img("a")
	subs := []model.Submission{sub("s1", "a"), sub("s2", "b")}

	first, err := o.Run(context.Background(), quiz, subs)
	if err != nil {
		t.Fatal(err)
	}
	calls := fake.calls.Load()
	if calls != 2 {
		t.Errorf("first run OCR calls = %d, want 2", calls)
	}

	second, err := o.Run(context.Background(), quiz, subs)
	if err != nil {
		t.Fatal(err)
	}
	if n := fake.calls.Load(); n != calls {
		t.Errorf("rerun made %d extra OCR calls, want 0", n-calls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("rerun produced a different report")
	}
	if first.SolutionText != "1. paris 2. 1945" {
		t.Errorf("solution text = %q", first.SolutionText)
	}

	o.Reset()
	if _, err := o.Run(context.Background(), quiz, subs); err != nil {
		t.Fatal(err)
	}
	if n := fake.calls.Load(); n != 2*calls {
		t.Errorf("after Reset OCR calls = %d, want %d", n, 2*calls)
	}
}

func TestRunFreshCache(t *testing.T) {
	fake := newFake(map[string]string{"a": "1. paris 2. 1945"})
	cfg := testConfig(1)
	cfg.FreshCache = true
	o := newOrchestrator(t, fake, cfg)
	subs := []model.Submission{sub("s1", "a")}
	for range 2 {
		if _, err := o.Run(context.Background(), geoQuiz(), subs); err != nil {
			t.Fatal(err)
		}
	}
	if n := fake.calls.Load(); n != 2 {
		t.Errorf("OCR calls = %d, want 2 with fresh cache", n)
	}
}

func TestRunFailedExtraction(t *testing.T) {
	fake := newFake(map[string]string{
		"a": "1. paris 2. 1945",
		"b": "1. paris 2. 1945",
	})
	o := newOrchestrator(t, fake, testConfig(2))
	corrupt := model.Submission{ID: "bad", StudentID: "x", Images: [][]byte{[]byte("not an image")}}
	subs := []model.Submission{sub("s1", "a"), corrupt, sub("s2", "b"), sub("gone", "unknown")}

	r, err := o.Run(context.Background(), geoQuiz(), subs)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Students) != 4 {
		t.Fatalf("students = %d, want 4", len(r.Students))
	}
	for _, id := range []string{"bad", "gone"} {
		s := student(t, r, id)
		if s.Status != model.ResultExtractionFailed {
			t.Errorf("%s status = %s", id, s.Status)
		}
		if s.Grading.TotalScore != 0 || !s.Grading.Ungradeable {
			t.Errorf("%s grading = %+v", id, s.Grading)
		}
		if s.Similarity != nil || s.SimilarityStatus != model.SimilarityNotComputed {
			t.Errorf("%s similarity = %v %q", id, s.Similarity, s.SimilarityStatus)
		}
		if s.Error == "" {
			t.Errorf("%s has no error text", id)
		}
	}
	if r.Stats.Failed != 2 || r.Stats.Extracted != 2 {
		t.Errorf("stats = %+v", r.Stats)
	}
	if len(r.Pairs) != 1 {
		t.Errorf("pairs = %+v, want only s1/s2", r.Pairs)
	}

	before := fake.calls.Load()
	if _, err := o.Run(context.Background(), geoQuiz(), subs); err != nil {
		t.Fatal(err)
	}
	if n := fake.calls.Load() - before; n != 1 {
		t.Errorf("rerun OCR calls = %d, want 1 (only the uncached failure)", n)
	}
}

func TestConcurrentDedup(t *testing.T) {
	fake := newFake(map[string]string{"same": "1. paris 2. 1945"})
	fake.delay = 20 * time.Millisecond
	o := newOrchestrator(t, fake, testConfig(8))

	var subs []model.Submission
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		subs = append(subs, sub(id, "same"))
	}
	r, err := o.Run(context.Background(), geoQuiz(), subs)
	if err != nil {
		t.Fatal(err)
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("OCR calls = %d, want 1 for identical images", n)
	}
	for _, s := range r.Students {
		if s.Grading.TotalScore != 10 || s.Grading.SubmissionID != s.SubmissionID {
			t.Errorf("student %s = %+v", s.SubmissionID, s.Grading)
		}
	}
	if len(r.Pairs) != 28 {
		t.Errorf("pairs = %d, want C(8,2)=28", len(r.Pairs))
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	fake := newFake(map[string]string{"a": "1. paris"})
	o := newOrchestrator(t, fake, testConfig(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := o.Run(ctx, geoQuiz(), []model.Submission{sub("s1", "a"), sub("s2", "a")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := fake.calls.Load(); n != 0 {
		t.Errorf("OCR calls = %d, want 0", n)
	}
	for _, s := range r.Students {
		if s.Status != model.ResultCancelled {
			t.Errorf("%s status = %s", s.SubmissionID, s.Status)
		}
	}
}

func TestRunCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := newFake(map[string]string{"a": "1. paris", "b": "1. rome", "c": "1. oslo"})
	fake.onCall = cancel
	o := newOrchestrator(t, fake, testConfig(1))

	_, err := o.Run(ctx, geoQuiz(), []model.Submission{sub("s1", "a"), sub("s2", "b"), sub("s3", "c")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("OCR calls = %d, want 1", n)
	}
	// The backend call finishes on its own goroutine after the caller stopped waiting.
	deadline := time.Now().Add(time.Second)
	for o.Cache().Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if o.Cache().Len() != 1 {
		t.Errorf("completed OCR result should stay cached, len = %d", o.Cache().Len())
	}
}

func TestCancelledRunDoesNotFailSharedExtraction(t *testing.T) {
	fake := newFake(map[string]string{"a": "1. paris 2. 1945"})
	fake.delay = 200 * time.Millisecond
	started := make(chan struct{})
	var once sync.Once
	fake.onCall = func() { once.Do(func() { close(started) }) }
	o := newOrchestrator(t, fake, testConfig(2))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	var (
		wg         sync.WaitGroup
		errA, errB error
		repA, repB model.Report
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		repA, errA = o.Run(ctxA, geoQuiz(), []model.Submission{sub("x", "a")})
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		repB, errB = o.Run(context.Background(), geoQuiz(), []model.Submission{sub("y", "a")})
	}()
	time.Sleep(50 * time.Millisecond)
	cancelA()
	wg.Wait()

	if !errors.Is(errA, context.Canceled) {
		t.Errorf("cancelled run err = %v, want context.Canceled", errA)
	}
	if s := student(t, repA, "x"); s.Status != model.ResultCancelled {
		t.Errorf("cancelled run status = %s", s.Status)
	}
	if errB != nil {
		t.Fatalf("live run err = %v", errB)
	}
	y := student(t, repB, "y")
	if y.Status != model.ResultGraded || y.Grading.TotalScore != 10 {
		t.Errorf("live run: status = %s, error = %q, score = %v", y.Status, y.Error, y.Grading.TotalScore)
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("OCR calls = %d, want 1 shared call", n)
	}
	if o.Cache().Len() != 1 {
		t.Errorf("shared result should be cached, len = %d", o.Cache().Len())
	}
}

func TestObserverTransitions(t *testing.T) {
	fake := newFake(map[string]string{"a": "1. paris 2. 1945"})
	var mu sync.Mutex
	states := map[string][]model.SubmissionState{}
	o := newOrchestrator(t, fake, testConfig(2), WithObserver(func(id string, s model.SubmissionState) {
		mu.Lock()
		defer mu.Unlock()
		states[id] = append(states[id], s)
	}))

	bad := model.Submission{ID: "bad", Images: [][]byte{{0x00}}}
	if _, err := o.Run(context.Background(), geoQuiz(), []model.Submission{sub("ok", "a"), bad}); err != nil {
		t.Fatal(err)
	}
	wantOK := []model.SubmissionState{model.StatePending, model.StateExtracting, model.StateExtracted, model.StateGrading, model.StateGraded}
	if !reflect.DeepEqual(states["ok"], wantOK) {
		t.Errorf("ok transitions = %v, want %v", states["ok"], wantOK)
	}
	wantBad := []model.SubmissionState{model.StatePending, model.StateExtracting, model.StateExtractionFailed, model.StateGrading, model.StateGraded}
	if !reflect.DeepEqual(states["bad"], wantBad) {
		t.Errorf("bad transitions = %v, want %v", states["bad"], wantBad)
	}
}

func TestMultiImageSubmission(t *testing.T) {
	fake := &fakeOCR{texts: map[string]ocr.Result{
		string(img("p1")): {Text: "1. paris", Confidence: 0.9},
		string(img("p2")): {Text: "2. 1945", Confidence: 0.6},
	}}
	o := newOrchestrator(t, fake, testConfig(1))
	doc, err := o.Extract(context.Background(), geoQuiz(), sub("s1", "p1", "p2"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Confidence != 0.6 {
		t.Errorf("confidence = %v, want min 0.6", doc.Confidence)
	}
	if doc.Spans[1] != "paris" || doc.Spans[2] != "1945" {
		t.Errorf("spans = %v", doc.Spans)
	}
}

func TestExtractOnly(t *testing.T) {
	fake := newFake(map[string]string{"a": "  Hello   World "})
	o := newOrchestrator(t, fake, testConfig(1))

	doc, err := o.ExtractOnly(context.Background(), img("a"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.FullText != "hello world" || doc.Fingerprint == "" {
		t.Errorf("doc = %+v", doc)
	}

	_, err = o.ExtractOnly(context.Background(), nil)
	var ee *ocr.ExtractionError
	if !errors.As(err, &ee) || ee.Reason != ocr.ReasonEmpty {
		t.Errorf("err = %v, want empty ExtractionError", err)
	}
}

func TestCompareTwo(t *testing.T) {
	fake := newFake(map[string]string{"a": "1. paris 2. 1945", "b": "1. paris 2. 1945"})
	o := newOrchestrator(t, fake, testConfig(1))
	quiz := geoQuiz()
	da, err := o.Extract(context.Background(), quiz, sub("s1", "a"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := o.Extract(context.Background(), quiz, sub("s2", "b"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := o.CompareTwo(context.Background(), db, da, quiz)
	if err != nil {
		t.Fatal(err)
	}
	if p.SubmissionA != "s1" || !p.Flagged || p.Aggregate != 1 {
		t.Errorf("pair = %+v", p)
	}
}

func TestNewRejectsUnknownProfile(t *testing.T) {
	cfg := testConfig(1)
	cfg.Profile = "harsh"
	if _, err := New(newFake(nil), cfg); err == nil {
		t.Error("expected error for unknown profile")
	}
}
