package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "FeedbackCorrect")
	if got != "Correct answer." {
		t.Errorf("T(FeedbackCorrect) = %q, want 'Correct answer.'", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "FeedbackCorrect")
	if got != "Верный ответ." {
		t.Errorf("T(FeedbackCorrect) = %q, want 'Верный ответ.'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "FlaggedPairs", 1); got != "1 flagged pair" {
		t.Errorf("Tp(FlaggedPairs, 1) = %q, want '1 flagged pair'", got)
	}
	if got := Tp(ctx, "FlaggedPairs", 5); got != "5 flagged pairs" {
		t.Errorf("Tp(FlaggedPairs, 5) = %q, want '5 flagged pairs'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "FeedbackAnchorMissing", map[string]any{"Question": 2})
	want := "No answer found for question 2: the question marker was not detected in the scan."
	if got != want {
		t.Errorf("Td(FeedbackAnchorMissing) = %q, want %q", got, want)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestContextWithoutLocalizer(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := T(context.Background(), "FeedbackCorrect"); got != "Correct answer." {
		t.Errorf("T() without localizer = %q", got)
	}
}

func TestMiddlewareAcceptLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "FeedbackCorrect")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Верный ответ." {
		t.Errorf("expected Russian from Accept-Language, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Correct answer." {
		t.Errorf("expected English fallback, got %q", got)
	}
}
