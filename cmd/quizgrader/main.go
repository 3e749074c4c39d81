package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/quizgrader/internal/handler"
	appI18n "github.com/pavelanni/quizgrader/internal/i18n"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/pipeline"
	"github.com/pavelanni/quizgrader/internal/report"
	"github.com/pavelanni/quizgrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quizgrader",
		Short: "Grade scanned quizzes and flag similar submissions",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), extractCmd(), compareCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addPipelineFlags(f *pflag.FlagSet) {
	d := model.DefaultPipelineConfig()
	f.String("ocr-backend", "openai", "OCR backend (openai, gemini, tesseract)")
	f.String("ocr-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("ocr-key", "ollama", "API key for the OCR backend")
	f.String("ocr-model", "llama3.2-vision", "Vision model name")
	f.String("ocr-variant", "handwritten", "Transcription prompt (handwritten, typed)")
	f.StringSlice("ocr-langs", []string{"eng"}, "Tesseract languages")
	f.StringSlice("ocr-anchors", nil, "Question markers the vision model must keep verbatim")
	f.Duration("ocr-timeout", d.OCRTimeout, "Per-image OCR deadline (0 disables)")
	f.Int("ocr-retries", 2, "Extra attempts after a timeout or backend error")
	f.IntP("workers", "w", d.Workers, "Concurrent submissions")
	f.Float64("low-confidence", d.LowConfidence, "OCR confidence below which answers are marked for review")
	f.Float64("aggregate-threshold", d.AggregateThreshold, "Weighted similarity that flags a pair")
	f.Float64("question-threshold", d.QuestionThreshold, "Single-question similarity that flags a pair")
	f.String("similarity", "tokens", "Similarity scorer (tokens, levenshtein, blend, embedding)")
	f.String("embedding-model", "", "Embedding model for --similarity=embedding")
	f.String("profile", d.Profile, "Grading profile (strict, standard, lenient)")
	f.StringP("lang", "l", d.Lang, "Feedback language (en, ru)")
	f.Bool("fresh-cache", false, "Forget cached extractions before every batch and re-run OCR instead of reading the --db cache")
	addLogFlags(f)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "quizgrader.db", "SQLite database path (empty disables the archive)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grader)")
	addPipelineFlags(f)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade MANIFEST",
		Short: "Grade a batch described by a manifest file and print the report",
		Args:  cobra.ExactArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("db", "", "SQLite database for the OCR cache and report archive")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addPipelineFlags(f)
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract IMAGE...",
		Short: "Run OCR on images and print the normalized text",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExtract,
	}
	f := cmd.Flags()
	f.String("db", "", "SQLite database for the OCR cache")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addPipelineFlags(f)
	return cmd
}

func compareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare two submissions question by question",
		RunE:  runCompare,
	}
	f := cmd.Flags()
	f.String("quiz", "", "Quiz rubric JSON file (required)")
	f.StringSlice("a", nil, "Image files of the first submission (required)")
	f.StringSlice("b", nil, "Image files of the second submission (required)")
	f.String("db", "", "SQLite database for the OCR cache")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addPipelineFlags(f)
	_ = cmd.MarkFlagRequired("quiz")
	_ = cmd.MarkFlagRequired("a")
	_ = cmd.MarkFlagRequired("b")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an archived report as JSON, or list archived reports",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "quizgrader.db", "SQLite database path")
	f.String("run-id", "", "Report to export (empty lists reports)")
	f.String("quiz-id", "", "Only list reports of this quiz")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("QUIZGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("quizgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quizgrader")
	v.AddConfigPath("/etc/quizgrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// pipelineConfig collects the pipeline flags from v.
func pipelineConfig(v *viper.Viper) model.PipelineConfig {
	return model.PipelineConfig{
		Workers:            v.GetInt("workers"),
		OCRTimeout:         v.GetDuration("ocr-timeout"),
		OCRRetries:         v.GetInt("ocr-retries"),
		LowConfidence:      v.GetFloat64("low-confidence"),
		AggregateThreshold: v.GetFloat64("aggregate-threshold"),
		QuestionThreshold:  v.GetFloat64("question-threshold"),
		FreshCache:         v.GetBool("fresh-cache"),
		Profile:            strings.ToLower(strings.TrimSpace(v.GetString("profile"))),
		Lang:               v.GetString("lang"),
	}
}

// openStore opens the database at path, or returns nil when path is empty.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, nil
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// buildPipeline wires the OCR backend, durable cache and similarity scorer
// into an orchestrator. The returned cleanup releases backend resources.
func buildPipeline(ctx context.Context, v *viper.Viper, db *store.Store) (*pipeline.Orchestrator, func(), error) {
	cfg := pipelineConfig(v)
	if err := appI18n.Init(cfg.Lang); err != nil {
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}

	ex, closeEx, err := newExtractor(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	if db != nil {
		ex = store.NewCachingExtractor(ex, db, store.WithRefresh(cfg.FreshCache))
	}

	engine, err := newSimilarity(v, cfg)
	if err != nil {
		closeEx()
		return nil, nil, err
	}

	o, err := pipeline.New(ex, cfg, pipeline.WithSimilarity(engine))
	if err != nil {
		closeEx()
		return nil, nil, fmt.Errorf("create pipeline: %w", err)
	}
	return o, closeEx, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v.GetString("db"))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := buildPipeline(ctx, v, db)
	if err != nil {
		return err
	}
	defer cleanup()

	h, err := handler.New(p, db)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	lang := v.GetString("lang")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting server",
		"addr", addr,
		"ocr_backend", v.GetString("ocr-backend"),
		"ocr_model", v.GetString("ocr-model"),
		"similarity", v.GetString("similarity"),
		"profile", v.GetString("profile"),
		"workers", v.GetInt("workers"),
		"lang", lang,
		"db", v.GetString("db"),
		"base_path", basePath,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	quiz, subs, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	db, err := openStore(v.GetString("db"))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := buildPipeline(ctx, v, db)
	if err != nil {
		return err
	}
	defer cleanup()

	rep, err := p.Run(ctx, quiz, subs)
	if err != nil {
		return fmt.Errorf("run batch: %w", err)
	}
	if db != nil {
		if err := db.SaveQuiz(ctx, quiz); err != nil {
			slog.Warn("failed to store quiz", "quiz", quiz.ID, "error", err)
		}
		if err := db.SaveReport(ctx, rep); err != nil {
			return fmt.Errorf("archive report: %w", err)
		}
	}
	slog.Info(report.Summary(ctx, rep), "run", rep.RunID)
	return writeJSON(v.GetString("output"), rep)
}

func runExtract(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v.GetString("db"))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, cleanup, err := buildPipeline(ctx, v, db)
	if err != nil {
		return err
	}
	defer cleanup()

	type extracted struct {
		Path     string                   `json:"path"`
		Document *model.ExtractedDocument `json:"document,omitempty"`
		Error    string                   `json:"error,omitempty"`
	}
	out := make([]extracted, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		doc, err := p.ExtractOnly(ctx, data)
		if err != nil {
			slog.Warn("extraction failed", "path", path, "error", err)
			out = append(out, extracted{Path: path, Error: err.Error()})
			continue
		}
		doc.SubmissionID = filepath.Base(path)
		out = append(out, extracted{Path: path, Document: &doc})
	}
	return writeJSON(v.GetString("output"), out)
}

func runCompare(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	var quiz model.Quiz
	if err := readJSONFile(v.GetString("quiz"), &quiz); err != nil {
		return err
	}

	db, err := openStore(v.GetString("db"))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	ctx := context.Background()
	p, cleanup, err := buildPipeline(ctx, v, db)
	if err != nil {
		return err
	}
	defer cleanup()

	var docs [2]model.ExtractedDocument
	for i, side := range []string{"a", "b"} {
		sub := model.Submission{ID: side, QuizID: quiz.ID}
		for _, path := range v.GetStringSlice(side) {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			sub.Images = append(sub.Images, data)
		}
		doc, err := p.Extract(ctx, quiz, sub)
		if err != nil {
			return fmt.Errorf("extract submission %s: %w", side, err)
		}
		docs[i] = doc
	}

	pair, err := p.CompareTwo(ctx, docs[0], docs[1], quiz)
	if err != nil {
		return fmt.Errorf("compare: %w", err)
	}
	return writeJSON(v.GetString("output"), pair)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	runID := v.GetString("run-id")
	if runID == "" {
		list, err := db.ListReports(ctx, v.GetString("quiz-id"))
		if err != nil {
			return fmt.Errorf("list reports: %w", err)
		}
		if list == nil {
			list = []model.ReportSummary{}
		}
		return writeJSON(v.GetString("output"), list)
	}

	rep, err := db.GetReport(ctx, runID)
	if err != nil {
		return fmt.Errorf("get report %s: %w", runID, err)
	}
	return writeJSON(v.GetString("output"), rep)
}

// loadManifest reads a batch manifest and the images it references. Image
// paths are relative to the manifest file.
func loadManifest(path string) (model.Quiz, []model.Submission, error) {
	var m model.Manifest
	if err := readJSONFile(path, &m); err != nil {
		return model.Quiz{}, nil, err
	}
	base := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	quiz := m.Quiz
	if m.SolutionPath != "" {
		data, err := os.ReadFile(resolve(m.SolutionPath))
		if err != nil {
			return model.Quiz{}, nil, fmt.Errorf("read solution image: %w", err)
		}
		quiz.SolutionImage = data
	}

	subs := make([]model.Submission, 0, len(m.Submissions))
	for _, ms := range m.Submissions {
		sub := model.Submission{
			ID:          ms.ID,
			StudentID:   ms.StudentID,
			StudentName: ms.StudentName,
			QuizID:      quiz.ID,
		}
		for _, p := range ms.ImagePaths {
			data, err := os.ReadFile(resolve(p))
			if err != nil {
				// A missing scan becomes an extraction failure for this student only.
				slog.Warn("cannot read image", "submission", ms.ID, "path", p, "error", err)
				data = nil
			}
			sub.Images = append(sub.Images, data)
		}
		subs = append(subs, sub)
	}
	slog.Info("loaded manifest", "path", path, "quiz", quiz.ID, "submissions", len(subs))
	return quiz, subs, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
