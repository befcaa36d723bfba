package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/controller"
	"github.com/docpipe/docpipe/internal/entity"
	"github.com/docpipe/docpipe/internal/export"
	"github.com/docpipe/docpipe/internal/match"
	"github.com/docpipe/docpipe/internal/pdfrender"
	"github.com/docpipe/docpipe/internal/remote/embedsvc"
	"github.com/docpipe/docpipe/internal/remote/ocrsvc"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// printError prints to stderr, falling back to stdout if stderr fails.
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		dir       = flag.String("dir", "", "directory of PDF documents to process (required unless -resume)")
		name      = flag.String("name", "", "task name (defaults to the directory name)")
		out       = flag.String("out", "", "output XLSX path (defaults to <dir>/../results.xlsx)")
		positive  = flag.String("positive", "", "comma-separated positive template image paths (required for a new task)")
		negative  = flag.String("negative", "", "comma-separated negative template image paths")
		keywords  = flag.String("keywords", "", "comma-separated field names to extract")
		skipVoid  = flag.Bool("skip-voided", false, "skip voided candidate pages during matching")
		useLLM    = flag.Bool("use-llm", true, "extract keyword fields with the LLM pass")
		useMLLM   = flag.Bool("use-mllm", false, "prefer the vision-language model for extraction")
		resumeID  = flag.String("resume", "", "task ID to resume from its last failure instead of creating a new task")
		onlyStage = flag.Int("only-stage", 0, "run a single stage (1 or 2) instead of the full pipeline")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		printError("Warning: could not load .env: %v\n", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		printError("Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *resumeID == "" && *dir == "" {
		printError("Error: -dir is required\n")
		os.Exit(1)
	}
	if *resumeID == "" && *positive == "" {
		printError("Error: -positive is required for a new task\n")
		os.Exit(1)
	}

	ctx := context.Background()

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
		CacheKB:     cfg.Store.CacheKB,
	}, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close error", "error", err)
		}
	}()

	embedder := embedsvc.New(cfg.Services.EmbedURL, cfg.Services.Timeout, logger)
	extractor := ocrsvc.New(cfg.Services.ExtractURL, cfg.Services.Timeout, logger)
	if err := embedder.Health(ctx); err != nil {
		logger.Warn("embedding service health check failed", "url", cfg.Services.EmbedURL, "error", err)
	}
	if err := extractor.Health(ctx); err != nil {
		logger.Warn("extraction service health check failed", "url", cfg.Services.ExtractURL, "error", err)
	}

	renderer := pdfrender.NewFitzRenderer(cfg.Render.MaxPages, logger)
	matcher := match.NewMatcher(embedder, embedder, logger)
	wrk := worker.New(st, renderer, matcher, extractor, worker.Config{
		BatchSize:     cfg.Worker.BatchSize,
		PauseInterval: cfg.Worker.PauseInterval,
		BatchInterval: cfg.Worker.BatchInterval,
		RenderDPI:     cfg.Render.DPI,
	}, logger)
	ctrl := controller.New(st, wrk, logger)

	var taskID string
	if *resumeID != "" {
		taskID = *resumeID
		logger.Info("resuming task from failure", "task_id", taskID)
		if err := ctrl.ResumeFromFailure(ctx, taskID); err != nil {
			logger.Error("failed to resume task", "task_id", taskID, "error", err)
			os.Exit(1)
		}
		ctrl.Wait(taskID)
	} else {
		taskName := *name
		if taskName == "" {
			taskName = filepath.Base(*dir)
		}

		taskID, err = ctrl.CreateTask(ctx, taskName, *dir, nil)
		if err != nil {
			logger.Error("failed to create task", "error", err)
			os.Exit(1)
		}
		logger.Info("task created", "task_id", taskID, "name", taskName)

		s1 := &entity.Stage1Config{
			PositiveThreshold: cfg.Match.PositiveThreshold,
			NegativeThreshold: cfg.Match.NegativeThreshold,
			SkipVoided:        *skipVoid,
			VoidCheckTopN:     cfg.Match.VoidCheckTopN,
		}
		if s1.PositiveTemplates, err = readTemplates(*positive); err != nil {
			logger.Error("failed to read positive templates", "error", err)
			os.Exit(1)
		}
		if s1.NegativeTemplates, err = readTemplates(*negative); err != nil {
			logger.Error("failed to read negative templates", "error", err)
			os.Exit(1)
		}
		if err := ctrl.ConfigureStage1(ctx, taskID, s1); err != nil {
			logger.Error("failed to configure matching", "task_id", taskID, "error", err)
			os.Exit(1)
		}

		keys := splitList(*keywords)
		s2 := &entity.Stage2Config{
			UseLLM:  *useLLM,
			UseMLLM: *useMLLM,
		}
		if err := ctrl.ConfigureStage2(ctx, taskID, s2, keys); err != nil {
			logger.Error("failed to configure extraction", "task_id", taskID, "error", err)
			os.Exit(1)
		}

		if *onlyStage != constants.StageExtract {
			logger.Info("starting page matching", "task_id", taskID)
			if err := ctrl.Start(ctx, taskID, constants.StageMatch); err != nil {
				logger.Error("failed to start matching", "task_id", taskID, "error", err)
				os.Exit(1)
			}
			ctrl.Wait(taskID)
		}
		if *onlyStage != constants.StageMatch {
			logger.Info("starting field extraction", "task_id", taskID)
			if err := ctrl.Start(ctx, taskID, constants.StageExtract); err != nil {
				logger.Error("failed to start extraction", "task_id", taskID, "error", err)
				os.Exit(1)
			}
			ctrl.Wait(taskID)
		}
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("failed to load task", "task_id", taskID, "error", err)
		os.Exit(1)
	}
	stats, err := st.GetStatistics(ctx, taskID)
	if err != nil {
		logger.Error("failed to load statistics", "task_id", taskID, "error", err)
		os.Exit(1)
	}

	outPath := *out
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(task.SourcePath), "results.xlsx")
	}
	exportService := export.NewService(st, logger)
	xlsxBytes, err := exportService.ExportTaskXLSX(ctx, taskID)
	if err != nil {
		logger.Error("failed to export results", "task_id", taskID, "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, xlsxBytes, 0644); err != nil {
		logger.Error("failed to write output file", "path", outPath, "error", err)
		os.Exit(1)
	}

	logger.Info("pipeline complete",
		"task_id", taskID,
		"status", task.Status,
		"total_files", stats.TotalFiles,
		"extracted", stats.Stage2Completed,
		"stage1_failed", stats.Stage1Failed,
		"stage2_failed", stats.Stage2Failed,
		"output_file", outPath)

	fmt.Printf("Processing complete!\n")
	fmt.Printf("- Task: %s (%s)\n", task.Name, task.Status)
	fmt.Printf("- Files: %d total, %d extracted, %d failed\n",
		stats.TotalFiles, stats.Stage2Completed, stats.Stage1Failed+stats.Stage2Failed)
	fmt.Printf("- Output: %s\n", outPath)
}

// readTemplates loads each comma-separated image path into memory.
func readTemplates(list string) ([][]byte, error) {
	var out [][]byte
	for _, p := range splitList(list) {
		bs, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", p, err)
		}
		out = append(out, bs)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
