// Package worker drives the two processing stages for one task: page
// matching (stage 1) and field extraction (stage 2). Loops pull pending
// files in small batches, write each outcome durably before moving on,
// and honor pause/stop signals between files, so a crash mid-batch
// loses at most the in-flight file.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"time"

	_ "image/jpeg"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/match"
	"github.com/docpipe/docpipe/internal/pdfrender"
	"github.com/docpipe/docpipe/internal/store"
)

// Config holds loop tuning.
type Config struct {
	// BatchSize is how many pending files one fetch pulls.
	BatchSize int
	// PauseInterval is the sleep-and-recheck period while paused; kept
	// short so a stop issued during a pause is still observed promptly.
	PauseInterval time.Duration
	// BatchInterval is a small breather between batches.
	BatchInterval time.Duration
	// RenderDPI is passed to the rasterizer.
	RenderDPI int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = time.Second
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
	if c.RenderDPI <= 0 {
		c.RenderDPI = 200
	}
	return c
}

// Worker runs stage loops against the store and the collaborators.
type Worker struct {
	store     *store.Store
	renderer  pdfrender.Renderer
	matcher   *match.Matcher
	extractor extract.FieldExtractor
	cfg       Config
	log       *slog.Logger
}

func New(st *store.Store, renderer pdfrender.Renderer, matcher *match.Matcher, extractor extract.FieldExtractor, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     st,
		renderer:  renderer,
		matcher:   matcher,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		log:       logger,
	}
}

// RunStage1 processes page matching to completion for one task. It
// blocks until the task reaches a terminal or suspended status; the
// controller runs it on its own goroutine.
func (w *Worker) RunStage1(ctx context.Context, taskID string, sig *Signal) {
	w.log.Info("worker.stage1.start", "task_id", taskID)
	if err := w.runStage1(ctx, taskID, sig); err != nil {
		w.log.Error("worker.stage1.fatal", "task_id", taskID, "error", err)
		w.failTask(taskID, constants.StageMatch, err)
	}
}

func (w *Worker) runStage1(ctx context.Context, taskID string, sig *Signal) error {
	if err := w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusRunning, constants.StageMatch, ""); err != nil {
		return err
	}

	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Stage1Config == nil {
		return common.ValidationErrorf("stage 1 is not configured for task %s", taskID)
	}
	matchCfg, positives, negatives, err := stage1Inputs(task.Stage1Config)
	if err != nil {
		return err
	}

	for {
		if stop, err := w.checkSignals(ctx, taskID, constants.StageMatch, sig); err != nil || stop {
			return err
		}

		files, err := w.store.GetPendingFiles(ctx, taskID, constants.StageMatch, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			w.log.Info("worker.stage1.done", "task_id", taskID)
			return w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusStage1Completed, constants.StageMatch, "")
		}

		for _, f := range files {
			if sig.Stopped() || sig.Paused() {
				break
			}
			if err := w.matchOne(ctx, f, matchCfg, positives, negatives); err != nil {
				return err
			}
			if err := w.store.RecomputeProgress(ctx, taskID); err != nil {
				return err
			}
		}

		time.Sleep(w.cfg.BatchInterval)
	}
}

// matchOne renders and matches a single file. Collaborator failures are
// recorded on the file and never abort the batch; a failed store write
// is returned and aborts the worker.
func (w *Worker) matchOne(ctx context.Context, f *entity.File, cfg match.Config, positives, negatives []image.Image) error {
	w.log.Info("worker.stage1.file", "file_id", f.ID, "name", f.FileName)

	pages, err := w.renderer.Render(ctx, f.FilePath, w.cfg.RenderDPI)
	if err != nil {
		return w.recordStage1Failure(ctx, f, common.WrapError(err, "render"))
	}

	res, err := w.matcher.Match(ctx, pages, positives, negatives, cfg)
	if err != nil {
		return w.recordStage1Failure(ctx, f, err)
	}

	payload, err := encodePNG(pages[res.PageIndex])
	if err != nil {
		return w.recordStage1Failure(ctx, f, common.WrapError(err, "encode matched page"))
	}

	page := res.PageNumber
	score := res.Score
	if err := w.store.RecordStage1Result(ctx, f.ID, &page, payload, &score, constants.FileStatusCompleted, ""); err != nil {
		return err
	}
	w.log.Info("worker.stage1.file.ok", "file_id", f.ID, "page", page, "score", score)
	return nil
}

func (w *Worker) recordStage1Failure(ctx context.Context, f *entity.File, cause error) error {
	w.log.Warn("worker.stage1.file.failed", "file_id", f.ID, "name", f.FileName, "error", cause)
	return w.store.RecordStage1Result(ctx, f.ID, nil, nil, nil, constants.FileStatusFailed, cause.Error())
}

// RunStage2 processes field extraction for files whose stage 1 succeeded.
func (w *Worker) RunStage2(ctx context.Context, taskID string, sig *Signal) {
	w.log.Info("worker.stage2.start", "task_id", taskID)
	if err := w.runStage2(ctx, taskID, sig); err != nil {
		w.log.Error("worker.stage2.fatal", "task_id", taskID, "error", err)
		w.failTask(taskID, constants.StageExtract, err)
	}
}

func (w *Worker) runStage2(ctx context.Context, taskID string, sig *Signal) error {
	if err := w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusRunning, constants.StageExtract, ""); err != nil {
		return err
	}

	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	var stage2Cfg entity.Stage2Config
	if task.Stage2Config != nil {
		stage2Cfg = *task.Stage2Config
	}
	keys, err := w.store.GetKeywords(ctx, taskID)
	if err != nil {
		return err
	}

	for {
		if stop, err := w.checkSignals(ctx, taskID, constants.StageExtract, sig); err != nil || stop {
			return err
		}

		files, err := w.store.GetPendingFiles(ctx, taskID, constants.StageExtract, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			w.log.Info("worker.stage2.done", "task_id", taskID)
			return w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusCompleted, constants.StageExtract, "")
		}

		for _, f := range files {
			if sig.Stopped() || sig.Paused() {
				break
			}
			if err := w.extractOne(ctx, f, stage2Cfg, keys); err != nil {
				return err
			}
			if err := w.store.RecomputeProgress(ctx, taskID); err != nil {
				return err
			}
		}

		time.Sleep(w.cfg.BatchInterval)
	}
}

func (w *Worker) extractOne(ctx context.Context, f *entity.File, cfg entity.Stage2Config, keys []string) error {
	w.log.Info("worker.stage2.file", "file_id", f.ID, "name", f.FileName)

	img, _, err := image.Decode(bytes.NewReader(f.MatchedPageImage))
	if err != nil {
		return w.recordStage2Failure(ctx, f, common.WrapError(err, "decode matched page"))
	}

	req := extract.Request{Image: img, Keys: keys, Config: cfg}
	if !cfg.UseLLM {
		req.Keys = nil
	}

	res, err := w.extract(ctx, req)
	if err != nil {
		return w.recordStage2Failure(ctx, f, err)
	}

	fields, err := json.Marshal(res.Fields)
	if err != nil {
		return w.recordStage2Failure(ctx, f, common.WrapError(err, "encode fields"))
	}
	if len(req.Keys) > 0 {
		if err := extract.ValidateFields(req.Keys, fields); err != nil {
			return w.recordStage2Failure(ctx, f, err)
		}
	}

	if err := w.store.RecordStage2Result(ctx, f.ID, res.RawVisualInfo, fields, constants.FileStatusCompleted, ""); err != nil {
		return err
	}
	w.log.Info("worker.stage2.file.ok", "file_id", f.ID, "fields", len(res.Fields))
	return nil
}

// extract runs the multimodal hint path when asked for and available,
// falling back to the plain call on failure rather than failing the file.
func (w *Worker) extract(ctx context.Context, req extract.Request) (extract.Result, error) {
	if req.Config.UseMLLM {
		if mm, ok := w.extractor.(extract.MultimodalExtractor); ok {
			res, err := mm.ExtractFieldsMultimodal(ctx, req)
			if err == nil {
				return res, nil
			}
			w.log.Warn("worker.stage2.mllm_fallback", "error", err)
		}
	}
	return w.extractor.ExtractFields(ctx, req)
}

func (w *Worker) recordStage2Failure(ctx context.Context, f *entity.File, cause error) error {
	w.log.Warn("worker.stage2.file.failed", "file_id", f.ID, "name", f.FileName, "error", cause)
	return w.store.RecordStage2Result(ctx, f.ID, nil, nil, constants.FileStatusFailed, cause.Error())
}

// checkSignals applies the control flags at a suspension point. A stop
// flag moves the task to stopped and ends the loop; a pause flag parks
// the loop in short sleeps so a later stop is still observed.
func (w *Worker) checkSignals(ctx context.Context, taskID string, stage int, sig *Signal) (bool, error) {
	for {
		if sig.Stopped() {
			w.log.Info("worker.stopped", "task_id", taskID, "stage", stage)
			return true, w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusStopped, stage, "")
		}
		if !sig.Paused() {
			return false, nil
		}
		if err := w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusPaused, stage, ""); err != nil {
			return true, err
		}
		time.Sleep(w.cfg.PauseInterval)
	}
}

// failTask records a worker-fatal error on the task. Best effort: the
// store may be the very thing that failed.
func (w *Worker) failTask(taskID string, stage int, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusFailed, stage, cause.Error()); err != nil {
		w.log.Error("worker.fail_task_write_failed", "task_id", taskID, "error", err)
	}
}

func stage1Inputs(cfg *entity.Stage1Config) (match.Config, []image.Image, []image.Image, error) {
	positives, err := decodeImages(cfg.PositiveTemplates)
	if err != nil {
		return match.Config{}, nil, nil, common.WrapError(err, "decode positive templates")
	}
	negatives, err := decodeImages(cfg.NegativeTemplates)
	if err != nil {
		return match.Config{}, nil, nil, common.WrapError(err, "decode negative templates")
	}
	mc := match.Config{
		PositiveThreshold: cfg.PositiveThreshold,
		NegativeThreshold: cfg.NegativeThreshold,
		SkipVoided:        cfg.SkipVoided,
		VoidCheckTopN:     cfg.VoidCheckTopN,
		Aggregation:       match.Aggregation(cfg.Aggregation),
	}
	return mc, positives, negatives, nil
}

func decodeImages(payloads [][]byte) ([]image.Image, error) {
	imgs := make([]image.Image, 0, len(payloads))
	for i, p := range payloads {
		img, _, err := image.Decode(bytes.NewReader(p))
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
