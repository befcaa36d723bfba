package controller

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/match"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// matchAllEmbedder scores every page identically against every
// reference, so any rendered page matches.
type matchAllEmbedder struct{}

func (matchAllEmbedder) Embed(context.Context, image.Image) ([]float32, error) {
	return []float32{1, 0}, nil
}

type neverVoided struct{}

func (neverVoided) ContainsVoidMarker(context.Context, image.Image) (bool, error) {
	return false, nil
}

// gateRenderer serves one page per file and can be blocked to hold a
// worker mid-file. Calls are counted by base name.
type gateRenderer struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{} // when non-nil, Render waits for it to close
}

func (r *gateRenderer) Render(_ context.Context, pdfPath string, _ int) ([]image.Image, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[filepath.Base(pdfPath)]++
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return []image.Image{image.NewGray(image.Rect(0, 0, 8, 8))}, nil
}

func (r *gateRenderer) callCount(base string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[base]
}

type stubExtractor struct{}

func (stubExtractor) ExtractFields(_ context.Context, req extract.Request) (extract.Result, error) {
	fields := map[string]string{}
	for _, k := range req.Keys {
		fields[k] = "v"
	}
	return extract.Result{Fields: fields, RawVisualInfo: []byte(`{}`)}, nil
}

type fixture struct {
	ctrl     *Controller
	store    *store.Store
	renderer *gateRenderer
	srcDir   string
}

func newFixture(t *testing.T, pdfNames ...string) *fixture {
	t.Helper()
	srcDir := t.TempDir()
	for _, name := range pdfNames {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte("%PDF-1.4"), 0644))
	}

	st, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "ctrl.db"),
		BusyTimeout: 5 * time.Second,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	renderer := &gateRenderer{}
	matcher := match.NewMatcher(matchAllEmbedder{}, neverVoided{}, nil)
	w := worker.New(st, renderer, matcher, stubExtractor{}, worker.Config{
		BatchSize:     2,
		PauseInterval: 10 * time.Millisecond,
		BatchInterval: time.Millisecond,
	}, slog.Default())

	return &fixture{
		ctrl:     New(st, w, slog.Default()),
		store:    st,
		renderer: renderer,
		srcDir:   srcDir,
	}
}

func templatePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func (fx *fixture) createConfiguredTask(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	taskID, err := fx.ctrl.CreateTask(ctx, "batch", fx.srcDir, nil)
	require.NoError(t, err)
	require.NoError(t, fx.ctrl.ConfigureStage1(ctx, taskID, &entity.Stage1Config{
		PositiveTemplates: [][]byte{templatePNG(t)},
		PositiveThreshold: 0.25,
		NegativeThreshold: 0.30,
	}))
	require.NoError(t, fx.ctrl.ConfigureStage2(ctx, taskID, &entity.Stage2Config{UseLLM: true}, []string{"total"}))
	return taskID
}

func TestCreateTaskScansDirectory(t *testing.T) {
	fx := newFixture(t, "a.pdf", "b.pdf")
	require.NoError(t, os.WriteFile(filepath.Join(fx.srcDir, "notes.txt"), []byte("x"), 0644))

	ctx := context.Background()
	taskID, err := fx.ctrl.CreateTask(ctx, "batch", fx.srcDir, nil)
	require.NoError(t, err)

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 2, task.TotalFiles)

	files, err := fx.store.ListFiles(ctx, taskID, store.FileFilter{})
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, filepath.IsAbs(f.FilePath), "scan persists absolute paths")
		assert.Equal(t, ".pdf", f.FileType)
	}

	_, err = fx.ctrl.CreateTask(ctx, "missing", filepath.Join(fx.srcDir, "nope"), nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestStartValidation(t *testing.T) {
	fx := newFixture(t, "a.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	assert.ErrorIs(t, fx.ctrl.Start(ctx, taskID, 3), common.ErrValidation)
	assert.ErrorIs(t, fx.ctrl.Start(ctx, "missing", constants.StageMatch), common.ErrNotFound)
}

func TestStartRejectsSecondWorker(t *testing.T) {
	fx := newFixture(t, "a.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	gate := make(chan struct{})
	fx.renderer.gate = gate

	require.NoError(t, fx.ctrl.Start(ctx, taskID, constants.StageMatch))
	assert.True(t, fx.ctrl.IsRunning(taskID))

	err := fx.ctrl.Start(ctx, taskID, constants.StageMatch)
	assert.ErrorIs(t, err, common.ErrAlreadyRunning)

	err = fx.ctrl.ResumeFromFailure(ctx, taskID)
	assert.ErrorIs(t, err, common.ErrAlreadyRunning)

	close(gate)
	fx.ctrl.Wait(taskID)
	assert.False(t, fx.ctrl.IsRunning(taskID))
}

func TestPauseResumeStop(t *testing.T) {
	fx := newFixture(t, "a.pdf", "b.pdf", "c.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	// Not running yet: control operations must refuse.
	assert.ErrorIs(t, fx.ctrl.Pause(taskID), common.ErrNotRunning)
	assert.ErrorIs(t, fx.ctrl.Resume(ctx, taskID), common.ErrNotRunning)
	assert.ErrorIs(t, fx.ctrl.Stop(taskID), common.ErrNotRunning)

	gate := make(chan struct{})
	fx.renderer.gate = gate
	require.NoError(t, fx.ctrl.Start(ctx, taskID, constants.StageMatch))
	require.NoError(t, fx.ctrl.Pause(taskID))
	close(gate)

	require.Eventually(t, func() bool {
		task, err := fx.store.GetTask(ctx, taskID)
		return err == nil && task.Status == constants.TaskStatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	fx.renderer.mu.Lock()
	fx.renderer.gate = nil
	fx.renderer.mu.Unlock()
	require.NoError(t, fx.ctrl.Resume(ctx, taskID))
	// The worker may drain the remaining files before the stop lands.
	if err := fx.ctrl.Stop(taskID); err != nil {
		require.ErrorIs(t, err, common.ErrNotRunning)
	}
	fx.ctrl.Wait(taskID)

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, []constants.TaskStatus{
		constants.TaskStatusStopped,
		constants.TaskStatusStage1Completed,
	}, task.Status, "a stop close to completion may lose the race to the finish line")
}

func TestFullPipeline(t *testing.T) {
	fx := newFixture(t, "a.pdf", "b.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	require.NoError(t, fx.ctrl.Start(ctx, taskID, constants.StageMatch))
	fx.ctrl.Wait(taskID)

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, constants.TaskStatusStage1Completed, task.Status)

	require.NoError(t, fx.ctrl.Start(ctx, taskID, constants.StageExtract))
	fx.ctrl.Wait(taskID)

	task, err = fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusCompleted, task.Status)
	assert.InDelta(t, 100.0, task.Progress, 1e-9)
	assert.NotNil(t, task.CompletedAt)
}

func TestRestartStageReprocessesEverything(t *testing.T) {
	fx := newFixture(t, "a.pdf", "b.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	require.NoError(t, fx.ctrl.Start(ctx, taskID, constants.StageMatch))
	fx.ctrl.Wait(taskID)
	require.Equal(t, 1, fx.renderer.callCount("a.pdf"))

	require.NoError(t, fx.ctrl.RestartStage(ctx, taskID, constants.StageMatch))
	fx.ctrl.Wait(taskID)

	assert.Equal(t, 2, fx.renderer.callCount("a.pdf"), "restart reprocesses completed files")
	assert.Equal(t, 2, fx.renderer.callCount("b.pdf"))

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusStage1Completed, task.Status)
}

func TestResumeFromFailurePreconditions(t *testing.T) {
	fx := newFixture(t, "a.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	// A freshly created task has never run; nothing to resume.
	err := fx.ctrl.ResumeFromFailure(ctx, taskID)
	assert.ErrorIs(t, err, common.ErrValidation)

	assert.ErrorIs(t, fx.ctrl.ResumeFromFailure(ctx, "missing"), common.ErrNotFound)
}

func TestResumeFromFailureProcessesPendingOnly(t *testing.T) {
	fx := newFixture(t, "done.pdf", "todo.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	files, err := fx.store.ListFiles(ctx, taskID, store.FileFilter{})
	require.NoError(t, err)
	page := 1
	score := 0.5
	require.NoError(t, fx.store.RecordStage1Result(ctx, files[0].ID, &page, templatePNG(t), &score, constants.FileStatusCompleted, ""))
	require.NoError(t, fx.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusFailed, constants.StageMatch, "process killed"))

	require.NoError(t, fx.ctrl.ResumeFromFailure(ctx, taskID))
	fx.ctrl.Wait(taskID)

	assert.Zero(t, fx.renderer.callCount("done.pdf"), "completed files are never reprocessed on resume")
	assert.Equal(t, 1, fx.renderer.callCount("todo.pdf"))

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusStage1Completed, task.Status)
	assert.Empty(t, task.ErrorMessage)
}

func TestResumeFromFailureNothingPending(t *testing.T) {
	fx := newFixture(t, "a.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	files, err := fx.store.ListFiles(ctx, taskID, store.FileFilter{})
	require.NoError(t, err)
	page := 1
	score := 0.5
	require.NoError(t, fx.store.RecordStage1Result(ctx, files[0].ID, &page, templatePNG(t), &score, constants.FileStatusCompleted, ""))
	require.NoError(t, fx.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusStopped, constants.StageMatch, ""))

	require.NoError(t, fx.ctrl.ResumeFromFailure(ctx, taskID))
	assert.False(t, fx.ctrl.IsRunning(taskID), "no worker is launched when nothing is pending")

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusStopped, task.Status, "task status is left alone")
}

func TestResumeFromFailureIgnoresStage1Failures(t *testing.T) {
	fx := newFixture(t, "ok.pdf", "broken.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	// ok.pdf made it through both stages; broken.pdf failed stage 1 and
	// will never be eligible for extraction.
	files, err := fx.store.ListFiles(ctx, taskID, store.FileFilter{})
	require.NoError(t, err)
	byName := map[string]int64{}
	for _, f := range files {
		byName[f.FileName] = f.ID
	}
	page := 1
	score := 0.5
	require.NoError(t, fx.store.RecordStage1Result(ctx, byName["ok.pdf"], &page, templatePNG(t), &score, constants.FileStatusCompleted, ""))
	require.NoError(t, fx.store.RecordStage1Result(ctx, byName["broken.pdf"], nil, nil, nil, constants.FileStatusFailed, "render failed"))
	require.NoError(t, fx.store.RecordStage2Result(ctx, byName["ok.pdf"], nil, []byte(`{}`), constants.FileStatusCompleted, ""))
	require.NoError(t, fx.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusFailed, constants.StageExtract, "boom"))

	require.NoError(t, fx.ctrl.ResumeFromFailure(ctx, taskID))
	assert.False(t, fx.ctrl.IsRunning(taskID), "no worker is launched for permanently ineligible files")

	task, err := fx.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusFailed, task.Status, "task status is left alone")
}

func TestResumeFromFailureInvalidStage(t *testing.T) {
	fx := newFixture(t, "a.pdf")
	ctx := context.Background()
	taskID := fx.createConfiguredTask(t)

	// Failed before any stage ever started.
	require.NoError(t, fx.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusFailed, constants.StageUnstarted, "bad config"))

	err := fx.ctrl.ResumeFromFailure(ctx, taskID)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrValidation)
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	}
}
