// Package controller supervises task lifecycles: it owns the registry
// of live workers and their control signals, and exposes the start/
// pause/resume/stop/restart/resume-from-failure operations.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
	"github.com/docpipe/docpipe/internal/scan"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// stopTimeout bounds how long restart waits for a stopping worker.
const stopTimeout = 10 * time.Second

// taskRuntime is the per-task handle: the control signal pair and a
// channel closed when the worker goroutine exits. Inserted before
// launch, removed on exit; it does not survive a process restart, so a
// task left running across a restart must go through ResumeFromFailure.
type taskRuntime struct {
	sig   *worker.Signal
	done  chan struct{}
	stage int
}

// Controller coordinates at most one active worker per task.
type Controller struct {
	store  *store.Store
	worker *worker.Worker
	log    *slog.Logger

	mu      sync.Mutex
	running map[string]*taskRuntime
}

func New(st *store.Store, w *worker.Worker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   st,
		worker:  w,
		log:     logger,
		running: make(map[string]*taskRuntime),
	}
}

// CreateTask creates a task and populates its file list from a one-time
// recursive scan of the source directory.
func (c *Controller) CreateTask(ctx context.Context, name, sourcePath string, includeExts []string) (string, error) {
	files, stats, err := scan.Directory(sourcePath, includeExts, c.log)
	if err != nil {
		return "", err
	}

	taskID, err := c.store.CreateTask(ctx, name, sourcePath)
	if err != nil {
		return "", err
	}
	if _, err := c.store.AddFiles(ctx, taskID, files); err != nil {
		return "", err
	}

	c.log.Info("task populated", "task_id", taskID, "files", len(files), "scanned", stats.Scanned)
	return taskID, nil
}

// ConfigureStage1 stores the page-matching configuration.
func (c *Controller) ConfigureStage1(ctx context.Context, taskID string, cfg *entity.Stage1Config) error {
	return c.store.SaveStage1Config(ctx, taskID, cfg)
}

// ConfigureStage2 stores the extraction configuration and keyword list.
func (c *Controller) ConfigureStage2(ctx context.Context, taskID string, cfg *entity.Stage2Config, keywords []string) error {
	return c.store.SaveStage2Config(ctx, taskID, cfg, keywords)
}

// Start launches the stage worker for a task. Rejects with
// ErrAlreadyRunning when a worker for this task is already registered.
func (c *Controller) Start(ctx context.Context, taskID string, stage int) error {
	if stage != constants.StageMatch && stage != constants.StageExtract {
		return common.ValidationErrorf("invalid stage: %d", stage)
	}
	// Fail fast on unknown ids before registering anything.
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.running[taskID]; ok {
		c.mu.Unlock()
		return common.NewAppError("ALREADY_RUNNING", "task "+taskID+" already has a worker", common.ErrAlreadyRunning)
	}
	rt := &taskRuntime{sig: worker.NewSignal(), done: make(chan struct{}), stage: stage}
	c.running[taskID] = rt
	c.mu.Unlock()

	c.log.Info("starting worker", "task_id", taskID, "stage", stage)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, taskID)
			c.mu.Unlock()
			close(rt.done)
		}()
		// The worker outlives the caller's request context; stop is
		// cooperative through the signal, not context cancellation.
		runCtx := context.Background()
		if stage == constants.StageMatch {
			c.worker.RunStage1(runCtx, taskID, rt.sig)
		} else {
			c.worker.RunStage2(runCtx, taskID, rt.sig)
		}
	}()
	return nil
}

// Pause asks the running worker to idle without consuming files.
func (c *Controller) Pause(taskID string) error {
	rt, err := c.runtime(taskID)
	if err != nil {
		return err
	}
	rt.sig.Pause()
	c.log.Info("pause requested", "task_id", taskID)
	return nil
}

// Resume clears the pause flag and moves the task back to running.
func (c *Controller) Resume(ctx context.Context, taskID string) error {
	rt, err := c.runtime(taskID)
	if err != nil {
		return err
	}
	rt.sig.Resume()
	c.log.Info("resume requested", "task_id", taskID)
	return c.store.UpdateTaskStatus(ctx, taskID, constants.TaskStatusRunning, rt.stage, "")
}

// Stop flips the stop flag; the worker observes it at the next
// suspension point and exits cleanly. Cooperative, not preemptive: a
// file mid-flight in a collaborator call settles first.
func (c *Controller) Stop(taskID string) error {
	rt, err := c.runtime(taskID)
	if err != nil {
		return err
	}
	rt.sig.Stop()
	c.log.Info("stop requested", "task_id", taskID)
	return nil
}

// RestartStage stops any running worker, resets every file's status for
// the stage back to pending (discarding that stage's prior results),
// and relaunches.
func (c *Controller) RestartStage(ctx context.Context, taskID string, stage int) error {
	c.mu.Lock()
	rt := c.running[taskID]
	c.mu.Unlock()

	if rt != nil {
		rt.sig.Stop()
		select {
		case <-rt.done:
		case <-time.After(stopTimeout):
			return common.NewAppError("ALREADY_RUNNING", "worker did not stop in time", common.ErrAlreadyRunning)
		}
	}

	if err := c.store.ResetStage(ctx, taskID, stage); err != nil {
		return err
	}
	return c.Start(ctx, taskID, stage)
}

// ResumeFromFailure relaunches the worker for the task's current stage
// so that only pending files are processed. Valid only for failed,
// stopped, or paused tasks; completed and failed file rows are left
// untouched, which is the resumability guarantee.
func (c *Controller) ResumeFromFailure(ctx context.Context, taskID string) error {
	c.mu.Lock()
	_, isRunning := c.running[taskID]
	c.mu.Unlock()
	if isRunning {
		return common.NewAppError("ALREADY_RUNNING", "task "+taskID+" already has a worker", common.ErrAlreadyRunning)
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Resumable() {
		return common.ValidationErrorf("only failed, stopped, or paused tasks can be resumed; current status: %s", task.Status)
	}
	if task.Stage != constants.StageMatch && task.Stage != constants.StageExtract {
		return common.ValidationErrorf("invalid stage for resume: %d", task.Stage)
	}

	stats, err := c.store.GetStatistics(ctx, taskID)
	if err != nil {
		return err
	}
	pending := stats.PendingForStage(task.Stage)
	c.log.Info("resume from failure", "task_id", taskID, "stage", task.Stage, "pending", pending)
	if pending == 0 {
		c.log.Info("nothing pending, not relaunching", "task_id", taskID)
		return nil
	}

	if err := c.store.ResetStageForResume(ctx, taskID, task.Stage); err != nil {
		return err
	}
	return c.Start(ctx, taskID, task.Stage)
}

// IsRunning reports whether a worker is registered for the task.
func (c *Controller) IsRunning(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[taskID]
	return ok
}

// Wait blocks until the task's worker exits. Returns immediately when
// no worker is registered.
func (c *Controller) Wait(taskID string) {
	c.mu.Lock()
	rt := c.running[taskID]
	c.mu.Unlock()
	if rt != nil {
		<-rt.done
	}
}

func (c *Controller) runtime(taskID string) (*taskRuntime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.running[taskID]
	if !ok {
		return nil, common.NewAppError("NOT_RUNNING", "task "+taskID+" has no worker", common.ErrNotRunning)
	}
	return rt, nil
}
