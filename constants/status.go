package constants

// TaskStatus is the canonical status for rows in batch_tasks.
type TaskStatus string

// Stable values (store these exact strings in DB).
const (
	TaskStatusCreated         TaskStatus = "created"          // task exists, no worker launched yet
	TaskStatusRunning         TaskStatus = "running"          // a stage worker is processing files
	TaskStatusPaused          TaskStatus = "paused"           // worker idling on the pause flag
	TaskStatusStopped         TaskStatus = "stopped"          // worker exited on the stop flag
	TaskStatusStage1Completed TaskStatus = "stage1_completed" // page matching done for every file
	TaskStatusCompleted       TaskStatus = "completed"        // field extraction done for every file
	TaskStatusFailed          TaskStatus = "failed"           // worker aborted outside the per-file boundary
)

// FileStatus is the per-stage status for rows in batch_files. Only
// pending files are ever (re)processed, which is what makes
// resume-from-failure safe.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusCompleted FileStatus = "completed"
	FileStatusFailed    FileStatus = "failed"
)

// Processing stages.
const (
	StageUnstarted = 0
	StageMatch     = 1 // page matching against visual templates
	StageExtract   = 2 // field extraction from the matched page
)

// Resumable reports whether a task in this status may be picked up by
// ResumeFromFailure.
func (s TaskStatus) Resumable() bool {
	return s == TaskStatusFailed || s == TaskStatusStopped || s == TaskStatusPaused
}
