package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
)

// CreateTask inserts a new batch task in status created and returns its id.
func (s *Store) CreateTask(ctx context.Context, name, sourcePath string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", common.ValidationErrorf("task name is required")
	}
	if strings.TrimSpace(sourcePath) == "" {
		return "", common.ValidationErrorf("source path is required")
	}

	taskID := uuid.NewString()
	now := nowText()
	_, err := s.execWrite(ctx, `
		INSERT INTO batch_tasks (task_id, task_name, source_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, name, sourcePath, constants.TaskStatusCreated, now, now)
	if err != nil {
		s.log.Error("create task failed", "name", name, "error", err)
		return "", err
	}
	s.log.Info("task created", "task_id", taskID, "name", name, "source_path", sourcePath)
	return taskID, nil
}

const taskColumns = `task_id, task_name, source_path, status, stage, progress,
	total_files, processed_files, failed_files,
	created_at, started_at, updated_at, completed_at,
	stage1_config, stage2_config, error_message, is_deleted`

// GetTask returns a task by id. Soft-deleted tasks resolve to ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*entity.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM batch_tasks
		WHERE task_id = ? AND is_deleted = 0`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewAppError("TASK_NOT_FOUND", "no such task: "+taskID, common.ErrNotFound)
	}
	return task, err
}

// ListTasks returns all tasks, newest first. Soft-deleted tasks are
// excluded unless includeDeleted is set.
func (s *Store) ListTasks(ctx context.Context, includeDeleted bool) ([]*entity.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM batch_tasks`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*entity.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*entity.Task, error) {
	var (
		t                          entity.Task
		startedAt, completedAt     sql.NullString
		createdAt, updatedAt       sql.NullString
		stage1Config, stage2Config sql.NullString
		errorMessage               sql.NullString
		isDeleted                  int
	)
	err := r.Scan(&t.ID, &t.Name, &t.SourcePath, &t.Status, &t.Stage, &t.Progress,
		&t.TotalFiles, &t.ProcessedFiles, &t.FailedFiles,
		&createdAt, &startedAt, &updatedAt, &completedAt,
		&stage1Config, &stage2Config, &errorMessage, &isDeleted)
	if err != nil {
		return nil, err
	}
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	if ts := parseTime(updatedAt); ts != nil {
		t.UpdatedAt = *ts
	}
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	t.ErrorMessage = errorMessage.String
	t.IsDeleted = isDeleted != 0

	if stage1Config.Valid && stage1Config.String != "" {
		var cfg entity.Stage1Config
		if err := json.Unmarshal([]byte(stage1Config.String), &cfg); err != nil {
			return nil, common.WrapError(err, "decode stage1 config")
		}
		t.Stage1Config = &cfg
	}
	if stage2Config.Valid && stage2Config.String != "" {
		var cfg entity.Stage2Config
		if err := json.Unmarshal([]byte(stage2Config.String), &cfg); err != nil {
			return nil, common.WrapError(err, "decode stage2 config")
		}
		t.Stage2Config = &cfg
	}
	return &t, nil
}

// UpdateTaskStatus moves a task to the given status, optionally updating
// the stage and error message. The start timestamp is stamped on the
// first transition into stage-1 running; the completion timestamp when
// the task reaches completed.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status constants.TaskStatus, stage int, errorMessage string) error {
	now := nowText()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, now}

	if stage >= 0 {
		sets = append(sets, "stage = ?")
		args = append(args, stage)
	}
	if errorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, errorMessage)
	}
	if status == constants.TaskStatusRunning && stage == constants.StageMatch {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if status == constants.TaskStatusCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, taskID)

	res, err := s.execWrite(ctx, `UPDATE batch_tasks SET `+strings.Join(sets, ", ")+` WHERE task_id = ?`, args...)
	if err != nil {
		s.log.Error("update task status failed", "task_id", taskID, "status", status, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("TASK_NOT_FOUND", "no such task: "+taskID, common.ErrNotFound)
	}
	s.log.Debug("task status updated", "task_id", taskID, "status", status, "stage", stage)
	return nil
}

// RecomputeProgress derives processed/failed counts and the progress
// percentage from current file rows. Progress is never authoritative on
// its own; this keeps it consistent after every file write. The inner
// select names only the status columns so image payloads stay on disk.
func (s *Store) RecomputeProgress(ctx context.Context, taskID string) error {
	var total, completed, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN stage2_status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed
		FROM (
			SELECT stage2_status, status
			FROM batch_files
			WHERE task_id = ?
		)`, taskID).Scan(&total, &completed, &failed)
	if err != nil {
		return err
	}

	progress := 0.0
	if total > 0 {
		progress = float64(completed) / float64(total) * 100
	}

	_, err = s.execWrite(ctx, `
		UPDATE batch_tasks
		SET progress = ?, processed_files = ?, failed_files = ?, updated_at = ?
		WHERE task_id = ?`,
		progress, completed, failed, nowText(), taskID)
	return err
}

// SaveStage1Config persists the page-matching configuration.
func (s *Store) SaveStage1Config(ctx context.Context, taskID string, cfg *entity.Stage1Config) error {
	if cfg == nil || len(cfg.PositiveTemplates) == 0 {
		return common.ValidationErrorf("at least one positive template is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return common.WrapError(err, "encode stage1 config")
	}
	_, err = s.execWrite(ctx, `
		UPDATE batch_tasks SET stage1_config = ?, updated_at = ? WHERE task_id = ?`,
		string(raw), nowText(), taskID)
	return err
}

// SaveStage2Config persists the extraction configuration and replaces
// the task's keyword list, preserving the given order as the ordinal.
func (s *Store) SaveStage2Config(ctx context.Context, taskID string, cfg *entity.Stage2Config, keywords []string) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return common.WrapError(err, "encode stage2 config")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_tasks SET stage2_config = ?, updated_at = ? WHERE task_id = ?`,
		string(raw), nowText(), taskID); err != nil {
		return err
	}
	if err := replaceKeywords(ctx, tx, taskID, keywords); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkTaskDeleted soft-deletes a task. The row and its files are
// retained for audit; all listings exclude it from here on.
func (s *Store) MarkTaskDeleted(ctx context.Context, taskID string) error {
	res, err := s.execWrite(ctx, `
		UPDATE batch_tasks SET is_deleted = 1, updated_at = ? WHERE task_id = ?`,
		nowText(), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("TASK_NOT_FOUND", "no such task: "+taskID, common.ErrNotFound)
	}
	s.log.Info("task soft-deleted", "task_id", taskID)
	return nil
}

// GetStatistics returns per-stage counts and the average matching score
// in one aggregate pass. The inner select deliberately omits the image
// payload column; with megabyte blobs per file this is the difference
// between a milliseconds query and an OOM.
func (s *Store) GetStatistics(ctx context.Context, taskID string) (entity.TaskStatistics, error) {
	var (
		stats entity.TaskStatistics
		avg   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total_files,
			COALESCE(SUM(CASE WHEN stage1_status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage1_status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage1_status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage2_status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage2_status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage1_status = 'completed' AND stage2_status = 'pending' THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN matching_score IS NOT NULL THEN matching_score ELSE NULL END)
		FROM (
			SELECT stage1_status, stage2_status, matching_score
			FROM batch_files
			WHERE task_id = ?
		)`, taskID).Scan(
		&stats.TotalFiles,
		&stats.Stage1Completed, &stats.Stage1Failed, &stats.Stage1Pending,
		&stats.Stage2Completed, &stats.Stage2Failed, &stats.Stage2Pending,
		&avg)
	if err != nil {
		return entity.TaskStatistics{}, err
	}
	if avg.Valid {
		stats.AvgMatchingScore = &avg.Float64
	}
	return stats, nil
}

// ResetStageForResume marks the task running at the given stage and
// clears its error, without touching any file row. Resumption relies
// entirely on the existing pending rows.
func (s *Store) ResetStageForResume(ctx context.Context, taskID string, stage int) error {
	res, err := s.execWrite(ctx, `
		UPDATE batch_tasks
		SET status = ?, stage = ?, error_message = NULL, updated_at = ?
		WHERE task_id = ?`,
		constants.TaskStatusRunning, stage, nowText(), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("TASK_NOT_FOUND", "no such task: "+taskID, common.ErrNotFound)
	}
	s.log.Info("task reset for resume", "task_id", taskID, "stage", stage)
	return nil
}

// DatabaseStats reports file size and image payload usage.
func (s *Store) DatabaseStats(ctx context.Context) (entity.DatabaseStats, error) {
	var stats entity.DatabaseStats

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return stats, err
	}
	stats.SizeBytes = pageCount * pageSize

	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&stats.JournalMode); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_tasks").Scan(&stats.TotalTasks); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_files").Scan(&stats.TotalFiles); err != nil {
		return stats, err
	}

	var imageBytes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(LENGTH(matched_page_image))
		FROM batch_files
		WHERE matched_page_image IS NOT NULL`).Scan(&stats.FilesWithImages, &imageBytes)
	if err != nil {
		return stats, err
	}
	stats.ImageBytes = imageBytes.Int64
	return stats, nil
}
