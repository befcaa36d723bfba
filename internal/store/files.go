package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
)

// AddFiles bulk-inserts scanned files for a task and refreshes the
// task's total file count. Not idempotent: re-scanning into an existing
// task duplicates rows, so callers run the scan exactly once at task
// creation.
func (s *Store) AddFiles(ctx context.Context, taskID string, files []entity.FileInfo) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_files (task_id, file_path, file_name, file_size, file_type)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, taskID, f.FilePath, f.FileName, f.FileSize, f.FileType); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_tasks
		SET total_files = (SELECT COUNT(*) FROM batch_files WHERE task_id = ?),
			updated_at = ?
		WHERE task_id = ?`,
		taskID, nowText(), taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Info("files added to task", "task_id", taskID, "count", len(files))
	return len(files), nil
}

const fileColumns = `id, task_id, file_path, file_name, file_size, file_type,
	status, stage1_status, stage2_status,
	matched_page_number, matched_page_image, matching_score,
	raw_extraction, extracted_fields, error_message, processed_at`

// fileColumnsNoImage substitutes NULL for the image payload so list
// queries stay cheap regardless of how many megabytes each row carries.
const fileColumnsNoImage = `id, task_id, file_path, file_name, file_size, file_type,
	status, stage1_status, stage2_status,
	matched_page_number, NULL AS matched_page_image, matching_score,
	raw_extraction, extracted_fields, error_message, processed_at`

// GetPendingFiles returns up to limit files still pending for the given
// stage, in insertion order for deterministic, resumable iteration.
// Stage 2 additionally requires a completed stage 1, so a file whose
// page matching is pending or failed can never leak into extraction.
func (s *Store) GetPendingFiles(ctx context.Context, taskID string, stage, limit int) ([]*entity.File, error) {
	var query string
	switch stage {
	case constants.StageMatch:
		query = `SELECT ` + fileColumnsNoImage + `
			FROM batch_files
			WHERE task_id = ? AND stage1_status = 'pending'
			ORDER BY id LIMIT ?`
	case constants.StageExtract:
		query = `SELECT ` + fileColumns + `
			FROM batch_files
			WHERE task_id = ? AND stage1_status = 'completed' AND stage2_status = 'pending'
			ORDER BY id LIMIT ?`
	default:
		return nil, common.ValidationErrorf("invalid stage: %d", stage)
	}

	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFiles(rows)
}

// RecordStage1Result writes one file's page-matching outcome in a
// single statement. A stage-1 failure also fails the file overall,
// since extraction can never run for it.
func (s *Store) RecordStage1Result(ctx context.Context, fileID int64, page *int, image []byte, score *float64, status constants.FileStatus, errorMessage string) error {
	overall := constants.FileStatusPending
	if status == constants.FileStatusFailed {
		overall = constants.FileStatusFailed
	}
	_, err := s.execWrite(ctx, `
		UPDATE batch_files
		SET stage1_status = ?,
			status = ?,
			matched_page_number = ?,
			matched_page_image = ?,
			matching_score = ?,
			error_message = ?,
			processed_at = ?
		WHERE id = ?`,
		status, overall, page, image, score, nullableText(errorMessage), nowText(), fileID)
	if err != nil {
		s.log.Error("record stage1 result failed", "file_id", fileID, "error", err)
	}
	return err
}

// RecordStage2Result writes one file's extraction outcome. The overall
// status follows the stage-2 status: this is the last stage, so
// completed here means the file is done.
func (s *Store) RecordStage2Result(ctx context.Context, fileID int64, rawExtraction, fields json.RawMessage, status constants.FileStatus, errorMessage string) error {
	_, err := s.execWrite(ctx, `
		UPDATE batch_files
		SET stage2_status = ?,
			raw_extraction = ?,
			extracted_fields = ?,
			status = ?,
			error_message = ?,
			processed_at = ?
		WHERE id = ?`,
		status, nullableJSON(rawExtraction), nullableJSON(fields), status,
		nullableText(errorMessage), nowText(), fileID)
	if err != nil {
		s.log.Error("record stage2 result failed", "file_id", fileID, "error", err)
	}
	return err
}

// ResetStage flips a stage's outcomes back to pending for every file of
// the task, discarding prior results. Stage 2 only resets files whose
// stage 1 completed; the rest were never eligible. Used by restart,
// never by resume.
func (s *Store) ResetStage(ctx context.Context, taskID string, stage int) error {
	var query string
	switch stage {
	case constants.StageMatch:
		query = `UPDATE batch_files
			SET stage1_status = 'pending',
				matched_page_number = NULL,
				matched_page_image = NULL,
				matching_score = NULL,
				error_message = NULL
			WHERE task_id = ?`
	case constants.StageExtract:
		query = `UPDATE batch_files
			SET stage2_status = 'pending',
				status = 'pending',
				raw_extraction = NULL,
				extracted_fields = NULL,
				error_message = NULL
			WHERE task_id = ? AND stage1_status = 'completed'`
	default:
		return common.ValidationErrorf("invalid stage: %d", stage)
	}
	_, err := s.execWrite(ctx, query, taskID)
	if err == nil {
		s.log.Info("stage reset", "task_id", taskID, "stage", stage)
	}
	return err
}

// FileFilter narrows ListFiles/CountFiles.
type FileFilter struct {
	Status       constants.FileStatus
	Stage1Status constants.FileStatus
	Stage2Status constants.FileStatus
	Limit        int
	Offset       int
	// IncludeImage pulls the matched-page payload; off by default to
	// keep listings from materializing blobs.
	IncludeImage bool
}

// ListFiles returns a task's files with optional status filters and
// pagination, ordered by insertion id.
func (s *Store) ListFiles(ctx context.Context, taskID string, filter FileFilter) ([]*entity.File, error) {
	cols := fileColumnsNoImage
	if filter.IncludeImage {
		cols = fileColumns
	}
	query := `SELECT ` + cols + ` FROM batch_files WHERE task_id = ?`
	args := []any{taskID}
	query, args = applyFilter(query, args, filter)
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFiles(rows)
}

// CountFiles counts a task's files matching the filter without loading rows.
func (s *Store) CountFiles(ctx context.Context, taskID string, filter FileFilter) (int, error) {
	query := `SELECT COUNT(*) FROM batch_files WHERE task_id = ?`
	args := []any{taskID}
	query, args = applyFilter(query, args, filter)

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func applyFilter(query string, args []any, filter FileFilter) (string, []any) {
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Stage1Status != "" {
		query += ` AND stage1_status = ?`
		args = append(args, filter.Stage1Status)
	}
	if filter.Stage2Status != "" {
		query += ` AND stage2_status = ?`
		args = append(args, filter.Stage2Status)
	}
	return query, args
}

// GetFile returns one file with its image payload.
func (s *Store) GetFile(ctx context.Context, fileID int64) (*entity.File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM batch_files WHERE id = ?`, fileID)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewAppError("FILE_NOT_FOUND", fmt.Sprintf("no such file: %d", fileID), common.ErrNotFound)
	}
	return f, err
}

func scanFiles(rows *sql.Rows) ([]*entity.File, error) {
	var files []*entity.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanFile(r rowScanner) (*entity.File, error) {
	var (
		f             entity.File
		fileSize      sql.NullInt64
		fileType      sql.NullString
		page          sql.NullInt64
		score         sql.NullFloat64
		raw, fields   sql.NullString
		errMsg        sql.NullString
		processedAt   sql.NullString
	)
	err := r.Scan(&f.ID, &f.TaskID, &f.FilePath, &f.FileName, &fileSize, &fileType,
		&f.Status, &f.Stage1Status, &f.Stage2Status,
		&page, &f.MatchedPageImage, &score,
		&raw, &fields, &errMsg, &processedAt)
	if err != nil {
		return nil, err
	}
	f.FileSize = fileSize.Int64
	f.FileType = fileType.String
	if page.Valid {
		p := int(page.Int64)
		f.MatchedPageNumber = &p
	}
	if score.Valid {
		f.MatchingScore = &score.Float64
	}
	if raw.Valid && raw.String != "" {
		f.RawExtraction = json.RawMessage(raw.String)
	}
	if fields.Valid && fields.String != "" {
		f.ExtractedFields = json.RawMessage(fields.String)
	}
	f.ErrorMessage = errMsg.String
	f.ProcessedAt = parseTime(processedAt)
	return &f, nil
}

func nullableText(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
