package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
)

// replaceKeywords swaps a task's keyword list inside the caller's
// transaction. Delete-then-insert keeps ordinals dense and matches the
// unique (task_id, keyword_name) constraint.
func replaceKeywords(ctx context.Context, tx *sql.Tx, taskID string, keywords []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_keywords WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for idx, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return common.ValidationErrorf("keyword %d is empty", idx)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_keywords (task_id, keyword_name, keyword_order)
			VALUES (?, ?, ?)`, taskID, kw, idx); err != nil {
			return err
		}
	}
	return nil
}

// GetKeywords returns a task's keyword names in ordinal order.
func (s *Store) GetKeywords(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT keyword_name
		FROM task_keywords
		WHERE task_id = ?
		ORDER BY keyword_order`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

// ListKeywords returns full keyword rows, for callers that need ordinals.
func (s *Store) ListKeywords(ctx context.Context, taskID string) ([]entity.Keyword, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, keyword_name, keyword_order
		FROM task_keywords
		WHERE task_id = ?
		ORDER BY keyword_order`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []entity.Keyword
	for rows.Next() {
		var kw entity.Keyword
		if err := rows.Scan(&kw.ID, &kw.TaskID, &kw.Name, &kw.Ordinal); err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}
