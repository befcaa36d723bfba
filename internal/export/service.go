// Package export produces XLSX workbooks of a task's results.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docpipe/docpipe/internal/store"
)

// Service is a small facade over the store that renders task results as
// XLSX bytes. Keyword columns follow the stored ordinal so exports stay
// stable across runs.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// ExportTaskXLSX returns a workbook with one row per file: identity,
// both stage outcomes, and one column per keyword in ordinal order.
// Listing excludes the image payloads, so exporting a task with
// thousands of files stays flat in memory.
func (s *Service) ExportTaskXLSX(ctx context.Context, taskID string) ([]byte, error) {
	start := time.Now()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	keywords, err := s.store.GetKeywords(ctx, taskID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, taskID, store.FileFilter{})
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Results"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	if idx, _ := f.GetSheetIndex("Sheet1"); idx != -1 {
		_ = f.DeleteSheet("Sheet1")
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{"File Name", "File Path", "Status", "Matched Page", "Matching Score", "Error"}
	headers = append(headers, keywords...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, file := range files {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, file.FileName)
		write(2, file.FilePath)
		write(3, string(file.Status))
		if file.MatchedPageNumber != nil {
			write(4, *file.MatchedPageNumber)
		}
		if file.MatchingScore != nil {
			write(5, *file.MatchingScore)
		}
		write(6, file.ErrorMessage)

		if len(file.ExtractedFields) > 0 {
			var fields map[string]string
			if err := json.Unmarshal(file.ExtractedFields, &fields); err == nil {
				for i, kw := range keywords {
					if v, ok := fields[kw]; ok {
						write(7+i, v)
					}
				}
			}
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 32) // file name
	_ = f.SetColWidth(sheet, "B", "B", 60) // path
	_ = f.SetColWidth(sheet, "C", "C", 12)
	_ = f.SetColWidth(sheet, "D", "E", 14)
	_ = f.SetColWidth(sheet, "F", "F", 48) // error

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"task_id", taskID,
		"task", task.Name,
		"rows", len(files),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
