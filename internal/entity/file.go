package entity

import (
	"encoding/json"
	"time"

	"github.com/docpipe/docpipe/constants"
)

// File represents one discovered input document.
type File struct {
	ID                int64                `json:"id"`
	TaskID            string               `json:"task_id"`
	FilePath          string               `json:"file_path"`
	FileName          string               `json:"file_name"`
	FileSize          int64                `json:"file_size"`
	FileType          string               `json:"file_type"`
	Status            constants.FileStatus `json:"status"`
	Stage1Status      constants.FileStatus `json:"stage1_status"`
	Stage2Status      constants.FileStatus `json:"stage2_status"`
	MatchedPageNumber *int                 `json:"matched_page_number,omitempty"`
	MatchedPageImage  []byte               `json:"matched_page_image,omitempty"`
	MatchingScore     *float64             `json:"matching_score,omitempty"`
	RawExtraction     json.RawMessage      `json:"raw_extraction,omitempty"`
	ExtractedFields   json.RawMessage      `json:"extracted_fields,omitempty"`
	ErrorMessage      string               `json:"error_message,omitempty"`
	ProcessedAt       *time.Time           `json:"processed_at,omitempty"`
}

// FileInfo is the shape produced by the directory scan, before rows exist.
type FileInfo struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}
