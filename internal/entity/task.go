package entity

import (
	"time"

	"github.com/docpipe/docpipe/constants"
)

// Task represents one batch job for data transfer between layers.
type Task struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	SourcePath     string               `json:"source_path"`
	Status         constants.TaskStatus `json:"status"`
	Stage          int                  `json:"stage"`
	Progress       float64              `json:"progress"`
	TotalFiles     int                  `json:"total_files"`
	ProcessedFiles int                  `json:"processed_files"`
	FailedFiles    int                  `json:"failed_files"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	Stage1Config   *Stage1Config        `json:"stage1_config,omitempty"`
	Stage2Config   *Stage2Config        `json:"stage2_config,omitempty"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	IsDeleted      bool                 `json:"is_deleted"`
}

// Stage1Config configures page matching. Template images are raw PNG/JPG
// bytes; encoding/json carries them as base64, which is also the shape
// the store persists.
type Stage1Config struct {
	PositiveTemplates [][]byte `json:"positive_templates"`
	NegativeTemplates [][]byte `json:"negative_templates,omitempty"`
	PositiveThreshold float64  `json:"positive_threshold"`
	NegativeThreshold float64  `json:"negative_threshold"`
	SkipVoided        bool     `json:"skip_voided"`
	VoidCheckTopN     int      `json:"top_n_for_void_check"`
	Aggregation       string   `json:"aggregation,omitempty"` // "max" (default) or "mean"
}

// Stage2Config configures field extraction.
type Stage2Config struct {
	UseLLM                    bool `json:"use_llm"`
	UseMLLM                   bool `json:"use_mllm"`
	UseDocOrientationClassify bool `json:"use_doc_orientation_classify"`
	UseDocUnwarping           bool `json:"use_doc_unwarping"`
	UseTextlineOrientation    bool `json:"use_textline_orientation"`
	UseSealRecognition        bool `json:"use_seal_recognition"`
	UseTableRecognition       bool `json:"use_table_recognition"`
}

// Keyword is one named field to extract in stage 2. The ordinal keeps
// output columns stable.
type Keyword struct {
	ID      int64  `json:"id"`
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Ordinal int    `json:"ordinal"`
}
