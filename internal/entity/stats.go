package entity

// TaskStatistics holds per-stage counts plus the average matching score,
// computed by a single aggregate query that never touches the image
// payload column.
type TaskStatistics struct {
	TotalFiles       int      `json:"total_files"`
	Stage1Completed  int      `json:"stage1_completed"`
	Stage1Failed     int      `json:"stage1_failed"`
	Stage1Pending    int      `json:"stage1_pending"`
	Stage2Completed  int      `json:"stage2_completed"`
	Stage2Failed     int      `json:"stage2_failed"`
	// Stage2Pending counts only files that are still eligible for
	// extraction: stage 1 completed, stage 2 not yet attempted. Files
	// whose stage 1 failed never become pending work for stage 2.
	Stage2Pending    int      `json:"stage2_pending"`
	AvgMatchingScore *float64 `json:"avg_matching_score,omitempty"`
}

// PendingForStage returns the pending count for the given stage.
func (s TaskStatistics) PendingForStage(stage int) int {
	if stage == 2 {
		return s.Stage2Pending
	}
	return s.Stage1Pending
}

// DatabaseStats describes the store file itself, mainly to keep an eye
// on how much of it is matched-page image payload.
type DatabaseStats struct {
	SizeBytes       int64  `json:"size_bytes"`
	JournalMode     string `json:"journal_mode"`
	TotalTasks      int    `json:"total_tasks"`
	TotalFiles      int    `json:"total_files"`
	FilesWithImages int    `json:"files_with_images"`
	ImageBytes      int64  `json:"image_bytes"`
}
