package subtask

// Stats 聚合了子任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total             int   `json:"total"`
	Queued            int   `json:"queued"`
	Running           int   `json:"running"`
	Completed         int   `json:"completed"`
	Failed            int   `json:"failed"`
	OldestSubmittedAt int64 `json:"oldest_submitted_at,omitempty"`
	NewestSubmittedAt int64 `json:"newest_submitted_at,omitempty"`
}
