package capability

import "time"

// ResultMetadata records how an execution ran.
type ResultMetadata struct {
	DurationMs  int64          `json:"durationMs"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	WorkerID    string         `json:"workerId"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// TaskExecutionResult is the envelope every handler invocation resolves to,
// success or not.
type TaskExecutionResult struct {
	TaskID   string         `json:"taskId"`
	Success  bool           `json:"success"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
}

// NewResult stamps the envelope for a finished invocation.
func NewResult(taskID, workerID string, startedAt time.Time, outputs map[string]any, execErr error) TaskExecutionResult {
	completed := time.Now().UTC()
	res := TaskExecutionResult{
		TaskID:  taskID,
		Success: execErr == nil,
		Outputs: outputs,
		Metadata: ResultMetadata{
			DurationMs:  completed.Sub(startedAt).Milliseconds(),
			StartedAt:   startedAt.UTC(),
			CompletedAt: completed,
			WorkerID:    workerID,
		},
	}
	if execErr != nil {
		res.Error = execErr.Error()
	}
	return res
}
