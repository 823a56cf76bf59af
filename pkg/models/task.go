package models

// TaskState is the lifecycle state of a background task.
type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskError   TaskState = "error"
)

// TaskProgress reports incremental progress of a long-running task.
type TaskProgress struct {
	Current uint32 `json:"current"`
	Total   uint32 `json:"total"`
	Label   string `json:"label"`
}

// BackgroundTask tracks a long-running operation such as an LLM analysis.
// Tasks live in memory only and are pruned by age.
type BackgroundTask struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Title     string        `json:"title"`
	State     TaskState     `json:"state"`
	Progress  *TaskProgress `json:"progress,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}
