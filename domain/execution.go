package domain

// ExecutionKind names the AI job an execution id belongs to.
type ExecutionKind string

const (
	ExecutionCreate    ExecutionKind = "create"
	ExecutionAssign    ExecutionKind = "assign"
	ExecutionBreakdown ExecutionKind = "breakdown"
)

// Valid reports whether k is a known kind.
func (k ExecutionKind) Valid() bool {
	switch k {
	case ExecutionCreate, ExecutionAssign, ExecutionBreakdown:
		return true
	}
	return false
}

// Execution states reported by the task API.
const (
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
	ExecutionError     = "ERROR"
)

// ExecutionStatus is the polled state of an AI job.
type ExecutionStatus struct {
	Status       string `json:"status"`
	TaskID       string `json:"taskId,omitempty"`
	ParentTaskID string `json:"parentTaskId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Terminal reports whether polling can stop.
func (s ExecutionStatus) Terminal() bool {
	switch s.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionError:
		return true
	}
	return false
}
