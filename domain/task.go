package domain

import "time"

// Task represents a single board item as served by the task API.
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	ProjectID    string     `json:"projectId,omitempty"`
	StatusID     string     `json:"statusId"`
	Position     int        `json:"position"`
	ParentTaskID string     `json:"parentTaskId,omitempty"`
	AssigneeID   string     `json:"assigneeId,omitempty"`
	ActualTime   float64    `json:"actualTime,omitempty"`
}

// Status is a board column. Tasks reference it through StatusID.
type Status struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position *int   `json:"position"`
}

// UpdateTask carries the fields persisted for a reorder.
// StatusID is only set when the task changes column.
type UpdateTask struct {
	Position int     `json:"position"`
	StatusID *string `json:"statusId,omitempty"`
}

// CloneTasks returns a shallow copy of every task so callers may mutate
// positions without touching the source slice.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
