package domain

import "github.com/bytedance/sonic"

// CommandUpdateTask is the command type written for every persisted reorder.
const CommandUpdateTask = "update-task"

// Command represents a write request for the task service.
type Command struct {
	// Id carries the idempotency key when enqueued to the task service queue.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	EntityType     string                 `json:"entityType"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the project it applies to.
type CommandEnvelope struct {
	ProjectID string  `json:"projectId"`
	Command   Command `json:"command"`
}

// UpdateTaskCommandData is the payload of an update-task command.
type UpdateTaskCommandData struct {
	ID       string  `json:"id"`
	Position int     `json:"position"`
	StatusID *string `json:"statusId,omitempty"`
}
