package domain

import "time"

// NotificationKind classifies a user facing notification.
type NotificationKind string

const (
	NotificationSuccess   NotificationKind = "success"
	NotificationError     NotificationKind = "error"
	NotificationInfo      NotificationKind = "info"
	NotificationCelebrate NotificationKind = "celebrate"
)

// Notification is a toast or inbox entry delivered to a single user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	ProjectID string           `json:"projectId,omitempty"`
	Kind      NotificationKind `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Color     string           `json:"color,omitempty"`
	TaskID    string           `json:"taskId,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	Read      bool             `json:"read"`
}
