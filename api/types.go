package api

import (
	"context"

	"prism-board/domain"
	"prism-board/reorder"
	"prism-board/watch"
)

// Boards runs the board operations for handlers.
type Boards interface {
	Groups(ctx context.Context, scope reorder.Scope) ([]reorder.Group, error)
	Move(ctx context.Context, scope reorder.Scope, mv domain.Move) (reorder.Outcome, error)
	Refresh(ctx context.Context, scope reorder.Scope) error
}

// Inbox serves a user's notifications.
type Inbox interface {
	List(userID string, unreadOnly bool) []domain.Notification
	Get(userID, id string) (domain.Notification, error)
	UnreadCount(userID string) int
	MarkRead(userID, id string) error
	MarkAllRead(userID string) int
	Delete(userID, id string) error
	Subscribe(userID string) (<-chan domain.Notification, func())
}

// Executions starts watching AI executions.
type Executions interface {
	Start(ctx context.Context, req watch.Request) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate moves.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
