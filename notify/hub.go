// Package notify delivers user notifications: an in-memory inbox with SSE
// subscribers, and a Redis channel that shares them between instances.
package notify

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DefaultInboxSize is the number of notifications kept per user.
const DefaultInboxSize = 100

const subscriberBuffer = 16

// ErrNotFound is returned for an unknown notification id.
var ErrNotFound = errors.New("notification not found")

// Hub keeps each user's inbox and fans new notifications out to the user's
// live subscribers. A subscriber that is not keeping up misses messages
// instead of blocking delivery.
type Hub struct {
	size   int
	logger *log.Logger

	mu    sync.Mutex
	inbox map[string][]domain.Notification
	subs  map[string]map[chan domain.Notification]struct{}
}

// NewHub creates a hub keeping up to size notifications per user.
func NewHub(size int, logger *log.Logger) *Hub {
	if size <= 0 {
		size = DefaultInboxSize
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		size:   size,
		logger: logger,
		inbox:  make(map[string][]domain.Notification),
		subs:   make(map[string]map[chan domain.Notification]struct{}),
	}
}

// Notify stores n in its user's inbox and pushes it to subscribers.
func (h *Hub) Notify(_ context.Context, n domain.Notification) error {
	h.Deliver(n)
	return nil
}

// Deliver is Notify without a context, for the relay.
func (h *Hub) Deliver(n domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := h.inbox[n.UserID]
	for _, existing := range box {
		if n.ID != "" && existing.ID == n.ID {
			return
		}
	}
	box = append(box, n)
	if len(box) > h.size {
		box = box[len(box)-h.size:]
	}
	h.inbox[n.UserID] = box

	for ch := range h.subs[n.UserID] {
		select {
		case ch <- n:
		default:
			h.logger.WithField("user", n.UserID).Debug("subscriber slow, notification dropped")
		}
	}
}

// List returns the user's notifications, newest first.
func (h *Hub) List(userID string, unreadOnly bool) []domain.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := h.inbox[userID]
	out := make([]domain.Notification, 0, len(box))
	for i := len(box) - 1; i >= 0; i-- {
		if unreadOnly && box[i].Read {
			continue
		}
		out = append(out, box[i])
	}
	return out
}

// Get returns one notification of the user.
func (h *Hub) Get(userID, id string) (domain.Notification, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.inbox[userID] {
		if n.ID == id {
			return n, nil
		}
	}
	return domain.Notification{}, ErrNotFound
}

// UnreadCount counts the user's unread notifications.
func (h *Hub) UnreadCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, n := range h.inbox[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags one notification as read.
func (h *Hub) MarkRead(userID, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := h.inbox[userID]
	for i := range box {
		if box[i].ID == id {
			box[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// MarkAllRead flags every notification of the user as read and returns how
// many changed.
func (h *Hub) MarkAllRead(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	changed := 0
	box := h.inbox[userID]
	for i := range box {
		if !box[i].Read {
			box[i].Read = true
			changed++
		}
	}
	return changed
}

// Delete removes one notification.
func (h *Hub) Delete(userID, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := h.inbox[userID]
	for i := range box {
		if box[i].ID == id {
			h.inbox[userID] = append(box[:i:i], box[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Subscribe registers a live subscriber for the user. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[chan domain.Notification]struct{})
		h.subs[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscribers of the user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
