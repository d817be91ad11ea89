// Package watch polls AI executions until they finish and refreshes the
// boards they touched.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/querycache"
)

// DefaultInterval matches the client's polling cadence.
const DefaultInterval = 2 * time.Second

// ErrAlreadyWatching is returned when the execution is already polled.
var ErrAlreadyWatching = errors.New("execution already watched")

// StatusSource reports the state of an AI execution.
type StatusSource interface {
	ExecutionStatus(ctx context.Context, kind domain.ExecutionKind, executionID string) (domain.ExecutionStatus, error)
}

// Invalidator refetches every cached key under a prefix.
type Invalidator interface {
	InvalidatePrefix(ctx context.Context, prefix querycache.Key) error
}

// Notifier delivers user notifications.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Request identifies one execution to watch.
type Request struct {
	Kind        domain.ExecutionKind `json:"kind"`
	ExecutionID string               `json:"executionId"`
	ProjectID   string               `json:"projectId"`
	UserID      string               `json:"userId"`
}

// Watcher runs one polling loop per execution.
type Watcher struct {
	source   StatusSource
	cache    Invalidator
	notifier Notifier
	logger   *log.Logger
	interval time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher polling every interval.
func New(source StatusSource, cache Invalidator, notifier Notifier, logger *log.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Watcher{
		source:   source,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		interval: interval,
		active:   make(map[string]context.CancelFunc),
	}
}

// Start polls req in the background until it reaches a terminal state or
// ctx is done.
func (w *Watcher) Start(ctx context.Context, req Request) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("unknown execution kind %q", req.Kind)
	}
	if req.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	key := string(req.Kind) + ":" + req.ExecutionID

	w.mu.Lock()
	if _, ok := w.active[key]; ok {
		w.mu.Unlock()
		return ErrAlreadyWatching
	}
	ctx, cancel := context.WithCancel(ctx)
	w.active[key] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.active, key)
			w.mu.Unlock()
			cancel()
		}()
		w.run(ctx, req)
	}()
	return nil
}

// Active reports the number of running loops.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Stop cancels every loop and waits for them to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for _, cancel := range w.active {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context, req Request) {
	fields := log.Fields{"kind": req.Kind, "execution": req.ExecutionID, "project": req.ProjectID}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		st, err := w.source.ExecutionStatus(ctx, req.Kind, req.ExecutionID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.WithFields(fields).WithError(err).Warn("execution status poll failed")
		case st.Terminal():
			w.finish(context.WithoutCancel(ctx), req, st)
			return
		}
		select {
		case <-ctx.Done():
			w.logger.WithFields(fields).Debug("execution watch cancelled")
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) finish(ctx context.Context, req Request, st domain.ExecutionStatus) {
	fields := log.Fields{"kind": req.Kind, "execution": req.ExecutionID, "project": req.ProjectID, "status": st.Status}
	if st.Status == domain.ExecutionCompleted {
		for _, prefix := range prefixesFor(req, st) {
			if err := w.cache.InvalidatePrefix(ctx, prefix); err != nil {
				w.logger.WithFields(fields).WithField("prefix", prefix.String()).WithError(err).Warn("refetch after execution failed")
			}
		}
		w.logger.WithFields(fields).Info("execution completed")
	} else {
		w.logger.WithFields(fields).WithField("error", st.Error).Warn("execution did not complete")
	}
	w.notify(ctx, req, st)
}

// prefixesFor lists the cache prefixes an execution touched. They stop at
// the entity id so every user's view of it refetches.
func prefixesFor(req Request, st domain.ExecutionStatus) []querycache.Key {
	var prefixes []querycache.Key
	switch req.Kind {
	case domain.ExecutionAssign:
		if st.TaskID == "" {
			return nil
		}
		prefixes = append(prefixes, append(querycache.TaskDetails(), st.TaskID))
	case domain.ExecutionBreakdown:
		if st.ParentTaskID == "" {
			return nil
		}
		prefixes = append(prefixes,
			append(querycache.TaskDetails(), st.ParentTaskID),
			append(querycache.SubtaskLists(), st.ParentTaskID),
		)
	}
	if req.ProjectID != "" {
		prefixes = append(prefixes, append(querycache.ProjectTasks(), req.ProjectID))
	}
	return prefixes
}

var titles = map[domain.ExecutionKind]string{
	domain.ExecutionCreate:    "AI task creation",
	domain.ExecutionAssign:    "AI assignment",
	domain.ExecutionBreakdown: "AI task breakdown",
}

func (w *Watcher) notify(ctx context.Context, req Request, st domain.ExecutionStatus) {
	if w.notifier == nil || req.UserID == "" {
		return
	}
	n := domain.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		TaskID:    st.TaskID,
		CreatedAt: time.Now().UTC(),
	}
	if st.ParentTaskID != "" {
		n.TaskID = st.ParentTaskID
	}
	if st.Status == domain.ExecutionCompleted {
		n.Kind = domain.NotificationInfo
		n.Color = "blue"
		n.Title = titles[req.Kind] + " finished"
		n.Message = "The board has been refreshed."
	} else {
		n.Kind = domain.NotificationError
		n.Color = "red"
		n.Title = titles[req.Kind] + " failed"
		n.Message = "The AI job did not complete. Please try again."
		if st.Error != "" {
			n.Message = st.Error
		}
	}
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.logger.WithField("user", req.UserID).WithError(err).Warn("notification delivery failed")
	}
}
