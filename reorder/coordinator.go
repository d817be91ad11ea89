package reorder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prism-board/domain"
	"prism-board/querycache"
)

const compensateTimeout = 30 * time.Second

// Persister stores the new position (and column) of one task.
type Persister interface {
	UpdateTask(ctx context.Context, projectID, taskID string, upd domain.UpdateTask) error
}

// StatusSource lists the columns of a project.
type StatusSource interface {
	FetchStatuses(ctx context.Context, projectID string) ([]domain.Status, error)
}

// Notifier delivers user visible notifications.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Scope identifies one board: a project as seen by a user.
type Scope struct {
	ProjectID string
	UserID    string
}

// Key is the cache key holding the board's task list.
func (s Scope) Key() querycache.Key { return querycache.TasksByProject(s.ProjectID, s.UserID) }

// Options tune the coordinator.
type Options struct {
	// PersistNoopMoves sends the moved item's update even when it is dropped
	// where it started.
	PersistNoopMoves bool
	Completion       CompletionMatcher
	// MaxInFlight bounds concurrent persistence calls per move; 0 means no limit.
	MaxInFlight int
}

// OutcomeStatus is the terminal state of a move.
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeIgnored OutcomeStatus = "ignored"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome reports what a move did.
type Outcome struct {
	Status    OutcomeStatus          `json:"status"`
	Reason    string                 `json:"reason,omitempty"`
	Updates   []domain.PendingUpdate `json:"updates,omitempty"`
	Completed bool                   `json:"completed,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Err       error                  `json:"-"`
}

// Coordinator owns one Board per scope and runs the optimistic reorder
// protocol against the shared cache.
type Coordinator struct {
	cache    *querycache.Cache
	persist  Persister
	statuses StatusSource
	notifier Notifier
	logger   *log.Logger
	opts     Options

	mu     sync.Mutex
	boards map[Scope]*Board
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(cache *querycache.Cache, persist Persister, statuses StatusSource, notifier Notifier, logger *log.Logger, opts Options) *Coordinator {
	if cache == nil {
		panic("reorder.NewCoordinator: cache is nil")
	}
	if persist == nil {
		panic("reorder.NewCoordinator: persister is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if len(opts.Completion.markers) == 0 {
		opts.Completion = NewCompletionMatcher()
	}
	return &Coordinator{
		cache:    cache,
		persist:  persist,
		statuses: statuses,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		boards:   make(map[Scope]*Board),
	}
}

// Board returns the board of scope, creating it on first use.
func (c *Coordinator) Board(scope Scope) *Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.boards[scope]
	if !ok {
		b = &Board{scope: scope, c: c}
		c.boards[scope] = b
	}
	return b
}

// Move applies mv optimistically and persists it. Persistence failures are
// compensated here: the board's task list is refetched and one error
// notification is sent; the outcome reports the failure and the returned
// error stays nil. Only a failure to load the board is returned as an error.
func (c *Coordinator) Move(ctx context.Context, scope Scope, mv domain.Move) (Outcome, error) {
	out, err := c.Board(scope).Attempt(ctx, mv)
	if err == nil {
		return out, nil
	}
	var perr *PersistError
	if !errors.As(err, &perr) {
		return out, err
	}

	c.logger.WithFields(log.Fields{
		"project": scope.ProjectID,
		"user":    scope.UserID,
		"item":    mv.ItemID,
		"failed":  len(perr.Failures),
		"total":   perr.Attempted,
	}).WithError(err).Error("reorder persistence failed; refetching board")

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if rerr := c.cache.Invalidate(cctx, scope.Key()); rerr != nil {
		c.logger.WithFields(log.Fields{"project": scope.ProjectID, "user": scope.UserID}).WithError(rerr).Error("board refetch failed")
	}
	c.notify(cctx, domain.Notification{
		UserID:    scope.UserID,
		ProjectID: scope.ProjectID,
		Kind:      domain.NotificationError,
		Title:     "Update Failed",
		Message:   "Failed to save changes. Please try again.",
		Color:     "red",
		TaskID:    mv.ItemID,
	})

	out.Status = OutcomeFailed
	out.Err = err
	out.Error = err.Error()
	return out, nil
}

// Groups renders the board of scope.
func (c *Coordinator) Groups(ctx context.Context, scope Scope) ([]Group, error) {
	return c.Board(scope).Groups(ctx)
}

// Refresh discards the cached board and refetches it.
func (c *Coordinator) Refresh(ctx context.Context, scope Scope) error {
	return c.cache.Invalidate(ctx, scope.Key())
}

func (c *Coordinator) notify(ctx context.Context, n domain.Notification) {
	if c.notifier == nil {
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.WithFields(log.Fields{"user": n.UserID, "title": n.Title}).WithError(err).Warn("notification delivery failed")
	}
}

// celebrate runs the completion side effect off the data path.
func (c *Coordinator) celebrate(scope Scope, taskID string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithField("panic", r).Error("completion notification panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
		defer cancel()
		c.notify(ctx, domain.Notification{
			UserID:    scope.UserID,
			ProjectID: scope.ProjectID,
			Kind:      domain.NotificationCelebrate,
			Title:     "Task Completed!",
			Message:   "Congratulations on completing this task!",
			Color:     "green",
			TaskID:    taskID,
		})
	}()
}

func (c *Coordinator) persistAll(ctx context.Context, projectID string, updates []domain.PendingUpdate) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []ItemError
	)
	if c.opts.MaxInFlight > 0 {
		g.SetLimit(c.opts.MaxInFlight)
	}
	for _, u := range updates {
		g.Go(func() error {
			err := c.persist.UpdateTask(ctx, projectID, u.ItemID, u.Payload())
			if err != nil {
				mu.Lock()
				failures = append(failures, ItemError{ItemID: u.ItemID, Err: err})
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].ItemID < failures[j].ItemID })
	return &PersistError{ProjectID: projectID, Attempted: len(updates), Failures: failures}
}
