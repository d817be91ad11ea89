// Package projector applies queued task commands to the tasks read model.
package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	defaultIdle        = time.Second
	maxConflictRetries = 5
)

var (
	// ErrConcurrencyConflict indicates that the store rejected a merge
	// because the entity changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	errStaleCommand        = errors.New("stale command")
	errTaskNotFound        = errors.New("task not found")
	errUnknownCommand      = errors.New("unknown command")
	errMalformed           = errors.New("malformed command")
)

// TaskRecord is the projected state of one task.
type TaskRecord struct {
	ProjectID        string
	ID               string
	StatusID         string
	Position         int
	CommandTimestamp int64
	ETag             string
}

// TaskMerge carries the fields written by one update-task command.
type TaskMerge struct {
	ProjectID        string
	ID               string
	Position         int
	StatusID         *string
	CommandTimestamp int64
}

// TaskStore reads and conditionally merges projected tasks.
type TaskStore interface {
	GetTask(ctx context.Context, projectID, taskID string) (*TaskRecord, error)
	MergeTask(ctx context.Context, m TaskMerge, etag string) error
}

// Message is one dequeued command.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// Queue delivers commands. Dequeue returns nil when the queue is empty.
type Queue interface {
	Dequeue(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, id, popReceipt string) error
}

// Projected is told about every project whose read model changed.
type Projected interface {
	MarkProjected(ctx context.Context, projectID string)
}

// Projector drains the command queue into the task store.
type Projector struct {
	queue     Queue
	store     TaskStore
	projected Projected
	logger    *log.Logger
	idle      time.Duration
}

// New creates a Projector. projected may be nil.
func New(queue Queue, store TaskStore, projected Projected, logger *log.Logger) *Projector {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Projector{queue: queue, store: store, projected: projected, logger: logger, idle: defaultIdle}
}

// Run processes messages until ctx is done.
func (p *Projector) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).Warn("dequeue failed")
			p.sleep(ctx)
			continue
		}
		if msg == nil {
			p.sleep(ctx)
			continue
		}
		p.handle(ctx, msg)
	}
}

func (p *Projector) sleep(ctx context.Context) {
	t := time.NewTimer(p.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle applies one message. Transient failures leave the message on the
// queue so it is redelivered after its visibility timeout.
func (p *Projector) handle(ctx context.Context, msg *Message) {
	fields := log.Fields{"message": msg.ID}
	var env domain.CommandEnvelope
	err := sonic.UnmarshalString(msg.Text, &env)
	if err == nil {
		fields["project"] = env.ProjectID
		fields["command"] = env.Command.Type
		err = p.Apply(ctx, env)
	} else {
		err = fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err != nil && !permanent(err) {
		p.logger.WithFields(fields).WithError(err).Warn("command failed; leaving for redelivery")
		return
	}
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Error("command dropped")
	}
	if derr := p.queue.Delete(ctx, msg.ID, msg.PopReceipt); derr != nil {
		p.logger.WithFields(fields).WithError(derr).Warn("delete message failed")
	}
}

// permanent reports whether redelivering the message cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, errStaleCommand) ||
		errors.Is(err, errTaskNotFound) ||
		errors.Is(err, errUnknownCommand) ||
		errors.Is(err, errMalformed)
}

// Apply projects one command envelope.
func (p *Projector) Apply(ctx context.Context, env domain.CommandEnvelope) error {
	if env.Command.Type != domain.CommandUpdateTask {
		return fmt.Errorf("%w %q", errUnknownCommand, env.Command.Type)
	}
	var data domain.UpdateTaskCommandData
	if err := sonic.Unmarshal(env.Command.Data, &data); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.ProjectID == "" || data.ID == "" {
		return fmt.Errorf("%w: missing project or task id", errMalformed)
	}

	merge := TaskMerge{
		ProjectID:        env.ProjectID,
		ID:               data.ID,
		Position:         data.Position,
		StatusID:         data.StatusID,
		CommandTimestamp: env.Command.Timestamp,
	}
	for attempt := 0; ; attempt++ {
		ent, err := p.store.GetTask(ctx, env.ProjectID, data.ID)
		if err != nil {
			return err
		}
		if ent == nil {
			return fmt.Errorf("%w: %s", errTaskNotFound, data.ID)
		}
		if env.Command.Timestamp <= ent.CommandTimestamp {
			return fmt.Errorf("%w: task %s at %d, command %d", errStaleCommand, data.ID, ent.CommandTimestamp, env.Command.Timestamp)
		}
		err = p.store.MergeTask(ctx, merge, ent.ETag)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt+1 >= maxConflictRetries {
			return err
		}
	}
	if p.projected != nil {
		p.projected.MarkProjected(ctx, env.ProjectID)
	}
	return nil
}
