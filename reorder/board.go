package reorder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// UnknownGroupName labels tasks whose status is not listed for the project.
const UnknownGroupName = "Unknown"

// Group is one rendered column.
type Group struct {
	StatusID string        `json:"statusId"`
	Name     string        `json:"status"`
	Color    string        `json:"color"`
	Tasks    []domain.Task `json:"tasks"`
}

// Board holds the OrderMap of one scope. It is the only writer of that
// OrderMap.
type Board struct {
	scope Scope
	c     *Coordinator

	mu       sync.Mutex
	order    OrderMap
	builtRev uint64
	built    bool
}

// Scope returns the board's scope.
func (b *Board) Scope() Scope { return b.scope }

// Order returns a copy of the current OrderMap.
func (b *Board) Order() OrderMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncLocked()
	return b.order.Clone()
}

// syncLocked rebuilds the OrderMap when an authoritative fetch landed
// since it was last built.
func (b *Board) syncLocked() {
	key := b.scope.Key()
	rev := b.c.cache.Revision(key)
	if b.built && rev == b.builtRev {
		return
	}
	tasks, _ := b.c.cache.Peek(key)
	b.order = BuildOrderMap(tasks)
	b.builtRev = rev
	b.built = true
}

// Attempt runs one move: plan, optimistic cache write, completion effect and
// persistence. A validation no-op yields an ignored outcome. A persistence
// failure returns *PersistError and leaves the optimistic state in place;
// compensating is the caller's job.
func (b *Board) Attempt(ctx context.Context, mv domain.Move) (Outcome, error) {
	key := b.scope.Key()
	if _, err := b.c.cache.Get(ctx, key); err != nil {
		return Outcome{}, fmt.Errorf("load board %s: %w", b.scope.ProjectID, err)
	}
	destName := ""
	if mv.Destination != nil {
		destName = b.statusName(ctx, mv.Destination.GroupID)
	}

	b.mu.Lock()
	b.syncLocked()
	var (
		planned Planned
		planErr error
	)
	b.c.cache.SetQueryData(key, func(old []domain.Task) []domain.Task {
		planned, planErr = Plan(b.order, old, mv, b.c.opts.PersistNoopMoves)
		if planErr != nil {
			return nil
		}
		return planned.Tasks
	})
	if planErr != nil {
		b.mu.Unlock()
		if IsValidationNoop(planErr) {
			b.c.logger.WithFields(log.Fields{"project": b.scope.ProjectID, "item": mv.ItemID}).Debugf("move ignored: %v", planErr)
			return Outcome{Status: OutcomeIgnored, Reason: planErr.Error()}, nil
		}
		return Outcome{}, planErr
	}
	b.order = planned.Order
	b.mu.Unlock()

	out := Outcome{Status: OutcomeApplied, Updates: planned.Updates}
	if b.c.opts.Completion.Matches(destName) {
		out.Completed = true
		b.c.celebrate(b.scope, mv.ItemID)
	}
	if len(planned.Updates) == 0 {
		return out, nil
	}

	if err := b.c.persistAll(context.WithoutCancel(ctx), b.scope.ProjectID, planned.Updates); err != nil {
		out.Status = OutcomeFailed
		return out, err
	}
	return out, nil
}

func (b *Board) statusName(ctx context.Context, statusID string) string {
	if b.c.statuses == nil {
		return ""
	}
	statuses, err := b.c.statuses.FetchStatuses(ctx, b.scope.ProjectID)
	if err != nil {
		b.c.logger.WithField("project", b.scope.ProjectID).WithError(err).Warn("fetch statuses failed")
		return ""
	}
	for _, s := range statuses {
		if s.ID == statusID {
			return s.Name
		}
	}
	return ""
}

// Groups renders the board: listed statuses in column order, each with its
// tasks in OrderMap order, then an Unknown group for tasks of unlisted
// statuses. Tasks and order are read together so a concurrent move shows
// up in both or in neither.
func (b *Board) Groups(ctx context.Context) ([]Group, error) {
	key := b.scope.Key()
	fetched, err := b.c.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load board %s: %w", b.scope.ProjectID, err)
	}
	var statuses []domain.Status
	if b.c.statuses != nil {
		statuses, err = b.c.statuses.FetchStatuses(ctx, b.scope.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("load statuses %s: %w", b.scope.ProjectID, err)
		}
	}

	b.mu.Lock()
	b.syncLocked()
	tasks, ok := b.c.cache.Peek(key)
	order := b.order.Clone()
	b.mu.Unlock()
	if !ok {
		// Removed since the fetch.
		tasks, order = fetched, BuildOrderMap(fetched)
	}
	return renderGroups(order, tasks, statuses), nil
}

func renderGroups(order OrderMap, tasks []domain.Task, statuses []domain.Status) []Group {
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	sorted := SortStatuses(statuses)
	known := make(map[string]bool, len(sorted))
	groups := make([]Group, 0, len(sorted)+1)
	for _, s := range sorted {
		known[s.ID] = true
		groups = append(groups, Group{
			StatusID: s.ID,
			Name:     s.Name,
			Color:    StatusColor(s.Name),
			Tasks:    pick(order[s.ID], byID),
		})
	}

	var unknownIDs []string
	for g := range order {
		if !known[g] {
			unknownIDs = append(unknownIDs, g)
		}
	}
	sort.Strings(unknownIDs)
	var unknown []domain.Task
	for _, g := range unknownIDs {
		unknown = append(unknown, pick(order[g], byID)...)
	}
	if len(unknown) > 0 {
		groups = append(groups, Group{Name: UnknownGroupName, Color: StatusColor(UnknownGroupName), Tasks: unknown})
	}
	return groups
}

func pick(ids []string, byID map[string]domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SortStatuses orders statuses by position; statuses without a position
// keep their relative order after the positioned ones.
func SortStatuses(statuses []domain.Status) []domain.Status {
	out := append([]domain.Status(nil), statuses...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Position, out[j].Position
		switch {
		case pi != nil && pj != nil:
			return *pi < *pj
		case pi != nil:
			return true
		default:
			return false
		}
	})
	return out
}

// StatusColor maps the well-known column names to their badge color.
func StatusColor(name string) string {
	switch name {
	case "To Do":
		return "orange"
	case "In Progress":
		return "blue"
	case "Code Review":
		return "purple"
	case "Testing":
		return "cyan"
	case "Done":
		return "green"
	default:
		return "gray"
	}
}
