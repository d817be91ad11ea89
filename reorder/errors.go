package reorder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDestination is returned for gestures dropped outside any column.
	ErrNoDestination = errors.New("move has no destination")
	// ErrNoopMove is returned when a card is dropped where it started.
	ErrNoopMove = errors.New("move does not change the order")
	// ErrStaleMove is returned when the item is not at the source index.
	ErrStaleMove = errors.New("item is not at the source index")
)

// IsValidationNoop reports whether err is one of the gesture errors that
// are ignored without touching any state.
func IsValidationNoop(err error) bool {
	return errors.Is(err, ErrNoDestination) || errors.Is(err, ErrNoopMove) || errors.Is(err, ErrStaleMove)
}

// ItemError is a failed persistence call for one task.
type ItemError struct {
	ItemID string
	Err    error
}

// PersistError aggregates every failed update of one move.
type PersistError struct {
	ProjectID string
	Attempted int
	Failures  []ItemError
}

func (e *PersistError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.ItemID
	}
	first := ""
	if len(e.Failures) > 0 {
		first = ": " + e.Failures[0].Err.Error()
	}
	return fmt.Sprintf("persist %d of %d updates failed (%s)%s", len(e.Failures), e.Attempted, strings.Join(ids, ","), first)
}

func (e *PersistError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
