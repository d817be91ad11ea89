package reorder

import (
	"fmt"

	"prism-board/domain"
)

// Planned is the result of applying a move to an OrderMap and task list.
type Planned struct {
	Order   OrderMap
	Tasks   []domain.Task
	Updates []domain.PendingUpdate
}

// Plan computes the new ordering implied by mv and the minimal set of
// updates to persist. The inputs are not modified.
//
// A dropped gesture returns ErrNoDestination. Dropping a card where it
// started returns ErrNoopMove unless persistNoop is set, in which case the
// unchanged position of the moved item is still emitted. A move whose item
// is not at the source index returns ErrStaleMove.
func Plan(order OrderMap, tasks []domain.Task, mv domain.Move, persistNoop bool) (Planned, error) {
	if mv.Destination == nil {
		return Planned{}, ErrNoDestination
	}
	if mv.IsNoop() && !persistNoop {
		return Planned{}, ErrNoopMove
	}
	src := order[mv.SourceGroupID]
	if mv.ItemID == "" || mv.SourceIndex < 0 || mv.SourceIndex >= len(src) || src[mv.SourceIndex] != mv.ItemID {
		return Planned{}, fmt.Errorf("%w: %s at %s[%d]", ErrStaleMove, mv.ItemID, mv.SourceGroupID, mv.SourceIndex)
	}

	cross := mv.CrossGroup()
	destGroup := mv.Destination.GroupID

	next := order.Clone()
	srcSeq := next[mv.SourceGroupID]
	srcSeq = append(srcSeq[:mv.SourceIndex], srcSeq[mv.SourceIndex+1:]...)

	destSeq := srcSeq
	if cross {
		destSeq = next[destGroup]
	}
	destSeq = insertAt(destSeq, clamp(mv.Destination.Index, 0, len(destSeq)), mv.ItemID)

	if cross {
		next[mv.SourceGroupID] = srcSeq
	}
	next[destGroup] = destSeq

	out := domain.CloneTasks(tasks)
	byID := make(map[string]*domain.Task, len(out))
	for i := range out {
		byID[out[i].ID] = &out[i]
	}

	var updates []domain.PendingUpdate
	if cross {
		for i, id := range srcSeq {
			t, ok := byID[id]
			if !ok {
				continue
			}
			if pos := i + 1; t.Position != pos {
				t.Position = pos
				updates = append(updates, domain.PendingUpdate{ItemID: id, NewPosition: pos})
			}
		}
	}
	for i, id := range destSeq {
		t, ok := byID[id]
		if !ok {
			continue
		}
		pos := i + 1
		switch {
		case id == mv.ItemID:
			t.Position = pos
			upd := domain.PendingUpdate{ItemID: id, NewPosition: pos}
			if cross {
				t.StatusID = destGroup
				g := destGroup
				upd.NewGroupID = &g
			}
			updates = append(updates, upd)
		case t.Position != pos:
			t.Position = pos
			updates = append(updates, domain.PendingUpdate{ItemID: id, NewPosition: pos})
		}
	}

	return Planned{Order: next, Tasks: out, Updates: updates}, nil
}

func insertAt(seq []string, idx int, id string) []string {
	seq = append(seq, "")
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = id
	return seq
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
