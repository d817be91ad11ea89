package reorder

import (
	"sort"

	"prism-board/domain"
)

// OrderMap maps a status id to the ordered task ids of that column.
type OrderMap map[string][]string

// BuildOrderMap derives the per-column ordering from tasks, sorted by
// position ascending. Equal positions keep their order in tasks.
func BuildOrderMap(tasks []domain.Task) OrderMap {
	byGroup := make(map[string][]domain.Task)
	for _, t := range tasks {
		byGroup[t.StatusID] = append(byGroup[t.StatusID], t)
	}
	m := make(OrderMap, len(byGroup))
	for group, ts := range byGroup {
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Position < ts[j].Position })
		ids := make([]string, len(ts))
		for i, t := range ts {
			ids[i] = t.ID
		}
		m[group] = ids
	}
	return m
}

// Clone returns a deep copy.
func (m OrderMap) Clone() OrderMap {
	out := make(OrderMap, len(m))
	for g, ids := range m {
		out[g] = append([]string(nil), ids...)
	}
	return out
}

// Group returns a copy of the sequence for group.
func (m OrderMap) Group(group string) []string {
	return append([]string(nil), m[group]...)
}

// IndexOf returns the rank of id within group, or -1.
func (m OrderMap) IndexOf(group, id string) int {
	for i, v := range m[group] {
		if v == id {
			return i
		}
	}
	return -1
}
