package reorder

import "strings"

// DefaultCompletionMarkers name the columns that mean a task is finished.
var DefaultCompletionMarkers = []string{"done", "completed"}

// CompletionMatcher decides whether a status name is a completion column.
type CompletionMatcher struct {
	markers []string
}

// NewCompletionMatcher matches names containing any marker, ignoring case.
// Without markers the defaults are used.
func NewCompletionMatcher(markers ...string) CompletionMatcher {
	m := CompletionMatcher{}
	for _, mk := range markers {
		mk = strings.ToLower(strings.TrimSpace(mk))
		if mk != "" {
			m.markers = append(m.markers, mk)
		}
	}
	if len(m.markers) == 0 {
		m.markers = append(m.markers, DefaultCompletionMarkers...)
	}
	return m
}

// Matches reports whether name is a completion column.
func (m CompletionMatcher) Matches(name string) bool {
	markers := m.markers
	if len(markers) == 0 {
		markers = DefaultCompletionMarkers
	}
	name = strings.ToLower(name)
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, mk := range markers {
		if strings.Contains(name, mk) {
			return true
		}
	}
	return false
}
