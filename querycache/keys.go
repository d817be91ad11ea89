package querycache

import "strings"

// Key identifies a cached query. Keys are hierarchical so invalidation can
// target every key sharing a prefix.
type Key []string

func (k Key) String() string { return strings.Join(k, "/") }

// HasPrefix reports whether every element of prefix matches the start of k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// AllTasks matches every task query.
func AllTasks() Key { return Key{"tasks"} }

// TaskLists matches filtered task list queries.
func TaskLists() Key { return Key{"tasks", "list"} }

// ProjectTasks is the prefix of every per-project task list.
func ProjectTasks() Key { return Key{"tasks", "project"} }

// TasksByProject is the board task list of a project as seen by a user.
func TasksByProject(projectID, userID string) Key {
	return Key{"tasks", "project", projectID, userID}
}

// TaskDetails is the prefix of every single-task entry.
func TaskDetails() Key { return Key{"tasks", "detail"} }

// SubtaskLists is the prefix of every subtask list.
func SubtaskLists() Key { return Key{"tasks", "subtasks"} }

// TaskDetail is a single task as seen by a user.
func TaskDetail(taskID, userID string) Key {
	return Key{"tasks", "detail", taskID, userID}
}

// Subtasks lists the children of a parent task.
func Subtasks(parentTaskID, userID string) Key {
	return Key{"tasks", "subtasks", parentTaskID, userID}
}
