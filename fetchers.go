package main

import (
	"context"
	"fmt"

	"prism-board/domain"
	"prism-board/querycache"
)

type taskBackend interface {
	FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchStatuses(ctx context.Context, projectID string) ([]domain.Status, error)
	UpdateTask(ctx context.Context, projectID, taskID string, upd domain.UpdateTask) error
}

type taskReader interface {
	FetchTask(ctx context.Context, taskID string) (domain.Task, error)
	FetchSubtasks(ctx context.Context, parentID string) ([]domain.Task, error)
}

// registerFetchers binds the cache key families to their sources. Keys are
// {"tasks", family, id, user}.
func registerFetchers(cache *querycache.Cache, board taskBackend, tasks taskReader) {
	cache.Register(querycache.ProjectTasks(), func(ctx context.Context, key querycache.Key) ([]domain.Task, error) {
		id, err := keyID(key)
		if err != nil {
			return nil, err
		}
		return board.FetchTasks(ctx, id)
	})
	cache.Register(querycache.TaskDetails(), func(ctx context.Context, key querycache.Key) ([]domain.Task, error) {
		id, err := keyID(key)
		if err != nil {
			return nil, err
		}
		t, err := tasks.FetchTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return []domain.Task{t}, nil
	})
	cache.Register(querycache.SubtaskLists(), func(ctx context.Context, key querycache.Key) ([]domain.Task, error) {
		id, err := keyID(key)
		if err != nil {
			return nil, err
		}
		return tasks.FetchSubtasks(ctx, id)
	})
}

func keyID(key querycache.Key) (string, error) {
	if len(key) < 3 || key[2] == "" {
		return "", fmt.Errorf("malformed cache key %q", key.String())
	}
	return key[2], nil
}
