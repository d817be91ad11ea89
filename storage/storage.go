// Package storage reads boards from Azure Table storage and persists task
// updates as commands on an Azure queue.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"prism-board/domain"
)

type commandQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	taskTable    *aztables.Client
	statusTable  *aztables.Client
	commandQueue commandQueue
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, statusesTable, queueName string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:    svc.NewClient(tasksTable),
		statusTable:  svc.NewClient(statusesTable),
		commandQueue: cq,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Name         string     `json:"Name"`
	Description  string     `json:"Description"`
	Priority     string     `json:"Priority"`
	Deadline     *time.Time `json:"Deadline"`
	StatusID     string     `json:"StatusId"`
	Position     int        `json:"Position"`
	ParentTaskID string     `json:"ParentTaskId"`
	AssigneeID   string     `json:"AssigneeId"`
	ActualTime   float64    `json:"ActualTime"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:           ent.RowKey,
		ProjectID:    ent.PartitionKey,
		Name:         ent.Name,
		Description:  ent.Description,
		Priority:     ent.Priority,
		Deadline:     ent.Deadline,
		StatusID:     ent.StatusID,
		Position:     ent.Position,
		ParentTaskID: ent.ParentTaskID,
		AssigneeID:   ent.AssigneeID,
		ActualTime:   ent.ActualTime,
	}, nil
}

type statusEntity struct {
	aztables.Entity
	Name     string `json:"Name"`
	Position *int   `json:"Position"`
}

func decodeStatusEntity(data []byte) (domain.Status, error) {
	var ent statusEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Status{}, err
	}
	return domain.Status{ID: ent.RowKey, Name: ent.Name, Position: ent.Position}, nil
}

func encodeStatusEntity(projectID string, st domain.Status) ([]byte, error) {
	return sonic.Marshal(statusEntity{
		Entity:   aztables.Entity{PartitionKey: projectID, RowKey: st.ID},
		Name:     st.Name,
		Position: st.Position,
	})
}

// DefaultStatuses are the columns seeded for a new project.
func DefaultStatuses() []domain.Status {
	names := []string{"To Do", "In Progress", "Done"}
	out := make([]domain.Status, len(names))
	for i, n := range names {
		pos := i + 1
		out[i] = domain.Status{ID: uuid.NewString(), Name: n, Position: &pos}
	}
	return out
}

// SeedStatuses writes the given columns for a project unless it already has some.
func (s *Storage) SeedStatuses(ctx context.Context, projectID string, statuses []domain.Status) (bool, error) {
	existing, err := s.FetchStatuses(ctx, projectID)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	for _, st := range statuses {
		data, err := encodeStatusEntity(projectID, st)
		if err != nil {
			return false, err
		}
		if _, err := s.statusTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
			return false, fmt.Errorf("seed status %s: %w", st.Name, err)
		}
	}
	return true, nil
}

func partitionFilter(projectID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(projectID, "'", "''") + "'"
}

// FetchTasks retrieves all tasks of the project.
func (s *Storage) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	filter := partitionFilter(projectID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// FetchStatuses retrieves the columns of the project.
func (s *Storage) FetchStatuses(ctx context.Context, projectID string) ([]domain.Status, error) {
	filter := partitionFilter(projectID)
	pager := s.statusTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	statuses := []domain.Status{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			st, err := decodeStatusEntity(e)
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

// UpdateTask enqueues one update-task command. The task service applies it
// to the read model asynchronously. Concurrent calls are independent; the
// coordinator bounds how many run at once.
func (s *Storage) UpdateTask(ctx context.Context, projectID, taskID string, upd domain.UpdateTask) error {
	cmd, err := updateTaskCommand(taskID, upd)
	if err != nil {
		return err
	}
	return s.enqueueCommand(ctx, projectID, cmd)
}

func updateTaskCommand(taskID string, upd domain.UpdateTask) (domain.Command, error) {
	data, err := sonic.Marshal(domain.UpdateTaskCommandData{ID: taskID, Position: upd.Position, StatusID: upd.StatusID})
	if err != nil {
		return domain.Command{}, fmt.Errorf("marshal update-task: %w", err)
	}
	return domain.Command{
		IdempotencyKey: uuid.NewString(),
		EntityType:     "task",
		Type:           domain.CommandUpdateTask,
		Data:           data,
	}, nil
}

// enqueueCommand sends cmd to the command queue, stamping a timestamp and
// id when they are missing.
func (s *Storage) enqueueCommand(ctx context.Context, projectID string, cmd domain.Command) error {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = nextTimestamp()
	}
	if cmd.ID == "" {
		cmd.ID = cmd.IdempotencyKey
	}
	data, err := sonic.Marshal(domain.CommandEnvelope{ProjectID: projectID, Command: cmd})
	if err != nil {
		return err
	}
	if _, err := s.commandQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", cmd.Type, cmd.IdempotencyKey, err)
	}
	return nil
}

// Ping checks the command queue is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.commandQueue.GetProperties(ctx, nil)
	return err
}
