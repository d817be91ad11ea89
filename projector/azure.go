package projector

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

const edmInt64 = "Edm.Int64"

type taskEntity struct {
	PartitionKey         string `json:"PartitionKey"`
	RowKey               string `json:"RowKey"`
	StatusID             string `json:"StatusId"`
	Position             int    `json:"Position"`
	CommandTimestamp     int64  `json:"CommandTimestamp,string"`
	CommandTimestampType string `json:"CommandTimestamp@odata.type,omitempty"`
}

type taskMergeEntity struct {
	PartitionKey         string  `json:"PartitionKey"`
	RowKey               string  `json:"RowKey"`
	Position             int     `json:"Position"`
	StatusID             *string `json:"StatusId,omitempty"`
	CommandTimestamp     int64   `json:"CommandTimestamp,string"`
	CommandTimestampType string  `json:"CommandTimestamp@odata.type"`
}

func decodeTask(data []byte, etag string) (*TaskRecord, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	return &TaskRecord{
		ProjectID:        ent.PartitionKey,
		ID:               ent.RowKey,
		StatusID:         ent.StatusID,
		Position:         ent.Position,
		CommandTimestamp: ent.CommandTimestamp,
		ETag:             etag,
	}, nil
}

func encodeMerge(m TaskMerge) ([]byte, error) {
	return sonic.Marshal(taskMergeEntity{
		PartitionKey:         m.ProjectID,
		RowKey:               m.ID,
		Position:             m.Position,
		StatusID:             m.StatusID,
		CommandTimestamp:     m.CommandTimestamp,
		CommandTimestampType: edmInt64,
	})
}

// TableStore projects tasks into an Azure table partitioned by project.
type TableStore struct {
	client *aztables.Client
}

// NewTableStore wraps a tasks table client.
func NewTableStore(client *aztables.Client) *TableStore { return &TableStore{client: client} }

// GetTask returns nil when the task does not exist.
func (s *TableStore) GetTask(ctx context.Context, projectID, taskID string) (*TaskRecord, error) {
	resp, err := s.client.GetEntity(ctx, projectID, taskID, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeTask(resp.Value, string(resp.ETag))
}

// MergeTask merges m into the task if its etag still matches.
func (s *TableStore) MergeTask(ctx context.Context, m TaskMerge, etag string) error {
	payload, err := encodeMerge(m)
	if err != nil {
		return err
	}
	match := azcore.ETagAny
	if etag != "" {
		match = azcore.ETag(etag)
	}
	_, err = s.client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &match, UpdateMode: aztables.UpdateModeMerge})
	if hasStatus(err, http.StatusPreconditionFailed) {
		return ErrConcurrencyConflict
	}
	return err
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// AzureQueue reads commands from an Azure storage queue.
type AzureQueue struct {
	client *azqueue.QueueClient
}

// NewAzureQueue wraps a queue client.
func NewAzureQueue(client *azqueue.QueueClient) *AzureQueue { return &AzureQueue{client: client} }

// Dequeue retrieves a single message, or nil when the queue is empty.
func (q *AzureQueue) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := q.client.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &Message{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	return msg, nil
}

// Delete removes a processed message.
func (q *AzureQueue) Delete(ctx context.Context, id, popReceipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, popReceipt, nil)
	return err
}
