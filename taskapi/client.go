// Package taskapi talks to the upstream task REST API.
package taskapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const defaultTimeout = 10 * time.Second

type bearerKey struct{}

// WithBearer attaches the caller's token to ctx; requests made with the
// context forward it upstream.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

// BearerFrom returns the token attached by WithBearer.
func BearerFrom(ctx context.Context) string {
	token, _ := ctx.Value(bearerKey{}).(string)
	return token
}

// StatusError is returned for a non 2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client calls the task API.
type Client struct {
	BaseURL string
	// Bearer is used when the request context carries no token.
	Bearer string
	HTTP   *http.Client
}

// New creates a Client for baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// FetchTasks lists the tasks of a project.
func (c *Client) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/project/"+url.PathEscape(projectID), nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// FetchTask returns one task.
func (c *Client) FetchTask(ctx context.Context, taskID string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &t)
	return t, err
}

// FetchSubtasks lists the subtasks of a task.
func (c *Client) FetchSubtasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(parentID)+"/subtasks", nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// FetchStatuses lists the columns of a project.
func (c *Client) FetchStatuses(ctx context.Context, projectID string) ([]domain.Status, error) {
	path := "/statuses"
	if projectID != "" {
		path += "?projectId=" + url.QueryEscape(projectID)
	}
	var statuses []domain.Status
	if err := c.do(ctx, http.MethodGet, path, nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// UpdateTask patches the position and, on a column change, the status of a
// task. The project is implied by the task id upstream.
func (c *Client) UpdateTask(ctx context.Context, _ string, taskID string, upd domain.UpdateTask) error {
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), upd, nil)
}

// ExecutionStatus polls the state of an AI job.
func (c *Client) ExecutionStatus(ctx context.Context, kind domain.ExecutionKind, executionID string) (domain.ExecutionStatus, error) {
	var prefix string
	switch kind {
	case domain.ExecutionCreate:
		prefix = "/tasks/ai/status/"
	case domain.ExecutionAssign:
		prefix = "/tasks/ai/assign/status/"
	case domain.ExecutionBreakdown:
		prefix = "/tasks/ai/breakdown/status/"
	default:
		return domain.ExecutionStatus{}, fmt.Errorf("unknown execution kind %q", kind)
	}
	var st domain.ExecutionStatus
	err := c.do(ctx, http.MethodGet, prefix+url.PathEscape(executionID), nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := BearerFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
