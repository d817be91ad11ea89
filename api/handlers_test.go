package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
	"prism-board/notify"
	"prism-board/querycache"
	"prism-board/reorder"
	"prism-board/taskapi"
	"prism-board/watch"
)

type mockBoards struct {
	mu        sync.Mutex
	groups    []reorder.Group
	outcome   reorder.Outcome
	err       error
	moves     []domain.Move
	scopes    []reorder.Scope
	refreshed int
}

func (m *mockBoards) Groups(ctx context.Context, scope reorder.Scope) ([]reorder.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = append(m.scopes, scope)
	return m.groups, m.err
}

func (m *mockBoards) Move(ctx context.Context, scope reorder.Scope, mv domain.Move) (reorder.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = append(m.scopes, scope)
	m.moves = append(m.moves, mv)
	return m.outcome, m.err
}

func (m *mockBoards) Refresh(ctx context.Context, scope reorder.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed++
	m.scopes = append(m.scopes, scope)
	return m.err
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	return "user", nil
}

type memoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	removed []string
}

func (d *memoryDeduper) Add(_ context.Context, userID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	k := userID + ":" + key
	if d.seen[k] {
		return false, nil
	}
	d.seen[k] = true
	return true, nil
}

func (d *memoryDeduper) Remove(_ context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, userID+":"+key)
	d.removed = append(d.removed, key)
	return nil
}

type mockExecutions struct {
	reqs []watch.Request
	err  error
}

func (m *mockExecutions) Start(_ context.Context, req watch.Request) error {
	m.reqs = append(m.reqs, req)
	return m.err
}

type testServer struct {
	e          *echo.Echo
	boards     *mockBoards
	hub        *notify.Hub
	executions *mockExecutions
	deduper    *memoryDeduper
	hook       *test.Hook
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	s := &testServer{
		e:          echo.New(),
		boards:     &mockBoards{outcome: reorder.Outcome{Status: reorder.OutcomeApplied}},
		hub:        notify.NewHub(0, logger),
		executions: &mockExecutions{},
		deduper:    &memoryDeduper{},
		hook:       hook,
	}
	Register(s.e, Deps{
		Boards:     s.boards,
		Inbox:      s.hub,
		Executions: s.executions,
		Auth:       mockAuth{},
		Deduper:    s.deduper,
		Logger:     logger,
		Heartbeat:  10 * time.Millisecond,
	})
	return s
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestGetBoard(t *testing.T) {
	s := newTestServer(t)
	s.boards.groups = []reorder.Group{{StatusID: "A", Name: "To Do", Color: "orange", Tasks: []domain.Task{{ID: "a1", StatusID: "A", Position: 1}}}}

	rec := s.do(http.MethodGet, "/api/projects/p1/board", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var groups []reorder.Group
	if err := sonic.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "To Do" || groups[0].Tasks[0].ID != "a1" {
		t.Fatalf("unexpected groups: %#v", groups)
	}
	if got := s.boards.scopes[0]; got != (reorder.Scope{ProjectID: "p1", UserID: "user"}) {
		t.Fatalf("unexpected scope: %#v", got)
	}
}

func TestUnauthorizedRequests(t *testing.T) {
	s := newTestServer(t)
	noAuth := map[string]string{echo.HeaderAuthorization: ""}
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/projects/p1/board", ""},
		{http.MethodPost, "/api/projects/p1/moves", `{"itemId":"a1"}`},
		{http.MethodPost, "/api/projects/p1/refresh", ""},
		{http.MethodGet, "/api/notifications", ""},
		{http.MethodGet, "/api/notifications/unread-count", ""},
		{http.MethodGet, "/api/notifications/stream", ""},
	} {
		if rec := s.do(tc.method, tc.path, tc.body, noAuth); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 got %d", tc.method, tc.path, rec.Code)
		}
	}
	if len(s.boards.moves) != 0 {
		t.Fatalf("unauthorized move reached the coordinator")
	}
}

func TestGetBoardUpstreamError(t *testing.T) {
	s := newTestServer(t)
	s.boards.err = &taskapi.StatusError{Method: http.MethodGet, Path: "/tasks/project/p1", Code: http.StatusServiceUnavailable}

	if rec := s.do(http.MethodGet, "/api/projects/p1/board", "", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rec.Code)
	}
	s.boards.err = &taskapi.StatusError{Code: http.StatusNotFound}
	if rec := s.do(http.MethodGet, "/api/projects/p1/board", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestPostMove(t *testing.T) {
	s := newTestServer(t)
	group := "B"
	s.boards.outcome = reorder.Outcome{
		Status:  reorder.OutcomeApplied,
		Updates: []domain.PendingUpdate{{ItemID: "a2", NewGroupID: &group, NewPosition: 2}},
	}

	body := `{"itemId":"a2","sourceGroupId":"A","sourceIndex":1,"destination":{"groupId":"B","index":1}}`
	rec := s.do(http.MethodPost, "/api/projects/p1/moves", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var out reorder.Outcome
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if out.Status != reorder.OutcomeApplied || len(out.Updates) != 1 {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	mv := s.boards.moves[0]
	if mv.ItemID != "a2" || mv.Destination == nil || mv.Destination.GroupID != "B" || mv.Destination.Index != 1 {
		t.Fatalf("unexpected move: %#v", mv)
	}
}

func TestPostMoveDroppedOutside(t *testing.T) {
	s := newTestServer(t)
	s.boards.outcome = reorder.Outcome{Status: reorder.OutcomeIgnored, Reason: reorder.ErrNoDestination.Error()}

	rec := s.do(http.MethodPost, "/api/projects/p1/moves", `{"itemId":"a2","sourceGroupId":"A","sourceIndex":1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if s.boards.moves[0].Destination != nil {
		t.Fatalf("expected nil destination")
	}
}

func TestPostMoveInvalidBody(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{`not json`, `{"sourceGroupId":"A"}`, `{"itemId":"a1","bogus":true}`} {
		if rec := s.do(http.MethodPost, "/api/projects/p1/moves", body, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400 got %d", body, rec.Code)
		}
	}
	if len(s.boards.moves) != 0 {
		t.Fatalf("invalid body reached the coordinator")
	}
}

func TestPostMoveIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	body := `{"itemId":"a1","sourceGroupId":"A","sourceIndex":0,"destination":{"groupId":"A","index":2}}`
	headers := map[string]string{headerIdempotencyKey: "gesture-1"}

	if rec := s.do(http.MethodPost, "/api/projects/p1/moves", body, headers); rec.Code != http.StatusOK {
		t.Fatalf("first move: expected 200 got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/projects/p1/moves", body, headers); rec.Code != http.StatusConflict {
		t.Fatalf("replayed move: expected 409 got %d", rec.Code)
	}
	if len(s.boards.moves) != 1 {
		t.Fatalf("replay reached the coordinator: %d moves", len(s.boards.moves))
	}
}

func TestPostMoveFailureReleasesIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	s.boards.outcome = reorder.Outcome{Status: reorder.OutcomeFailed, Error: "boom"}
	body := `{"itemId":"a1","sourceGroupId":"A","sourceIndex":0,"destination":{"groupId":"A","index":2}}`
	headers := map[string]string{headerIdempotencyKey: "gesture-2"}

	rec := s.do(http.MethodPost, "/api/projects/p1/moves", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with failed outcome, got %d", rec.Code)
	}
	var out reorder.Outcome
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.Status != reorder.OutcomeFailed {
		t.Fatalf("unexpected outcome %#v err=%v", out, err)
	}
	if len(s.deduper.removed) != 1 || s.deduper.removed[0] != "gesture-2" {
		t.Fatalf("expected key released, got %v", s.deduper.removed)
	}
	if rec := s.do(http.MethodPost, "/api/projects/p1/moves", body, headers); rec.Code != http.StatusOK {
		t.Fatalf("retry after failure: expected 200 got %d", rec.Code)
	}
}

func TestPostMoveLoadError(t *testing.T) {
	s := newTestServer(t)
	s.boards.err = errors.New("backend down")

	rec := s.do(http.MethodPost, "/api/projects/p1/moves", `{"itemId":"a1","sourceGroupId":"A","sourceIndex":0}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	entry := s.hook.LastEntry()
	if entry == nil || entry.Message != observabilityMsg || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error observability event, got %#v", entry)
	}
}

func TestPostRefresh(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(http.MethodPost, "/api/projects/p1/refresh", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if s.boards.refreshed != 1 {
		t.Fatalf("expected one refresh, got %d", s.boards.refreshed)
	}
}

func TestPostExecution(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/projects/p1/executions", `{"kind":"breakdown","executionId":"e1"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	want := watch.Request{Kind: domain.ExecutionBreakdown, ExecutionID: "e1", ProjectID: "p1", UserID: "user"}
	if len(s.executions.reqs) != 1 || s.executions.reqs[0] != want {
		t.Fatalf("unexpected requests %#v", s.executions.reqs)
	}

	if rec := s.do(http.MethodPost, "/api/projects/p1/executions", `{"kind":"dance","executionId":"e1"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: expected 400 got %d", rec.Code)
	}
	s.executions.err = watch.ErrAlreadyWatching
	if rec := s.do(http.MethodPost, "/api/projects/p1/executions", `{"kind":"create","executionId":"e1"}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("already watching: expected 202 got %d", rec.Code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"n1", "n2"} {
		s.hub.Deliver(domain.Notification{ID: id, UserID: "user", Kind: domain.NotificationInfo, Title: id})
	}

	rec := s.do(http.MethodGet, "/api/notifications/unread-count", "", nil)
	var count unreadCountResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &count); err != nil || count.Count != 2 {
		t.Fatalf("unread count: %s err=%v", rec.Body.String(), err)
	}

	if rec := s.do(http.MethodPost, "/api/notifications/n1/read", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: expected 204 got %d", rec.Code)
	}
	rec = s.do(http.MethodGet, "/api/notifications?unread=true", "", nil)
	var unread []domain.Notification
	if err := sonic.Unmarshal(rec.Body.Bytes(), &unread); err != nil || len(unread) != 1 || unread[0].ID != "n2" {
		t.Fatalf("unread list: %s err=%v", rec.Body.String(), err)
	}

	rec = s.do(http.MethodGet, "/api/notifications/n1", "", nil)
	var one domain.Notification
	if err := sonic.Unmarshal(rec.Body.Bytes(), &one); err != nil || !one.Read {
		t.Fatalf("get notification: %s err=%v", rec.Body.String(), err)
	}

	rec = s.do(http.MethodPost, "/api/notifications/read-all", "", nil)
	var marked markAllReadResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &marked); err != nil || marked.Updated != 1 {
		t.Fatalf("read all: %s err=%v", rec.Body.String(), err)
	}

	if rec := s.do(http.MethodDelete, "/api/notifications/n2", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204 got %d", rec.Code)
	}
	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/notifications/n2"},
		{http.MethodPost, "/api/notifications/missing/read"},
		{http.MethodGet, "/api/notifications/missing"},
	} {
		if rec := s.do(tc.method, tc.path, "", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404 got %d", tc.method, tc.path, rec.Code)
		}
	}

	rec = s.do(http.MethodGet, "/api/notifications", "", nil)
	var all []domain.Notification
	if err := sonic.Unmarshal(rec.Body.Bytes(), &all); err != nil || len(all) != 1 || all[0].ID != "n1" {
		t.Fatalf("list: %s err=%v", rec.Body.String(), err)
	}
}

type failingPinger struct{ err error }

func (f failingPinger) Ping(context.Context) error { return f.err }

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	rec := httptest.NewRecorder()
	if err := healthz(nil)(e.NewContext(req, rec)); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("healthy: code=%d err=%v", rec.Code, err)
	}
	rec = httptest.NewRecorder()
	if err := healthz([]Pinger{failingPinger{errors.New("queue down")}})(e.NewContext(req, rec)); err != nil || rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: code=%d err=%v", rec.Code, err)
	}
}

type recordingPersister struct {
	mu    sync.Mutex
	calls map[string]domain.UpdateTask
	fail  bool
}

func (p *recordingPersister) UpdateTask(_ context.Context, _ string, taskID string, upd domain.UpdateTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[taskID] = upd
	if p.fail {
		return errors.New("write rejected")
	}
	return nil
}

func TestMoveThroughCoordinator(t *testing.T) {
	logger, _ := test.NewNullLogger()
	authoritative := []domain.Task{
		{ID: "a1", StatusID: "A", Position: 1},
		{ID: "a2", StatusID: "A", Position: 2},
		{ID: "a3", StatusID: "A", Position: 3},
		{ID: "b1", StatusID: "B", Position: 1},
	}
	var bearer string
	cache := querycache.New(time.Minute, logger)
	cache.Register(querycache.ProjectTasks(), func(ctx context.Context, _ querycache.Key) ([]domain.Task, error) {
		bearer = taskapi.BearerFrom(ctx)
		return domain.CloneTasks(authoritative), nil
	})
	persister := &recordingPersister{calls: make(map[string]domain.UpdateTask)}
	hub := notify.NewHub(0, logger)
	coord := reorder.NewCoordinator(cache, persister, nil, hub, logger, reorder.Options{})

	e := echo.New()
	Register(e, Deps{Boards: coord, Inbox: hub, Executions: &mockExecutions{}, Auth: mockAuth{}, Logger: logger})

	body := `{"itemId":"a2","sourceGroupId":"A","sourceIndex":1,"destination":{"groupId":"B","index":1}}`
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/moves", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer h.p.s")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if bearer != "h.p.s" {
		t.Fatalf("bearer not forwarded to the fetcher, got %q", bearer)
	}
	if len(persister.calls) != 2 {
		t.Fatalf("expected 2 persisted updates, got %v", persister.calls)
	}
	if upd := persister.calls["a3"]; upd.Position != 2 || upd.StatusID != nil {
		t.Fatalf("unexpected a3 update: %#v", upd)
	}
	if upd := persister.calls["a2"]; upd.Position != 2 || upd.StatusID == nil || *upd.StatusID != "B" {
		t.Fatalf("unexpected a2 update: %#v", upd)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/projects/p1/board", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer h.p.s")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var groups []reorder.Group
	if err := sonic.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	// Statuses are unavailable here, so every column lands in the trailing group.
	if len(groups) != 1 || groups[0].Name != reorder.UnknownGroupName {
		t.Fatalf("unexpected groups: %#v", groups)
	}
	var ids []string
	for _, task := range groups[0].Tasks {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "a1,a3,b1,a2" {
		t.Fatalf("unexpected order %v", ids)
	}
}
