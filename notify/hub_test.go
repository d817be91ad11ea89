package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

func note(user, id string) domain.Notification {
	return domain.Notification{ID: id, UserID: user, Kind: domain.NotificationInfo, Title: id}
}

func newTestHub(size int) *Hub {
	logger, _ := test.NewNullLogger()
	return NewHub(size, logger)
}

func TestHubInbox(t *testing.T) {
	h := newTestHub(0)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3"} {
		if err := h.Notify(ctx, note("u1", id)); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	_ = h.Notify(ctx, note("u2", "other"))

	list := h.List("u1", false)
	if len(list) != 3 || list[0].ID != "n3" || list[2].ID != "n1" {
		t.Fatalf("expected newest first, got %#v", list)
	}
	if c := h.UnreadCount("u1"); c != 3 {
		t.Fatalf("unread = %d, want 3", c)
	}
	if err := h.MarkRead("u1", "n2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if c := h.UnreadCount("u1"); c != 2 {
		t.Fatalf("unread = %d, want 2", c)
	}
	if got := h.List("u1", true); len(got) != 2 {
		t.Fatalf("unread list = %d entries, want 2", len(got))
	}
	if n, err := h.Get("u1", "n2"); err != nil || !n.Read {
		t.Fatalf("get n2: %#v %v", n, err)
	}
	if changed := h.MarkAllRead("u1"); changed != 2 {
		t.Fatalf("mark all changed %d, want 2", changed)
	}
	if c := h.UnreadCount("u2"); c != 1 {
		t.Fatalf("other user's inbox touched, unread = %d", c)
	}
	if err := h.Delete("u1", "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(h.List("u1", false)) != 2 {
		t.Fatalf("expected 2 after delete")
	}
}

func TestHubUnknownIDs(t *testing.T) {
	h := newTestHub(0)
	_ = h.Notify(context.Background(), note("u1", "n1"))
	for name, err := range map[string]error{
		"mark":   h.MarkRead("u1", "missing"),
		"delete": h.Delete("u1", "missing"),
		"other":  h.MarkRead("u2", "n1"),
	} {
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
	if _, err := h.Get("u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestHubInboxBounded(t *testing.T) {
	h := newTestHub(3)
	for i := 1; i <= 5; i++ {
		h.Deliver(note("u1", fmt.Sprintf("n%d", i)))
	}
	list := h.List("u1", false)
	if len(list) != 3 || list[0].ID != "n5" || list[2].ID != "n3" {
		t.Fatalf("expected the 3 newest, got %#v", list)
	}
}

func TestHubDeliverSkipsDuplicates(t *testing.T) {
	h := newTestHub(0)
	h.Deliver(note("u1", "n1"))
	h.Deliver(note("u1", "n1"))
	if len(h.List("u1", false)) != 1 {
		t.Fatalf("duplicate id stored twice")
	}
}

func TestHubSubscribe(t *testing.T) {
	h := newTestHub(0)
	ch, cancel := h.Subscribe("u1")
	other, cancelOther := h.Subscribe("u2")
	defer cancelOther()

	h.Deliver(note("u1", "n1"))
	select {
	case n := <-ch:
		if n.ID != "n1" {
			t.Fatalf("unexpected notification %#v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification")
	}
	select {
	case n := <-other:
		t.Fatalf("other user received %#v", n)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if n := h.Subscribers("u1"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newTestHub(subscriberBuffer * 4)
	_, cancel := h.Subscribe("u1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Deliver(note("u1", fmt.Sprintf("n%d", i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on a slow subscriber")
	}
	if got := len(h.List("u1", false)); got != subscriberBuffer*2 {
		t.Fatalf("inbox has %d entries, want %d", got, subscriberBuffer*2)
	}
}
