package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

func TestPublisherAndRelay(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, _ := test.NewNullLogger()
	hub := NewHub(0, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Relay(ctx, logger, rc, "chan", hub)
		close(done)
	}()
	// wait for subscription to start
	time.Sleep(50 * time.Millisecond)

	pub := NewRedisPublisher(rc, "chan")
	n := domain.Notification{ID: "n1", UserID: "u1", Kind: domain.NotificationError, Title: "Update Failed"}
	if err := pub.Notify(context.Background(), n); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for hub.UnreadCount("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay did not deliver notification")
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := hub.Get("u1", "n1")
	if err != nil || got.Title != "Update Failed" || got.Kind != domain.NotificationError {
		t.Fatalf("unexpected delivery %#v %v", got, err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not exit")
	}
}

func TestRelayIgnoresGarbage(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, hook := test.NewNullLogger()
	hub := NewHub(0, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Relay(ctx, logger, rc, "", hub)
	time.Sleep(50 * time.Millisecond)

	if err := rc.Publish(context.Background(), DefaultChannel, "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rc.Publish(context.Background(), DefaultChannel, `{"id":"n1"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(hook.AllEntries()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 log entries, got %d", len(hook.AllEntries()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.UnreadCount("") != 0 {
		t.Fatal("notification without user was stored")
	}
}
