package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DefaultChannel is the pubsub channel notifications travel on.
const DefaultChannel = "board-notifications"

const reconnectDelay = time.Second

// RedisPublisher publishes notifications to a Redis channel.
type RedisPublisher struct {
	rc      *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rc *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rc: rc, channel: channel}
}

// Notify publishes n.
func (p *RedisPublisher) Notify(ctx context.Context, n domain.Notification) error {
	data, err := sonic.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.rc.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Relay delivers every notification published on channel into hub until ctx
// is done, resubscribing when the subscription drops.
func Relay(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	if channel == "" {
		channel = DefaultChannel
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var n domain.Notification
				if err := sonic.UnmarshalString(msg.Payload, &n); err != nil {
					logger.WithError(err).Error("unable to parse notification")
					continue
				}
				if n.UserID == "" {
					logger.Warn("notification without user ignored")
					continue
				}
				hub.Deliver(n)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
