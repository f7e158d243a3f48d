package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel rule changes are announced on.
const DefaultChannel = "authz.rules.changed"

// RedisBus publishes and receives ChangeEvents over Redis pub/sub so every
// process holding a snapshot hears about writes made by any other process.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ Watcher = (*RedisBus)(nil)
var _ Notifier = (*RedisBus)(nil)

// NewRedisBus constructs a bus on channel, falling back to DefaultChannel.
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Notify implements Notifier.
func (b *RedisBus) Notify(ctx context.Context, event ChangeEvent) error {
	if b == nil || b.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("rules: encode change event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Watch implements Watcher. The subscription is confirmed before Watch
// returns. Malformed payloads are delivered as a full-reload event on the
// policies table.
func (b *RedisBus) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("rules: subscribe %s: %w", b.channel, err)
	}
	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Table == "" {
					b.logger.Warn("rules change event", slog.String("payload", msg.Payload))
					ev = ChangeEvent{Table: TablePolicies, Op: OpUpdate}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
