package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultChannel = "diagramsync:events"

// RedisBus fans envelopes out across processes with Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis_bus").Str("channel", channel).Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed; messages are handled
// on a background goroutine until ctx is done or the bus is closed.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Envelope)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	messages := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn().Err(err).Msg("dropping malformed envelope")
					continue
				}
				handler(env)
			}
		}
	}()
	return nil
}

// Close ends every subscription. The Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Close()
	}
	b.subs = nil
	return nil
}
