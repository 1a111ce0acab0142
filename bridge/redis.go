package bridge

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub is a PubSub over Redis PUBLISH/SUBSCRIBE.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub wraps client. The caller keeps ownership of client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := bridge.New(bridge.NewRedisPubSub(client), bridge.Config{Channel: "relay:broadcast"}, log, m)
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// Publish implements PubSub.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe implements PubSub. It waits for the subscription to be
// confirmed so that messages published after it returns are not missed.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	payloads := make(chan []byte)
	go func() {
		defer close(payloads)
		for msg := range sub.Channel() {
			select {
			case payloads <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return payloads, sub.Close, nil
}

// Ping checks that the Redis server is reachable.
func (r *RedisPubSub) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
