package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix is prepended to the user ID to form the Pub/Sub channel.
const ChannelPrefix = "snaplinked:events:"

// RedisPublisher is the subset of redis.UniversalClient the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes events on a per-user Pub/Sub channel.
type Redis struct {
	client RedisPublisher
	closer func() error
}

// NewRedis wraps an existing client. Close does not close the client.
func NewRedis(client RedisPublisher) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to addr and pings it before returning the sink.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("events: redis ping %s: %w", addr, err)
	}
	return &Redis{client: c, closer: c.Close}, nil
}

// Channel returns the Pub/Sub channel for userID.
func Channel(userID string) string { return ChannelPrefix + userID }

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: redis marshal: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(ev.UserID), body).Err(); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
