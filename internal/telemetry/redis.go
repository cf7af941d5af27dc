package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "miyabi.events"

// RedisPublisher mirrors the event stream onto a redis pub/sub channel so
// external dashboards can follow a run live. Publish failures surface as
// sink errors and get logged; they never stall the stream.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher connects to redis at addr. channel defaults to
// "miyabi.events" when empty. The universal client transparently handles
// single-node, sentinel and cluster addresses.
func NewRedisPublisher(addr, password string, db int, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultRedisChannel
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{client: client, channel: channel}
}

// Name implements Sink.
func (p *RedisPublisher) Name() string { return "redis" }

// Consume implements Sink.
func (p *RedisPublisher) Consume(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Ping verifies the connection, used at startup to fail fast on a bad
// address instead of logging a publish error per event.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the client.
func (p *RedisPublisher) Close() error { return p.client.Close() }
