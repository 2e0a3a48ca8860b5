package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultHealthInterval = 15 * time.Second

// Redis implements Publisher and Subscriber on Redis pub/sub. Publishing
// and subscribing use separate clients: a connection in subscribe mode
// cannot issue PUBLISH.
type Redis struct {
	pub            *redis.Client
	sub            *redis.Client
	channel        string
	healthInterval time.Duration
}

// RedisOption configures a Redis bus.
type RedisOption func(*Redis)

// WithHealthInterval sets how long a subscription may sit idle before it
// pings the server to detect a dead connection.
func WithHealthInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.healthInterval = d }
}

// NewRedis builds a bus on two clients. The caller owns both clients.
func NewRedis(pub, sub *redis.Client, channel string, opts ...RedisOption) *Redis {
	r := &Redis{pub: pub, sub: sub, channel: channel, healthInterval: defaultHealthInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the pub/sub channel name.
func (r *Redis) Channel() string { return r.channel }

func (r *Redis) Publish(ctx context.Context, _ string, data []byte) error {
	if err := r.pub.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) (Subscription, error) {
	ps := r.sub.Subscribe(ctx, r.channel)
	// Receive blocks until the server confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	return &redisSubscription{ps: ps, healthInterval: r.healthInterval}, nil
}

// Close is a no-op; the clients are closed by their owner.
func (r *Redis) Close() error { return nil }

type redisSubscription struct {
	ps             *redis.PubSub
	healthInterval time.Duration
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, s.healthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := s.ps.Ping(ctx); err != nil {
					return nil, fmt.Errorf("redis subscription health check: %w", err)
				}
				continue
			}
			return nil, fmt.Errorf("redis receive: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Message:
			return []byte(m.Payload), nil
		case *redis.Subscription, *redis.Pong:
			continue
		default:
			continue
		}
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
