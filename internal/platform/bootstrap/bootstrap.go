// Package bootstrap opens the backing services named in the configuration.
// Both binaries share it so a server and a worker always agree on where
// events and jobs live.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"switchboard/internal/auth/service"
	"switchboard/internal/auth/store/user"
	"switchboard/internal/platform/bus"
	"switchboard/internal/platform/config"
	"switchboard/internal/platform/redis"
	"switchboard/internal/queue"
	"switchboard/internal/queue/store"
	pkgstrings "switchboard/pkg/platform/strings"
)

// MemoryURL selects an in-process backend where one is supported.
const MemoryURL = "memory://"

// Check pings one dependency for /healthz.
type Check func(ctx context.Context) error

// Bus is the opened broadcast bus and its health check.
type Bus struct {
	Publisher  bus.Publisher
	Subscriber bus.Subscriber
	Health     Check
	closers    []func() error
}

// Close releases the bus and every client it opened.
func (b *Bus) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// OpenBus connects the backend selected by BUS_URL.
func OpenBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Bus, error) {
	switch cfg.BusScheme() {
	case "redis":
		pub, err := redis.New(ctx, cfg.BusURL, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("bus publisher: %w", err)
		}
		sub, err := redis.New(ctx, cfg.BusURL, cfg.Redis)
		if err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("bus subscriber: %w", err)
		}
		b := bus.NewRedis(pub.Client, sub.Client, cfg.BusTopic)
		logger.InfoContext(ctx, "bus connected", "backend", "redis", "channel", cfg.BusTopic)
		return &Bus{
			Publisher:  b,
			Subscriber: b,
			Health:     b.Ping,
			closers:    []func() error{b.Close, pub.Close, sub.Close},
		}, nil
	case "kafka":
		brokers := pkgstrings.SplitList(strings.TrimPrefix(cfg.BusURL, "kafka://"), ",")
		k, err := bus.NewKafka(brokers, cfg.BusTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka bus: %w", err)
		}
		if err := k.EnsureTopic(ctx, 1, 1); err != nil {
			_ = k.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "bus connected", "backend", "kafka", "topic", cfg.BusTopic, "brokers", brokers)
		return &Bus{
			Publisher:  k,
			Subscriber: k,
			Health:     k.Ping,
			closers:    []func() error{k.Close},
		}, nil
	case "memory":
		m := bus.NewMemory()
		logger.InfoContext(ctx, "bus connected", "backend", "memory")
		return &Bus{
			Publisher:  m,
			Subscriber: m,
			Health:     m.Ping,
			closers:    []func() error{m.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bus url %q", cfg.BusURL)
	}
}

// JobStore is the opened job broker.
type JobStore struct {
	Store  queue.Store
	Health Check
	close  func() error
}

// Close releases the broker connection.
func (s *JobStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenJobStore connects the Redis broker at QUEUE_URL. memory:// keeps jobs
// in process, which only works when the worker runs in the same process.
func OpenJobStore(ctx context.Context, cfg *config.Config) (*JobStore, error) {
	if cfg.QueueURL == MemoryURL {
		return &JobStore{
			Store:  store.NewInMemory(store.DefaultRetention()),
			Health: func(context.Context) error { return nil },
		}, nil
	}
	client, err := redis.New(ctx, cfg.QueueURL, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("job broker: %w", err)
	}
	return &JobStore{
		Store:  store.NewRedis(client.Client),
		Health: client.Health,
		close:  client.Close,
	}, nil
}

// UserStore is the opened account store.
type UserStore struct {
	Store  service.UserStore
	Health Check
	close  func() error
}

// Close releases the database handle.
func (s *UserStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenUserStore connects Postgres at DATABASE_URL and ensures the schema.
// memory:// selects the in-process store.
func OpenUserStore(ctx context.Context, cfg *config.Config) (*UserStore, error) {
	if cfg.DatabaseURL == MemoryURL {
		users := user.New()
		return &UserStore{Store: users, Health: users.Ping}, nil
	}
	db, err := user.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	users := user.NewPostgres(db)
	if err := users.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &UserStore{Store: users, Health: users.Ping, close: db.Close}, nil
}
