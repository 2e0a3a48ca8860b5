package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/jobs"
	"switchboard/internal/platform/bootstrap"
	"switchboard/internal/platform/config"
	"switchboard/internal/platform/httpserver"
	"switchboard/internal/platform/logger"
	"switchboard/internal/platform/metrics"
	"switchboard/internal/queue/worker"
	"switchboard/internal/realtime"
	"switchboard/internal/realtime/broadcast"
	httptransport "switchboard/internal/transport/http"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// main runs a standalone worker pool. It holds no client connections: job
// handlers publish through the bus and the server processes deliver.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.Development()).With("role", "worker")

	if err := run(cfg, log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if cfg.QueueURL == bootstrap.MemoryURL || cfg.BusScheme() == "memory" {
		return errors.New("QUEUE_URL and BUS_URL must point at shared services for a standalone worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	eventBus, err := bootstrap.OpenBus(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	jobStore, err := bootstrap.OpenJobStore(startCtx, cfg)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	// Publishing requires a live subscription; the empty registry drops
	// whatever the bus echoes back.
	registry := realtime.NewRegistry(cfg.ProcessID, log, nil)
	adapter, err := broadcast.New(cfg.ProcessID, eventBus.Publisher, eventBus.Subscriber, registry, log,
		broadcast.WithRecorder(m))
	if err != nil {
		return err
	}
	if err := adapter.Start(startCtx); err != nil {
		return fmt.Errorf("start broadcast adapter: %w", err)
	}
	defer adapter.Close()

	wcfg := worker.DefaultConfig()
	if cfg.Worker.Concurrency > 0 {
		wcfg.Concurrency = cfg.Worker.Concurrency
	}
	pool, err := worker.New(jobStore.Store, wcfg, log, worker.WithRecorder(m))
	if err != nil {
		return err
	}
	jobs.NewHandlers(adapter, log).Register(pool)

	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(httptransport.Deps{
		ClientOrigin: cfg.ClientURL,
		Metrics:      httptransport.MetricsHandler(),
		Health: map[string]httptransport.HealthCheck{
			"bus":    adapter.Health,
			"broker": httptransport.HealthCheck(jobStore.Health),
		},
		Logger: log,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return adapter.Run(gctx)
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting worker", "addr", cfg.Addr, "process_id", cfg.ProcessID, "concurrency", wcfg.Concurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
