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

	authhandler "switchboard/internal/auth/handler"
	"switchboard/internal/auth/service"
	"switchboard/internal/auth/session"
	"switchboard/internal/jobs"
	jwttoken "switchboard/internal/jwt_token"
	"switchboard/internal/platform/bootstrap"
	"switchboard/internal/platform/config"
	"switchboard/internal/platform/httpserver"
	"switchboard/internal/platform/logger"
	"switchboard/internal/platform/metrics"
	"switchboard/internal/queue"
	queuehandler "switchboard/internal/queue/handler"
	"switchboard/internal/queue/worker"
	"switchboard/internal/realtime"
	"switchboard/internal/realtime/broadcast"
	httptransport "switchboard/internal/transport/http"
	"switchboard/pkg/platform/middleware/auth"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	claimIssuer     = "switchboard"
)

// main wires the HTTP surface, the real-time layer and, unless disabled,
// an in-process worker pool. Business logic lives in internal packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.Development())

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
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

	users, err := bootstrap.OpenUserStore(startCtx, cfg)
	if err != nil {
		return err
	}
	defer users.Close()

	registry := realtime.NewRegistry(cfg.ProcessID, log, m)
	adapter, err := broadcast.New(cfg.ProcessID, eventBus.Publisher, eventBus.Subscriber, registry, log,
		broadcast.WithRecorder(m))
	if err != nil {
		return err
	}
	if err := adapter.Start(startCtx); err != nil {
		return fmt.Errorf("start broadcast adapter: %w", err)
	}
	defer adapter.Close()

	jobQueue := queue.New(jobStore.Store, log, queue.WithRecorder(m))
	accounts, err := service.New(users.Store, jobQueue, adapter, log, service.WithRecorder(m))
	if err != nil {
		return err
	}

	codec, err := jwttoken.NewCodec(cfg.ClaimKeys, claimIssuer)
	if err != nil {
		return fmt.Errorf("claim codec: %w", err)
	}
	carrier, err := session.New(codec, cfg.CookieKeys, session.WithSecure(!cfg.Development()))
	if err != nil {
		return fmt.Errorf("session carrier: %w", err)
	}
	requireSession := auth.RequireSession(carrier, log, m)

	router := httptransport.NewRouter(httptransport.Deps{
		ClientOrigin: cfg.ClientURL,
		AdminToken:   cfg.AdminToken,
		Auth:         authhandler.New(accounts, carrier, requireSession, log),
		Topics:       realtime.NewTopicsHandler(adapter, requireSession, log),
		Realtime: realtime.NewHandler(registry, adapter, carrier, cfg.ClientURL, log,
			realtime.WithSlowClientRecorder(m)),
		Queues:  queuehandler.New(jobStore.Store, log),
		Metrics: httptransport.MetricsHandler(),
		Health: map[string]httptransport.HealthCheck{
			"bus":      adapter.Health,
			"broker":   httptransport.HealthCheck(jobStore.Health),
			"database": httptransport.HealthCheck(users.Health),
		},
		Logger: log,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return adapter.Run(gctx)
	})

	if cfg.Worker.Concurrency > 0 {
		wcfg := worker.DefaultConfig()
		wcfg.Concurrency = cfg.Worker.Concurrency
		pool, err := worker.New(jobStore.Store, wcfg, log, worker.WithRecorder(m))
		if err != nil {
			return err
		}
		jobs.NewHandlers(adapter, log).Register(pool)
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	g.Go(func() error {
		log.Info("starting switchboard", "addr", cfg.Addr, "process_id", cfg.ProcessID, "bus", cfg.BusScheme())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		closed, err := httpserver.Drain(shutdownCtx, srv, registry.CloseAll)
		log.Info("shut down", "connections_closed", closed)
		return err
	})

	return g.Wait()
}
