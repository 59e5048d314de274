package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	rfhttp "github.com/runforge/runforge/internal/adapter/http"
	rfnats "github.com/runforge/runforge/internal/adapter/nats"
	"github.com/runforge/runforge/internal/adapter/notify"
	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/adapter/postgres"
	"github.com/runforge/runforge/internal/adapter/ristretto"
	"github.com/runforge/runforge/internal/adapter/runtimenats"
	"github.com/runforge/runforge/internal/adapter/ws"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/logger"
	"github.com/runforge/runforge/internal/port/notifier"
	"github.com/runforge/runforge/internal/resilience"
	"github.com/runforge/runforge/internal/secrets"
	"github.com/runforge/runforge/internal/service"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"dispatch_interval", cfg.Scheduler.DispatchInterval,
		"max_global_runs", cfg.Scheduler.MaxGlobalConcurrentRuns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	shutdownOtel, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)

	queue, err := rfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	runtime := runtimenats.New(queue.Conn(), cfg.Scheduler.DispatchTimeout)

	counts, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer counts.Close()

	crypto := secrets.New(cfg.Secrets.SharedSecret)
	hub := ws.NewHub()
	defer hub.Close()

	// --- Services ---

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	leases := service.NewLeaseCoordinator(store, nil, cfg.Scheduler.ProvisionGrace, log)
	dispatcher := service.NewDispatcher(store, queue, runtime, leases, crypto, counts,
		breaker, metrics, cfg.Scheduler, cfg.Cache.CountTTL, log)
	projector := service.NewProjector(store)
	listener := service.NewListener(store, queue, runtime, projector, leases, dispatcher, metrics, log)
	executor := service.NewWorkflowExecutor(store, queue, dispatcher, cfg.StageTimeout, log)
	recovery := service.NewRecovery(store, queue, runtime, leases, metrics, cfg.DeadRun, log)
	alerts := service.NewAlertChecker(store,
		[]notifier.Notifier{notify.NewLogNotifier(log)}, metrics, cfg.Alerts, log)
	maintenance := service.NewMaintenance(store, dispatcher, recovery, alerts, *cfg, log)
	fanout := service.NewFanout(queue, hub, log)

	if err := recovery.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("workflow executor: %w", err)
	}
	if err := dispatcher.StartCancelConsumer(ctx); err != nil {
		return fmt.Errorf("cancel consumer: %w", err)
	}
	if err := fanout.Start(ctx); err != nil {
		return fmt.Errorf("fanout: %w", err)
	}

	handlers := &rfhttp.Handlers{
		Store:    store,
		Queue:    queue,
		Hub:      hub,
		Approver: executor,
		Replayer: executor,
		Log:      log,
	}
	srv := rfhttp.NewServer(cfg.Server, handlers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })

	log.Info("runforge control plane started")
	return g.Wait()
}
