package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GigaElk/worrybox-sub002/internal/admission"
	"github.com/GigaElk/worrybox-sub002/internal/cache"
	"github.com/GigaElk/worrybox-sub002/internal/config"
	"github.com/GigaElk/worrybox-sub002/internal/httpapi"
	"github.com/GigaElk/worrybox-sub002/internal/jobs"
	"github.com/GigaElk/worrybox-sub002/internal/monitoring"
	"github.com/GigaElk/worrybox-sub002/internal/orchestrator"
	"github.com/GigaElk/worrybox-sub002/internal/platform"
	"github.com/GigaElk/worrybox-sub002/internal/store"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging).WithComponent("worrybox")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatalf("Fatal error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	plat := platform.New(cfg.Platform.MemoryBudgetMB, log)

	tracker := jobs.NewTracker(func() float64 {
		return plat.Memory().HeapUsedMB
	}, log)
	runner := jobs.NewRunner(tracker, log)

	collector := monitoring.NewCollector("worrybox")
	engine := monitoring.NewEngine(monitoring.Options{
		Platform:     plat,
		Tracker:      tracker,
		HistoryLimit: cfg.Monitoring.HistoryLimit,
		Collector:    collector,
		Logger:       log,
	})

	queue := admission.NewQueue(admission.QueueConfig{
		Concurrency:   cfg.Admission.QueueConcurrency,
		DispatchDelay: cfg.Admission.DispatchDelay,
	}, log)
	defer queue.Close()

	dbBreaker := admission.NewCircuitBreaker(admission.BreakerConfig{
		Name:             "database",
		FailureThreshold: cfg.Admission.FailureThreshold,
		RecoveryTimeout:  cfg.Admission.RecoveryTimeout,
		OnStateChange:    breakerAlerter(engine, log),
	}, log)

	// Shared handles filled in by the orchestrated initializers.
	var (
		db    *store.Store
		redis *cache.Cache
	)

	orch := orchestrator.New(orchestrator.Options{
		Config:   cfg.Startup,
		Platform: plat,
		Engine:   engine,
		Logger:   log,
	})

	registrations := []orchestrator.ServiceDescriptor{
		{
			Name:     "database",
			Priority: 1,
			Critical: true,
			Timeout:  30 * time.Second,
			// The database comes and goes on cheap hosting; a couple of
			// retries rides out a restart.
			RetryCount: 2,
			Initialize: func(ctx context.Context) error {
				s, err := store.Open(cfg.Database, log)
				if err != nil {
					return err
				}
				if err := s.Migrate(ctx); err != nil {
					s.Close()
					return err
				}
				db = s
				return nil
			},
			HealthCheck: func(ctx context.Context) (bool, error) {
				return db.Healthy(ctx)
			},
		},
		{
			Name:         "scheduler",
			Priority:     2,
			Critical:     true,
			Dependencies: []string{"database"},
			Initialize: func(ctx context.Context) error {
				if err := registerJobs(runner, engine, queue, dbBreaker, orch,
					func() *store.Store { return db },
					func() *cache.Cache { return redis },
					log); err != nil {
					return err
				}
				runner.Start()
				return nil
			},
		},
		{
			Name:     "cache",
			Priority: 3,
			Lazy:     true,
			Timeout:  10 * time.Second,
			Initialize: func(ctx context.Context) error {
				c, err := cache.Open(ctx, cfg.Redis, log)
				if err != nil {
					return err
				}
				redis = c
				return nil
			},
			HealthCheck: func(ctx context.Context) (bool, error) {
				return redis.Healthy(ctx)
			},
		},
	}
	for _, desc := range registrations {
		if err := orch.RegisterService(desc); err != nil {
			return fmt.Errorf("register %s: %w", desc.Name, err)
		}
	}

	report, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	for _, warning := range report.Warnings {
		log.WithField("warning", warning).Warnf("Startup warning")
	}

	engine.AddProbe("database", func(ctx context.Context) (bool, time.Duration, error) {
		res := db.Ping(ctx)
		if res.Error != "" {
			return false, res.Latency, errors.New(res.Error)
		}
		return res.Healthy, res.Latency, nil
	})
	engine.Start(ctx, cfg.Monitoring.SnapshotInterval, cfg.Monitoring.SweepInterval)

	srv := httpapi.New(httpapi.Options{
		Config:       cfg.Server,
		Engine:       engine,
		Collector:    collector,
		Tracker:      tracker,
		Orchestrator: orch,
		Logger:       log,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Infof("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warnf("HTTP server shutdown")
	}
	engine.Stop()
	if err := runner.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warnf("Scheduler shutdown")
	}
	queue.Close()
	if redis != nil {
		// Drop the published snapshot so readers never see stale data
		// from a dead process.
		if err := redis.Delete(shutdownCtx, snapshotKey); err != nil {
			log.WithError(err).Warnf("Snapshot key cleanup")
		}
		if err := redis.Close(); err != nil {
			log.WithError(err).Warnf("Cache close")
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.WithError(err).Warnf("Database close")
		}
	}
	log.Infof("Shutdown complete")
	return nil
}
