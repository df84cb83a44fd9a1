package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GigaElk/worrybox-sub002/internal/admission"
	"github.com/GigaElk/worrybox-sub002/internal/cache"
	"github.com/GigaElk/worrybox-sub002/internal/jobs"
	"github.com/GigaElk/worrybox-sub002/internal/monitoring"
	"github.com/GigaElk/worrybox-sub002/internal/orchestrator"
	"github.com/GigaElk/worrybox-sub002/internal/store"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// Cron specs use the seconds field.
const (
	specHourly      = "0 0 * * * *"
	specEveryFive   = "0 */5 * * * *"
	specNightly     = "0 0 3 * * *"
	maintenancePrio = 1
)

// The latest snapshot is published to redis under this key so the main
// worrybox app can show resilience status without calling back in.
const (
	snapshotKey = "worrybox:resilience:snapshot"
	snapshotTTL = 15 * time.Minute
)

// registerJobs wires the periodic maintenance jobs. Database work goes
// through the admission queue and the database circuit breaker so a
// struggling database sheds background load before it sheds requests.
func registerJobs(
	runner *jobs.Runner,
	engine *monitoring.Engine,
	queue *admission.Queue,
	breaker *admission.CircuitBreaker,
	orch *orchestrator.Orchestrator,
	db func() *store.Store,
	redis func() *cache.Cache,
	log *logger.Logger,
) error {
	gated := func(id string, op func(ctx context.Context) error) jobs.JobFunc {
		return func(ctx context.Context) error {
			handle := queue.Enqueue(func(ctx context.Context) (interface{}, error) {
				return nil, breaker.Execute(ctx, op)
			}, maintenancePrio, id)
			_, err := handle.Wait(ctx)
			if errors.Is(err, admission.ErrDisplaced) {
				// A newer run superseded this one; nothing was lost.
				return nil
			}
			return err
		}
	}

	if err := runner.Add("session-cleanup", specHourly, gated("session-cleanup",
		func(ctx context.Context) error {
			res, err := db().DB().ExecContext(ctx,
				`DELETE FROM sessions WHERE expires_at < NOW()`)
			if err != nil {
				return fmt.Errorf("session cleanup: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				log.WithField("removed", n).Infof("Expired sessions removed")
			}
			return nil
		})); err != nil {
		return err
	}

	if err := runner.Add("post-purge", specNightly, gated("post-purge",
		func(ctx context.Context) error {
			_, err := db().DB().ExecContext(ctx,
				`DELETE FROM posts WHERE deleted_at IS NOT NULL AND deleted_at < NOW() - INTERVAL '30 days'`)
			if err != nil {
				return fmt.Errorf("post purge: %w", err)
			}
			return nil
		})); err != nil {
		return err
	}

	// Keepalive runs outside the queue: it is the probe that trips and
	// later heals the breaker while the app is otherwise idle.
	if err := runner.Add("db-keepalive", specEveryFive, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			res := db().Ping(ctx)
			if res.Error != "" {
				return errors.New(res.Error)
			}
			return nil
		})
	}); err != nil {
		return err
	}

	if err := runner.Add("alert-sweep-report", specEveryFive, func(ctx context.Context) error {
		alerts := engine.GetAlerts(monitoring.SeverityCritical)
		if len(alerts) > 0 {
			log.WithField("critical_alerts", len(alerts)).Warnf("Unresolved critical alerts")
		}
		return nil
	}); err != nil {
		return err
	}

	// First run activates the lazy cache service.
	return runner.Add("snapshot-publish", specEveryFive, func(ctx context.Context) error {
		return publishSnapshot(ctx,
			func(ctx context.Context) error { return orch.Activate(ctx, "cache") },
			engine.Latest,
			func() snapshotSink { return redis() },
		)
	})
}

// snapshotSink is the slice of the cache the publisher needs.
type snapshotSink interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// publishSnapshot pushes the latest monitoring snapshot into the cache.
// An unchanged payload is not rewritten.
func publishSnapshot(
	ctx context.Context,
	activate func(context.Context) error,
	latest func() (monitoring.Snapshot, bool),
	sink func() snapshotSink,
) error {
	if err := activate(ctx); err != nil {
		return fmt.Errorf("activate cache: %w", err)
	}

	snap, ok := latest()
	if !ok {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	c := sink()
	if prev, found, err := c.Get(ctx, snapshotKey); err == nil && found && prev == string(payload) {
		return nil
	}
	return c.Set(ctx, snapshotKey, string(payload), snapshotTTL)
}

// breakerAlerter raises an availability alert when the breaker opens and
// resolves visibility by logging recovery.
func breakerAlerter(engine *monitoring.Engine, log *logger.Logger) func(from, to admission.CircuitState) {
	return func(from, to admission.CircuitState) {
		switch to {
		case admission.CircuitOpen:
			engine.RaiseAlert(monitoring.SeverityError, monitoring.CategoryAvailability,
				"Database circuit open",
				fmt.Sprintf("circuit transitioned %s -> %s, shedding database work", from, to),
				"circuit_state", 0, 1)
		case admission.CircuitClosed:
			log.WithField("from", from.String()).Infof("Database circuit recovered")
		}
	}
}
