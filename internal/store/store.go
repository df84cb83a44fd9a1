// Package store wraps the relational data store behind the narrow surface
// the resilience core needs: connection bring-up, a latency-measuring
// health probe, and query/transaction entry points for the serving layer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/GigaElk/worrybox-sub002/internal/config"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// ProbeResult is the outcome of a health probe.
type ProbeResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Store owns the database handle.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open connects to postgres and verifies the connection.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}
	if log == nil {
		log = logger.NewDefault("store")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, log: log.WithCategory("store")}, nil
}

// NewFromDB wraps an existing database handle. Used by tests.
func NewFromDB(db *sql.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("store")
	}
	return &Store{db: sqlx.NewDb(db, "postgres"), log: log.WithCategory("store")}
}

// Ping probes the database and reports success and round-trip latency.
// Probe failures are reported, never propagated.
func (s *Store) Ping(ctx context.Context) ProbeResult {
	start := time.Now()
	err := s.db.PingContext(ctx)
	latency := time.Since(start)

	res := ProbeResult{Healthy: err == nil, Latency: latency}
	if err != nil {
		res.Error = err.Error()
		s.log.WithError(err).WithField("latency", latency.String()).Warn("database probe failed")
	}
	return res
}

// Healthy reports whether the last-known connection is usable. Satisfies
// the orchestrator's health-check predicate signature.
func (s *Store) Healthy(ctx context.Context) (bool, error) {
	res := s.Ping(ctx)
	return res.Healthy, nil
}

// DB exposes the underlying handle to the query layer.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WithError(rbErr).Warn("transaction rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
