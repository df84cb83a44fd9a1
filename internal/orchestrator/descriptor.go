// Package orchestrator brings the process up: it owns the service
// registry and drives initialization in dependency order, with timeouts,
// retry-with-backoff, bounded parallelism for non-critical services and
// on-demand activation of lazy ones.
package orchestrator

import (
	"context"
	"errors"
	"time"
)

// Registration and boot errors.
var (
	ErrDuplicateService   = errors.New("service already registered")
	ErrUnknownService     = errors.New("service not registered")
	ErrUnknownDependency  = errors.New("dependency not registered")
	ErrLazyDependency     = errors.New("non-lazy service cannot depend on a lazy service")
	ErrAlreadyRan         = errors.New("startup sequence already executed")
	ErrInitTimeout        = errors.New("initialization timed out")
	ErrNotLazy            = errors.New("service is not lazy")
	ErrDependencyNotReady = errors.New("dependency not initialized")
)

// InitFunc initializes a service. It may block; the orchestrator races it
// against the descriptor's timeout.
type InitFunc func(ctx context.Context) error

// HealthCheck reports whether an initialized service is healthy.
type HealthCheck func(ctx context.Context) (bool, error)

// ServiceDescriptor describes one registerable subsystem.
type ServiceDescriptor struct {
	// Name uniquely identifies the service.
	Name string

	// Priority orders initialization; lower initializes earlier. Ties
	// break by registration order.
	Priority int

	// Critical services abort boot when they fail after retries.
	// Non-critical failures are recorded and boot continues.
	Critical bool

	// Dependencies must be registered before this descriptor and must
	// have initialized before it starts.
	Dependencies []string

	// Initialize brings the service up.
	Initialize InitFunc

	// HealthCheck, when set, is run by the post-boot validation pass and
	// registered with the monitoring engine for periodic polling.
	HealthCheck HealthCheck

	// Timeout bounds each initialization attempt. Defaults to 30s.
	Timeout time.Duration

	// RetryCount is the number of additional attempts after a failure.
	RetryCount int

	// Lazy services are not started at boot, only on first Activate.
	Lazy bool
}

// serviceState is the lifecycle position of a registered service.
type serviceState int

const (
	stateRegistered serviceState = iota
	stateInitialized
	stateFailed
)

func (s serviceState) String() string {
	switch s {
	case stateInitialized:
		return "initialized"
	case stateFailed:
		return "failed"
	default:
		return "registered"
	}
}
