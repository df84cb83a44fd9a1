// Package admission protects slow or unreliable downstream dependencies
// with a bounded-concurrency priority queue and a circuit breaker. The
// serving layer wraps outbound calls in these primitives instead of
// letting overload cascade.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// ErrCircuitOpen is returned without invoking the wrapped operation while
// the breaker is open. Callers should surface it as a fast "temporarily
// unavailable" response rather than a generic failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the protected dependency in logs.
	Name string

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Defaults to 5.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before the next
	// call is allowed through half-open. Defaults to 60s.
	RecoveryTimeout time.Duration

	// OnStateChange is called after each transition.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker wraps a fallible operation with fail-fast shedding.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	log   *logger.Logger
	state CircuitState

	failures      int
	lastFailureAt time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, log *logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "dependency"
	}
	if log == nil {
		log = logger.NewDefault("admission")
	}
	return &CircuitBreaker{
		cfg:   cfg,
		log:   log.WithCategory("admission"),
		state: CircuitClosed,
	}
}

// Execute runs op if the breaker admits it. While open, it fails
// immediately with ErrCircuitOpen until the recovery timeout elapses, at
// which point one call is let through half-open.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailureAt) >= cb.cfg.RecoveryTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// The probe failed; the recovery timer restarts from now.
		cb.transition(CircuitOpen)
	}
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	if to == CircuitClosed {
		cb.failures = 0
	}

	cb.log.WithField("breaker", cb.cfg.Name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Info("circuit state changed")

	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
