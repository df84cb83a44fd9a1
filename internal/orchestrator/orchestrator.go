package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/GigaElk/worrybox-sub002/internal/config"
	"github.com/GigaElk/worrybox-sub002/internal/monitoring"
	"github.com/GigaElk/worrybox-sub002/internal/platform"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

const (
	defaultInitTimeout = 30 * time.Second
	defaultBackoffBase = time.Second
)

// registration pairs a descriptor with its lifecycle state.
type registration struct {
	desc  *ServiceDescriptor
	seq   int
	state serviceState
	err   error
}

// Orchestrator drives the boot sequence. Critical services initialize
// sequentially in priority order; non-critical services initialize in
// bounded-width chunks; lazy services wait for Activate.
type Orchestrator struct {
	cfg      config.StartupConfig
	platform *platform.Platform
	engine   *monitoring.Engine
	log      *logger.Logger

	// backoffBase is the first retry delay; it doubles per attempt.
	// Tests shrink it to keep retry paths fast.
	backoffBase time.Duration

	mu       sync.Mutex
	services map[string]*registration
	order    []string
	ran      bool
	report   *StartupReport

	flight singleflight.Group
}

// Options configures a new Orchestrator. Engine is optional; when set,
// initialized services with a health check are registered as probes.
type Options struct {
	Config   config.StartupConfig
	Platform *platform.Platform
	Engine   *monitoring.Engine
	Logger   *logger.Logger
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Orchestrator{
		cfg:         cfg,
		platform:    opts.Platform,
		engine:      opts.Engine,
		log:         log,
		backoffBase: defaultBackoffBase,
		services:    make(map[string]*registration),
	}
}

// RegisterService adds a descriptor to the registry. Dependencies must
// already be registered, and a non-lazy service cannot depend on a lazy
// one. Registration is rejected once Run has executed.
func (o *Orchestrator) RegisterService(desc ServiceDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("register: name is required")
	}
	if desc.Initialize == nil {
		return fmt.Errorf("register %s: initialize function is required", desc.Name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ran {
		return fmt.Errorf("register %s: %w", desc.Name, ErrAlreadyRan)
	}
	if _, ok := o.services[desc.Name]; ok {
		return fmt.Errorf("register %s: %w", desc.Name, ErrDuplicateService)
	}
	for _, dep := range desc.Dependencies {
		reg, ok := o.services[dep]
		if !ok {
			return fmt.Errorf("register %s: dependency %s: %w", desc.Name, dep, ErrUnknownDependency)
		}
		if reg.desc.Lazy && !desc.Lazy {
			return fmt.Errorf("register %s: dependency %s: %w", desc.Name, dep, ErrLazyDependency)
		}
	}

	d := desc
	if d.Timeout <= 0 {
		d.Timeout = defaultInitTimeout
	}
	o.services[d.Name] = &registration{desc: &d, seq: len(o.order)}
	o.order = append(o.order, d.Name)
	return nil
}

// Run executes the boot sequence and returns the frozen report. A
// critical failure aborts the sequence; the returned report still
// describes everything that happened up to that point.
func (o *Orchestrator) Run(ctx context.Context) (*StartupReport, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	o.ran = true
	critical, background, lazy := o.partitionLocked()
	o.mu.Unlock()

	report := &StartupReport{StartedAt: time.Now()}
	if o.platform != nil {
		report.MemoryStart = o.platform.Memory()
		report.MemoryPeakMB = report.MemoryStart.HeapUsedMB
	}
	for _, reg := range lazy {
		report.Skipped = append(report.Skipped, reg.desc.Name)
	}

	o.log.WithFields(map[string]interface{}{
		"critical":   len(critical),
		"background": len(background),
		"lazy":       len(lazy),
	}).Info("Starting boot sequence")

	var bootErr error
	for _, reg := range critical {
		if err := o.initOne(ctx, reg, report); err != nil {
			bootErr = fmt.Errorf("critical service %s failed: %w", reg.desc.Name, err)
			report.Errors = append(report.Errors, bootErr.Error())
			o.log.WithError(err).WithField("service", reg.desc.Name).
				Error("Critical service failed, aborting boot")
			break
		}
	}
	o.samplePeak(report)

	if bootErr == nil {
		o.initChunks(ctx, background, report)
		o.samplePeak(report)

		if o.cfg.ValidateHealth {
			o.validateHealth(ctx, report)
		}
		if o.cfg.OptimizeResources {
			o.optimizeResources(report)
		}
	}

	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	if o.platform != nil {
		report.MemoryEnd = o.platform.Memory()
	}

	o.mu.Lock()
	o.report = report
	o.mu.Unlock()

	o.log.WithFields(map[string]interface{}{
		"initialized": len(report.Initialized),
		"failed":      len(report.Failed),
		"skipped":     len(report.Skipped),
		"duration":    report.Duration.String(),
	}).Info("Boot sequence finished")

	return report.clone(), bootErr
}

// Activate initializes a lazy service on demand. Concurrent callers for
// the same service share a single execution; once a lazy service has
// settled, Activate returns the settled outcome without re-running it.
func (o *Orchestrator) Activate(ctx context.Context, name string) error {
	o.mu.Lock()
	reg, ok := o.services[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("activate %s: %w", name, ErrUnknownService)
	}
	if !reg.desc.Lazy {
		o.mu.Unlock()
		return fmt.Errorf("activate %s: %w", name, ErrNotLazy)
	}
	switch reg.state {
	case stateInitialized:
		o.mu.Unlock()
		return nil
	case stateFailed:
		err := reg.err
		o.mu.Unlock()
		return fmt.Errorf("activate %s: %w", name, err)
	}
	deps := reg.desc.Dependencies
	o.mu.Unlock()

	// Lazy dependencies of a lazy service activate first.
	for _, dep := range deps {
		o.mu.Lock()
		depReg := o.services[dep]
		depLazy, depState := depReg.desc.Lazy, depReg.state
		o.mu.Unlock()
		if depState == stateInitialized {
			continue
		}
		if !depLazy {
			return fmt.Errorf("activate %s: dependency %s: %w", name, dep, ErrDependencyNotReady)
		}
		if err := o.Activate(ctx, dep); err != nil {
			return fmt.Errorf("activate %s: %w", name, err)
		}
	}

	_, err, _ := o.flight.Do(name, func() (interface{}, error) {
		o.mu.Lock()
		if reg.state == stateInitialized {
			o.mu.Unlock()
			return nil, nil
		}
		if reg.state == stateFailed {
			err := reg.err
			o.mu.Unlock()
			return nil, err
		}
		o.mu.Unlock()

		err := o.initWithRetry(ctx, reg.desc)

		o.mu.Lock()
		if err != nil {
			reg.state = stateFailed
			reg.err = err
		} else {
			reg.state = stateInitialized
		}
		o.mu.Unlock()

		if err == nil {
			o.registerProbe(reg.desc)
			o.log.WithField("service", name).Info("Lazy service activated")
		}
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}
	return nil
}

// Report returns a copy of the frozen boot report, or nil before Run.
func (o *Orchestrator) Report() *StartupReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.report == nil {
		return nil
	}
	return o.report.clone()
}

// State reports the lifecycle state of a registered service.
func (o *Orchestrator) State(name string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.services[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownService)
	}
	return reg.state.String(), nil
}

// partitionLocked splits registered services into critical, background
// and lazy groups, each ordered by priority then registration order.
func (o *Orchestrator) partitionLocked() (critical, background, lazy []*registration) {
	for _, name := range o.order {
		reg := o.services[name]
		switch {
		case reg.desc.Lazy:
			lazy = append(lazy, reg)
		case reg.desc.Critical:
			critical = append(critical, reg)
		default:
			background = append(background, reg)
		}
	}
	byPriority := func(regs []*registration) {
		sort.SliceStable(regs, func(i, j int) bool {
			if regs[i].desc.Priority != regs[j].desc.Priority {
				return regs[i].desc.Priority < regs[j].desc.Priority
			}
			return regs[i].seq < regs[j].seq
		})
	}
	byPriority(critical)
	byPriority(background)
	return critical, background, lazy
}

// initOne verifies dependencies, runs initialization with retries and
// records the outcome in both the registry and the report.
func (o *Orchestrator) initOne(ctx context.Context, reg *registration, report *StartupReport) error {
	if err := o.checkDeps(reg.desc); err != nil {
		o.settle(reg, report, err)
		return err
	}

	err := o.initWithRetry(ctx, reg.desc)
	o.settle(reg, report, err)
	if err == nil {
		o.registerProbe(reg.desc)
	}
	return err
}

// checkDeps verifies every dependency already initialized. A missing or
// failed dependency is a configuration error and is never retried.
func (o *Orchestrator) checkDeps(desc *ServiceDescriptor) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range desc.Dependencies {
		depReg, ok := o.services[dep]
		if !ok {
			return fmt.Errorf("dependency %s: %w", dep, ErrUnknownDependency)
		}
		if depReg.state != stateInitialized {
			return fmt.Errorf("dependency %s: %w", dep, ErrDependencyNotReady)
		}
	}
	return nil
}

func (o *Orchestrator) settle(reg *registration, report *StartupReport, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		reg.state = stateFailed
		reg.err = err
		report.Failed = append(report.Failed, reg.desc.Name)
		return
	}
	reg.state = stateInitialized
	report.Initialized = append(report.Initialized, reg.desc.Name)
}

// initChunks initializes non-critical services in fixed-width chunks,
// waiting for each chunk to settle before starting the next. Failures
// are recorded as warnings and never abort boot.
func (o *Orchestrator) initChunks(ctx context.Context, regs []*registration, report *StartupReport) {
	width := o.cfg.Concurrency
	for start := 0; start < len(regs); start += width {
		end := start + width
		if end > len(regs) {
			end = len(regs)
		}
		var g errgroup.Group
		for _, reg := range regs[start:end] {
			reg := reg
			g.Go(func() error {
				if err := o.initOne(ctx, reg, report); err != nil {
					warning := fmt.Sprintf("service %s failed: %v", reg.desc.Name, err)
					o.mu.Lock()
					report.Warnings = append(report.Warnings, warning)
					o.mu.Unlock()
					o.log.WithError(err).WithField("service", reg.desc.Name).
						Warn("Non-critical service failed, continuing")
				}
				return nil
			})
		}
		g.Wait()
		o.samplePeak(report)
	}
}

// initWithRetry runs one service's initialization up to RetryCount+1
// times, doubling the backoff delay between attempts.
func (o *Orchestrator) initWithRetry(ctx context.Context, desc *ServiceDescriptor) error {
	attempts := desc.RetryCount + 1
	backoff := o.backoffBase

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			o.log.WithFields(map[string]interface{}{
				"service": desc.Name,
				"attempt": i + 1,
				"backoff": backoff.String(),
			}).Warn("Retrying service initialization")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		started := time.Now()
		err := o.attempt(ctx, desc)
		if err == nil {
			o.log.WithFields(map[string]interface{}{
				"service":  desc.Name,
				"duration": time.Since(started).String(),
			}).Info("Service initialized")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// attempt races a single initialization call against the descriptor's
// timeout. The init goroutine writes to a buffered channel, so a late
// completion after a timeout is discarded instead of leaking.
func (o *Orchestrator) attempt(ctx context.Context, desc *ServiceDescriptor) error {
	done := make(chan error, 1)
	go func() {
		done <- desc.Initialize(ctx)
	}()

	timer := time.NewTimer(desc.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrInitTimeout, desc.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validateHealth runs each initialized service's health check once.
// Failures and timeouts become report warnings, never boot failures.
func (o *Orchestrator) validateHealth(ctx context.Context, report *StartupReport) {
	o.mu.Lock()
	var checks []*registration
	for _, name := range o.order {
		reg := o.services[name]
		if reg.state == stateInitialized && reg.desc.HealthCheck != nil {
			checks = append(checks, reg)
		}
	}
	o.mu.Unlock()
	if len(checks) == 0 {
		return
	}

	report.HealthChecks = make(map[string]bool, len(checks))
	for _, reg := range checks {
		healthy, err := o.runHealthCheck(ctx, reg.desc)
		report.HealthChecks[reg.desc.Name] = healthy && err == nil
		if err != nil || !healthy {
			warning := fmt.Sprintf("health check failed for %s", reg.desc.Name)
			if err != nil {
				warning = fmt.Sprintf("%s: %v", warning, err)
			}
			report.Warnings = append(report.Warnings, warning)
			o.log.WithField("service", reg.desc.Name).Warn("Post-boot health check failed")
		}
	}
}

// runHealthCheck races one health check against the descriptor timeout,
// the same way attempt races initialization. A check that ignores its
// context counts as unhealthy instead of hanging the validation pass.
func (o *Orchestrator) runHealthCheck(ctx context.Context, desc *ServiceDescriptor) (bool, error) {
	type outcome struct {
		healthy bool
		err     error
	}
	checkCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		healthy, err := desc.HealthCheck(checkCtx)
		done <- outcome{healthy: healthy, err: err}
	}()

	select {
	case out := <-done:
		return out.healthy, out.err
	case <-checkCtx.Done():
		return false, checkCtx.Err()
	}
}

// optimizeResources forces a collection pass when heap usage exceeds
// the configured pressure fraction.
func (o *Orchestrator) optimizeResources(report *StartupReport) {
	if o.platform == nil {
		return
	}
	snap := o.platform.Memory()
	if snap.UsedFraction() <= o.cfg.MemoryPressureFraction {
		return
	}
	before, after := o.platform.Collect()
	o.log.WithFields(map[string]interface{}{
		"before_mb": before.HeapUsedMB,
		"after_mb":  after.HeapUsedMB,
	}).Info("Post-boot memory optimization ran")
	report.Warnings = append(report.Warnings,
		fmt.Sprintf("memory pressure %.0f%% triggered optimization", snap.UsedFraction()*100))
}

// registerProbe exposes an initialized service's health check to the
// monitoring engine for periodic polling.
func (o *Orchestrator) registerProbe(desc *ServiceDescriptor) {
	if o.engine == nil || desc.HealthCheck == nil {
		return
	}
	check := desc.HealthCheck
	o.engine.AddProbe(desc.Name, func(ctx context.Context) (bool, time.Duration, error) {
		started := time.Now()
		healthy, err := check(ctx)
		return healthy, time.Since(started), err
	})
}

func (o *Orchestrator) samplePeak(report *StartupReport) {
	if o.platform == nil {
		return
	}
	snap := o.platform.Memory()
	o.mu.Lock()
	if snap.HeapUsedMB > report.MemoryPeakMB {
		report.MemoryPeakMB = snap.HeapUsedMB
	}
	o.mu.Unlock()
}
