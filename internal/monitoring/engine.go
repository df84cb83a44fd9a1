// Package monitoring observes the running process: it snapshots system
// health on a timer, aggregates request performance, raises threshold
// alerts and retires them on its own sweep timer.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GigaElk/worrybox-sub002/internal/jobs"
	"github.com/GigaElk/worrybox-sub002/internal/platform"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// Request thresholds in milliseconds.
const (
	slowRequestMs     = 2000
	verySlowRequestMs = 5000
	apdexSatisfiedMs  = 500
	apdexToleratedMs  = 2000
)

// probeTimeout bounds each dependency probe so one wedged dependency
// cannot stall the snapshot tick.
const probeTimeout = 5 * time.Second

// Memory pressure fractions of the configured budget.
const (
	memPressureCritical = 0.90
	memPressureHigh     = 0.75
	memPressureMedium   = 0.50
)

// HealthGrade is the derived overall health of a snapshot.
type HealthGrade string

const (
	HealthHealthy   HealthGrade = "healthy"
	HealthDegraded  HealthGrade = "degraded"
	HealthUnhealthy HealthGrade = "unhealthy"
)

// ProbeFunc checks an external dependency, reporting health and latency.
type ProbeFunc func(ctx context.Context) (healthy bool, latency time.Duration, err error)

// DependencyHealth is a probed dependency's state within a snapshot.
type DependencyHealth struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
}

// RequestAggregate summarizes request traffic since the previous snapshot.
type RequestAggregate struct {
	Count            int64   `json:"count"`
	Errors           int64   `json:"errors"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
	ErrorRate        float64 `json:"error_rate"`
}

// Snapshot is a point-in-time system metrics record.
type Snapshot struct {
	Timestamp    time.Time                   `json:"timestamp"`
	Memory       platform.MemorySnapshot     `json:"memory"`
	CPUPercent   float64                     `json:"cpu_percent"`
	Jobs         jobs.OverallStatus          `json:"jobs"`
	FailingJobs  int                         `json:"failing_jobs"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
	Requests     RequestAggregate            `json:"requests"`
	Health       HealthGrade                 `json:"health"`
}

// PerformanceWindow aggregates snapshot history over a time window.
type PerformanceWindow struct {
	Window           time.Duration `json:"window"`
	Samples          int           `json:"samples"`
	AvgResponseMs    float64       `json:"avg_response_ms"`
	ThroughputPerMin float64       `json:"throughput_per_min"`
	ErrorRate        float64       `json:"error_rate"`
	Availability     float64       `json:"availability"`
	Apdex            float64       `json:"apdex"`
}

// routeStat accumulates per-route request counters for the process lifetime.
type routeStat struct {
	Count           int64
	Errors          int64
	TotalDurationMs float64
}

// RouteStat is the exported per-route view.
type RouteStat struct {
	Route         string  `json:"route"`
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Engine is the metrics and alerting engine. It owns the snapshot
// history and the alert list; nothing else mutates them.
type Engine struct {
	mu sync.RWMutex

	platform  *platform.Platform
	tracker   *jobs.Tracker
	probes    map[string]ProbeFunc
	collector *Collector
	log       *logger.Logger

	historyLimit int
	history      []Snapshot

	routes map[string]*routeStat

	// interval counters, reset at each snapshot
	intervalCount      int64
	intervalErrors     int64
	intervalDurationMs float64
	lastSnapshotAt     time.Time

	alerts []*Alert

	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures an Engine.
type Options struct {
	Platform     *platform.Platform
	Tracker      *jobs.Tracker
	HistoryLimit int
	Collector    *Collector
	Logger       *logger.Logger
}

// NewEngine creates an engine. Probes for external dependencies are added
// with AddProbe before Start.
func NewEngine(opts Options) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("monitoring")
	}
	if opts.Collector == nil {
		opts.Collector = NewCollector("worrybox")
	}
	return &Engine{
		platform:     opts.Platform,
		tracker:      opts.Tracker,
		probes:       make(map[string]ProbeFunc),
		collector:    opts.Collector,
		log:          opts.Logger.WithCategory("monitoring"),
		historyLimit: opts.HistoryLimit,
		routes:       make(map[string]*routeStat),
		now:          time.Now,
	}
}

// AddProbe registers a named dependency probe polled during snapshots.
func (e *Engine) AddProbe(name string, probe ProbeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probes[name] = probe
}

// RecordRequestOutcome updates request counters and applies the standing
// threshold rules: slow requests raise performance alerts, server errors
// raise availability alerts.
func (e *Engine) RecordRequestOutcome(route string, duration time.Duration, statusCode int) {
	durationMs := float64(duration.Milliseconds())
	isError := statusCode >= 500

	e.mu.Lock()
	stat, ok := e.routes[route]
	if !ok {
		stat = &routeStat{}
		e.routes[route] = stat
	}
	stat.Count++
	stat.TotalDurationMs += durationMs
	e.intervalCount++
	e.intervalDurationMs += durationMs
	if isError {
		stat.Errors++
		e.intervalErrors++
	}
	e.mu.Unlock()

	e.collector.RecordRequest(route, statusCode, duration)

	switch {
	case durationMs > verySlowRequestMs:
		e.RaiseAlert(SeverityError, CategoryPerformance,
			"very slow request",
			fmt.Sprintf("%s took %.0fms", route, durationMs),
			"request_duration_ms", verySlowRequestMs, durationMs)
	case durationMs > slowRequestMs:
		e.RaiseAlert(SeverityWarning, CategoryPerformance,
			"slow request",
			fmt.Sprintf("%s took %.0fms", route, durationMs),
			"request_duration_ms", slowRequestMs, durationMs)
	}

	if isError {
		e.RaiseAlert(SeverityError, CategoryAvailability,
			"server error response",
			fmt.Sprintf("%s returned %d", route, statusCode),
			"http_status", 500, float64(statusCode))
	}
}

// CollectSnapshot gathers a point-in-time metrics record, appends it to
// the capped history and applies memory pressure rules.
func (e *Engine) CollectSnapshot(ctx context.Context) Snapshot {
	now := e.now()

	snap := Snapshot{
		Timestamp:    now,
		Dependencies: make(map[string]DependencyHealth),
	}

	if e.platform != nil {
		snap.Memory = e.platform.Memory()
		snap.CPUPercent = e.platform.CPUPercent()
	}
	if e.tracker != nil {
		snap.Jobs = e.tracker.OverallStatus()
		snap.FailingJobs = len(e.tracker.Failing())
	}

	e.mu.RLock()
	probes := make(map[string]ProbeFunc, len(e.probes))
	for name, probe := range e.probes {
		probes[name] = probe
	}
	e.mu.RUnlock()

	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		healthy, latency, err := probe(probeCtx)
		cancel()
		if err != nil {
			healthy = false
		}
		snap.Dependencies[name] = DependencyHealth{
			Healthy:   healthy,
			LatencyMs: float64(latency.Milliseconds()),
		}
	}

	e.mu.Lock()
	elapsed := now.Sub(e.lastSnapshotAt)
	if e.lastSnapshotAt.IsZero() || elapsed <= 0 {
		elapsed = time.Minute
	}
	agg := RequestAggregate{
		Count:  e.intervalCount,
		Errors: e.intervalErrors,
	}
	if agg.Count > 0 {
		agg.AvgDurationMs = e.intervalDurationMs / float64(agg.Count)
		agg.ErrorRate = float64(agg.Errors) / float64(agg.Count)
	}
	agg.ThroughputPerMin = float64(agg.Count) / elapsed.Minutes()
	e.intervalCount = 0
	e.intervalErrors = 0
	e.intervalDurationMs = 0
	e.lastSnapshotAt = now
	snap.Requests = agg

	snap.Health = deriveHealth(snap)

	e.history = append(e.history, snap)
	if len(e.history) > e.historyLimit {
		e.history = e.history[len(e.history)-e.historyLimit:]
	}
	e.mu.Unlock()

	e.collector.RecordSnapshot(snap)
	e.applyMemoryPressure(snap.Memory)

	return snap
}

// deriveHealth grades a snapshot from its worst signal.
func deriveHealth(snap Snapshot) HealthGrade {
	frac := snap.Memory.UsedFraction()

	for _, dep := range snap.Dependencies {
		if !dep.Healthy {
			return HealthUnhealthy
		}
	}
	if snap.Jobs == jobs.OverallFail || frac > memPressureCritical {
		return HealthUnhealthy
	}
	if snap.Jobs == jobs.OverallWarn || frac > memPressureHigh || snap.Requests.ErrorRate > 0.05 {
		return HealthDegraded
	}
	return HealthHealthy
}

func (e *Engine) applyMemoryPressure(memSnap platform.MemorySnapshot) {
	frac := memSnap.UsedFraction()
	switch {
	case frac > memPressureCritical:
		e.RaiseAlert(SeverityCritical, CategoryResource,
			"critical memory pressure",
			fmt.Sprintf("heap at %.0f%% of budget", frac*100),
			"memory_used_fraction", memPressureCritical, frac)
	case frac > memPressureHigh:
		e.RaiseAlert(SeverityWarning, CategoryResource,
			"high memory pressure",
			fmt.Sprintf("heap at %.0f%% of budget", frac*100),
			"memory_used_fraction", memPressureHigh, frac)
	case frac > memPressureMedium:
		// Informational only below the high threshold.
		e.log.WithField("used_fraction", frac).Info("moderate memory usage")
	}
}

// RaiseAlert creates an alert. Critical and resource alerts get an
// automatic notification action recorded against them.
func (e *Engine) RaiseAlert(severity Severity, category Category, title, description, metric string, threshold, observed float64) *Alert {
	now := e.now()
	alert := &Alert{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Severity:    severity,
		Category:    category,
		Title:       title,
		Description: description,
		Metric:      metric,
		Threshold:   threshold,
		Observed:    observed,
	}

	if severity == SeverityCritical || category == CategoryResource {
		alert.Actions = append(alert.Actions, AlertAction{
			Type:       "notify",
			Detail:     fmt.Sprintf("operator notified: %s", title),
			ExecutedAt: now,
		})
	}

	e.mu.Lock()
	e.alerts = append(e.alerts, alert)
	e.mu.Unlock()

	e.collector.RecordAlertRaised(severity, category)
	e.log.WithField("alert_id", alert.ID).
		WithField("severity", string(severity)).
		WithField("metric", metric).
		WithField("observed", observed).
		Warn("alert raised: " + title)

	return alert
}

// Acknowledge marks an alert acknowledged. Returns false for unknown ids.
func (e *Engine) Acknowledge(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, alert := range e.alerts {
		if alert.ID == id {
			alert.Acknowledged = true
			return true
		}
	}
	return false
}

// GetAlerts returns alerts newest-first, optionally filtered by severity
// (empty severity returns everything).
func (e *Engine) GetAlerts(severity Severity) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Alert, 0, len(e.alerts))
	for i := len(e.alerts) - 1; i >= 0; i-- {
		if severity != "" && e.alerts[i].Severity != severity {
			continue
		}
		out = append(out, *e.alerts[i])
	}
	return out
}

// Sweep auto-resolves unresolved alerts older than one hour and purges
// resolved alerts twenty-four hours after resolution.
func (e *Engine) Sweep() {
	now := e.now()

	e.mu.Lock()
	kept := e.alerts[:0]
	for _, alert := range e.alerts {
		if !alert.Resolved() && now.Sub(alert.CreatedAt) > resolveAfter {
			resolvedAt := now
			alert.ResolvedAt = &resolvedAt
			e.collector.RecordAlertResolved()
			e.log.WithField("alert_id", alert.ID).Info("alert auto-resolved")
		}
		if alert.Resolved() && now.Sub(*alert.ResolvedAt) > purgeAfter {
			e.log.WithField("alert_id", alert.ID).Debug("alert purged")
			continue
		}
		kept = append(kept, alert)
	}
	e.alerts = kept
	e.mu.Unlock()
}

// History returns a copy of the snapshot history, oldest first.
func (e *Engine) History() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Snapshot, len(e.history))
	copy(out, e.history)
	return out
}

// Latest returns the most recent snapshot.
func (e *Engine) Latest() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.history) == 0 {
		return Snapshot{}, false
	}
	return e.history[len(e.history)-1], true
}

// RouteStats returns lifetime per-route request statistics.
func (e *Engine) RouteStats() []RouteStat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RouteStat, 0, len(e.routes))
	for route, stat := range e.routes {
		rs := RouteStat{Route: route, Count: stat.Count, Errors: stat.Errors}
		if stat.Count > 0 {
			rs.AvgDurationMs = stat.TotalDurationMs / float64(stat.Count)
		}
		out = append(out, rs)
	}
	return out
}

// GetPerformanceWindow filters the snapshot history to the given window
// and computes aggregate performance, availability and an Apdex score
// (satisfied at 500ms, tolerated at 2000ms).
func (e *Engine) GetPerformanceWindow(window time.Duration) PerformanceWindow {
	cutoff := e.now().Add(-window)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := PerformanceWindow{Window: window}

	var totalResponse float64
	var totalCount, totalErrors int64
	var healthy, rated, satisfied, tolerated int

	for _, snap := range e.history {
		if snap.Timestamp.Before(cutoff) {
			continue
		}
		result.Samples++
		totalResponse += snap.Requests.AvgDurationMs
		totalCount += snap.Requests.Count
		totalErrors += snap.Requests.Errors
		if snap.Health == HealthHealthy {
			healthy++
		}
		// Only snapshots that saw traffic are rated; an idle interval
		// says nothing about user satisfaction.
		if snap.Requests.Count == 0 {
			continue
		}
		rated++
		switch {
		case snap.Requests.AvgDurationMs <= apdexSatisfiedMs:
			satisfied++
		case snap.Requests.AvgDurationMs <= apdexToleratedMs:
			tolerated++
		}
	}

	if result.Samples == 0 {
		return result
	}

	result.AvgResponseMs = totalResponse / float64(result.Samples)
	result.ThroughputPerMin = float64(totalCount) / window.Minutes()
	if totalCount > 0 {
		result.ErrorRate = float64(totalErrors) / float64(totalCount)
	}
	result.Availability = float64(healthy) / float64(result.Samples)
	if rated > 0 {
		result.Apdex = (float64(satisfied) + 0.5*float64(tolerated)) / float64(rated)
	}

	return result
}

// Start launches the snapshot and sweep timers. Both stop together when
// Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, snapshotInterval, sweepInterval time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.CollectSnapshot(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Sweep()
			case <-runCtx.Done():
				return
			}
		}
	}()

	e.log.WithField("snapshot_interval", snapshotInterval.String()).
		WithField("sweep_interval", sweepInterval.String()).
		Info("monitoring engine started")
}

// Stop cancels both timers and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.log.Info("monitoring engine stopped")
}
