// Package jobs tracks the health of the background jobs the worrybox
// runtime schedules: lifecycle transitions, run and error counters, and
// memory growth since each job was registered.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// Status is the lifecycle status of a tracked job.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// OverallStatus aggregates health across all tracked jobs.
type OverallStatus string

const (
	OverallPass OverallStatus = "pass"
	OverallWarn OverallStatus = "warn"
	OverallFail OverallStatus = "fail"
)

// HealthRecord is the tracked state of one named job.
type HealthRecord struct {
	Name             string     `json:"name"`
	Status           Status     `json:"status"`
	LastRunAt        time.Time  `json:"last_run_at,omitempty"`
	NextRunHint      *time.Time `json:"next_run_hint,omitempty"`
	RunCount         int64      `json:"run_count"`
	ErrorCount       int64      `json:"error_count"`
	MemoryBaselineMB float64    `json:"memory_baseline_mb"`
	MemoryDeltaMB    float64    `json:"memory_delta_mb"`
	startedAt        time.Time
}

// Uptime reports how long the job has been running since its last start.
// Zero for jobs that are not running.
func (r HealthRecord) Uptime() time.Duration {
	if r.Status == StatusStopped || r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt)
}

// MemoryProber reports current heap usage in MB. The platform package
// satisfies this; tests substitute a fixed value.
type MemoryProber func() float64

// Tracker is an in-memory registry of job health records. Safe for
// concurrent use; jobs report transitions from their own goroutines.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*HealthRecord
	probe   MemoryProber
	log     *logger.Logger

	// HighMemoryThresholdMB is the per-job memory growth beyond which the
	// overall status degrades to warn.
	HighMemoryThresholdMB float64
}

// NewTracker creates a tracker using probe for memory baselines.
func NewTracker(probe MemoryProber, log *logger.Logger) *Tracker {
	if probe == nil {
		probe = func() float64 { return 0 }
	}
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	return &Tracker{
		records:               make(map[string]*HealthRecord),
		probe:                 probe,
		log:                   log.WithCategory("jobs"),
		HighMemoryThresholdMB: 100,
	}
}

// Register creates a record for a named job in the stopped state, with a
// memory baseline captured now. Re-registering an existing name is a no-op.
func (t *Tracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[name]; ok {
		return
	}
	t.records[name] = &HealthRecord{
		Name:             name,
		Status:           StatusStopped,
		MemoryBaselineMB: t.probe(),
	}
	t.log.WithField("job", name).Debug("job registered")
}

// OnStart transitions a job to running and resets its uptime anchor.
func (t *Tracker) OnStart(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[name]
	if !ok {
		return
	}
	rec.Status = StatusRunning
	rec.startedAt = time.Now()
	t.log.WithField("job", name).Info("job started")
}

// OnRunCompleted records a finished run. A failed run forces the error
// status; the next successful run clears it back to running.
func (t *Tracker) OnRunCompleted(name string, success bool, nextRunHint *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[name]
	if !ok {
		return
	}
	rec.RunCount++
	rec.LastRunAt = time.Now()
	rec.NextRunHint = nextRunHint
	rec.MemoryDeltaMB = t.probe() - rec.MemoryBaselineMB

	if success {
		if rec.Status == StatusError {
			t.log.WithField("job", name).Info("job recovered")
		}
		rec.Status = StatusRunning
		return
	}

	rec.ErrorCount++
	rec.Status = StatusError
	t.log.WithField("job", name).WithField("error_count", rec.ErrorCount).Warn("job run failed")
}

// OnStop transitions a job to stopped.
func (t *Tracker) OnStop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[name]
	if !ok {
		return
	}
	rec.Status = StatusStopped
	t.log.WithField("job", name).Info("job stopped")
}

// OnError records a mid-run failure without waiting for run completion.
func (t *Tracker) OnError(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[name]
	if !ok {
		return
	}
	rec.ErrorCount++
	rec.Status = StatusError
	if err != nil {
		t.log.WithField("job", name).WithError(err).Error("job errored")
	} else {
		t.log.WithField("job", name).Error("job errored")
	}
}

// All returns a copy of every record, sorted by name.
func (t *Tracker) All() []HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]HealthRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByName returns the record for a job.
func (t *Tracker) ByName(name string) (HealthRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[name]
	if !ok {
		return HealthRecord{}, false
	}
	return *rec, true
}

// Failing returns jobs currently in the error status.
func (t *Tracker) Failing() []HealthRecord {
	return t.filter(func(r *HealthRecord) bool { return r.Status == StatusError })
}

// HighMemory returns jobs whose memory growth since registration exceeds
// thresholdMB.
func (t *Tracker) HighMemory(thresholdMB float64) []HealthRecord {
	return t.filter(func(r *HealthRecord) bool { return r.MemoryDeltaMB > thresholdMB })
}

// OverallStatus reports fail if any job is failing, warn if any job is
// over the memory threshold or no jobs are registered, pass otherwise.
func (t *Tracker) OverallStatus() OverallStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.records) == 0 {
		return OverallWarn
	}
	warn := false
	for _, rec := range t.records {
		if rec.Status == StatusError {
			return OverallFail
		}
		if rec.MemoryDeltaMB > t.HighMemoryThresholdMB {
			warn = true
		}
	}
	if warn {
		return OverallWarn
	}
	return OverallPass
}

func (t *Tracker) filter(pred func(*HealthRecord) bool) []HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []HealthRecord
	for _, rec := range t.records {
		if pred(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
