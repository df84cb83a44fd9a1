package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// JobFunc is a single run of a periodic job.
type JobFunc func(ctx context.Context) error

// Runner schedules periodic jobs with cron and reports every lifecycle
// transition to the tracker.
type Runner struct {
	cron    *cron.Cron
	tracker *Tracker
	log     *logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// NewRunner creates a runner reporting into tracker.
func NewRunner(tracker *Tracker, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		tracker: tracker,
		log:     log.WithCategory("jobs"),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a job under a cron spec. The tracker record is created
// immediately so the job is visible before its first run.
func (r *Runner) Add(name, spec string, fn JobFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}

	r.tracker.Register(name)

	id, err := r.cron.AddFunc(spec, func() { r.runOnce(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	r.entries[name] = id
	return nil
}

func (r *Runner) runOnce(name string, fn JobFunc) {
	defer func() {
		if p := recover(); p != nil {
			r.tracker.OnError(name, fmt.Errorf("panic: %v", p))
		}
	}()

	err := fn(context.Background())

	var hint *time.Time
	r.mu.Lock()
	if id, ok := r.entries[name]; ok {
		if next := r.cron.Entry(id).Next; !next.IsZero() {
			hint = &next
		}
	}
	r.mu.Unlock()

	r.tracker.OnRunCompleted(name, err == nil, hint)
	if err != nil {
		r.log.WithError(err).WithField("job", name).Warn("job run returned error")
	}
}

// Start begins dispatching scheduled jobs and marks them running.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for name := range r.entries {
		r.tracker.OnStart(name)
	}
	r.cron.Start()
	r.log.WithField("jobs", len(r.entries)).Info("job runner started")
}

// Stop halts scheduling, waits for in-flight runs, and marks jobs stopped.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, name := range names {
		r.tracker.OnStop(name)
	}
	r.log.Info("job runner stopped")
	return nil
}
