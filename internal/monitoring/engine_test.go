package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GigaElk/worrybox-sub002/internal/jobs"
	"github.com/GigaElk/worrybox-sub002/internal/platform"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Options{
		Platform: platform.New(256, logger.NewDefault("test")),
		Tracker:  jobs.NewTracker(nil, nil),
	})
}

func TestCollectSnapshot_AppendsToHistory(t *testing.T) {
	e := newTestEngine(t)

	snap := e.CollectSnapshot(context.Background())
	assert.False(t, snap.Timestamp.IsZero())
	assert.Greater(t, snap.Memory.HeapUsedMB, 0.0)

	history := e.History()
	require.Len(t, history, 1)

	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.Timestamp, latest.Timestamp)
}

func TestCollectSnapshot_HistoryCapped(t *testing.T) {
	e := NewEngine(Options{HistoryLimit: 5})
	for i := 0; i < 8; i++ {
		e.CollectSnapshot(context.Background())
	}
	assert.Len(t, e.History(), 5)
}

func TestCollectSnapshot_PollsProbes(t *testing.T) {
	e := newTestEngine(t)
	e.AddProbe("database", func(ctx context.Context) (bool, time.Duration, error) {
		return true, 3 * time.Millisecond, nil
	})
	e.AddProbe("cache", func(ctx context.Context) (bool, time.Duration, error) {
		return false, 0, nil
	})

	snap := e.CollectSnapshot(context.Background())
	assert.True(t, snap.Dependencies["database"].Healthy)
	assert.False(t, snap.Dependencies["cache"].Healthy)
	assert.Equal(t, HealthUnhealthy, snap.Health)
}

func TestRecordRequestOutcome_Aggregates(t *testing.T) {
	e := newTestEngine(t)

	e.RecordRequestOutcome("/posts", 100*time.Millisecond, 200)
	e.RecordRequestOutcome("/posts", 300*time.Millisecond, 200)
	e.RecordRequestOutcome("/posts", 200*time.Millisecond, 500)

	snap := e.CollectSnapshot(context.Background())
	assert.Equal(t, int64(3), snap.Requests.Count)
	assert.Equal(t, int64(1), snap.Requests.Errors)
	assert.InDelta(t, 200, snap.Requests.AvgDurationMs, 1)
	assert.InDelta(t, 1.0/3.0, snap.Requests.ErrorRate, 1e-9)

	// Interval counters reset after a snapshot.
	next := e.CollectSnapshot(context.Background())
	assert.Equal(t, int64(0), next.Requests.Count)

	stats := e.RouteStats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].Count)
}

func TestRecordRequestOutcome_ThresholdAlerts(t *testing.T) {
	e := newTestEngine(t)

	e.RecordRequestOutcome("/feed", 2500*time.Millisecond, 200)
	alerts := e.GetAlerts(SeverityWarning)
	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryPerformance, alerts[0].Category)

	e.RecordRequestOutcome("/feed", 6*time.Second, 200)
	require.Len(t, e.GetAlerts(SeverityError), 1)

	e.RecordRequestOutcome("/feed", 50*time.Millisecond, 503)
	errAlerts := e.GetAlerts(SeverityError)
	require.Len(t, errAlerts, 2)
	// Newest first.
	assert.Equal(t, CategoryAvailability, errAlerts[0].Category)
}

func TestRaiseAlert_CriticalGetsNotificationAction(t *testing.T) {
	e := newTestEngine(t)

	alert := e.RaiseAlert(SeverityCritical, CategoryResource,
		"critical memory pressure", "heap at 95% of budget",
		"memory_used_fraction", 0.9, 0.95)

	require.Len(t, alert.Actions, 1)
	assert.Equal(t, "notify", alert.Actions[0].Type)
}

func TestRaiseAlert_InfoPerformanceHasNoAction(t *testing.T) {
	e := newTestEngine(t)
	alert := e.RaiseAlert(SeverityInfo, CategoryPerformance, "t", "d", "m", 1, 2)
	assert.Empty(t, alert.Actions)
}

func TestAcknowledge(t *testing.T) {
	e := newTestEngine(t)
	alert := e.RaiseAlert(SeverityWarning, CategoryPerformance, "slow", "d", "m", 1, 2)

	assert.True(t, e.Acknowledge(alert.ID))
	assert.False(t, e.Acknowledge("missing"))

	got := e.GetAlerts("")
	require.Len(t, got, 1)
	assert.True(t, got[0].Acknowledged)
}

func TestSweep_AutoResolvesAfterOneHour(t *testing.T) {
	e := newTestEngine(t)
	base := time.Now()
	e.now = func() time.Time { return base }

	e.RaiseAlert(SeverityWarning, CategoryPerformance, "slow", "d", "m", 1, 2)

	// Just under the window: untouched.
	e.now = func() time.Time { return base.Add(59 * time.Minute) }
	e.Sweep()
	require.False(t, e.GetAlerts("")[0].Resolved())

	// Past the window: resolved but still listed.
	e.now = func() time.Time { return base.Add(61 * time.Minute) }
	e.Sweep()
	alerts := e.GetAlerts("")
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved())

	// 24 hours after resolution: purged.
	e.now = func() time.Time { return base.Add(61*time.Minute + 24*time.Hour + time.Minute) }
	e.Sweep()
	assert.Empty(t, e.GetAlerts(""))
}

func TestAlertDuration_Recomputed(t *testing.T) {
	created := time.Now().Add(-10 * time.Minute)
	alert := Alert{CreatedAt: created}
	assert.InDelta(t, 10*time.Minute, alert.Duration(time.Now()), float64(time.Second))

	resolved := created.Add(30 * time.Minute)
	alert.ResolvedAt = &resolved
	assert.Equal(t, 30*time.Minute, alert.Duration(time.Now()))
}

func TestGetPerformanceWindow_Apdex(t *testing.T) {
	e := NewEngine(Options{})
	now := time.Now()
	e.now = func() time.Time { return now }

	for _, ms := range []float64{100, 600, 2200} {
		e.history = append(e.history, Snapshot{
			Timestamp: now.Add(-time.Minute),
			Health:    HealthHealthy,
			Requests:  RequestAggregate{Count: 10, AvgDurationMs: ms},
		})
	}

	win := e.GetPerformanceWindow(time.Hour)
	assert.Equal(t, 3, win.Samples)
	assert.InDelta(t, 0.5, win.Apdex, 1e-9)
	assert.InDelta(t, 1.0, win.Availability, 1e-9)
	assert.InDelta(t, (100+600+2200)/3.0, win.AvgResponseMs, 1e-9)
}

func TestGetPerformanceWindow_FiltersOldSnapshots(t *testing.T) {
	e := NewEngine(Options{})
	now := time.Now()
	e.now = func() time.Time { return now }

	e.history = append(e.history,
		Snapshot{Timestamp: now.Add(-2 * time.Hour), Health: HealthHealthy},
		Snapshot{Timestamp: now.Add(-10 * time.Minute), Health: HealthUnhealthy},
	)

	win := e.GetPerformanceWindow(time.Hour)
	assert.Equal(t, 1, win.Samples)
	assert.InDelta(t, 0.0, win.Availability, 1e-9)
}

func TestStartStop_TimersRunAndCancelTogether(t *testing.T) {
	e := newTestEngine(t)

	e.Start(context.Background(), 20*time.Millisecond, 20*time.Millisecond)

	deadline := time.After(3 * time.Second)
	for len(e.History()) == 0 {
		select {
		case <-deadline:
			t.Fatal("snapshot timer never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.Stop()
	count := len(e.History())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, count, len(e.History()), "no snapshots after stop")
}

func TestGetPerformanceWindow_IdleSnapshotsNotRated(t *testing.T) {
	e := NewEngine(Options{})
	now := time.Now()
	e.now = func() time.Time { return now }

	for _, ms := range []float64{100, 600, 2200} {
		e.history = append(e.history, Snapshot{
			Timestamp: now.Add(-time.Minute),
			Health:    HealthHealthy,
			Requests:  RequestAggregate{Count: 10, AvgDurationMs: ms},
		})
	}
	// Idle intervals carry no traffic and must not count as satisfied.
	e.history = append(e.history,
		Snapshot{Timestamp: now.Add(-time.Minute), Health: HealthHealthy},
		Snapshot{Timestamp: now.Add(-time.Minute), Health: HealthHealthy},
	)

	win := e.GetPerformanceWindow(time.Hour)
	assert.Equal(t, 5, win.Samples)
	assert.InDelta(t, 0.5, win.Apdex, 1e-9)
}

func TestGetPerformanceWindow_AllIdleHasZeroApdex(t *testing.T) {
	e := NewEngine(Options{})
	now := time.Now()
	e.now = func() time.Time { return now }

	e.history = append(e.history,
		Snapshot{Timestamp: now.Add(-time.Minute), Health: HealthHealthy},
	)

	win := e.GetPerformanceWindow(time.Hour)
	assert.Equal(t, 1, win.Samples)
	assert.InDelta(t, 0.0, win.Apdex, 1e-9)
}

func TestCollectSnapshot_BoundsProbeContext(t *testing.T) {
	e := newTestEngine(t)

	var hadDeadline bool
	e.AddProbe("db", func(ctx context.Context) (bool, time.Duration, error) {
		_, hadDeadline = ctx.Deadline()
		return true, time.Millisecond, nil
	})

	snap := e.CollectSnapshot(context.Background())
	assert.True(t, hadDeadline)
	assert.True(t, snap.Dependencies["db"].Healthy)
}
