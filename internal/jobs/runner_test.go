package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_AddRegistersRecord(t *testing.T) {
	tr := NewTracker(nil, nil)
	r := NewRunner(tr, nil)

	if err := r.Add("ticker", "* * * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, ok := tr.ByName("ticker"); !ok {
		t.Error("expected record to exist before first run")
	}
}

func TestRunner_DuplicateAddRejected(t *testing.T) {
	r := NewRunner(NewTracker(nil, nil), nil)
	if err := r.Add("x", "@every 1h", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add("x", "@every 1h", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected duplicate add to fail")
	}
}

func TestRunner_RunsAndReports(t *testing.T) {
	tr := NewTracker(nil, nil)
	r := NewRunner(tr, nil)

	var runs int64
	err := r.Add("fast", "* * * * * *", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	r.Start()
	defer r.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt64(&runs) == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}

	rec, _ := tr.ByName("fast")
	if rec.RunCount == 0 {
		t.Error("expected run count to be recorded")
	}
	if rec.Status != StatusRunning {
		t.Errorf("expected running, got %s", rec.Status)
	}
}

func TestRunner_FailingJobMarksError(t *testing.T) {
	tr := NewTracker(nil, nil)
	r := NewRunner(tr, nil)

	done := make(chan struct{}, 1)
	err := r.Add("flaky", "* * * * * *", func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return errors.New("always fails")
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	r.Start()
	defer r.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}

	// The tracker update follows the job function's return.
	deadline := time.After(time.Second)
	for {
		rec, _ := tr.ByName("flaky")
		if rec.ErrorCount > 0 && rec.Status == StatusError {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected error status, got %+v", rec)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRunner_StopMarksStopped(t *testing.T) {
	tr := NewTracker(nil, nil)
	r := NewRunner(tr, nil)
	if err := r.Add("idle", "@every 1h", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.Start()
	if rec, _ := tr.ByName("idle"); rec.Status != StatusRunning {
		t.Fatalf("expected running after start, got %s", rec.Status)
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec, _ := tr.ByName("idle"); rec.Status != StatusStopped {
		t.Errorf("expected stopped after stop, got %s", rec.Status)
	}
}
