package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_ExecutesAndDeliversResult(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 2, DispatchDelay: time.Millisecond}, nil)
	defer q.Close()

	h := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return "profile:42", nil
	}, 1, "")

	val, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "profile:42", val)
}

func TestQueue_FailureRejectsOnlyItsOwnHandle(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, DispatchDelay: time.Millisecond}, nil)
	defer q.Close()

	boom := errors.New("boom")
	bad := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}, 5, "")
	good := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, 1, "")

	_, err := bad.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	val, err := good.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestQueue_PriorityOrder(t *testing.T) {
	// A single held slot lets us enqueue in a known order before any of
	// the probes start.
	q := NewQueue(QueueConfig{Concurrency: 1, DispatchDelay: time.Millisecond}, nil)
	defer q.Close()

	release := make(chan struct{})
	gate := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, 100, "")

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	low := q.Enqueue(record("low"), 1, "")
	high := q.Enqueue(record("high"), 10, "")
	mid := q.Enqueue(record("mid"), 5, "")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range []*Handle{gate, low, high, mid} {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, DispatchDelay: time.Millisecond}, nil)
	defer q.Close()

	release := make(chan struct{})
	gate := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, 100, "")

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	first := q.Enqueue(record("first"), 3, "")
	second := q.Enqueue(record("second"), 3, "")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range []*Handle{gate, first, second} {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestQueue_CoalescesDuplicateIDs(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, DispatchDelay: time.Millisecond}, nil)
	defer q.Close()

	release := make(chan struct{})
	gate := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, 100, "")

	var olderRuns, newerRuns int64
	older := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&olderRuns, 1)
		return nil, nil
	}, 1, "feed-refresh")
	newer := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&newerRuns, 1)
		return "fresh", nil
	}, 1, "feed-refresh")

	// The displaced handle settles immediately.
	_, err := older.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDisplaced)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gate.Wait(ctx)

	val, err := newer.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", val)
	assert.Equal(t, int64(0), atomic.LoadInt64(&olderRuns))
	assert.Equal(t, int64(1), atomic.LoadInt64(&newerRuns))
}

func TestQueue_BoundsConcurrency(t *testing.T) {
	const width = 3
	q := NewQueue(QueueConfig{Concurrency: width, DispatchDelay: time.Millisecond}, nil)
	defer q.Close()

	var active, peak int64
	var handles []*Handle
	for i := 0; i < 12; i++ {
		handles = append(handles, q.Enqueue(func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt64(&active, 1)
			for {
				prev := atomic.LoadInt64(&peak)
				if cur <= prev || atomic.CompareAndSwapInt64(&peak, prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil, nil
		}, 1, ""))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(width))
}

func TestQueue_CloseSettlesQueued(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, DispatchDelay: time.Millisecond}, nil)

	release := make(chan struct{})
	q.Enqueue(func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, 100, "")
	queued := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, 1, "")

	q.Close()
	close(release)

	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	// Enqueue after close settles immediately.
	late := q.Enqueue(func(ctx context.Context) (interface{}, error) { return nil, nil }, 1, "")
	_, err = late.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}
