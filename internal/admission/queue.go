package admission

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

var (
	// ErrQueueClosed is returned for operations still queued when the
	// queue shuts down, and for enqueues after shutdown.
	ErrQueueClosed = errors.New("admission queue closed")

	// ErrDisplaced resolves the handle of a queued operation that was
	// replaced by a newer submission with the same id.
	ErrDisplaced = errors.New("operation displaced by newer submission")
)

// Operation is a deferred unit of work admitted through the queue.
type Operation func(ctx context.Context) (interface{}, error)

// Result is the settled outcome of a queued operation.
type Result struct {
	Value interface{}
	Err   error
}

// Handle is the caller's reference to a queued operation's eventual result.
type Handle struct {
	id   string
	done chan Result
}

// ID returns the operation id (caller-supplied or generated).
func (h *Handle) ID() string { return h.id }

// Wait blocks until the operation settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case res := <-h.done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the settlement channel for select-based callers.
func (h *Handle) Done() <-chan Result { return h.done }

type queuedOp struct {
	id         string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	op         Operation
	done       chan Result
	index      int
}

// opHeap orders by priority (higher first), then enqueue order.
type opHeap []*queuedOp

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *opHeap) Push(x interface{}) {
	item := x.(*queuedOp)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// QueueConfig configures a priority queue.
type QueueConfig struct {
	// Concurrency bounds simultaneously executing operations. Defaults to 6.
	Concurrency int

	// DispatchDelay is the minimum spacing between operation starts,
	// smoothing bursts. Defaults to 50ms.
	DispatchDelay time.Duration
}

// Queue is a bounded-concurrency priority queue with id-based coalescing.
// Operations with the same id enqueued before the older starts are
// coalesced: the older is displaced and only the newer executes.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending opHeap
	byID    map[string]*queuedOp
	active  int
	seq     uint64
	closed  bool

	width   int
	limiter *rate.Limiter
	log     *logger.Logger

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatcherDone chan struct{}
}

// NewQueue creates and starts a queue.
func NewQueue(cfg QueueConfig, log *logger.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 6
	}
	if cfg.DispatchDelay <= 0 {
		cfg.DispatchDelay = 50 * time.Millisecond
	}
	if log == nil {
		log = logger.NewDefault("admission")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		byID:           make(map[string]*queuedOp),
		width:          cfg.Concurrency,
		limiter:        rate.NewLimiter(rate.Every(cfg.DispatchDelay), 1),
		log:            log.WithCategory("admission"),
		dispatchCtx:    ctx,
		dispatchCancel: cancel,
		dispatcherDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.dispatch()
	return q
}

// Enqueue submits an operation with a priority (higher dispatches first).
// An empty id gets a generated one. If a not-yet-started operation shares
// the id, it is displaced: its handle settles with ErrDisplaced and only
// the newer operation executes.
func (q *Queue) Enqueue(op Operation, priority int, id string) *Handle {
	if id == "" {
		id = uuid.NewString()
	}
	h := &Handle{id: id, done: make(chan Result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h.done <- Result{Err: ErrQueueClosed}
		return h
	}

	if older, ok := q.byID[id]; ok {
		heap.Remove(&q.pending, older.index)
		delete(q.byID, id)
		older.done <- Result{Err: ErrDisplaced}
		q.log.WithField("op_id", id).Debug("queued operation displaced")
	}

	q.seq++
	item := &queuedOp{
		id:         id,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		op:         op,
		done:       h.done,
	}
	heap.Push(&q.pending, item)
	q.byID[id] = item
	q.cond.Signal()
	q.mu.Unlock()

	return h
}

// Depth returns the number of queued, not-yet-started operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Active returns the number of currently executing operations.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) dispatch() {
	defer close(q.dispatcherDone)

	for {
		q.mu.Lock()
		for !q.closed && (q.pending.Len() == 0 || q.active >= q.width) {
			q.cond.Wait()
		}
		if q.closed {
			// Settle everything still queued.
			for q.pending.Len() > 0 {
				item := heap.Pop(&q.pending).(*queuedOp)
				delete(q.byID, item.id)
				item.done <- Result{Err: ErrQueueClosed}
			}
			q.mu.Unlock()
			return
		}

		item := heap.Pop(&q.pending).(*queuedOp)
		delete(q.byID, item.id)
		q.active++
		q.mu.Unlock()

		// Space out starts; a lone operation passes immediately because
		// the limiter holds a ready token when the queue has been idle.
		if err := q.limiter.Wait(q.dispatchCtx); err != nil {
			item.done <- Result{Err: ErrQueueClosed}
			q.mu.Lock()
			q.active--
			q.mu.Unlock()
			continue
		}

		go q.run(item)
	}
}

func (q *Queue) run(item *queuedOp) {
	defer func() {
		if p := recover(); p != nil {
			item.done <- Result{Err: errors.New("operation panicked")}
			q.log.WithField("op_id", item.id).WithField("panic", p).Error("queued operation panicked")
		}
		q.mu.Lock()
		q.active--
		q.cond.Signal()
		q.mu.Unlock()
	}()

	value, err := item.op(q.dispatchCtx)
	item.done <- Result{Value: value, Err: err}
}

// Close stops dispatching. Queued operations settle with ErrQueueClosed;
// in-flight operations observe a cancelled context and settle with
// whatever they return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.dispatchCancel()
	<-q.dispatcherDone
}
