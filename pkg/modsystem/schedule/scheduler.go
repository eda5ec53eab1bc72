// Package schedule provides the shared timer facility behind delayed route
// actions and workflow step delays/timeouts.
//
// A single scheduling loop services a min-heap of (fire time, callback)
// entries and dispatches due callbacks onto a small worker pool. No
// goroutine or timer is held per pending delay, so the capacity bound is a
// real cap on outstanding work, not just a count of live timers.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for scheduling operations.
var (
	// ErrCapacity indicates the outstanding-entry bound was reached.
	// Callers get this synchronously so they can retry or drop.
	ErrCapacity = errors.New("schedule: outstanding entry limit reached")

	// ErrStopped indicates the scheduler has been stopped.
	ErrStopped = errors.New("schedule: scheduler stopped")
)

// Entry is one scheduled callback.
type Entry struct {
	fireAt    time.Time
	seq       uint64
	fn        func(ctx context.Context)
	cancelled bool
	index     int
	s         *Scheduler
}

// Cancel revokes the entry. A cancelled entry never fires.
// Safe to call more than once and after the entry has fired.
func (e *Entry) Cancel() {
	if e == nil || e.s == nil {
		return
	}
	e.s.cancel(e)
}

// Scheduler owns the timer heap and worker pool.
type Scheduler struct {
	mu          sync.Mutex
	heap        entryHeap
	seq         uint64
	outstanding int
	stopped     bool

	capacity        int
	workers         int
	dispatchTimeout time.Duration
	logger          *slog.Logger

	wake    chan struct{}
	jobs    chan *Entry
	stopCh  chan struct{}
	rootCtx context.Context
	cancelF context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCapacity bounds the number of scheduled-but-not-yet-fired entries.
// Zero means unlimited.
func WithCapacity(n int) Option {
	return func(s *Scheduler) { s.capacity = n }
}

// WithWorkers sets the number of dispatch goroutines.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithDispatchTimeout bounds how long a due entry may wait for a worker
// before being abandoned and reported as failed.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.dispatchTimeout = d
		}
	}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates and starts a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		workers:         4,
		dispatchTimeout: 30 * time.Second,
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.jobs = make(chan *Entry, s.workers)
	s.rootCtx, s.cancelF = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.loop()
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

// Schedule registers fn to run after delay. The callback receives a
// context that is cancelled when the scheduler stops.
//
// Returns ErrCapacity synchronously when the outstanding bound is reached
// (backpressure policy: reject, never block the caller).
func (s *Scheduler) Schedule(delay time.Duration, fn func(ctx context.Context)) (*Entry, error) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.capacity > 0 && s.outstanding >= s.capacity {
		s.mu.Unlock()
		return nil, ErrCapacity
	}
	s.seq++
	e := &Entry{
		fireAt: time.Now().Add(delay),
		seq:    s.seq,
		fn:     fn,
		s:      s,
	}
	heap.Push(&s.heap, e)
	s.outstanding++
	s.mu.Unlock()

	s.kick()
	return e, nil
}

// Outstanding returns the number of scheduled-but-not-yet-fired entries.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Stop shuts the scheduler down. Pending entries are discarded; callbacks
// already dispatched observe a cancelled context. Blocks until the loop
// and all workers exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.cancelF()
	s.wg.Wait()
}

// cancel marks an entry cancelled. The heap drops it lazily.
func (s *Scheduler) cancel(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.cancelled {
		return
	}
	e.cancelled = true
	if e.index >= 0 {
		// Still queued: it no longer counts as outstanding.
		s.outstanding--
	}
}

// kick wakes the scheduling loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop services the timer heap.
func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		wait := time.Duration(-1)
		var due *Entry
		now := time.Now()
		for s.heap.Len() > 0 {
			next := s.heap[0]
			if next.cancelled {
				heap.Pop(&s.heap)
				continue
			}
			if d := next.fireAt.Sub(now); d > 0 {
				wait = d
				break
			}
			due = heap.Pop(&s.heap).(*Entry)
			break
		}
		s.mu.Unlock()

		if due != nil {
			select {
			case s.jobs <- due:
			case <-s.stopCh:
				return
			}
			continue
		}

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.stopCh:
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// work executes dispatched entries.
func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.jobs:
			s.run(e)
		case <-s.stopCh:
			return
		}
	}
}

// run executes one entry, abandoning it when it sat in the dispatch queue
// past the dispatch timeout or was cancelled after being popped.
func (s *Scheduler) run(e *Entry) {
	// Entries cancelled while still queued are discarded by the loop and
	// never reach here; an entry arriving cancelled was revoked after
	// dispatch and still holds its outstanding slot.
	s.mu.Lock()
	s.outstanding--
	cancelled := e.cancelled
	s.mu.Unlock()
	if cancelled {
		return
	}

	if waited := time.Since(e.fireAt); waited > s.dispatchTimeout {
		if s.logger != nil {
			s.logger.Error("scheduled entry abandoned",
				slog.Duration("waited", waited),
				slog.Duration("dispatch_timeout", s.dispatchTimeout),
			)
		}
		return
	}

	e.fn(s.rootCtx)
}

// entryHeap is a min-heap ordered by fire time, sequence on ties.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
