// Package scheduler implements the runtime's thread pool, per-owner
// synchronization contexts, and per-context ordered work queues. It enforces
// delivery ordering and, under replay-clock enforcement, paces dispatch to
// virtual time.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"flowline/internal/clock"
)

// SyncContext is a per-state-object mutex that serializes all work scheduled
// against that object. At most one worker may execute against a given
// SyncContext at a time; a worker that cannot acquire it non-blockingly
// re-queues the work item rather than waiting.
type SyncContext struct {
	busy    atomic.Bool
	pending atomic.Int64
}

// NewSyncContext constructs an unlocked synchronization context.
func NewSyncContext() *SyncContext { return &SyncContext{} }

func (s *SyncContext) tryAcquire() bool { return s.busy.CompareAndSwap(false, true) }
func (s *SyncContext) release()         { s.busy.Store(false) }

// Idle reports whether the context currently has no in-flight or queued work.
func (s *SyncContext) Idle() bool { return s.pending.Load() == 0 }

// TryRun attempts to acquire the context and run thunk synchronously on the
// caller's goroutine, returning whether it ran. This is the only sanctioned
// way to run work outside the scheduler's own dispatch loop, used by the
// synchronous-or-throttle delivery policy.
func (s *SyncContext) TryRun(thunk func()) bool {
	if !s.tryAcquire() {
		return false
	}
	defer s.release()
	thunk()
	return true
}

// Context is a named work-item queue — the activation context, the main
// context, or a subpipeline's context — whose start/stop/quiescence is
// controlled as a unit.
type Context struct {
	name    string
	mu      sync.Mutex
	items   workHeap
	running int
	stopped bool
}

// NewContext constructs a named, empty scheduler context.
func NewContext(name string) *Context {
	return &Context{name: name}
}

// Name returns the context's name, for diagnostics.
func (c *Context) Name() string { return c.name }

// WorkItem is a unit of scheduled work: a thunk to run, tagged with the
// synchronization context that must be held while it runs, the due time at
// which it becomes eligible, and the originating time used to order it
// against other items in the same SyncContext.
type WorkItem struct {
	Sync            *SyncContext
	DueTime         clock.Instant
	OriginatingTime clock.Instant
	SourceID        uint32
	SequenceID      uint64
	Thunk           func()

	seq uint64 // scheduler-assigned submission order, used only as a last-resort tiebreak
}

type workHeap []WorkItem

func (h workHeap) Len() int { return len(h) }
func (h workHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.DueTime != b.DueTime {
		return a.DueTime < b.DueTime
	}
	if a.OriginatingTime != b.OriginatingTime {
		return a.OriginatingTime < b.OriginatingTime
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	if a.SequenceID != b.SequenceID {
		return a.SequenceID < b.SequenceID
	}
	return a.seq < b.seq
}
func (h workHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)        { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// enqueue adds a work item to the context's ordered queue.
func (c *Context) enqueue(item WorkItem) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if item.Sync != nil {
		item.Sync.pending.Add(1)
	}
	heap.Push(&c.items, item)
	c.mu.Unlock()
}

// popReady returns the earliest-due item whose SyncContext can be acquired
// and whose DueTime has arrived, or ok=false if none is currently runnable.
// Items whose SyncContext is busy are skipped (left in the queue) rather
// than blocking the caller.
func (c *Context) popReady(now clock.Instant) (WorkItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Scan in heap order; because multiple SyncContexts interleave, a busy
	// owner at the front must not block a free owner behind it.
	var skipped []WorkItem
	var found WorkItem
	ok := false
	for c.items.Len() > 0 {
		top := heap.Pop(&c.items).(WorkItem)
		if top.DueTime > now {
			skipped = append(skipped, top)
			break // the heap orders by DueTime first, so every remaining item is also not yet due
		}
		if top.Sync == nil || top.Sync.tryAcquire() {
			found, ok = top, true
			c.running++
			break
		}
		skipped = append(skipped, top)
	}
	for _, item := range skipped {
		heap.Push(&c.items, item)
	}
	return found, ok
}

// quiescent reports whether the context has no queued or in-flight work.
func (c *Context) quiescent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len() == 0 && c.running == 0
}

// finishRunning marks one previously-dequeued item as completed.
func (c *Context) finishRunning() {
	c.mu.Lock()
	c.running--
	c.mu.Unlock()
}

// Scheduler is a fixed-size worker pool dispatching WorkItems across one or
// more Contexts, enforcing per-SyncContext exclusivity and
// (originating_time, sequence_id) ordering within a context.
type Scheduler struct {
	clk         *clock.Clock
	enforce     bool
	workerCount int
	errHandler  func(error)

	mu       sync.Mutex
	contexts []*Context
	seq      uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a scheduler with the given worker count and clock. If
// enforce is true, workers sleep until a work item's due time under the
// clock's pacing before running it.
func New(workers int, clk *clock.Clock, enforce bool, errHandler func(error)) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if errHandler == nil {
		errHandler = func(error) {}
	}
	return &Scheduler{clk: clk, enforce: enforce, workerCount: workers, errHandler: errHandler, stopCh: make(chan struct{})}
}

// NewContext registers and returns a new scheduler context.
func (s *Scheduler) NewContext(name string) *Context {
	ctx := NewContext(name)
	s.mu.Lock()
	s.contexts = append(s.contexts, ctx)
	s.mu.Unlock()
	return ctx
}

// Enqueue submits a work item to the given context, stamping it with a
// submission sequence used only to break exact ties deterministically.
func (s *Scheduler) Enqueue(ctx *Context, item WorkItem) {
	s.mu.Lock()
	s.seq++
	item.seq = s.seq
	s.mu.Unlock()
	ctx.enqueue(item)
}

// Start launches the worker pool. Workers run until Stop is called.
func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.work()
	}
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		item, ctx, found := s.nextReady()
		if !found {
			// Nothing runnable right now; yield briefly rather than spin.
			select {
			case <-s.stopCh:
				return
			default:
			}
			if !s.sleepOrWake() {
				return
			}
			continue
		}
		if s.enforce && s.clk != nil {
			s.clk.SleepUntil(item.DueTime, s.stopCh)
		}
		s.run(ctx, item)
	}
}

// run executes the item's thunk, recovering panics into the scheduler's
// error handler, then releases the SyncContext and decrements pending.
func (s *Scheduler) run(ctx *Context, item WorkItem) {
	defer ctx.finishRunning()
	defer func() {
		if item.Sync != nil {
			item.Sync.release()
			item.Sync.pending.Add(-1)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			s.errHandler(panicToError(r))
		}
	}()
	if item.Thunk != nil {
		item.Thunk()
	}
}

func (s *Scheduler) nextReady() (WorkItem, *Context, bool) {
	s.mu.Lock()
	contexts := append([]*Context(nil), s.contexts...)
	s.mu.Unlock()
	now := clock.MaxInstant
	if s.clk != nil {
		now = s.clk.Now()
	}
	for _, ctx := range contexts {
		if item, ok := ctx.popReady(now); ok {
			return item, ctx, true
		}
	}
	return WorkItem{}, nil, false
}

// sleepOrWake performs a short, interruptible pause between poll attempts.
// Returns false if the scheduler has been told to stop.
func (s *Scheduler) sleepOrWake() bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(time.Millisecond):
		return true
	}
}

// PauseForQuiescence blocks until ctx has no runnable work: no queued items
// and no SyncContext currently executing work submitted through it.
func (s *Scheduler) PauseForQuiescence(ctx *Context) {
	for {
		if ctx.quiescent() {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

// StopScheduling drains ctx then marks it refusing further enqueues.
func (s *Scheduler) StopScheduling(ctx *Context) {
	s.PauseForQuiescence(ctx)
	ctx.mu.Lock()
	ctx.stopped = true
	ctx.mu.Unlock()
}

// Stop signals every worker to exit once the current item (if any)
// completes, and waits for them to do so.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "scheduler: recovered panic in work item" }
