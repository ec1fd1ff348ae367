package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"

	"flowline/internal/clock"
	"flowline/internal/scheduler"
)

// PipelineState is the lifecycle stage of a Pipeline or Subpipeline
// (spec.md §4.5).
type PipelineState int

const (
	Initial PipelineState = iota
	Starting
	Running
	Stopping
	Completed
)

func (s PipelineState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a lifecycle operation is invoked
// from a state that does not allow it.
var ErrInvalidTransition = errors.New("pipeline: invalid lifecycle transition")

var nextPipelineID atomic.Uint32

func allocatePipelineID() uint32 { return nextPipelineID.Add(1) }

// errorSink aggregates errors surfaced during scheduling, element
// callbacks, or lifecycle operations, the way the teacher's Broker
// aggregates startup errors under a mutex.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Pipeline is the root or a nested subpipeline of an element graph. A root
// pipeline owns a scheduler and clock; subpipelines inherit both from their
// parent but schedule their elements on their own activation/main contexts
// so their replay interval may be narrower (spec.md §4.5).
type Pipeline struct {
	ID   uint32
	Name string

	parent *Pipeline
	sched  *scheduler.Scheduler
	clk    *clock.Clock
	errs   *errorSink

	activationCtx *scheduler.Context
	mainCtx       *scheduler.Context

	mu              sync.Mutex
	state           PipelineState
	elements        []*Element
	subpipelines    []*Pipeline
	replay          clock.ReplayDescriptor
	finalizeTime    clock.Instant
	hasFinalizeTime bool
	completions     map[uint32]clock.Instant
	doneCh          chan struct{}

	configMu sync.RWMutex
	config   map[string]string
}

// NewRoot constructs a root pipeline with its own worker pool and clock.
func NewRoot(name string, workers int, clk *clock.Clock, enforceReplayClock bool) *Pipeline {
	errs := &errorSink{}
	sched := scheduler.New(workers, clk, enforceReplayClock, errs.add)
	p := &Pipeline{
		ID:          allocatePipelineID(),
		Name:        name,
		sched:       sched,
		clk:         clk,
		errs:        errs,
		replay:      clock.ReplayAll,
		completions: make(map[uint32]clock.Instant),
		doneCh:      make(chan struct{}),
		config:      make(map[string]string),
	}
	p.activationCtx = sched.NewContext(name + ":activation")
	p.mainCtx = sched.NewContext(name + ":main")
	return p
}

// NewSubpipeline constructs a subpipeline of parent, sharing its scheduler
// and clock but scheduling on distinct contexts.
func NewSubpipeline(parent *Pipeline, name string) *Pipeline {
	sub := &Pipeline{
		ID:          allocatePipelineID(),
		Name:        name,
		parent:      parent,
		sched:       parent.sched,
		clk:         parent.clk,
		errs:        parent.errs,
		replay:      parent.replayDescriptor(),
		completions: make(map[uint32]clock.Instant),
		doneCh:      make(chan struct{}),
		config:      make(map[string]string),
	}
	sub.activationCtx = parent.sched.NewContext(name + ":activation")
	sub.mainCtx = parent.sched.NewContext(name + ":main")
	parent.mu.Lock()
	parent.subpipelines = append(parent.subpipelines, sub)
	parent.mu.Unlock()
	return sub
}

func (p *Pipeline) replayDescriptor() clock.ReplayDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replay
}

// Clock returns the scheduler clock shared by this pipeline tree.
func (p *Pipeline) Clock() *clock.Clock { return p.clk }

// MainContext returns the scheduler context elements should use to
// schedule their steady-state work.
func (p *Pipeline) MainContext() *scheduler.Context { return p.mainCtx }

// Scheduler returns the shared scheduler.
func (p *Pipeline) Scheduler() *scheduler.Scheduler { return p.sched }

// State returns the pipeline's current lifecycle stage.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Errors returns every error aggregated so far across this pipeline tree.
func (p *Pipeline) Errors() []error { return p.errs.all() }

// SetConfig stores a pipeline-scoped configuration value.
func (p *Pipeline) SetConfig(key, value string) {
	p.configMu.Lock()
	p.config[key] = value
	p.configMu.Unlock()
}

// Config retrieves a pipeline-scoped configuration value.
func (p *Pipeline) Config(key string) (string, bool) {
	p.configMu.RLock()
	defer p.configMu.RUnlock()
	v, ok := p.config[key]
	return v, ok
}

// AddElement registers e as a member of this pipeline.
func (p *Pipeline) AddElement(e *Element) {
	p.mu.Lock()
	p.elements = append(p.elements, e)
	p.mu.Unlock()
}

// Done returns a channel closed once the pipeline reaches Completed.
func (p *Pipeline) Done() <-chan struct{} { return p.doneCh }

// RunAsync transitions the pipeline from initial to running: it intersects
// replay with the proposed interval, starts the scheduler (root only),
// schedules start on every source element, waits for activation to
// quiesce, and begins steady-state scheduling.
func (p *Pipeline) RunAsync(replay clock.ReplayDescriptor) error {
	p.mu.Lock()
	if p.state != Initial {
		p.mu.Unlock()
		return ErrInvalidTransition
	}
	p.state = Starting
	p.replay = p.replay.Intersect(replay)
	narrowed := p.replay
	p.mu.Unlock()

	if p.parent != nil {
		p.parent.mu.Lock()
		p.parent.replay = p.parent.replay.Intersect(narrowed)
		p.parent.mu.Unlock()
	}

	if p.isRoot() {
		p.sched.Start()
	}

	p.mu.Lock()
	elements := append([]*Element(nil), p.elements...)
	p.mu.Unlock()

	for _, e := range elements {
		e := e
		if !e.IsSource {
			e.setState(ElementActivated)
			continue
		}
		p.sched.Enqueue(p.activationCtx, scheduler.WorkItem{
			Sync:    e.Sync,
			DueTime: clock.MinInstant,
			Thunk: func() {
				if e.OnStart != nil {
					e.OnStart(func(t clock.Instant) {
						e.notifyCompletion(t)
						p.recordCompletion(e.ID, t)
					})
				}
				e.setState(ElementActivated)
			},
		})
	}

	p.sched.PauseForQuiescence(p.activationCtx)

	p.mu.Lock()
	p.state = Running
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) isRoot() bool { return p.parent == nil }

func (p *Pipeline) root() *Pipeline {
	r := p
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (p *Pipeline) recordCompletion(id uint32, t clock.Instant) {
	p.mu.Lock()
	p.completions[id] = t
	p.mu.Unlock()
}

// LatestFiniteCompletion returns the greatest reported completion time
// among completable components, excluding infinite sources (MaxInstant).
func (p *Pipeline) LatestFiniteCompletion() (clock.Instant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := clock.MinInstant
	found := false
	for _, t := range p.completions {
		if t == clock.MaxInstant {
			continue
		}
		if !found || t > best {
			best = t
			found = true
		}
	}
	return best, found
}

// proposeFinalTime narrows this pipeline's (and its descendants')
// finalize_time, never increasing an already-smaller value.
func (p *Pipeline) proposeFinalTime(t clock.Instant) {
	p.mu.Lock()
	if !p.hasFinalizeTime || t < p.finalizeTime {
		p.finalizeTime = t
		p.hasFinalizeTime = true
	}
	effective := p.finalizeTime
	subs := append([]*Pipeline(nil), p.subpipelines...)
	p.mu.Unlock()
	for _, sub := range subs {
		sub.proposeFinalTime(effective)
	}
}

// Stop transitions the pipeline from running to completed: it propagates
// finalOriginatingTime to descendant subpipelines, deactivates source
// elements, waits for deactivation to settle, runs the finalization
// algorithm over the live node set, stops scheduling on its own contexts
// (and the scheduler itself, for the root), and marks the pipeline
// completed.
func (p *Pipeline) Stop(finalOriginatingTime clock.Instant, abandonPending bool) error {
	p.mu.Lock()
	if p.state == Completed {
		p.mu.Unlock()
		return nil
	}
	if p.state != Running {
		p.mu.Unlock()
		return ErrInvalidTransition
	}
	p.state = Stopping
	subs := append([]*Pipeline(nil), p.subpipelines...)
	elements := append([]*Element(nil), p.elements...)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.proposeFinalTime(finalOriginatingTime)
	}

	for _, e := range elements {
		e := e
		if !e.IsSource {
			continue
		}
		e.setState(ElementDeactivating)
		p.sched.Enqueue(p.activationCtx, scheduler.WorkItem{
			Sync:    e.Sync,
			DueTime: clock.MinInstant,
			Thunk: func() {
				if e.OnStop != nil {
					e.OnStop(finalOriginatingTime, func() { e.setState(ElementDeactivated) })
				} else {
					e.setState(ElementDeactivated)
				}
			},
		})
	}

	if !abandonPending {
		for {
			p.sched.PauseForQuiescence(p.activationCtx)
			if !anyDeactivating(elements) {
				break
			}
		}
	}

	live := p.liveElements()
	finalizeLiveSet(live, finalOriginatingTime, func() {
		p.sched.PauseForQuiescence(p.mainCtx)
		for _, sub := range p.allDescendantSubpipelines() {
			p.sched.PauseForQuiescence(sub.mainCtx)
		}
	})

	p.sched.StopScheduling(p.mainCtx)
	p.sched.StopScheduling(p.activationCtx)
	for _, sub := range p.allDescendantSubpipelines() {
		sub.mu.Lock()
		sub.state = Completed
		sub.mu.Unlock()
		close(sub.doneCh)
	}

	if p.isRoot() {
		p.sched.Stop()
	}

	p.mu.Lock()
	p.state = Completed
	p.mu.Unlock()
	close(p.doneCh)
	return nil
}

func anyDeactivating(elements []*Element) bool {
	for _, e := range elements {
		if e.IsSource && e.State() == ElementDeactivating {
			return true
		}
	}
	return false
}

// liveElements returns every non-finalized element in this pipeline and all
// of its descendant subpipelines, the live node set of the finalization
// algorithm.
func (p *Pipeline) liveElements() []*Element {
	p.mu.Lock()
	out := append([]*Element(nil), p.elements...)
	subs := append([]*Pipeline(nil), p.subpipelines...)
	p.mu.Unlock()
	for _, sub := range subs {
		out = append(out, sub.liveElements()...)
	}
	return out
}

func (p *Pipeline) allDescendantSubpipelines() []*Pipeline {
	p.mu.Lock()
	subs := append([]*Pipeline(nil), p.subpipelines...)
	p.mu.Unlock()
	var out []*Pipeline
	for _, sub := range subs {
		out = append(out, sub)
		out = append(out, sub.allDescendantSubpipelines()...)
	}
	return out
}
