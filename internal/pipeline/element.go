// Package pipeline implements the element graph, pipeline/subpipeline
// lifecycle, and the finalization algorithm that shuts a graph down even in
// the presence of cycles.
package pipeline

import (
	"sync"

	"flowline/internal/clock"
	"flowline/internal/scheduler"
)

// State is an element's lifecycle stage.
type State int

const (
	ElementInitial State = iota
	ElementActivated
	ElementDeactivating
	ElementDeactivated
	ElementFinalized
)

func (s State) String() string {
	switch s {
	case ElementInitial:
		return "initial"
	case ElementActivated:
		return "activated"
	case ElementDeactivating:
		return "deactivating"
	case ElementDeactivated:
		return "deactivated"
	case ElementFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ReceiverHandle is the type-erased view of an emitter.Receiver[T] that the
// finalizer needs: whether it is still bound to an upstream emitter, and
// which element owns that emitter.
type ReceiverHandle interface {
	Bound() bool
	BoundSourceOwner() (uint32, bool)
}

// EmitterHandle is the type-erased view of an emitter.Emitter[T] that the
// finalizer needs: subscriber accounting and closing.
type EmitterHandle interface {
	SubscriberCount() int
	IsClosed() bool
	Close(finalOriginatingTime clock.Instant)
}

// Element is one node of the pipeline graph: a component with typed
// receivers and emitters, a lifecycle, and optional start/stop/final hooks
// run exclusively under its Sync context.
type Element struct {
	ID      uint32
	Name    string
	IsSource bool
	Sync    *scheduler.SyncContext

	// Bridge names the logical partner of a pipeline-bridging connector's
	// other half, if any; the finalizer treats a bridged pair as one node
	// for cycle analysis (spec.md §4.6).
	Bridge *Element

	OnStart func(notifyCompletion func(clock.Instant))
	OnStop  func(finalOriginatingTime clock.Instant, notifyCompleted func())
	OnFinal func(finalOriginatingTime clock.Instant)

	mu         sync.Mutex
	state      State
	receivers  map[uint32]ReceiverHandle
	emitters   map[uint32]EmitterHandle
	completionReported bool
	completionTime     clock.Instant
}

// NewElement constructs an element in the initial state.
func NewElement(id uint32, name string, isSource bool, sync *scheduler.SyncContext) *Element {
	return &Element{
		ID:       id,
		Name:     name,
		IsSource: isSource,
		Sync:     sync,
		receivers: make(map[uint32]ReceiverHandle),
		emitters:  make(map[uint32]EmitterHandle),
	}
}

// AddReceiver registers a receiver owned by this element under id.
func (e *Element) AddReceiver(id uint32, r ReceiverHandle) {
	e.mu.Lock()
	e.receivers[id] = r
	e.mu.Unlock()
}

// AddEmitter registers an emitter owned by this element under id.
func (e *Element) AddEmitter(id uint32, em EmitterHandle) {
	e.mu.Lock()
	e.emitters[id] = em
	e.mu.Unlock()
}

// State returns the element's current lifecycle stage.
func (e *Element) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Element) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// allInputsClosed reports whether every receiver owned by this element (and,
// if bridged, by its partner) is unbound — step 1 of the finalization
// algorithm.
func (e *Element) allInputsClosed() bool {
	if !e.receiversClosed() {
		return false
	}
	if e.Bridge != nil {
		return e.Bridge.receiversClosed()
	}
	return true
}

func (e *Element) receiversClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.receivers {
		if r.Bound() {
			return false
		}
	}
	return true
}

// subscribedOutputCount counts still-subscribed downstream receivers across
// this element's own emitters and its bridge partner's, for the "most
// subscribed outputs" tie-break in step 5.
func (e *Element) subscribedOutputCount() int {
	e.mu.Lock()
	n := 0
	for _, em := range e.emitters {
		if !em.IsClosed() {
			n += em.SubscriberCount()
		}
	}
	e.mu.Unlock()
	if e.Bridge != nil {
		n += e.Bridge.subscribedOutputCountSelf()
	}
	return n
}

func (e *Element) subscribedOutputCountSelf() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, em := range e.emitters {
		if !em.IsClosed() {
			n += em.SubscriberCount()
		}
	}
	return n
}

// dependencies returns the owner element ids of every emitter this
// element's receivers (and, if bridged, its partner's receivers) are
// currently bound to — the outgoing edges of the finalizer's dependency
// graph.
func (e *Element) dependencies() []uint32 {
	e.mu.Lock()
	deps := make([]uint32, 0, len(e.receivers))
	for _, r := range e.receivers {
		if owner, ok := r.BoundSourceOwner(); ok {
			deps = append(deps, owner)
		}
	}
	e.mu.Unlock()
	if e.Bridge != nil {
		e.Bridge.mu.Lock()
		for _, r := range e.Bridge.receivers {
			if owner, ok := r.BoundSourceOwner(); ok {
				deps = append(deps, owner)
			}
		}
		e.Bridge.mu.Unlock()
	}
	return deps
}

// finalize invokes OnFinal (if set) then closes every emitter this element
// owns; finalizeOne finalizes a bridge partner alongside it. A call on an
// element that is already finalized does nothing.
func (e *Element) finalize(finalOriginatingTime clock.Instant) {
	if e.State() == ElementFinalized {
		return
	}
	if e.OnFinal != nil {
		e.OnFinal(finalOriginatingTime)
	}
	e.mu.Lock()
	emitters := make([]EmitterHandle, 0, len(e.emitters))
	for _, em := range e.emitters {
		emitters = append(emitters, em)
	}
	e.mu.Unlock()
	for _, em := range emitters {
		em.Close(finalOriginatingTime)
	}
	e.setState(ElementFinalized)
}

// notifyCompletion records a source element's reported final originating
// time. Call at most once; the pipeline tracks the latest finite value
// across all completable components.
func (e *Element) notifyCompletion(t clock.Instant) {
	e.mu.Lock()
	e.completionReported = true
	e.completionTime = t
	e.mu.Unlock()
}

func (e *Element) completion() (clock.Instant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completionTime, e.completionReported
}
