// Package emitter implements typed edges between pipeline elements: an
// Emitter fans out envelopes to zero or more Receivers, each bound to at
// most one Emitter and governed by its own delivery policy.
package emitter

import (
	"errors"
	"sync"

	"flowline/internal/clock"
	"flowline/internal/envelope"
)

// ErrOutOfOrderEmission is returned when a post's originating time does not
// strictly exceed the emitter's last posted originating time.
var ErrOutOfOrderEmission = errors.New("emitter: originating time must strictly increase")

// ErrClosed is returned by Post/Deliver once the emitter has been closed.
var ErrClosed = errors.New("emitter: closed")

// ErrAlreadyBound is returned when Subscribe is called on a Receiver that is
// already bound to an Emitter.
var ErrAlreadyBound = errors.New("receiver: already bound to an emitter")

// Emitter fans messages of type T out to its subscribers. Envelopes posted
// on an Emitter strictly increase in originating time; a violation fails
// with ErrOutOfOrderEmission and does not advance any state.
type Emitter[T any] struct {
	ID    uint32
	Name  string
	Owner uint32

	mu          sync.Mutex
	nextSeq     uint64
	lastEnv     envelope.Envelope
	hasLast     bool
	subscribers map[uint32]*Receiver[T]
	closed      bool
	throttled   bool
}

// New constructs an emitter with the given id, name, and owning element id.
func New[T any](id uint32, name string, owner uint32) *Emitter[T] {
	return &Emitter[T]{ID: id, Name: name, Owner: owner, subscribers: make(map[uint32]*Receiver[T])}
}

// Throttled reports whether a downstream receiver has asked this emitter's
// source to slow down. Source components must consult this on each post
// under the throttle_when_full and synchronous_or_throttle policies.
func (e *Emitter[T]) Throttled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.throttled
}

func (e *Emitter[T]) setThrottled(v bool) {
	e.mu.Lock()
	e.throttled = v
	e.mu.Unlock()
}

// Post mints a new envelope for payload at originatingTime, stamping
// creation time from nowFn, and delivers it to every subscriber per its
// policy.
func (e *Emitter[T]) Post(payload T, originatingTime clock.Instant, nowFn func() clock.Instant) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.hasLast && originatingTime <= e.lastEnv.OriginatingTime {
		e.mu.Unlock()
		return ErrOutOfOrderEmission
	}
	e.nextSeq++
	env := envelope.Envelope{
		SourceID:        e.ID,
		SequenceID:      e.nextSeq,
		OriginatingTime: originatingTime,
		CreationTime:    nowFn(),
	}
	e.lastEnv = env
	e.hasLast = true
	subs := e.snapshotSubscribersLocked()
	e.mu.Unlock()

	e.fanOut(subs, payload, env)
	return nil
}

// Deliver posts a message preserving the supplied envelope rather than
// minting a new one; used by replay and bridge connectors re-emitting
// messages with their original timing. The same strictly-increasing
// originating-time invariant applies.
func (e *Emitter[T]) Deliver(payload T, env envelope.Envelope) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.hasLast && env.OriginatingTime <= e.lastEnv.OriginatingTime {
		e.mu.Unlock()
		return ErrOutOfOrderEmission
	}
	e.lastEnv = env
	e.hasLast = true
	subs := e.snapshotSubscribersLocked()
	e.mu.Unlock()

	e.fanOut(subs, payload, env)
	return nil
}

func (e *Emitter[T]) snapshotSubscribersLocked() []*Receiver[T] {
	subs := make([]*Receiver[T], 0, len(e.subscribers))
	for _, r := range e.subscribers {
		subs = append(subs, r)
	}
	return subs
}

func (e *Emitter[T]) fanOut(subs []*Receiver[T], payload T, env envelope.Envelope) {
	for _, r := range subs {
		decision := r.offer(envelope.Message[T]{Payload: payload, Envelope: env})
		if decision == ThrottleSource {
			e.setThrottled(true)
		} else if decision == Enqueue {
			// A successful hand-off to a non-full queue clears any earlier
			// throttle signal from this receiver's perspective.
			e.setThrottled(false)
		}
	}
}

// Subscribe binds r to e under the given policy. r must not already be
// bound to another emitter.
func (e *Emitter[T]) Subscribe(r *Receiver[T], policy Policy) error {
	if err := r.bind(e, policy); err != nil {
		return err
	}
	e.mu.Lock()
	e.subscribers[r.ID] = r
	e.mu.Unlock()
	return nil
}

// Unsubscribe unbinds r from e, if bound.
func (e *Emitter[T]) Unsubscribe(r *Receiver[T]) {
	e.mu.Lock()
	delete(e.subscribers, r.ID)
	e.mu.Unlock()
	r.unbind(e)
}

// SubscriberCount reports the number of currently-bound receivers, used by
// the finalizer to detect when an emitter has no more downstream listeners.
func (e *Emitter[T]) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// IsClosed reports whether Close has been called.
func (e *Emitter[T]) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close marks the emitter closed: further Post/Deliver calls fail, and
// every subscriber is unsubscribed so it observes the closure.
func (e *Emitter[T]) Close(finalOriginatingTime clock.Instant) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.snapshotSubscribersLocked()
	e.subscribers = make(map[uint32]*Receiver[T])
	e.mu.Unlock()

	for _, r := range subs {
		r.unbind(e)
	}
}
