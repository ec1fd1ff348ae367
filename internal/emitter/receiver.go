package emitter

import (
	"errors"
	"math"
	"sync"

	"flowline/internal/envelope"
	"flowline/internal/scheduler"
)

// ErrDeliveryOverflow is surfaced via a receiver's overflow callback when a
// lossless_or_throw receiver cannot enqueue an arriving message.
var ErrDeliveryOverflow = errors.New("emitter: delivery overflow on lossless receiver")

// Receiver is owned by exactly one pipeline element and is bound to at most
// one Emitter at a time. Delivery to a receiver's action is serialized under
// its owner's scheduler.SyncContext — receivers sharing an owner are never
// invoked concurrently, regardless of which emitter a message arrived from.
type Receiver[T any] struct {
	ID    uint32
	Name  string
	Owner uint32

	action          func(envelope.Message[T])
	sched           *scheduler.Scheduler
	sctx            *scheduler.Context
	sync            *scheduler.SyncContext
	onOverflowError func(error)

	mu         sync.Mutex
	policy     Policy
	source     *Emitter[T]
	queue      []envelope.Message[T]
	draining   bool
	delivered  uint64
	dropped    uint64
	lastEnv    envelope.Envelope
	hasLastEnv bool
}

// NewReceiver constructs a receiver that serializes delivery of action under
// sync, scheduling drain work through sched against sctx.
func NewReceiver[T any](id uint32, name string, owner uint32, action func(envelope.Message[T]), sched *scheduler.Scheduler, sctx *scheduler.Context, sync *scheduler.SyncContext, onOverflowError func(error)) *Receiver[T] {
	return &Receiver[T]{ID: id, Name: name, Owner: owner, action: action, sched: sched, sctx: sctx, sync: sync, onOverflowError: onOverflowError}
}

// Bound reports whether the receiver currently has an active upstream
// emitter — used by the finalizer to detect when every input is closed.
func (r *Receiver[T]) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source != nil
}

// BoundSourceOwner returns the owning element id of the emitter this
// receiver is currently bound to, used by the finalizer to build the
// element dependency graph for cycle detection.
func (r *Receiver[T]) BoundSourceOwner() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return 0, false
	}
	return r.source.Owner, true
}

// Unsubscribe unbinds the receiver from its current emitter, if any.
func (r *Receiver[T]) Unsubscribe() {
	r.mu.Lock()
	e := r.source
	r.mu.Unlock()
	if e != nil {
		e.Unsubscribe(r)
	}
}

// Delivered returns the count of messages that reached the action callback.
func (r *Receiver[T]) Delivered() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Dropped returns the count of messages the policy refused to deliver.
func (r *Receiver[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// QueueLength reports the number of messages currently buffered, for
// diagnostics.
func (r *Receiver[T]) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Receiver[T]) bind(e *Emitter[T], policy Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil {
		return ErrAlreadyBound
	}
	r.source = e
	r.policy = policy
	return nil
}

func (r *Receiver[T]) unbind(e *Emitter[T]) {
	r.mu.Lock()
	if r.source == e {
		r.source = nil
	}
	r.mu.Unlock()
}

// offer applies the receiver's policy to an arriving message and returns the
// scheduler's verdict: enqueue, drop, or signal the source throttled.
func (r *Receiver[T]) offer(msg envelope.Message[T]) Decision {
	if r.policy.Kind == SynchronousOrThrottle {
		ran := r.sync.TryRun(func() { r.deliverNow(msg) })
		if ran {
			return Enqueue
		}
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return ThrottleSource
	}

	r.mu.Lock()
	capacity := r.effectiveCapacityLocked()
	if len(r.queue) < capacity {
		r.queue = append(r.queue, msg)
		needSchedule := !r.draining
		if needSchedule {
			r.draining = true
		}
		r.mu.Unlock()
		if needSchedule {
			r.scheduleDrain(msg.Envelope)
		}
		return Enqueue
	}

	switch r.policy.Kind {
	case LatestMessage:
		r.queue = r.queue[:0]
		r.queue = append(r.queue, msg)
		r.dropped++
		needSchedule := !r.draining
		if needSchedule {
			r.draining = true
		}
		r.mu.Unlock()
		if needSchedule {
			r.scheduleDrain(msg.Envelope)
		}
		return Enqueue
	case QueueBounded:
		switch r.policy.Overflow {
		case DropOldest:
			if len(r.queue) > 0 {
				r.queue = r.queue[1:]
			}
			r.queue = append(r.queue, msg)
			r.dropped++
			needSchedule := !r.draining
			if needSchedule {
				r.draining = true
			}
			r.mu.Unlock()
			if needSchedule {
				r.scheduleDrain(msg.Envelope)
			}
			return Enqueue
		case DropNewest:
			r.dropped++
			r.mu.Unlock()
			return Drop
		default: // ThrottleOnOverflow
			r.dropped++
			r.mu.Unlock()
			return ThrottleSource
		}
	case ThrottleWhenFull:
		r.dropped++
		r.mu.Unlock()
		return ThrottleSource
	case LosslessOrThrow:
		r.mu.Unlock()
		if r.onOverflowError != nil {
			r.onOverflowError(ErrDeliveryOverflow)
		}
		return Drop
	default:
		r.mu.Unlock()
		return Drop
	}
}

func (r *Receiver[T]) effectiveCapacityLocked() int {
	switch r.policy.Kind {
	case LatestMessage, ThrottleWhenFull:
		return 1
	case QueueUnlimited:
		return math.MaxInt
	case QueueBounded, LosslessOrThrow:
		if r.policy.Capacity <= 0 {
			return 1
		}
		return r.policy.Capacity
	default:
		return 1
	}
}

func (r *Receiver[T]) scheduleDrain(env envelope.Envelope) {
	r.sched.Enqueue(r.sctx, scheduler.WorkItem{
		Sync:            r.sync,
		DueTime:         env.OriginatingTime,
		OriginatingTime: env.OriginatingTime,
		SourceID:        env.SourceID,
		SequenceID:      env.SequenceID,
		Thunk:           r.drainOne,
	})
}

func (r *Receiver[T]) drainOne() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.draining = false
		r.mu.Unlock()
		return
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	hasNext := len(r.queue) > 0
	var nextEnv envelope.Envelope
	if hasNext {
		nextEnv = r.queue[0].Envelope
	} else {
		r.draining = false
	}
	r.mu.Unlock()

	r.deliverNow(msg)

	if hasNext {
		r.scheduleDrain(nextEnv)
	}
}

func (r *Receiver[T]) deliverNow(msg envelope.Message[T]) {
	if r.action != nil {
		r.action(msg)
	}
	r.mu.Lock()
	r.delivered++
	r.lastEnv = msg.Envelope
	r.hasLastEnv = true
	r.mu.Unlock()
}
