package emitter

// OverflowAction names the behavior of a bounded queue once it is full.
type OverflowAction int

const (
	// DropOldest evicts the head of the queue to make room for the new item.
	DropOldest OverflowAction = iota
	// DropNewest refuses the new item, keeping the queue as-is.
	DropNewest
	// ThrottleOnOverflow signals the upstream emitter as throttled instead of
	// dropping or enqueueing.
	ThrottleOnOverflow
)

// PolicyKind enumerates the delivery policy variants a Receiver may use.
type PolicyKind int

const (
	// LatestMessage keeps only the single most recent pending message; a
	// new arrival replaces it.
	LatestMessage PolicyKind = iota
	// QueueUnlimited appends every arrival with no back-pressure.
	QueueUnlimited
	// QueueBounded appends up to Capacity items, applying Overflow once full.
	QueueBounded
	// ThrottleWhenFull signals the upstream emitter as throttled whenever
	// the (single-slot) queue already holds an undelivered message.
	ThrottleWhenFull
	// SynchronousOrThrottle attempts to run the receiver's action inline on
	// the posting goroutine if its owner's sync context is free; otherwise
	// it throttles the source instead of queueing.
	SynchronousOrThrottle
	// LosslessOrThrow queues up to Capacity items; an arrival that does not
	// fit is not delivered and is reported as ErrDeliveryOverflow through the
	// receiver's overflow callback. The receiver does not stop the pipeline
	// itself.
	LosslessOrThrow
)

// Policy configures a Receiver's delivery behavior (spec.md §4.3).
type Policy struct {
	Kind     PolicyKind
	Capacity int            // meaningful for QueueBounded
	Overflow OverflowAction // meaningful for QueueBounded
}

// Decision is the policy's verdict for an arriving envelope.
type Decision int

const (
	// Enqueue accepts the message for delivery.
	Enqueue Decision = iota
	// Drop discards the message; it is counted but never delivered.
	Drop
	// ThrottleSource signals the upstream emitter as throttled; the message
	// itself is also dropped under the policies that throttle (the emitter
	// is expected to slow future posts, not retry this one).
	ThrottleSource
)

// Latest returns the single-slot "latest message" policy.
func Latest() Policy { return Policy{Kind: LatestMessage} }

// Unlimited returns the unbounded queue policy.
func Unlimited() Policy { return Policy{Kind: QueueUnlimited} }

// Bounded returns a bounded queue policy with the given capacity and
// overflow behavior.
func Bounded(capacity int, overflow OverflowAction) Policy {
	return Policy{Kind: QueueBounded, Capacity: capacity, Overflow: overflow}
}

// ThrottleFull returns the throttle-when-full policy.
func ThrottleFull() Policy { return Policy{Kind: ThrottleWhenFull} }

// SyncOrThrottle returns the synchronous-or-throttle policy.
func SyncOrThrottle() Policy { return Policy{Kind: SynchronousOrThrottle} }

// LosslessOrThrowPolicy returns the never-drop policy.
func LosslessOrThrowPolicy() Policy { return Policy{Kind: LosslessOrThrow} }
