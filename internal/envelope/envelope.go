// Package envelope defines the immutable per-message metadata carried by
// every value moving through a pipeline, and the fixed binary layout used
// to persist it.
package envelope

import (
	"encoding/binary"
	"fmt"

	"flowline/internal/clock"
)

// Envelope is immutable per-message metadata. OriginatingTime is the only
// time used for correctness — ordering, interpolation, and replay windowing
// all key off it. CreationTime is the scheduler's wall-clock stamp at the
// moment the envelope was minted and carries no correctness meaning.
type Envelope struct {
	SourceID        uint32
	SequenceID      uint64
	OriginatingTime clock.Instant
	CreationTime    clock.Instant
}

// Less orders two envelopes by originating time, falling back to
// (SourceID, SequenceID) to break ties — the scheduler's mandated tie-break
// for fan-in delivery.
func Less(a, b Envelope) bool {
	if a.OriginatingTime != b.OriginatingTime {
		return a.OriginatingTime < b.OriginatingTime
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.SequenceID < b.SequenceID
}

// Message pairs a payload with its envelope. A receiver that must retain a
// message beyond its action call is responsible for cloning Payload if the
// type is not already immutable.
type Message[T any] struct {
	Payload  T
	Envelope Envelope
}

// BinarySize is the encoded size of an Envelope: source_id:i32,
// sequence_id:i32, originating_time:i64, creation_time:i64. The wire form
// narrows SequenceID to 32 bits, matching the on-disk envelope layout; it
// wraps after 2^32 messages from a single source within one store.
const BinarySize = 4 + 4 + 8 + 8

// Encode writes the fixed 24-byte binary form of e into buf, which must be
// at least BinarySize bytes.
func Encode(e Envelope, buf []byte) error {
	if len(buf) < BinarySize {
		return fmt.Errorf("envelope: buffer too small: have %d, need %d", len(buf), BinarySize)
	}
	binary.LittleEndian.PutUint32(buf[0:4], e.SourceID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.SequenceID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.OriginatingTime))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.CreationTime))
	return nil
}

// Decode reads the fixed binary form of an Envelope from buf.
func Decode(buf []byte) (Envelope, error) {
	if len(buf) < BinarySize {
		return Envelope{}, fmt.Errorf("envelope: buffer too small: have %d, need %d", len(buf), BinarySize)
	}
	return Envelope{
		SourceID:        binary.LittleEndian.Uint32(buf[0:4]),
		SequenceID:      uint64(binary.LittleEndian.Uint32(buf[4:8])),
		OriginatingTime: clock.Instant(binary.LittleEndian.Uint64(buf[8:16])),
		CreationTime:    clock.Instant(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}
