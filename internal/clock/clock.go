// Package clock implements the runtime's virtual-time model: a monotonically
// ordered tick count mapped to wall-clock instants, with optional pacing for
// deterministic replay.
package clock

import (
	"sync"
	"time"
)

// TicksPerSecond is the tick resolution: one tick is 100ns.
const TicksPerSecond = int64(10_000_000)

// Instant is a monotonically ordered, 100ns-tick absolute point in virtual
// time. It carries no timezone or wall-clock meaning on its own; a Clock
// maps it to and from real time.
type Instant int64

// MinInstant and MaxInstant bound the representable range. MaxInstant is
// used by infinite sources to report "never completes"; MinInstant is used
// by purely reactive sources to report "completes immediately".
const (
	MinInstant Instant = Instant(-1 << 62)
	MaxInstant Instant = Instant(1<<62 - 1)
)

// Before reports whether i happens strictly before o.
func (i Instant) Before(o Instant) bool { return i < o }

// After reports whether i happens strictly after o.
func (i Instant) After(o Instant) bool { return i > o }

// Add returns i shifted by d, converting the duration to ticks.
func (i Instant) Add(d time.Duration) Instant {
	return i + Instant(d.Nanoseconds()/100)
}

// Sub returns the duration between two instants (i - o).
func (i Instant) Sub(o Instant) time.Duration {
	return time.Duration(int64(i-o)) * 100 * time.Nanosecond
}

// FromTime converts a wall-clock time to an Instant using the Unix epoch
// scaled to 100ns ticks. Stores that must bit-exactly interoperate with an
// existing on-disk format should construct Instants via a Clock configured
// with that format's epoch instead of relying on this helper directly.
func FromTime(t time.Time) Instant {
	return Instant(t.UnixNano() / 100)
}

// ToTime converts an Instant back to a wall-clock time under the Unix-epoch
// convention used by FromTime.
func (i Instant) ToTime() time.Time {
	return time.Unix(0, int64(i)*100).UTC()
}

// ReplayDescriptor bounds replay on both ends and controls whether delivery
// is paced to wall time.
type ReplayDescriptor struct {
	Start              Instant
	End                Instant
	EnforceReplayClock bool
}

// ReplayAll replays every message regardless of originating time, without
// pacing delivery to wall time.
var ReplayAll = ReplayDescriptor{Start: MinInstant, End: MaxInstant}

// Intersect narrows d to the overlap with other; the result enforces the
// replay clock if either descriptor does — intersection only ever tightens
// the interval.
func (d ReplayDescriptor) Intersect(other ReplayDescriptor) ReplayDescriptor {
	start := d.Start
	if other.Start > start {
		start = other.Start
	}
	end := d.End
	if other.End < end {
		end = other.End
	}
	return ReplayDescriptor{Start: start, End: end, EnforceReplayClock: d.EnforceReplayClock || other.EnforceReplayClock}
}

// Clock maps between wall time and pipeline-virtual time using an origin and
// a rate. Construct one with New or NewReplay; the zero-value Clock has no
// wall-time source, so Now panics on it.
type Clock struct {
	mu            sync.RWMutex
	origin        time.Time // wall time corresponding to virtualOrigin
	virtualOrigin Instant
	rate          float64 // virtual ticks per real tick; 1.0 is real time
	nowFn         func() time.Time
}

// New constructs a live clock anchored at the current wall-clock time.
func New() *Clock {
	return &Clock{origin: time.Now().UTC(), virtualOrigin: FromTime(time.Now().UTC()), rate: 1.0, nowFn: func() time.Time { return time.Now().UTC() }}
}

// NewReplay constructs a clock whose virtual origin is the replay interval's
// start, so that the first delivered message's originating time maps close
// to "now" for pacing purposes.
func NewReplay(start Instant, nowFn func() time.Time) *Clock {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Clock{origin: nowFn(), virtualOrigin: start, rate: 1.0, nowFn: nowFn}
}

// Now returns the current virtual instant.
func (c *Clock) Now() Instant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elapsed := c.nowFn().Sub(c.origin)
	return c.virtualOrigin.Add(scaleDuration(elapsed, c.rate))
}

// FromElapsedTicks returns the virtual instant reached after elapsed real
// ticks (100ns units) have passed since the clock's origin.
func (c *Clock) FromElapsedTicks(elapsedTicks int64) Instant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := time.Duration(elapsedTicks) * 100 * time.Nanosecond
	return c.virtualOrigin.Add(scaleDuration(d, c.rate))
}

// ToReal converts a virtual instant to the wall-clock time it corresponds
// to under this clock's current origin and rate.
func (c *Clock) ToReal(i Instant) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	virtualElapsed := i.Sub(c.virtualOrigin)
	if c.rate == 0 {
		return c.origin
	}
	realElapsed := time.Duration(float64(virtualElapsed) / c.rate)
	return c.origin.Add(realElapsed)
}

// ToVirtual converts a wall-clock time to the virtual instant it maps to.
func (c *Clock) ToVirtual(t time.Time) Instant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elapsed := t.Sub(c.origin)
	return c.virtualOrigin.Add(scaleDuration(elapsed, c.rate))
}

// SetRate adjusts the virtual-to-real rate going forward, re-anchoring the
// origin at the current instant so existing mappings do not retroactively
// shift.
func (c *Clock) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()
	elapsed := now.Sub(c.origin)
	c.virtualOrigin = c.virtualOrigin.Add(scaleDuration(elapsed, c.rate))
	c.origin = now
	c.rate = rate
}

// SleepUntil blocks the calling goroutine until the clock reaches instant i,
// or until the clock is told to stop waiting via a closed done channel. It
// is the scheduler's only sanctioned wait for replay-clock enforcement.
func (c *Clock) SleepUntil(i Instant, done <-chan struct{}) {
	target := c.ToReal(i)
	d := time.Until(target)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-done:
	}
}

func scaleDuration(d time.Duration, rate float64) time.Duration {
	if rate == 1.0 {
		return d
	}
	return time.Duration(float64(d) * rate)
}
