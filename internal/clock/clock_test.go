package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstantOrdering(t *testing.T) {
	a := Instant(100)
	b := Instant(200)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.After(b))
}

func TestInstantAddSub(t *testing.T) {
	a := Instant(0)
	b := a.Add(time.Millisecond)
	require.Equal(t, Instant(10_000), b)
	assert.Equal(t, time.Millisecond, b.Sub(a))
}

func TestReplayDescriptorIntersect(t *testing.T) {
	d1 := ReplayDescriptor{Start: 100, End: 1000}
	d2 := ReplayDescriptor{Start: 0, End: 500, EnforceReplayClock: true}
	got := d1.Intersect(d2)
	assert.Equal(t, Instant(100), got.Start)
	assert.Equal(t, Instant(500), got.End)
	assert.True(t, got.EnforceReplayClock)
}

func TestClockFromElapsedTicksIsMonotonic(t *testing.T) {
	c := NewReplay(0, func() time.Time { return time.Unix(0, 0) })
	a := c.FromElapsedTicks(0)
	b := c.FromElapsedTicks(1_000_000)
	assert.True(t, a.Before(b))
}

func TestClockToRealRoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewReplay(0, func() time.Time { return base })
	virtual := Instant(TicksPerSecond) // one second past origin
	real := c.ToReal(virtual)
	assert.Equal(t, base.Add(time.Second), real)
	back := c.ToVirtual(real)
	assert.Equal(t, virtual, back)
}

func TestClockSetRateRepaces(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewReplay(0, func() time.Time { return now })
	c.SetRate(2.0)
	now = now.Add(time.Second)
	// At 2x rate, one real second advances virtual time by two seconds.
	assert.Equal(t, Instant(2*TicksPerSecond), c.Now())
}
