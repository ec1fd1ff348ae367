package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
)

func symWindow(w clock.Instant) Window {
	return Window{
		Left:  Endpoint{Offset: -w, Inclusive: true},
		Right: Endpoint{Offset: w, Inclusive: true},
	}
}

func TestUnboundedFirstRejectedAtConstruction(t *testing.T) {
	w := Window{Left: Endpoint{Unbounded: true}, Right: Endpoint{Offset: 10, Inclusive: true}}
	_, err := NewReproducible[int](w, First)
	assert.ErrorIs(t, err, ErrUnboundedFirst)
}

func TestReproducibleNearestWaitsForInsufficientData(t *testing.T) {
	ip, err := NewReproducible[string](symWindow(10), Nearest)
	require.NoError(t, err)

	buf := NewBuffer[string]()
	buf.Push(Point[string]{Value: "a", OriginatingTime: 95})

	res := ip.Evaluate(100, buf)
	assert.Equal(t, InsufficientData, res.Status)

	buf.Push(Point[string]{Value: "b", OriginatingTime: 112}) // distance 12 > window right bound proof
	res = ip.Evaluate(100, buf)
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, "a", res.Value)
}

func TestReproducibleLastFinalizesOnStreamClose(t *testing.T) {
	ip, err := NewReproducible[string](symWindow(10), Last)
	require.NoError(t, err)

	buf := NewBuffer[string]()
	buf.Push(Point[string]{Value: "a", OriginatingTime: 95})
	res := ip.Evaluate(100, buf)
	assert.Equal(t, InsufficientData, res.Status)

	buf.Close(95)
	res = ip.Evaluate(100, buf)
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, "a", res.Value)
}

func TestGreedyNeverWaits(t *testing.T) {
	ip, err := NewGreedy[string](symWindow(10), Last)
	require.NoError(t, err)

	buf := NewBuffer[string]()
	res := ip.Evaluate(100, buf)
	assert.Equal(t, NotFound, res.Status)

	buf.Push(Point[string]{Value: "a", OriginatingTime: 95})
	res = ip.Evaluate(100, buf)
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, "a", res.Value)
}

func TestGreedyWithDefaultReturnsDefaultWhenEmpty(t *testing.T) {
	ip, err := NewGreedyWithDefault[string](symWindow(10), Last, "fallback")
	require.NoError(t, err)

	buf := NewBuffer[string]()
	res := ip.Evaluate(100, buf)
	assert.Equal(t, Default, res.Status)
	assert.Equal(t, "fallback", res.Value)
}

func TestExactMatchesOnlyEqualOriginatingTime(t *testing.T) {
	ip, err := NewGreedy[int](Window{}, Exact)
	require.NoError(t, err)

	buf := NewBuffer[int]()
	buf.Push(Point[int]{Value: 1, OriginatingTime: 99})
	buf.Push(Point[int]{Value: 2, OriginatingTime: 100})

	res := ip.Evaluate(100, buf)
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, 2, res.Value)
}

func TestNearestPicksClosestAndDiscardsObsolete(t *testing.T) {
	ip, err := NewReproducible[int](symWindow(50), Nearest)
	require.NoError(t, err)

	buf := NewBuffer[int]()
	buf.Push(Point[int]{Value: 1, OriginatingTime: 60})
	buf.Push(Point[int]{Value: 2, OriginatingTime: 90})
	buf.Push(Point[int]{Value: 3, OriginatingTime: 160}) // distance 60, proves 90 (distance 10) is final

	res := ip.Evaluate(100, buf)
	require.Equal(t, Found, res.Status)
	assert.Equal(t, 2, res.Value)
	assert.Equal(t, 2, buf.Len()) // messages strictly before the match are discarded
}

func TestMonotonicCorrectionBumpsNonIncreasingTime(t *testing.T) {
	assert.Equal(t, clock.Instant(101), NextMonotonic(100, 100, true))
	assert.Equal(t, clock.Instant(105), NextMonotonic(105, 100, true))
	assert.Equal(t, clock.Instant(50), NextMonotonic(50, 0, false))
}
