package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
	"flowline/internal/scheduler"
)

func TestStopOnCompletedPipelineIsNoop(t *testing.T) {
	clk := clock.New()
	root := NewRoot("root", 1, clk, false)

	var started, stopped int
	a := NewElement(1, "a", true, scheduler.NewSyncContext())
	a.OnStart = func(notifyCompletion func(clock.Instant)) { started++ }
	a.OnStop = func(finalOriginatingTime clock.Instant, notifyCompleted func()) {
		stopped++
		notifyCompleted()
	}
	root.AddElement(a)

	require.NoError(t, root.RunAsync(clock.ReplayAll))
	require.NoError(t, root.Stop(clk.Now(), false))
	require.Equal(t, Completed, root.State())
	require.Equal(t, 1, started)
	require.Equal(t, 1, stopped)

	// A second Stop on an already-completed pipeline must be a no-op that
	// returns success, not ErrInvalidTransition, and must not re-run any
	// element's stop hook or double-close the done channel.
	require.NoError(t, root.Stop(clk.Now(), false))
	require.Equal(t, Completed, root.State())
	require.Equal(t, 1, stopped)

	select {
	case <-root.Done():
	default:
		t.Fatal("expected Done() to be closed after Stop")
	}
}

func TestStopBeforeRunIsInvalidTransition(t *testing.T) {
	clk := clock.New()
	root := NewRoot("root", 1, clk, false)
	require.ErrorIs(t, root.Stop(clk.Now(), false), ErrInvalidTransition)
}

func TestProposeFinalTimePropagatesAndNeverIncreases(t *testing.T) {
	clk := clock.New()
	root := NewRoot("root", 1, clk, false)
	sub := NewSubpipeline(root, "sub")
	grand := NewSubpipeline(sub, "grand")

	root.proposeFinalTime(clock.Instant(100))
	require.Equal(t, clock.Instant(100), root.finalizeTime)
	require.Equal(t, clock.Instant(100), sub.finalizeTime)
	require.Equal(t, clock.Instant(100), grand.finalizeTime)

	// A larger proposal must never widen an already-narrower finalize time.
	root.proposeFinalTime(clock.Instant(200))
	require.Equal(t, clock.Instant(100), root.finalizeTime)
	require.Equal(t, clock.Instant(100), sub.finalizeTime)
	require.Equal(t, clock.Instant(100), grand.finalizeTime)

	// A smaller proposal narrows it and propagates the narrower value down.
	root.proposeFinalTime(clock.Instant(50))
	require.Equal(t, clock.Instant(50), root.finalizeTime)
	require.Equal(t, clock.Instant(50), sub.finalizeTime)
	require.Equal(t, clock.Instant(50), grand.finalizeTime)
}

func TestRunAsyncThenStopDrainsMultiElementGraph(t *testing.T) {
	clk := clock.New()
	root := NewRoot("root", 2, clk, false)

	a := NewElement(1, "a", true, scheduler.NewSyncContext()) // source
	b := NewElement(2, "b", false, scheduler.NewSyncContext())
	c := NewElement(3, "c", false, scheduler.NewSyncContext())
	link(a, b) // b depends on a
	link(b, c) // c depends on b

	var aStopped bool
	a.OnStop = func(finalOriginatingTime clock.Instant, notifyCompleted func()) {
		aStopped = true
		notifyCompleted()
	}

	root.AddElement(a)
	root.AddElement(b)
	root.AddElement(c)

	require.NoError(t, root.RunAsync(clock.ReplayAll))
	require.Equal(t, Running, root.State())
	require.Equal(t, ElementActivated, a.State())
	require.Equal(t, ElementActivated, b.State())
	require.Equal(t, ElementActivated, c.State())

	require.NoError(t, root.Stop(clk.Now(), false))
	require.Equal(t, Completed, root.State())
	require.True(t, aStopped)
	require.Equal(t, ElementFinalized, a.State())
	require.Equal(t, ElementFinalized, b.State())
	require.Equal(t, ElementFinalized, c.State())
}
