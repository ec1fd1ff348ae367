package main

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
	"flowline/internal/emitter"
	"flowline/internal/envelope"
	"flowline/internal/logging"
	"flowline/internal/scheduler"
)

func TestRunGeneratorPostsIncrementingTicks(t *testing.T) {
	clk := clock.New()
	out := emitter.New[[]byte](1, "test-generator", 0)

	sched := scheduler.New(1, clk, false, nil)
	sched.Start()
	t.Cleanup(sched.Stop)
	sctx := sched.NewContext("sink")
	syncCtx := scheduler.NewSyncContext()

	var mu sync.Mutex
	var seen []uint32
	r := emitter.NewReceiver[[]byte](2, "sink", 0, func(msg envelope.Message[[]byte]) {
		mu.Lock()
		seen = append(seen, binary.LittleEndian.Uint32(msg.Payload))
		mu.Unlock()
	}, sched, sctx, syncCtx, nil)
	require.NoError(t, out.Subscribe(r, emitter.Unlimited()))

	done := make(chan struct{})
	go runGenerator(clk, out, done, 5*time.Millisecond, logging.NewTestLogger())
	t.Cleanup(func() { close(done) })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		require.Equal(t, seen[i-1]+1, seen[i])
	}
}

func TestAllocateBridgeIDsAreUniqueAndNonOverlapping(t *testing.T) {
	o1, i1, e1, r1 := allocateBridgeIDs()
	o2, i2, e2, r2 := allocateBridgeIDs()

	require.NotEqual(t, o1, o2)
	ids := map[uint32]bool{o1: true, i1: true, e1: true, r1: true}
	for _, id := range []uint32{o2, i2, e2, r2} {
		require.False(t, ids[id], "bridge id %d reused across connections", id)
	}
}
