package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
)

func TestSchedulerOrdersWorkBySyncContext(t *testing.T) {
	clk := clock.New()
	s := New(4, clk, false, nil)
	ctx := s.NewContext("main")
	s.Start()
	defer s.Stop()

	sync1 := NewSyncContext()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i, ot := range []clock.Instant{30, 10, 20} {
		i, ot := i, ot
		s.Enqueue(ctx, WorkItem{
			Sync:            sync1,
			DueTime:         clock.MinInstant,
			OriginatingTime: ot,
			SequenceID:      uint64(i),
			Thunk: func() {
				mu.Lock()
				order = append(order, int(ot))
				mu.Unlock()
				wg.Done()
			},
		})
	}
	waitTimeout(t, &wg, time.Second)
	assert.Equal(t, []int{10, 20, 30}, order)
}

func TestSchedulerExclusivityWithinSyncContext(t *testing.T) {
	clk := clock.New()
	s := New(8, clk, false, nil)
	ctx := s.NewContext("main")
	s.Start()
	defer s.Stop()

	shared := NewSyncContext()
	var running atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		i := i
		s.Enqueue(ctx, WorkItem{
			Sync:            shared,
			DueTime:         clock.MinInstant,
			OriginatingTime: clock.Instant(i),
			SequenceID:      uint64(i),
			Thunk: func() {
				n := running.Add(1)
				if n > maxConcurrent.Load() {
					maxConcurrent.Store(n)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				wg.Done()
			},
		})
	}
	waitTimeout(t, &wg, 5*time.Second)
	assert.LessOrEqual(t, int(maxConcurrent.Load()), 1)
}

func TestPauseForQuiescence(t *testing.T) {
	clk := clock.New()
	s := New(2, clk, false, nil)
	ctx := s.NewContext("activation")
	s.Start()
	defer s.Stop()

	var ran bool
	done := make(chan struct{})
	s.Enqueue(ctx, WorkItem{DueTime: clock.MinInstant, Thunk: func() { ran = true; close(done) }})
	<-done
	s.PauseForQuiescence(ctx)
	assert.True(t, ran)
}

func TestSchedulerRecoversPanicIntoErrorHandler(t *testing.T) {
	clk := clock.New()
	errCh := make(chan error, 1)
	s := New(1, clk, false, func(err error) { errCh <- err })
	ctx := s.NewContext("main")
	s.Start()
	defer s.Stop()

	s.Enqueue(ctx, WorkItem{DueTime: clock.MinInstant, Thunk: func() { panic("boom") }})
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("error handler was not invoked")
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for work items")
	}
}
