package diagnostics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
	"flowline/internal/emitter"
	"flowline/internal/envelope"
	"flowline/internal/scheduler"
)

func TestSamplerPostsCompressedSnapshotPeriodically(t *testing.T) {
	clk := clock.New()
	sched := scheduler.New(2, clk, false, nil)
	ctx := sched.NewContext("diagnostics")
	sched.Start()
	t.Cleanup(sched.Stop)

	out := emitter.New[[]byte](1, "pipeline_diagnostics", 0)
	sync1 := scheduler.NewSyncContext()

	var mu sync.Mutex
	var received [][]byte
	r := emitter.NewReceiver[[]byte](1, "diag-sink", 1, func(m envelope.Message[[]byte]) {
		mu.Lock()
		received = append(received, m.Payload)
		mu.Unlock()
	}, sched, ctx, sync1, nil)
	require.NoError(t, out.Subscribe(r, emitter.Unlimited()))

	collector := NewCollector()
	collector.RegisterPipeline(1, "root", 0, false)

	sampler, err := NewSampler(collector, out, clk, 10*time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	sampler.Start(nil)
	t.Cleanup(sampler.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	payload := received[0]
	mu.Unlock()

	decoder, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer decoder.Close()
	raw, err := decoder.DecodeAll(payload, nil)
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Pipelines, 1)
	assert.Equal(t, "root", snap.Pipelines[0].Name)
}

func TestSamplerStopWaitsForLoopExit(t *testing.T) {
	clk := clock.New()
	out := emitter.New[[]byte](1, "pipeline_diagnostics", 0)
	collector := NewCollector()

	sampler, err := NewSampler(collector, out, clk, 5*time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	sampler.Start(nil)
	time.Sleep(20 * time.Millisecond)
	sampler.Stop()

	// Stop must be idempotent and must not hang.
	sampler.Stop()
}
