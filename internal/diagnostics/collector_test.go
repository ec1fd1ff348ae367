package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiverHandle struct {
	delivered uint64
	dropped   uint64
	queueLen  int
}

func (f fakeReceiverHandle) Delivered() uint64 { return f.delivered }
func (f fakeReceiverHandle) Dropped() uint64   { return f.dropped }
func (f fakeReceiverHandle) QueueLength() int  { return f.queueLen }

func TestSnapshotTwoPassResolvesCrossLinks(t *testing.T) {
	c := NewCollector()
	c.RegisterPipeline(1, "root", 0, false)
	c.RegisterPipeline(2, "sub", 1, true)
	c.RegisterElement(1, 10, "source", true)
	c.RegisterElement(2, 11, "sink", false)
	c.SetElementBridge(10, 11)
	c.RegisterEmitter(100, 10, "out")
	c.RegisterReceiver(200, 11, "in", "queue_unlimited", fakeReceiverHandle{delivered: 3, dropped: 1, queueLen: 2})

	snap := c.Snapshot(time.Now(), time.Minute)

	require.Len(t, snap.Pipelines, 2)
	require.Len(t, snap.Elements, 2)
	require.Len(t, snap.Emitters, 1)
	require.Len(t, snap.Receivers, 1)

	var sub PipelineSnapshot
	for _, p := range snap.Pipelines {
		if p.ID == 2 {
			sub = p
		}
	}
	assert.True(t, sub.HasParent)
	assert.Equal(t, uint32(1), sub.ParentID)

	var source ElementSnapshot
	for _, e := range snap.Elements {
		if e.ID == 10 {
			source = e
		}
	}
	assert.True(t, source.HasBridge)
	assert.Equal(t, uint32(11), source.BridgeID)

	rs := snap.Receivers[0]
	assert.EqualValues(t, 3, rs.Delivered)
	assert.EqualValues(t, 1, rs.Dropped)
	assert.Equal(t, 2, rs.QueueLength)
}

func TestRollingHistoryTrimsOldSamplesAndAverages(t *testing.T) {
	c := NewCollector()
	c.RegisterReceiver(1, 0, "r", "latest_message", fakeReceiverHandle{})

	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	c.RecordDelivery(1, Sample{At: old, ProcessingTime: 10 * time.Millisecond})
	c.RecordDelivery(1, Sample{At: recent, ProcessingTime: 30 * time.Millisecond})

	snap := c.Snapshot(time.Now(), time.Minute)
	require.Len(t, snap.Receivers, 1)
	assert.Equal(t, 1, snap.Receivers[0].SampleCount)
	assert.InDelta(t, 30.0, snap.Receivers[0].AvgProcessingTimeMS, 1.0)
}

func TestUnregisterRemovesFromSnapshot(t *testing.T) {
	c := NewCollector()
	c.RegisterPipeline(1, "root", 0, false)
	c.UnregisterPipeline(1)

	snap := c.Snapshot(time.Now(), time.Minute)
	assert.Empty(t, snap.Pipelines)
}

func TestRecordDeliveryIgnoresUnknownReceiver(t *testing.T) {
	c := NewCollector()
	c.RecordDelivery(999, Sample{At: time.Now()})
	snap := c.Snapshot(time.Now(), time.Minute)
	assert.Empty(t, snap.Receivers)
}
