package diagnostics

import "time"

// PipelineSnapshot is the pointer-free mirror of one pipeline or
// subpipeline. ParentID/HasParent is the "subpipeline-of" cross-link,
// resolved by id rather than by embedding the parent's own snapshot.
type PipelineSnapshot struct {
	ID        uint32
	Name      string
	State     string
	HasParent bool
	ParentID  uint32 `json:",omitempty"`
}

// ElementSnapshot mirrors one pipeline element. BridgeID is the
// "connector-bridge-of" cross-link for bridging connector pairs.
type ElementSnapshot struct {
	ID         uint32
	PipelineID uint32
	Name       string
	State      string
	IsSource   bool
	HasBridge  bool
	BridgeID   uint32 `json:",omitempty"`
}

// EmitterSnapshot mirrors one emitter's identity and owner.
type EmitterSnapshot struct {
	ID      uint32
	OwnerID uint32
	Name    string
}

// ReceiverSnapshot mirrors one receiver's identity, policy, counters, and
// averaged rolling statistics over the sampler's averaging span.
type ReceiverSnapshot struct {
	ID      uint32
	OwnerID uint32
	Name    string
	Policy  string

	Delivered   uint64
	Dropped     uint64
	QueueLength int

	SampleCount            int
	AvgCreationLatencyMS   float64
	AvgEmittedLatencyMS    float64
	AvgReceivedLatencyMS   float64
	AvgProcessingTimeMS    float64
	AvgMessageSizeBytes    float64
}

// Snapshot is the full pointer-free diagnostics tree posted to the
// pipeline_diagnostics stream.
type Snapshot struct {
	TakenAt   time.Time
	Pipelines []PipelineSnapshot
	Elements  []ElementSnapshot
	Emitters  []EmitterSnapshot
	Receivers []ReceiverSnapshot
}

// Snapshot builds a pointer-free diagnostics tree using a two-pass
// construction: pass one creates every node independently by id; pass two
// (here, simply reading id-valued fields already captured in pass one)
// resolves cross-links such as subpipeline-of and connector-bridge-of
// without ever embedding a pointer back into an ancestor, which is what
// would otherwise make the live mirror's inherent cycles impossible to
// serialize (spec.md §9).
func (c *Collector) Snapshot(now time.Time, averagingSpan time.Duration) Snapshot {
	c.trimHistories(now, averagingSpan)

	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{TakenAt: now}

	// Pass one: materialize every node kind independently, by id.
	for _, p := range c.pipelines {
		snap.Pipelines = append(snap.Pipelines, PipelineSnapshot{
			ID: p.id, Name: p.name, State: p.state, HasParent: p.hasParent, ParentID: p.parentID,
		})
	}
	for _, e := range c.elements {
		snap.Elements = append(snap.Elements, ElementSnapshot{
			ID: e.id, PipelineID: e.pipelineID, Name: e.name, State: e.state,
			IsSource: e.isSource, HasBridge: e.hasBridge, BridgeID: e.bridgeID,
		})
	}
	for _, em := range c.emitters {
		snap.Emitters = append(snap.Emitters, EmitterSnapshot{ID: em.id, OwnerID: em.owner, Name: em.name})
	}

	// Pass two: receivers carry both their own counters (read live from
	// the handle) and their cross-links (OwnerID); no pointer to the
	// owning element's own snapshot is ever stored.
	for _, r := range c.receivers {
		samples := r.hist.snapshot()
		rs := ReceiverSnapshot{ID: r.id, OwnerID: r.owner, Name: r.name, Policy: r.policy, SampleCount: len(samples)}
		if r.handle != nil {
			rs.Delivered = r.handle.Delivered()
			rs.Dropped = r.handle.Dropped()
			rs.QueueLength = r.handle.QueueLength()
		}
		if len(samples) > 0 {
			var creation, emitted, received, processing, size float64
			for _, s := range samples {
				creation += float64(s.CreationLatency.Microseconds()) / 1000
				emitted += float64(s.EmittedLatency.Microseconds()) / 1000
				received += float64(s.ReceivedLatency.Microseconds()) / 1000
				processing += float64(s.ProcessingTime.Microseconds()) / 1000
				size += float64(s.MessageSize)
			}
			n := float64(len(samples))
			rs.AvgCreationLatencyMS = creation / n
			rs.AvgEmittedLatencyMS = emitted / n
			rs.AvgReceivedLatencyMS = received / n
			rs.AvgProcessingTimeMS = processing / n
			rs.AvgMessageSizeBytes = size / n
		}
		snap.Receivers = append(snap.Receivers, rs)
	}

	return snap
}
