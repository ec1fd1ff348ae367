// Package diagnostics maintains a live structural mirror of running
// pipelines plus per-receiver rolling statistics, and periodically
// publishes a pointer-free snapshot tree to a dedicated stream (spec.md
// §4.11, §9).
package diagnostics

import (
	"sync"
	"time"
)

// ReceiverHandle is the subset of emitter.Receiver[T] the collector reads
// at sample time; satisfied structurally, without importing the generic
// emitter package.
type ReceiverHandle interface {
	Delivered() uint64
	Dropped() uint64
	QueueLength() int
}

// Sample is one recorded delivery event for a receiver's rolling history.
type Sample struct {
	At               time.Time
	CreationLatency  time.Duration // scheduler enqueue time minus message creation time
	EmittedLatency   time.Duration // delivery time minus message creation time
	ReceivedLatency  time.Duration // delivery time minus originating time, in wall-clock terms
	ProcessingTime   time.Duration // time spent inside the receiver's action
	MessageSize      int           // optional; 0 when not supplied
}

type pipelineNode struct {
	id       uint32
	name     string
	hasParent bool
	parentID uint32
	state    string
}

type elementNode struct {
	id         uint32
	pipelineID uint32
	name       string
	state      string
	isSource   bool
	hasBridge  bool
	bridgeID   uint32
}

type emitterNode struct {
	id    uint32
	owner uint32
	name  string
}

type receiverNode struct {
	id     uint32
	owner  uint32
	name   string
	policy string
	handle ReceiverHandle
	hist   *rollingHistory
}

// rollingHistory is a mutex-protected append-only buffer trimmed on each
// sampler tick; it backs the per-receiver latency/processing-time averages.
type rollingHistory struct {
	mu    sync.Mutex
	items []Sample
}

func (h *rollingHistory) record(s Sample) {
	h.mu.Lock()
	h.items = append(h.items, s)
	h.mu.Unlock()
}

func (h *rollingHistory) trim(before time.Time) {
	h.mu.Lock()
	i := 0
	for i < len(h.items) && h.items[i].At.Before(before) {
		i++
	}
	if i > 0 {
		h.items = append([]Sample(nil), h.items[i:]...)
	}
	h.mu.Unlock()
}

func (h *rollingHistory) snapshot() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Sample, len(h.items))
	copy(out, h.items)
	return out
}

// Collector is the live structural mirror: pipelines, elements, emitters,
// and receivers, registered and unregistered as the runtime they describe
// comes and goes.
type Collector struct {
	mu        sync.RWMutex
	pipelines map[uint32]*pipelineNode
	elements  map[uint32]*elementNode
	emitters  map[uint32]*emitterNode
	receivers map[uint32]*receiverNode
}

// NewCollector constructs an empty collector.
func NewCollector() *Collector {
	return &Collector{
		pipelines: make(map[uint32]*pipelineNode),
		elements:  make(map[uint32]*elementNode),
		emitters:  make(map[uint32]*emitterNode),
		receivers: make(map[uint32]*receiverNode),
	}
}

// RegisterPipeline adds or replaces the mirror entry for a pipeline.
func (c *Collector) RegisterPipeline(id uint32, name string, parentID uint32, hasParent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelines[id] = &pipelineNode{id: id, name: name, parentID: parentID, hasParent: hasParent, state: "uninitialized"}
}

// SetPipelineState updates a pipeline's mirrored lifecycle state.
func (c *Collector) SetPipelineState(id uint32, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipelines[id]; ok {
		p.state = state
	}
}

// UnregisterPipeline removes a pipeline's mirror entry once it has fully
// completed and its diagnostics value has been consumed.
func (c *Collector) UnregisterPipeline(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pipelines, id)
}

// RegisterElement adds or replaces the mirror entry for a pipeline element.
func (c *Collector) RegisterElement(pipelineID, id uint32, name string, isSource bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elements[id] = &elementNode{id: id, pipelineID: pipelineID, name: name, isSource: isSource, state: "uninitialized"}
}

// SetElementState updates an element's mirrored lifecycle state.
func (c *Collector) SetElementState(id uint32, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.elements[id]; ok {
		e.state = state
	}
}

// SetElementBridge records that an element is one half of a bridging
// connector pair, pointing at the other half by id.
func (c *Collector) SetElementBridge(id, bridgeID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.elements[id]; ok {
		e.hasBridge = true
		e.bridgeID = bridgeID
	}
}

// UnregisterElement removes an element's mirror entry.
func (c *Collector) UnregisterElement(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.elements, id)
}

// RegisterEmitter adds the mirror entry for an emitter.
func (c *Collector) RegisterEmitter(id, owner uint32, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitters[id] = &emitterNode{id: id, owner: owner, name: name}
}

// UnregisterEmitter removes an emitter's mirror entry.
func (c *Collector) UnregisterEmitter(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.emitters, id)
}

// RegisterReceiver adds the mirror entry for a receiver, retaining handle
// for pulling its delivered/dropped/queue-length counters at sample time.
func (c *Collector) RegisterReceiver(id, owner uint32, name, policy string, handle ReceiverHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[id] = &receiverNode{id: id, owner: owner, name: name, policy: policy, handle: handle, hist: &rollingHistory{}}
}

// UnregisterReceiver removes a receiver's mirror entry.
func (c *Collector) UnregisterReceiver(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receivers, id)
}

// RecordDelivery appends one sample to a receiver's rolling history. It is
// a no-op if the receiver is not (or no longer) registered, so callers
// never need to check registration before recording.
func (c *Collector) RecordDelivery(receiverID uint32, s Sample) {
	c.mu.RLock()
	r, ok := c.receivers[receiverID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	r.hist.record(s)
}

// trimHistories discards samples older than the averaging span from every
// registered receiver's rolling history; called once per sampler tick.
func (c *Collector) trimHistories(now time.Time, averagingSpan time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := now.Add(-averagingSpan)
	for _, r := range c.receivers {
		r.hist.trim(cutoff)
	}
}
