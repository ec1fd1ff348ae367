package pipeline

import (
	"flowline/internal/clock"
	"flowline/internal/scheduler"
)

// NewSubpipelineElement builds a subpipeline together with the Element that
// represents it inside parent: subpipelines are themselves source elements
// of their parent pipeline (spec.md §4.5). Starting the element runs the
// subpipeline with the parent's already-narrowed replay interval; stopping
// it stops the subpipeline in turn.
func NewSubpipelineElement(parent *Pipeline, name string) (*Pipeline, *Element) {
	sub := NewSubpipeline(parent, name)
	sync := scheduler.NewSyncContext()
	e := NewElement(allocatePipelineID(), name, true, sync)
	e.OnStart = func(notifyCompletion func(clock.Instant)) {
		_ = sub.RunAsync(sub.replayDescriptor())
		notifyCompletion(clock.MaxInstant)
	}
	e.OnStop = func(finalOriginatingTime clock.Instant, notifyCompleted func()) {
		_ = sub.Stop(finalOriginatingTime, false)
		notifyCompleted()
	}
	parent.AddElement(e)
	return sub, e
}
