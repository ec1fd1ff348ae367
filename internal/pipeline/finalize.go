package pipeline

import "flowline/internal/clock"

// computeFinalizable returns the subset of live whose receivers are all
// unbound — step 1 of the finalization algorithm.
func computeFinalizable(live []*Element) []*Element {
	var out []*Element
	for _, e := range live {
		if e.allInputsClosed() {
			out = append(out, e)
		}
	}
	return out
}

// admitSelfCycles returns live nodes whose every remaining active input is
// bound to an emitter they themselves own — step 3.
func admitSelfCycles(live []*Element) []*Element {
	var out []*Element
	for _, e := range live {
		deps := e.dependencies()
		if len(deps) == 0 {
			continue
		}
		onlySelf := true
		for _, d := range deps {
			if d != e.ID {
				onlySelf = false
				break
			}
		}
		if onlySelf {
			out = append(out, e)
		}
	}
	return out
}

// admitPureCycles finds strongly-connected components, among the live node
// dependency graph, that have no outgoing edge to a node outside the
// component — step 4. Every node in such a component is admitted.
func admitPureCycles(live []*Element) []*Element {
	g := buildGraph(live)
	sccs := tarjanSCC(g)

	var out []*Element
	for _, scc := range sccs {
		if !isCyclic(g, scc) {
			continue
		}
		if hasExternalDependency(g, scc) {
			continue
		}
		for id := range scc {
			if e, ok := g.byID[id]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// pickMostSubscribed returns the live node with the most still-subscribed
// emitter outputs, preferring terminal nodes (zero outputs) last — step 5.
func pickMostSubscribed(live []*Element) *Element {
	var best *Element
	bestCount := -1
	for _, e := range live {
		n := e.subscribedOutputCount()
		if n == 0 {
			continue // terminal nodes are picked only if nothing else qualifies
		}
		if n > bestCount {
			bestCount = n
			best = e
		}
	}
	if best != nil {
		return best
	}
	// Every remaining node is terminal; pick any deterministically (lowest id).
	for _, e := range live {
		if best == nil || e.ID < best.ID {
			best = e
		}
	}
	return best
}

type depGraph struct {
	byID  map[uint32]*Element
	edges map[uint32][]uint32
}

func buildGraph(live []*Element) *depGraph {
	g := &depGraph{byID: make(map[uint32]*Element, len(live)), edges: make(map[uint32][]uint32, len(live))}
	liveSet := make(map[uint32]bool, len(live))
	for _, e := range live {
		g.byID[e.ID] = e
		liveSet[e.ID] = true
	}
	for _, e := range live {
		for _, dep := range e.dependencies() {
			if liveSet[dep] {
				g.edges[e.ID] = append(g.edges[e.ID], dep)
			}
		}
	}
	return g
}

// tarjanSCC returns the strongly-connected components of g as sets of node
// ids.
func tarjanSCC(g *depGraph) []map[uint32]bool {
	index := 0
	indices := make(map[uint32]int)
	lowlink := make(map[uint32]int)
	onStack := make(map[uint32]bool)
	var stack []uint32
	var result []map[uint32]bool

	var strongconnect func(v uint32)
	strongconnect = func(v uint32) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			scc := make(map[uint32]bool)
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc[w] = true
				if w == v {
					break
				}
			}
			result = append(result, scc)
		}
	}

	for id := range g.byID {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
	return result
}

func isCyclic(g *depGraph, scc map[uint32]bool) bool {
	if len(scc) > 1 {
		return true
	}
	for id := range scc {
		for _, dep := range g.edges[id] {
			if dep == id {
				return true
			}
		}
	}
	return false
}

func hasExternalDependency(g *depGraph, scc map[uint32]bool) bool {
	for id := range scc {
		for _, dep := range g.edges[id] {
			if !scc[dep] {
				return true
			}
		}
	}
	return false
}

// finalizeLiveSet runs the full finalization algorithm over live, calling
// drain between rounds to let pending work clear before recomputing.
// finalOriginatingTime is passed to every finalize call.
func finalizeLiveSet(live []*Element, finalOriginatingTime clock.Instant, drain func()) {
	remaining := append([]*Element(nil), live...)
	for {
		remaining = filterNotFinalized(remaining)
		if len(remaining) == 0 {
			return
		}

		batch := computeFinalizable(remaining)
		if len(batch) == 0 {
			drain()
			batch = computeFinalizable(remaining)
		}
		if len(batch) == 0 {
			batch = admitSelfCycles(remaining)
		}
		if len(batch) == 0 {
			batch = admitPureCycles(remaining)
		}
		if len(batch) == 0 {
			if next := pickMostSubscribed(remaining); next != nil {
				batch = []*Element{next}
			}
		}
		if len(batch) == 0 {
			return // nothing left to do; avoid an infinite loop
		}

		seen := make(map[uint32]bool)
		for _, e := range batch {
			finalizeOne(e, finalOriginatingTime, seen)
		}
	}
}

func finalizeOne(e *Element, t clock.Instant, seen map[uint32]bool) {
	if seen[e.ID] {
		return
	}
	seen[e.ID] = true
	e.finalize(t)
	if e.Bridge != nil {
		finalizeOne(e.Bridge, t, seen)
	}
}

func filterNotFinalized(in []*Element) []*Element {
	out := in[:0]
	for _, e := range in {
		if e.State() != ElementFinalized {
			out = append(out, e)
		}
	}
	return out
}
