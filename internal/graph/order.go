package graph

import (
	"sort"
)

// ExecutionOrder returns node ids in an order where every ordering
// dependency comes first. Ordering edges are hard and data edges plus the
// conditional edges satisfied for rc. Within one dependency level ties are
// broken by ascending priority value, then by insertion order.
func (g *DependencyGraph) ExecutionOrder(rc RuntimeContext) ([]string, error) {
	levels, err := g.levels(rc)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// ParallelGroups partitions the execution order into levels. Every node's
// ordering dependencies lie in strictly earlier levels, so the members of
// one level may run concurrently.
func (g *DependencyGraph) ParallelGroups(rc RuntimeContext) ([][]string, error) {
	return g.levels(rc)
}

// levels computes (or returns cached) Kahn levels for rc.
func (g *DependencyGraph) levels(rc RuntimeContext) ([][]string, error) {
	g.mu.RLock()
	active, satisfied := g.activeEdgesLocked(rc)
	key := newCacheKey(satisfied)
	if cached, ok := g.cache[key]; ok {
		g.mu.RUnlock()
		return copyLevels(cached), nil
	}
	levels, err := g.kahnLocked(active)
	gen := g.gen
	g.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.gen == gen {
		g.cache[key] = levels
	}
	g.mu.Unlock()
	return copyLevels(levels), nil
}

// activeEdgesLocked returns the edges that constrain ordering for rc and,
// separately, the conditional edges among them. Caller must hold g.mu.
func (g *DependencyGraph) activeEdgesLocked(rc RuntimeContext) (active, satisfied []*Edge) {
	for _, e := range g.edges {
		switch {
		case e.Type.Ordering():
			active = append(active, e)
		case e.satisfied(rc):
			active = append(active, e)
			satisfied = append(satisfied, e)
		}
	}
	return active, satisfied
}

// kahnLocked runs Kahn's algorithm one level at a time. Caller must hold g.mu.
func (g *DependencyGraph) kahnLocked(active []*Edge) ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	successors := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range active {
		if _, ok := g.nodes[e.From]; !ok {
			continue
		}
		if _, ok := g.nodes[e.To]; !ok {
			continue
		}
		indegree[e.To]++
		successors[e.From] = append(successors[e.From], e.To)
	}

	var current []string
	for id, d := range indegree {
		if d == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	consumed := 0
	for len(current) > 0 {
		g.sortLevelLocked(current)
		levels = append(levels, current)
		consumed += len(current)

		var next []string
		for _, id := range current {
			for _, succ := range successors[id] {
				indegree[succ]--
				if indegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}

	if consumed < len(g.nodes) {
		var remaining []string
		for id, d := range indegree {
			if d > 0 {
				remaining = append(remaining, id)
			}
		}
		g.sortByIndexLocked(remaining)
		cycle := findCycle(remaining, successors)
		g.logger.Debug("graph cycle detected", "cycle", cycle)
		return nil, &CycleError{Cycle: cycle}
	}
	return levels, nil
}

// sortLevelLocked orders one level by priority then insertion order.
func (g *DependencyGraph) sortLevelLocked(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := g.nodes[ids[i]].Priority, g.nodes[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return g.index[ids[i]] < g.index[ids[j]]
	})
}

// findCycle reconstructs one cycle with a white/gray/black depth-first
// search over the nodes Kahn's algorithm could not consume.
func findCycle(candidates []string, successors map[string][]string) []string {
	// Color states: 0 = white (unvisited), 1 = gray (on stack), 2 = black (done).
	colors := make(map[string]int, len(candidates))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, next := range successors[id] {
			switch colors[next] {
			case 1:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case 0:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range candidates {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

func copyLevels(levels [][]string) [][]string {
	out := make([][]string, len(levels))
	for i, level := range levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Stats summarizes graph shape.
type Stats struct {
	Nodes          int
	Edges          int
	EdgesByType    map[EdgeType]int
	Levels         int
	MaxParallelism int
	AvgParallelism float64
}

// Stats returns graph statistics for rc. Level statistics are zero when the
// graph has a cycle; the cycle error is returned alongside.
func (g *DependencyGraph) Stats(rc RuntimeContext) (Stats, error) {
	g.mu.RLock()
	st := Stats{
		Nodes:       len(g.nodes),
		Edges:       len(g.edges),
		EdgesByType: make(map[EdgeType]int),
	}
	for _, e := range g.edges {
		st.EdgesByType[e.Type]++
	}
	g.mu.RUnlock()

	levels, err := g.levels(rc)
	if err != nil {
		return st, err
	}
	st.Levels = len(levels)
	total := 0
	for _, level := range levels {
		total += len(level)
		if len(level) > st.MaxParallelism {
			st.MaxParallelism = len(level)
		}
	}
	if len(levels) > 0 {
		st.AvgParallelism = float64(total) / float64(len(levels))
	}
	return st, nil
}
