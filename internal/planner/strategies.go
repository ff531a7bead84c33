package planner

import (
	"time"

	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/pkg/models"
)

// Sequential runs one agent per stage in topological order.
func Sequential(g *graph.DependencyGraph, rc graph.RuntimeContext, cfg Config) (*Plan, error) {
	order, err := g.ExecutionOrder(rc)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	stages := make([]Stage, 0, len(order))
	for _, id := range order {
		n, _ := g.Node(id)
		stages = append(stages, Stage{
			Kind:      StageSequential,
			Agents:    []string{id},
			Estimated: nodeTimeout(n, cfg),
		})
	}
	return newPlan(StrategySequential, stages), nil
}

// ParallelBatched splits every parallel level into batches of at most
// MaxConcurrency agents.
func ParallelBatched(g *graph.DependencyGraph, rc graph.RuntimeContext, cfg Config) (*Plan, error) {
	levels, err := g.ParallelGroups(rc)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	var stages []Stage
	for _, level := range levels {
		stages = append(stages, batchLevel(g, level, cfg)...)
	}
	return newPlan(StrategyParallelBatched, stages), nil
}

// PriorityFirst batches like ParallelBatched but never mixes priorities
// inside a batch, so the highest-priority agents of a level run first.
func PriorityFirst(g *graph.DependencyGraph, rc graph.RuntimeContext, cfg Config) (*Plan, error) {
	levels, err := g.ParallelGroups(rc)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	var stages []Stage
	for _, level := range levels {
		// Levels arrive sorted by priority, so runs of equal priority are
		// contiguous.
		start := 0
		for start < len(level) {
			p := priorityOf(g, level[start])
			end := start + 1
			for end < len(level) && priorityOf(g, level[end]) == p {
				end++
			}
			stages = append(stages, batchLevel(g, level[start:end], cfg)...)
			start = end
		}
	}
	return newPlan(StrategyPriorityFirst, stages), nil
}

// Adaptive batches in parallel when the graph is wide enough and attaches
// the sequential plan as fallback; otherwise it plans sequentially.
func Adaptive(g *graph.DependencyGraph, rc graph.RuntimeContext, cfg Config) (*Plan, error) {
	cfg = cfg.withDefaults()
	st, err := g.Stats(rc)
	if err != nil {
		return nil, err
	}
	if st.MaxParallelism >= cfg.AdaptiveMaxGroup || st.AvgParallelism >= cfg.AdaptiveAvgGroup {
		plan, err := ParallelBatched(g, rc, cfg)
		if err != nil {
			return nil, err
		}
		fallback, err := Sequential(g, rc, cfg)
		if err != nil {
			return nil, err
		}
		plan.Fallback = fallback
		return plan, nil
	}
	return Sequential(g, rc, cfg)
}

type batch struct {
	agents    []string
	claims    map[string]bool
	sealed    bool
	estimated time.Duration
}

// batchLevel packs one level first-fit into batches. Nodes that may not run
// in parallel get a sealed batch of their own; nodes sharing an exclusive
// resource never land in the same batch.
func batchLevel(g *graph.DependencyGraph, level []string, cfg Config) []Stage {
	var batches []*batch
	for _, id := range level {
		n, _ := g.Node(id)
		timeout := nodeTimeout(n, cfg)
		if !n.AllowsParallel() {
			batches = append(batches, &batch{agents: []string{id}, sealed: true, estimated: timeout})
			continue
		}
		var target *batch
		for _, b := range batches {
			if b.sealed || len(b.agents) >= cfg.MaxConcurrency || conflicts(b, n) {
				continue
			}
			target = b
			break
		}
		if target == nil {
			target = &batch{claims: make(map[string]bool)}
			batches = append(batches, target)
		}
		target.agents = append(target.agents, id)
		for _, res := range n.ExclusiveResources {
			target.claims[res] = true
		}
		if timeout > target.estimated {
			target.estimated = timeout
		}
	}

	stages := make([]Stage, 0, len(batches))
	for _, b := range batches {
		kind := StageParallel
		if len(b.agents) == 1 {
			kind = StageSequential
		}
		stages = append(stages, Stage{Kind: kind, Agents: b.agents, Estimated: b.estimated})
	}
	return stages
}

func conflicts(b *batch, n graph.Node) bool {
	for _, res := range n.ExclusiveResources {
		if b.claims[res] {
			return true
		}
	}
	return false
}

func priorityOf(g *graph.DependencyGraph, id string) models.Priority {
	n, _ := g.Node(id)
	return n.Priority
}

func nodeTimeout(n graph.Node, cfg Config) time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	return cfg.DefaultTimeout
}
