// Package planner turns a dependency graph into an ordered execution plan.
package planner

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Strategy names a planning strategy.
type Strategy string

const (
	StrategySequential      Strategy = "sequential"
	StrategyParallelBatched Strategy = "parallel_batched"
	StrategyPriorityFirst   Strategy = "priority_first"
	StrategyAdaptive        Strategy = "adaptive"
)

// Valid returns true for the built-in strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallelBatched, StrategyPriorityFirst, StrategyAdaptive:
		return true
	}
	return false
}

// StageKind says how the agents of a stage are run.
type StageKind string

const (
	// StageSequential runs its agents one at a time, in order.
	StageSequential StageKind = "sequential"
	// StageParallel runs its agents concurrently.
	StageParallel StageKind = "parallel"
)

// Stage is one step of a plan.
type Stage struct {
	Index     int
	Kind      StageKind
	Agents    []string
	Estimated time.Duration
}

func (s Stage) String() string {
	return fmt.Sprintf("%d:%s[%s]", s.Index, s.Kind, strings.Join(s.Agents, ","))
}

// Plan is an ordered list of stages with a progress cursor. The cursor
// only moves forward.
type Plan struct {
	ID string
	// Strategy is the strategy that built the stages. Requested differs
	// from it when adaptive planning delegated to another strategy.
	Strategy  Strategy
	Requested Strategy
	Stages    []Stage
	// ParallelismFactor is agents per stage.
	ParallelismFactor float64
	EstimatedTotal    time.Duration
	Fallback          *Plan
	CreatedAt         time.Time

	mu     sync.Mutex
	cursor int
}

func newPlan(strategy Strategy, stages []Stage) *Plan {
	p := &Plan{Strategy: strategy, Requested: strategy, CreatedAt: time.Now()}
	agents := 0
	for i := range stages {
		stages[i].Index = i
		p.EstimatedTotal += stages[i].Estimated
		agents += len(stages[i].Agents)
	}
	p.Stages = stages
	if len(stages) > 0 {
		p.ParallelismFactor = float64(agents) / float64(len(stages))
	}
	return p
}

// Current returns the stage at the cursor.
func (p *Plan) Current() (Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= len(p.Stages) {
		return Stage{}, false
	}
	return p.Stages[p.cursor], true
}

// Advance moves the cursor past the current stage. It returns false once
// the plan is done.
func (p *Plan) Advance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor < len(p.Stages) {
		p.cursor++
	}
	return p.cursor < len(p.Stages)
}

// Cursor returns the index of the next stage to run.
func (p *Plan) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Done reports whether every stage has been passed.
func (p *Plan) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor >= len(p.Stages)
}

// Agents returns every agent id in plan order.
func (p *Plan) Agents() []string {
	var out []string
	for _, s := range p.Stages {
		out = append(out, s.Agents...)
	}
	return out
}

// Summary is a read-only description of a plan.
type Summary struct {
	ID                string        `json:"id"`
	Strategy          Strategy      `json:"strategy"`
	Requested         Strategy      `json:"requested"`
	Stages            int           `json:"stages"`
	Cursor            int           `json:"cursor"`
	Agents            int           `json:"agents"`
	ParallelismFactor float64       `json:"parallelism_factor"`
	EstimatedTotal    time.Duration `json:"estimated_total"`
	HasFallback       bool          `json:"has_fallback"`
}

// Summary returns the plan summary.
func (p *Plan) Summary() Summary {
	return Summary{
		ID:                p.ID,
		Strategy:          p.Strategy,
		Requested:         p.Requested,
		Stages:            len(p.Stages),
		Cursor:            p.Cursor(),
		Agents:            len(p.Agents()),
		ParallelismFactor: p.ParallelismFactor,
		EstimatedTotal:    p.EstimatedTotal,
		HasFallback:       p.Fallback != nil,
	}
}
