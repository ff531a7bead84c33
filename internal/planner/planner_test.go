package planner

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/pkg/models"
)

func buildGraph(t *testing.T, nodes []graph.Node, edges [][2]string) *graph.DependencyGraph {
	t.Helper()
	g := graph.New()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s): %v", n.ID, err)
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(graph.Edge{From: e[0], To: e[1], Type: graph.EdgeHard}); err != nil {
			t.Fatalf("AddEdge(%v): %v", e, err)
		}
	}
	return g
}

func diamond(t *testing.T) *graph.DependencyGraph {
	return buildGraph(t,
		[]graph.Node{
			{ID: "A", Timeout: time.Second},
			{ID: "B", Timeout: 2 * time.Second},
			{ID: "C", Timeout: 3 * time.Second},
			{ID: "D", Timeout: time.Second},
		},
		[][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}},
	)
}

func stageAgents(p *Plan) [][]string {
	out := make([][]string, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = s.Agents
	}
	return out
}

func TestParallelBatchedDiamond(t *testing.T) {
	p := New(Config{MaxConcurrency: 4})
	plan, err := p.Plan(diamond(t), nil, StrategyParallelBatched)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got := fmt.Sprint(stageAgents(plan))
	if got != "[[A] [B C] [D]]" {
		t.Fatalf("stages = %s, want [[A] [B C] [D]]", got)
	}
	if plan.Stages[1].Kind != StageParallel {
		t.Errorf("stage 1 kind = %s, want parallel", plan.Stages[1].Kind)
	}
	if plan.Stages[1].Estimated != 3*time.Second {
		t.Errorf("parallel estimate = %v, want max member timeout 3s", plan.Stages[1].Estimated)
	}
	if plan.EstimatedTotal != 5*time.Second {
		t.Errorf("EstimatedTotal = %v, want 5s", plan.EstimatedTotal)
	}
	if plan.ID == "" || plan.Requested != StrategyParallelBatched {
		t.Errorf("plan metadata not set: %+v", plan.Summary())
	}
}

func TestSequentialSumsTimeouts(t *testing.T) {
	p := New(Config{})
	plan, err := p.Plan(diamond(t), nil, StrategySequential)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Stages) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(plan.Stages))
	}
	if plan.EstimatedTotal != 7*time.Second {
		t.Errorf("EstimatedTotal = %v, want 7s", plan.EstimatedTotal)
	}
	if plan.ParallelismFactor != 1 {
		t.Errorf("ParallelismFactor = %v, want 1", plan.ParallelismFactor)
	}
}

func TestBatchingRespectsConcurrencyAndExclusivity(t *testing.T) {
	g := buildGraph(t, []graph.Node{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
		{ID: "solo", Exclusive: true},
		{ID: "gpu1", ExclusiveResources: []string{"gpu"}},
		{ID: "gpu2", ExclusiveResources: []string{"gpu"}},
	}, nil)

	plan, err := ParallelBatched(g, nil, Config{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("ParallelBatched: %v", err)
	}
	for _, s := range plan.Stages {
		if len(s.Agents) > 2 {
			t.Errorf("stage %s exceeds concurrency cap", s)
		}
		gpus := 0
		for _, id := range s.Agents {
			if id == "solo" && len(s.Agents) != 1 {
				t.Errorf("exclusive node shares stage %s", s)
			}
			if id == "gpu1" || id == "gpu2" {
				gpus++
			}
		}
		if gpus > 1 {
			t.Errorf("exclusive resource co-batched in %s", s)
		}
	}
	if got := len(plan.Agents()); got != 6 {
		t.Errorf("plan covers %d agents, want 6", got)
	}
}

func TestPriorityFirstNeverMixesPriorities(t *testing.T) {
	g := buildGraph(t, []graph.Node{
		{ID: "low1", Priority: models.PriorityLow},
		{ID: "crit1", Priority: models.PriorityCritical},
		{ID: "low2", Priority: models.PriorityLow},
		{ID: "crit2", Priority: models.PriorityCritical},
	}, nil)

	plan, err := PriorityFirst(g, nil, Config{MaxConcurrency: 8})
	if err != nil {
		t.Fatalf("PriorityFirst: %v", err)
	}
	got := fmt.Sprint(stageAgents(plan))
	if got != "[[crit1 crit2] [low1 low2]]" {
		t.Errorf("stages = %s, want critical batch first", got)
	}
}

func TestAdaptive(t *testing.T) {
	tests := []struct {
		name         string
		wide         int
		wantStrategy Strategy
		wantFallback bool
	}{
		{"narrow graph stays sequential", 2, StrategySequential, false},
		{"wide graph batches with fallback", 3, StrategyParallelBatched, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New()
			_ = g.AddNode(graph.Node{ID: "root"})
			for i := 0; i < tt.wide; i++ {
				id := fmt.Sprintf("leaf%d", i)
				_ = g.AddNode(graph.Node{ID: id})
				_ = g.AddEdge(graph.Edge{From: "root", To: id, Type: graph.EdgeHard})
			}
			plan, err := New(Config{}).Plan(g, nil, "")
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if plan.Strategy != tt.wantStrategy {
				t.Errorf("Strategy = %s, want %s", plan.Strategy, tt.wantStrategy)
			}
			if plan.Requested != StrategyAdaptive {
				t.Errorf("Requested = %s, want adaptive", plan.Requested)
			}
			if (plan.Fallback != nil) != tt.wantFallback {
				t.Errorf("fallback present = %v, want %v", plan.Fallback != nil, tt.wantFallback)
			}
			if plan.Fallback != nil && plan.Fallback.Strategy != StrategySequential {
				t.Errorf("fallback strategy = %s", plan.Fallback.Strategy)
			}
		})
	}
}

func TestPlanCycleAndUnknownStrategy(t *testing.T) {
	g := buildGraph(t, []graph.Node{{ID: "a"}, {ID: "b"}}, [][2]string{{"a", "b"}, {"b", "a"}})
	p := New(Config{})
	if _, err := p.Plan(g, nil, StrategyParallelBatched); !errors.Is(err, graph.ErrCycleDetected) {
		t.Errorf("expected cycle error, got %v", err)
	}
	if _, err := p.Plan(g, nil, "random"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestRegisterCustomStrategy(t *testing.T) {
	p := New(Config{})
	p.Register("reverse", func(g *graph.DependencyGraph, rc graph.RuntimeContext, cfg Config) (*Plan, error) {
		order, err := g.ExecutionOrder(rc)
		if err != nil {
			return nil, err
		}
		stages := []Stage{{Kind: StageSequential, Agents: []string{order[len(order)-1]}}}
		return newPlan("reverse", stages), nil
	})
	plan, err := p.Plan(diamond(t), nil, "reverse")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Stages[0].Agents[0] != "D" {
		t.Errorf("custom strategy not used: %v", stageAgents(plan))
	}
	if len(p.Strategies()) != 5 {
		t.Errorf("Strategies() = %v", p.Strategies())
	}
}

func TestCursorMonotonic(t *testing.T) {
	plan, err := ParallelBatched(diamond(t), nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	prev := plan.Cursor()
	for i := 0; i < 10; i++ {
		plan.Advance()
		if c := plan.Cursor(); c < prev {
			t.Fatalf("cursor decreased from %d to %d", prev, c)
		} else {
			prev = c
		}
	}
	if !plan.Done() || plan.Cursor() != len(plan.Stages) {
		t.Errorf("plan should be done at cursor %d", len(plan.Stages))
	}
	if _, ok := plan.Current(); ok {
		t.Error("Current on a finished plan should report false")
	}
}
