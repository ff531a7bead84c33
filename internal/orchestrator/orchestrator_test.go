package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/internal/state"
	"github.com/ShayCichocki/weave/pkg/models"
)

// node describes one test agent: a graph node plus its declaration.
type node struct {
	id      string
	kind    string
	deps    []string
	config  map[string]any
	caps    []string
	version string
	res     models.ResourceRequirements
	retries int
}

func echo(id string, deps ...string) node {
	return node{id: id, kind: agent.KindEcho, deps: deps}
}

func failing(id, kind string, times int, deps ...string) node {
	return node{id: id, kind: agent.KindFail, deps: deps, config: map[string]any{"kind": kind, "times": times}}
}

func (n node) descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{
		ID:           n.id,
		Kind:         n.kind,
		Version:      n.version,
		Capabilities: n.caps,
		Dependencies: n.deps,
		Resources:    n.res,
		Config:       n.config,
	}
}

// build declares every node and adds it to a new graph. extra agents are
// declared but stay out of the graph.
func build(t *testing.T, nodes []node, extra ...node) (*agent.Registry, *graph.DependencyGraph) {
	t.Helper()
	reg := agent.NewRegistry()
	if err := agent.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	g := graph.New()
	for _, n := range nodes {
		if err := reg.Declare(n.descriptor()); err != nil {
			t.Fatalf("Declare(%s): %v", n.id, err)
		}
		if err := g.AddNode(graph.Node{ID: n.id, Priority: models.PriorityNormal, Resources: n.res, MaxRetries: n.retries}); err != nil {
			t.Fatalf("AddNode(%s): %v", n.id, err)
		}
	}
	for _, n := range nodes {
		for _, dep := range n.deps {
			if err := g.AddEdge(graph.Edge{From: dep, To: n.id, Type: graph.EdgeHard}); err != nil {
				t.Fatalf("AddEdge(%s->%s): %v", dep, n.id, err)
			}
		}
	}
	for _, n := range extra {
		if err := reg.Declare(n.descriptor()); err != nil {
			t.Fatalf("Declare(%s): %v", n.id, err)
		}
	}
	return reg, g
}

func fastRetry() failure.RetryPolicy {
	return failure.RetryPolicy{
		Backoff:     failure.BackoffFixed,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newOrchestrator(t *testing.T, reg *agent.Registry, g *graph.DependencyGraph, cfg Config, fcfg failure.Config, opts ...Option) *Orchestrator {
	t.Helper()
	if fcfg.Retry.MaxAttempts == 0 {
		fcfg.Retry = fastRetry()
	}
	fm := failure.New(fcfg, g)
	o, err := New(reg, g, cfg, append([]Option{WithFailureManager(fm)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func runQuery(o *Orchestrator) (*Results, error) {
	return o.ExecutePipeline(context.Background(), o.NewContext("q"))
}

func stagesOf(t *testing.T, res *Results) [][]string {
	t.Helper()
	var out [][]string
	for _, sr := range res.StageResults {
		var ids []string
		for _, a := range sr.Agents {
			ids = append(ids, a.Agent)
		}
		out = append(out, ids)
	}
	return out
}

func diamondNodes(b node) []node {
	return []node{echo("A"), b, echo("C", "A"), echo("D", "B", "C")}
}

func TestDiamondGracefulDegradation(t *testing.T) {
	reg, g := build(t, diamondNodes(failing("B", string(failure.KindValidation), 0, "A")))
	cfg := DefaultConfig()
	cfg.Strategy = planner.StrategyParallelBatched
	o := newOrchestrator(t, reg, g, cfg, failure.Config{Strategy: failure.StrategyGracefulDegradation})

	sc := shared.New("run-1", "summarize")
	res, err := o.ExecutePipeline(context.Background(), sc)
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}
	if got := strings.Join(res.Successful, ","); got != "A,C,D" {
		t.Errorf("Successful = %s, want A,C,D", got)
	}
	if got := strings.Join(res.Failed, ","); got != "B" {
		t.Errorf("Failed = %s, want B", got)
	}
	if res.Success {
		t.Error("Success = true with a degraded agent")
	}
	if got := stagesOf(t, res); len(got) != 3 || strings.Join(got[1], ",") != "B,C" {
		t.Errorf("stages = %v, want [[A] [B C] [D]]", got)
	}
	if b, _ := res.AgentResult("B"); b.Status != models.AgentStatusDegraded || b.Attempts != 1 {
		t.Errorf("B result = %+v", b)
	}
	if n := res.RecoveryCounts()[string(failure.ActionDegrade)]; n != 1 {
		t.Errorf("degrade recoveries = %d, want 1", n)
	}

	var out agent.EchoOutput
	if err := sc.DecodeOutput("D", &out); err != nil {
		t.Fatalf("DecodeOutput(D): %v", err)
	}
	if strings.Join(out.Inputs, ",") != "B,C" || !out.Degraded["B"] || out.Degraded["C"] {
		t.Errorf("D output = %+v, want inputs B,C with B degraded", out)
	}
	if rate := res.SuccessRate(); rate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", rate)
	}

	st := o.Status()
	if st.Phase != PhaseDone || st.RunID != "run-1" {
		t.Errorf("status phase=%s run=%s", st.Phase, st.RunID)
	}
	if st.Agents["B"] != models.AgentStatusDegraded || st.Agents["D"] != models.AgentStatusDone {
		t.Errorf("status agents = %v", st.Agents)
	}
	if last, ok := o.LastResults(); !ok || last != res {
		t.Error("LastResults does not return the finished run")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	reg, g := build(t, []node{echo("A"), failing("B", string(failure.KindNetwork), 2, "A")})
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: %+v", res)
	}
	b, ok := res.AgentResult("B")
	if !ok || b.Attempts != 3 || b.Status != models.AgentStatusDone {
		t.Errorf("B result = %+v, want done after 3 attempts", b)
	}
	if n, _ := g.Node("B"); n.Stats.Executions != 1 || n.Stats.Failures != 0 {
		t.Errorf("B node stats = %+v", n.Stats)
	}
}

func TestRunReturnsSharedContext(t *testing.T) {
	reg, g := build(t, []node{echo("A"), echo("B", "A")})
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{})

	sc, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sc.Query() != "hello" || sc.RunID() == "" {
		t.Errorf("context query=%q run=%q", sc.Query(), sc.RunID())
	}
	var out agent.EchoOutput
	if err := sc.DecodeOutput("B", &out); err != nil || out.Query != "hello" || !slices.Equal(out.Inputs, []string{"A"}) {
		t.Errorf("B output = %+v (%v)", out, err)
	}
	res, ok := o.LastResults()
	if !ok || res.RunID != sc.RunID() || !res.Success {
		t.Errorf("LastResults = %+v, %v", res, ok)
	}
}

func TestNodeMaxRetriesExtendsPolicy(t *testing.T) {
	a := failing("A", string(failure.KindNetwork), 4)
	a.retries = 4
	reg, g := build(t, []node{a})
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a, _ := res.AgentResult("A"); a.Attempts != 5 || a.Status != models.AgentStatusDone {
		t.Errorf("A result = %+v, want done after 5 attempts", a)
	}
	if p := o.Failures().RetryPolicy("A"); p.MaxAttempts != 5 {
		t.Errorf("policy attempts = %d, want 5", p.MaxAttempts)
	}
}

func TestFallbackChainSubstitutes(t *testing.T) {
	reg, g := build(t,
		diamondNodes(failing("B", string(failure.KindValidation), 0, "A")),
		failing("B-bad", string(failure.KindValidation), 0),
		echo("B-good"),
	)
	cfg := DefaultConfig()
	cfg.HotSwap = false
	o := newOrchestrator(t, reg, g, cfg, failure.Config{
		Strategy:  failure.StrategyFallbackChain,
		Fallbacks: map[string][]string{"B": {"B-bad", "B-good"}},
	})

	sc := shared.New("run-fb", "q")
	res, err := o.ExecutePipeline(context.Background(), sc)
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: failed=%v err=%v", res.Failed, res.Err)
	}
	b, _ := res.AgentResult("B")
	if b.Substitute != "B-good" || b.Status != models.AgentStatusDone {
		t.Errorf("B result = %+v, want substituted by B-good", b)
	}
	var out agent.EchoOutput
	if err := sc.DecodeOutput("B", &out); err != nil || out.Agent != "B-good" {
		t.Errorf("B output = %+v (%v), want written by B-good", out, err)
	}
	if n := res.RecoveryCounts()[RecoverySubstitute]; n != 1 {
		t.Errorf("substitute recoveries = %d, want 1", n)
	}
}

func TestIsolationSkipsDependents(t *testing.T) {
	nodes := []node{failing("X", string(failure.KindValidation), 0), echo("Z")}
	for _, id := range []string{"Y1", "Y2", "Y3", "Y4"} {
		nodes = append(nodes, echo(id, "X"))
	}
	reg, g := build(t, nodes)
	cfg := DefaultConfig()
	cfg.Strategy = planner.StrategyParallelBatched
	o := newOrchestrator(t, reg, g, cfg, failure.Config{Strategy: failure.StrategyIsolation})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(res.Successful, ","); got != "Z" {
		t.Errorf("Successful = %s, want Z", got)
	}
	x, _ := res.AgentResult("X")
	if x.Action != failure.ActionIsolate || x.Status != models.AgentStatusFailed {
		t.Errorf("X result = %+v, want isolated", x)
	}
	for _, id := range []string{"Y1", "Y2", "Y3", "Y4"} {
		y, _ := res.AgentResult(id)
		if y.Status != models.AgentStatusSkipped {
			t.Errorf("%s status = %s, want skipped", id, y.Status)
		}
		if failure.Classify(y.Err) != failure.KindDependency {
			t.Errorf("%s error kind = %s, want dependency", id, failure.Classify(y.Err))
		}
	}
}

func TestHotSwapReplacesFailedAgent(t *testing.T) {
	b := failing("B", string(failure.KindValidation), 0, "A")
	b.caps, b.version = []string{"summarize"}, "1.0.0"
	alt := echo("B2")
	alt.caps, alt.version = []string{"summarize", "translate"}, "2.0.0"
	reg, g := build(t, []node{echo("A"), b, echo("C", "B")}, alt)
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{Strategy: failure.StrategyCircuitBreaker})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: failed=%v", res.Failed)
	}
	if got := strings.Join(res.Successful, ","); got != "A,B2,C" {
		t.Errorf("Successful = %s, want A,B2,C", got)
	}
	old, _ := res.AgentResult("B")
	if old.SwappedTo != "B2" {
		t.Errorf("B result = %+v, want swapped to B2", old)
	}
	if len(res.Swaps) != 1 || res.Swaps[0].Reason != "failure" {
		t.Errorf("swaps = %+v", res.Swaps)
	}
	if g.Has("B") || !slices.Equal(g.Dependencies("C"), []string{"B2"}) {
		t.Errorf("graph not rewired: has B=%v deps(C)=%v", g.Has("B"), g.Dependencies("C"))
	}
	if n := res.RecoveryCounts()[RecoveryHotSwap]; n != 1 {
		t.Errorf("hot swap recoveries = %d, want 1", n)
	}
}

// swapStageNodes puts a swappable agent B next to an agent that fails
// once, so the stage B is swapped in still needs stage-level recovery.
func swapStageNodes(extra ...node) ([]node, node) {
	b := failing("B", string(failure.KindValidation), 0, "root")
	b.caps, b.version = []string{"summarize"}, "1.0.0"
	alt := echo("B2")
	alt.caps, alt.version = []string{"summarize"}, "2.0.0"
	flaky := failing("flaky", string(failure.KindValidation), 1, "root")
	flaky.caps = []string{"flaky-only"}
	nodes := append([]node{echo("root"), b, flaky}, extra...)
	return nodes, alt
}

func TestHotSwapSurvivesFallbackPlan(t *testing.T) {
	nodes, alt := swapStageNodes(echo("leaf0", "root"))
	reg, g := build(t, nodes, alt)
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{Strategy: failure.StrategyCircuitBreaker})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: failed=%v", res.Failed)
	}
	if n := res.RecoveryCounts()[RecoveryFallbackPlan]; n != 1 {
		t.Errorf("fallback plan recoveries = %d, want 1", n)
	}
	if n := res.RecoveryCounts()[RecoveryHotSwap]; n != 1 {
		t.Errorf("hot swap recoveries = %d, want 1", n)
	}
	for _, sr := range res.StageResults {
		if !sr.Fallback {
			continue
		}
		for _, a := range sr.Agents {
			if a.Agent == "B" || a.Agent == "B2" {
				t.Errorf("fallback plan reran %s after the swap settled it", a.Agent)
			}
		}
	}
	if got := strings.Join(res.Successful, ","); got != "B2,flaky,leaf0,root" {
		t.Errorf("Successful = %s, want B2,flaky,leaf0,root", got)
	}
}

func TestHotSwapSurvivesRollback(t *testing.T) {
	nodes, alt := swapStageNodes()
	reg, g := build(t, nodes, alt)
	cfg := DefaultConfig()
	cfg.Strategy = planner.StrategyParallelBatched
	o := newOrchestrator(t, reg, g, cfg, failure.Config{Strategy: failure.StrategyCircuitBreaker})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: failed=%v", res.Failed)
	}
	if n := res.RecoveryCounts()[RecoveryRollback]; n != 1 {
		t.Errorf("rollback recoveries = %d, want 1", n)
	}
	last := res.StageResults[len(res.StageResults)-1]
	var rerun []string
	for _, a := range last.Agents {
		rerun = append(rerun, a.Agent)
		if a.Agent == "B" {
			t.Errorf("rollback reran swapped-out agent B: %+v", a)
		}
	}
	slices.Sort(rerun)
	if !slices.Equal(rerun, []string{"B2", "flaky"}) {
		t.Errorf("rerun stage agents = %v, want [B2 flaky]", rerun)
	}
}

func TestFallbackPlanRecoversStage(t *testing.T) {
	nodes := []node{echo("root")}
	for _, id := range []string{"leaf0", "leaf1"} {
		nodes = append(nodes, echo(id, "root"))
	}
	nodes = append(nodes, failing("flaky", string(failure.KindValidation), 1, "root"))
	reg, g := build(t, nodes)
	cfg := DefaultConfig()
	cfg.HotSwap = false
	o := newOrchestrator(t, reg, g, cfg, failure.Config{Strategy: failure.StrategyCircuitBreaker})

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: failed=%v", res.Failed)
	}
	if n := res.RecoveryCounts()[RecoveryFallbackPlan]; n != 1 {
		t.Errorf("fallback plan recoveries = %d, want 1", n)
	}
	var fallbackStages int
	for _, sr := range res.StageResults {
		if sr.Fallback {
			fallbackStages++
			for _, a := range sr.Agents {
				if a.Agent != "flaky" {
					t.Errorf("fallback plan reran settled agent %s", a.Agent)
				}
			}
		}
	}
	if fallbackStages != 1 {
		t.Errorf("fallback stages = %d, want 1", fallbackStages)
	}
	if res.Plan.Strategy != planner.StrategySequential {
		t.Errorf("final plan strategy = %s, want sequential", res.Plan.Strategy)
	}
}

func TestStageFailureAfterRollback(t *testing.T) {
	reg, g := build(t, []node{failing("A", string(failure.KindValidation), 0), echo("B", "A")})
	cfg := DefaultConfig()
	cfg.Strategy = planner.StrategySequential
	o := newOrchestrator(t, reg, g, cfg, failure.Config{Strategy: failure.StrategyCircuitBreaker})

	res, err := runQuery(o)
	var sfe *StageFailureError
	if !errors.As(err, &sfe) {
		t.Fatalf("err = %v, want *StageFailureError", err)
	}
	if !errors.Is(err, ErrStageFailed) {
		t.Error("error does not match ErrStageFailed")
	}
	if sfe.Stage != 0 || !slices.Equal(sfe.Agents, []string{"A"}) {
		t.Errorf("StageFailureError = %+v", sfe)
	}
	if res == nil || res.Success || res.Error == "" {
		t.Fatalf("results = %+v", res)
	}
	if n := res.RecoveryCounts()[RecoveryRollback]; n != 1 {
		t.Errorf("rollback recoveries = %d, want 1", n)
	}
	if _, ran := res.AgentResult("B"); ran {
		t.Error("B ran after its stage failed")
	}
}

func TestPipelineTimeout(t *testing.T) {
	slow := echo("A")
	slow.config = map[string]any{"delay": "2s"}
	reg, g := build(t, []node{slow, echo("B", "A")})
	cfg := DefaultConfig()
	cfg.PipelineTimeout = 50 * time.Millisecond
	o := newOrchestrator(t, reg, g, cfg, failure.Config{})

	start := time.Now()
	res, err := runQuery(o)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run took %s, want prompt timeout", elapsed)
	}
	var pte *PipelineTimeoutError
	if !errors.As(err, &pte) {
		t.Fatalf("err = %v, want *PipelineTimeoutError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout error does not match context.DeadlineExceeded")
	}
	if len(pte.Completed) != 0 || !slices.Equal(pte.Pending, []string{"A", "B"}) {
		t.Errorf("completed=%v pending=%v", pte.Completed, pte.Pending)
	}
	if res.Success {
		t.Error("timed out run reported success")
	}
}

func TestResourceContention(t *testing.T) {
	cpu := models.ResourceRequirements{models.ResourceCPU: 1}
	nodes := []node{echo("root")}
	for _, id := range []string{"w1", "w2", "w3"} {
		n := echo(id, "root")
		n.config = map[string]any{"delay": "20ms"}
		n.res = cpu
		nodes = append(nodes, n)
	}
	reg, g := build(t, nodes)
	sched, err := resource.New(resource.Config{
		Pools: []resource.PoolConfig{{Type: models.ResourceCPU, Capacity: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Strategy = planner.StrategyParallelBatched
	o := newOrchestrator(t, reg, g, cfg, failure.Config{}, WithScheduler(sched))

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: %v", res.Failed)
	}
	if len(res.Allocations) != 3 {
		t.Fatalf("allocations = %d, want 3", len(res.Allocations))
	}
	if st := sched.Stats(); st.Queued == 0 {
		t.Errorf("scheduler stats = %+v, want queued requests", st)
	}
	if u := sched.Utilization()[models.ResourceCPU]; u.Allocated != 0 {
		t.Errorf("cpu still allocated after run: %+v", u)
	}
}

func TestInfeasibleResourcesFailAllocation(t *testing.T) {
	n := echo("A")
	n.res = models.ResourceRequirements{models.ResourceAPICalls: 1}
	reg, g := build(t, []node{n})
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{})

	res, err := runQuery(o)
	if !errors.Is(err, resource.ErrUnknownPool) {
		t.Fatalf("err = %v, want ErrUnknownPool", err)
	}
	if len(res.StageResults) != 0 {
		t.Errorf("stages ran: %v", stagesOf(t, res))
	}
}

func TestCycleFailsPlanning(t *testing.T) {
	reg, g := build(t, []node{echo("A", "B"), echo("B", "A")})
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{})

	_, err := runQuery(o)
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
}

func TestStopBeforeRun(t *testing.T) {
	reg, g := build(t, []node{echo("A")})
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{})
	o.Stop()
	if _, err := runQuery(o); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPauseHoldsNextStage(t *testing.T) {
	reg, g := build(t, []node{echo("A"), echo("B", "A")})
	cfg := DefaultConfig()
	cfg.Strategy = planner.StrategySequential
	o := newOrchestrator(t, reg, g, cfg, failure.Config{})
	o.Pause()

	done := make(chan error, 1)
	go func() {
		_, err := runQuery(o)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("run finished while paused: %v", err)
	default:
	}
	if st := o.Status(); !st.Paused || st.Phase != PhaseExecution {
		t.Errorf("status while paused: paused=%v phase=%s", st.Paused, st.Phase)
	}
	o.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume")
	}
}

func TestEventsAndStore(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "weave.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	reg, g := build(t, diamondNodes(failing("B", string(failure.KindValidation), 0, "A")))
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{}, WithStore(db))

	res, err := runQuery(o)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []EventType
	for drained := false; !drained; {
		select {
		case ev := <-o.Events():
			if ev.RunID != res.RunID {
				t.Errorf("event %s has run %q", ev.Type, ev.RunID)
			}
			types = append(types, ev.Type)
		default:
			drained = true
		}
	}
	if len(types) == 0 || types[0] != EventRunStarted || types[len(types)-1] != EventRunDone {
		t.Fatalf("event sequence = %v", types)
	}
	for _, want := range []EventType{EventPlanReady, EventStageStarted, EventAgentCompleted, EventAgentDegraded, EventCheckpoint} {
		if !slices.Contains(types, want) {
			t.Errorf("missing %s event", want)
		}
	}

	saved, err := db.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if saved.Success || len(saved.Agents) != 4 || len(saved.Failures) != 1 {
		t.Errorf("saved run = %+v", saved)
	}
	if saved.Failures[0].AgentID != "B" || saved.Failures[0].Kind != string(failure.KindValidation) {
		t.Errorf("saved failure = %+v", saved.Failures[0])
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	reg, g := build(t, []node{echo("A"), echo("B", "A")})
	sched, err := resource.New(resource.Config{
		Pools: []resource.PoolConfig{{Type: models.ResourceMemory, Capacity: 512}},
	})
	if err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, reg, g, DefaultConfig(), failure.Config{}, WithScheduler(sched))
	if _, err := runQuery(o); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := o.TelemetrySnapshot()
	if snap.AgentStatus["A"] != string(models.AgentStatusDone) || snap.AgentStatus["B"] != string(models.AgentStatusDone) {
		t.Errorf("agent statuses = %v", snap.AgentStatus)
	}
	if len(snap.Pools) != 1 || snap.Pools[0].Type != string(models.ResourceMemory) || snap.Pools[0].Limit != 512 {
		t.Errorf("pools = %+v", snap.Pools)
	}
	if snap.Stages != 2 || snap.StageCursor != 2 {
		t.Errorf("stages=%d cursor=%d, want 2/2", snap.Stages, snap.StageCursor)
	}
}

func TestNewRequiresRegistryAndGraph(t *testing.T) {
	if _, err := New(nil, graph.New(), DefaultConfig()); err == nil {
		t.Error("New accepted a nil registry")
	}
	if _, err := New(agent.NewRegistry(), nil, DefaultConfig()); err == nil {
		t.Error("New accepted a nil graph")
	}
}
