package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/composer"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/internal/state"
	"github.com/ShayCichocki/weave/internal/telemetry"
	"github.com/ShayCichocki/weave/pkg/models"
)

// Phase is the stage of a run's lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDiscovery  Phase = "discovery"
	PhasePlanning   Phase = "planning"
	PhaseAllocation Phase = "allocation"
	PhaseExecution  Phase = "execution"
	PhaseCleanup    Phase = "cleanup"
	PhaseDone       Phase = "done"
)

// ErrRunInProgress is returned when a second run starts on a busy
// orchestrator.
var ErrRunInProgress = errors.New("run already in progress")

// Config configures an Orchestrator.
type Config struct {
	// Strategy is the planning strategy. Empty means adaptive.
	Strategy planner.Strategy `mapstructure:"strategy"`
	// MaxConcurrency caps the agents running at once within a stage.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// AgentTimeout bounds one attempt of an agent without its own timeout.
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
	// PipelineTimeout bounds the whole run. Zero disables it.
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`
	// Discovery runs agent discovery and the composition rules before
	// planning.
	Discovery bool `mapstructure:"discovery"`
	// HotSwap replaces permanently failed agents with a discovered
	// alternative, once per agent and run.
	HotSwap        bool `mapstructure:"hot_swap"`
	MaxOutputBytes int  `mapstructure:"max_output_bytes"`
	EventBuffer    int  `mapstructure:"event_buffer"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:       planner.StrategyAdaptive,
		MaxConcurrency: 4,
		AgentTimeout:   5 * time.Minute,
		Discovery:      true,
		HotSwap:        true,
		EventBuffer:    256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = d.AgentTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Orchestrator runs a dependency graph of agents: it discovers, plans,
// allocates and executes them, recovering from failures along the way.
type Orchestrator struct {
	cfg       Config
	reg       *agent.Registry
	g         *graph.DependencyGraph
	planner   *planner.Planner
	failures  *failure.Manager
	scheduler *resource.Scheduler
	composer  *composer.Composer
	store     RunStore

	emitter    *EventEmitter
	pause      *stageGate
	metrics    instruments
	logger     *slog.Logger
	now        func() time.Time
	sharedOpts []shared.Option

	runMu sync.Mutex

	mu       sync.RWMutex
	phase    Phase
	runID    string
	sc       *shared.Context
	plan     *planner.Plan
	statuses map[string]models.AgentStatus
	last     *Results
}

// New creates an orchestrator over reg and g. The planner, failure
// manager, scheduler and composer are built from cfg unless supplied as
// options.
func New(reg *agent.Registry, g *graph.DependencyGraph, cfg Config, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if g == nil {
		return nil, errors.New("orchestrator: graph is required")
	}
	cfg = cfg.withDefaults()

	o := &orchestratorOptions{logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	if o.planner == nil {
		o.planner = planner.New(planner.Config{
			MaxConcurrency: cfg.MaxConcurrency,
			DefaultTimeout: cfg.AgentTimeout,
		}, planner.WithLogger(o.logger))
	}
	if o.failures == nil {
		o.failures = failure.New(failure.DefaultConfig(), g,
			failure.WithLogger(o.logger), failure.WithClock(o.now))
	}
	if o.scheduler == nil {
		s, err := resource.New(resource.Config{}, resource.WithLogger(o.logger), resource.WithClock(o.now))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: create scheduler: %w", err)
		}
		o.scheduler = s
	}
	if o.composer == nil {
		o.composer = composer.New(reg, g,
			[]composer.Discoverer{composer.NewRegistryDiscoverer(reg)},
			composer.WithLogger(o.logger),
			composer.WithClock(o.now),
			composer.WithFailureHistory(o.failures),
		)
	}

	return &Orchestrator{
		cfg:        cfg,
		reg:        reg,
		g:          g,
		planner:    o.planner,
		failures:   o.failures,
		scheduler:  o.scheduler,
		composer:   o.composer,
		store:      o.store,
		emitter:    NewEventEmitter(cfg.EventBuffer, o.logger),
		pause:      newStageGate(o.logger),
		logger:     o.logger,
		now:        o.now,
		sharedOpts: o.sharedOpts,
		phase:      PhaseIdle,
		statuses:   make(map[string]models.AgentStatus),
	}, nil
}

// Graph returns the graph the orchestrator executes.
func (o *Orchestrator) Graph() *graph.DependencyGraph { return o.g }

// Failures returns the failure manager.
func (o *Orchestrator) Failures() *failure.Manager { return o.failures }

// Scheduler returns the resource scheduler.
func (o *Orchestrator) Scheduler() *resource.Scheduler { return o.scheduler }

// Composer returns the dynamic composer.
func (o *Orchestrator) Composer() *composer.Composer { return o.composer }

// Events returns the event stream. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event { return o.emitter.Events() }

// Pause holds the run before its next stage.
func (o *Orchestrator) Pause() { o.pause.Pause() }

// Resume continues a paused run.
func (o *Orchestrator) Resume() { o.pause.Resume() }

// Stop ends the run before its next stage. Agents already running finish.
func (o *Orchestrator) Stop() { o.pause.Stop() }

// Close stops the scheduler and closes the event stream.
func (o *Orchestrator) Close() {
	o.pause.Stop()
	o.scheduler.Close()
	o.emitter.Close()
}

// Run executes the graph for query in a fresh shared context and returns
// that context. The run's Results are available from LastResults.
func (o *Orchestrator) Run(ctx context.Context, query string) (*shared.Context, error) {
	sc := o.NewContext(query)
	_, err := o.ExecutePipeline(ctx, sc)
	return sc, err
}

// NewContext creates a shared context configured the way Run does.
func (o *Orchestrator) NewContext(query string) *shared.Context {
	opts := []shared.Option{shared.WithLogger(o.logger), shared.WithClock(o.now)}
	if o.cfg.MaxOutputBytes > 0 {
		opts = append(opts, shared.WithMaxOutputBytes(o.cfg.MaxOutputBytes))
	}
	opts = append(opts, o.sharedOpts...)
	return shared.New(uuid.NewString(), query, opts...)
}

// ExecutePipeline runs the five phases over sc: discovery, planning,
// allocation, execution and cleanup. The returned Results are non-nil
// whenever the run started, including on errors.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, sc *shared.Context) (*Results, error) {
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.runMu.Unlock()
	if o.pause.Stopped() {
		return nil, ErrStopped
	}
	o.metrics.init(o.logger)

	ctx, span := tracer.Start(ctx, "weave.ExecutePipeline",
		trace.WithAttributes(
			attribute.String("run_id", sc.RunID()),
			attribute.Int("agents", o.g.Len()),
		),
	)
	defer span.End()

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if o.cfg.PipelineTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.PipelineTimeout)
	}
	defer cancel()

	r := &run{
		sc:       sc,
		swapped:  make(map[string]bool),
		replaced: make(map[string]string),
		res: &Results{
			RunID:     sc.RunID(),
			Query:     sc.Query(),
			StartedAt: o.now(),
		},
	}
	o.beginRun(sc)
	o.logger.Info("run started", "run", sc.RunID(), "agents", o.g.Len())
	o.emit(r, Event{Type: EventRunStarted, Message: sc.Query()})

	err := o.execute(runCtx, r)
	if err != nil && o.cfg.PipelineTimeout > 0 &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = o.timeoutError(r)
	}
	o.cleanup(ctx, r, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("successful", len(r.res.Successful)),
		attribute.Int("failed", len(r.res.Failed)),
	)
	return r.res, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if o.cfg.Discovery {
		o.setPhase(r, PhaseDiscovery)
		if _, err := o.composer.DiscoverAgents(ctx); err != nil {
			o.logger.Warn("agent discovery incomplete", "run", r.sc.RunID(), "error", err)
		}
		effects, err := o.composer.ApplyRules(ctx, r.sc)
		if err != nil {
			o.logger.Warn("composition rules failed", "run", r.sc.RunID(), "error", err)
		}
		r.res.Rules = effects
		for _, e := range effects {
			if e.Action == "hot_swap" {
				o.renameStatus(e.Agent, swapTarget(o.composer.Swaps(), e.Agent))
			}
		}
	}

	o.setPhase(r, PhasePlanning)
	report, err := o.g.Validate()
	for _, w := range report.Warnings() {
		o.logger.Warn("graph validation", "run", r.sc.RunID(), "issue", w.String())
	}
	if err != nil {
		return fmt.Errorf("validate graph: %w", err)
	}
	o.applyNodeRetries()
	plan, err := o.planner.Plan(o.g, r.sc, o.cfg.Strategy)
	if err != nil {
		return err
	}
	o.setPlan(plan)
	r.res.Plan = plan.Summary()
	o.emit(r, Event{Type: EventPlanReady, Message: fmt.Sprintf("%s: %d stages", plan.Strategy, len(plan.Stages))})

	o.setPhase(r, PhaseAllocation)
	for _, n := range o.g.Nodes() {
		if n.Resources.IsZero() {
			continue
		}
		if err := o.scheduler.Feasible(n.Resources); err != nil {
			return fmt.Errorf("agent %s: %w", n.ID, err)
		}
	}
	o.scheduler.Start(ctx)
	defer o.scheduler.Stop()

	o.setPhase(r, PhaseExecution)
	return o.executePlan(ctx, r, plan)
}

// applyNodeRetries turns node retry counts into per-agent retry policies.
func (o *Orchestrator) applyNodeRetries() {
	for _, n := range o.g.Nodes() {
		if n.MaxRetries <= 0 {
			continue
		}
		p := o.failures.RetryPolicy(n.ID)
		if p.MaxAttempts == n.MaxRetries+1 {
			continue
		}
		p.MaxAttempts = n.MaxRetries + 1
		o.failures.SetRetryPolicy(n.ID, p)
	}
}

func (o *Orchestrator) timeoutError(r *run) error {
	done := make(map[string]bool)
	for _, id := range r.sc.Successful() {
		done[id] = true
	}
	var pending []string
	for _, id := range o.g.IDs() {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return &PipelineTimeoutError{
		Timeout:   o.cfg.PipelineTimeout,
		Completed: r.sc.Successful(),
		Pending:   pending,
	}
}

func (o *Orchestrator) cleanup(ctx context.Context, r *run, err error) {
	o.setPhase(r, PhaseCleanup)
	for _, id := range o.g.IDs() {
		o.scheduler.ReleaseResources(id)
	}

	res := r.res
	res.FinishedAt = o.now()
	res.Successful = r.sc.Successful()
	res.Failed = r.sc.FailedAgents()
	res.Tokens = r.sc.TokenUsage()
	for _, ev := range o.composer.Swaps() {
		if !ev.At.Before(res.StartedAt) {
			res.Swaps = append(res.Swaps, ev)
		}
	}
	if plan := o.currentPlan(); plan != nil {
		res.Plan = plan.Summary()
	}
	res.Err = err
	if err != nil {
		res.Error = err.Error()
	}
	res.Success = err == nil && len(res.Failed) == 0

	if o.store != nil {
		if serr := o.store.SaveRun(context.WithoutCancel(ctx), o.runRecord(res)); serr != nil {
			o.logger.Warn("failed to save run", "run", res.RunID, "error", serr)
		}
	}
	o.metrics.pipeline(ctx, res.Duration(), res.Success)

	o.logger.Info("run finished",
		"run", res.RunID,
		"success", res.Success,
		"successful", len(res.Successful),
		"failed", len(res.Failed),
		"recoveries", len(res.RecoveryActions),
		"duration", res.Duration(),
	)
	done := Event{Type: EventRunDone, Duration: res.Duration(), Error: err}
	if res.Success {
		done.Message = "success"
	} else {
		done.Message = "failure"
	}
	o.setPhase(r, PhaseDone)
	o.emit(r, done)

	o.mu.Lock()
	o.last = res
	o.mu.Unlock()
}

// runRecord converts results into the persisted form.
func (o *Orchestrator) runRecord(res *Results) state.Run {
	rec := state.Run{
		ID:           res.RunID,
		Query:        res.Query,
		Strategy:     string(res.Plan.Strategy),
		Success:      res.Success,
		Error:        res.Error,
		Stages:       res.Plan.Stages,
		Recoveries:   len(res.RecoveryActions),
		InputTokens:  res.Tokens.Input,
		OutputTokens: res.Tokens.Output,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	latest := make(map[string]AgentResult)
	var order []string
	for _, sr := range res.StageResults {
		for _, a := range sr.Agents {
			if _, seen := latest[a.Agent]; !seen {
				order = append(order, a.Agent)
			}
			latest[a.Agent] = a
		}
	}
	for _, id := range order {
		a := latest[id]
		rec.Agents = append(rec.Agents, state.AgentRun{
			AgentID:  a.Agent,
			Status:   string(a.Status),
			Attempts: a.Attempts,
			Duration: a.Duration,
			Action:   string(a.Action),
			Error:    a.Error,
		})
	}
	for _, f := range o.failures.RecentFailures(o.now().Sub(res.StartedAt)) {
		if f.Time.Before(res.StartedAt) {
			continue
		}
		rec.Failures = append(rec.Failures, state.Failure{
			ID:         f.ID,
			RunID:      res.RunID,
			AgentID:    f.Agent,
			Kind:       string(f.Kind),
			Action:     string(f.Action),
			Attempt:    f.Attempt,
			Impact:     f.Impact,
			Message:    f.Message,
			OccurredAt: f.Time,
		})
	}
	return rec
}

// LastResults returns the results of the most recent run.
func (o *Orchestrator) LastResults() (*Results, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last, o.last != nil
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	RunID         string                                      `json:"run_id,omitempty"`
	Phase         Phase                                       `json:"phase"`
	Paused        bool                                        `json:"paused"`
	Stopped       bool                                        `json:"stopped"`
	Plan          *planner.Summary                            `json:"plan,omitempty"`
	Graph         graph.Stats                                 `json:"graph"`
	Agents        map[string]models.AgentStatus               `json:"agents"`
	Failures      failure.Stats                               `json:"failures"`
	Resources     map[models.ResourceType]resource.PoolStatus `json:"resources"`
	Scheduler     resource.Stats                              `json:"scheduler"`
	Swaps         int                                         `json:"swaps"`
	DroppedEvents uint64                                      `json:"dropped_events"`
}

// Status reports the current phase, plan progress, agent states, failure
// statistics and resource utilization.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{
		RunID:  o.runID,
		Phase:  o.phase,
		Agents: make(map[string]models.AgentStatus, len(o.statuses)),
	}
	for id, s := range o.statuses {
		st.Agents[id] = s
	}
	if o.plan != nil {
		sum := o.plan.Summary()
		st.Plan = &sum
	}
	rc := o.sc
	o.mu.RUnlock()

	var grc graph.RuntimeContext = shared.New("", "")
	if rc != nil {
		grc = rc
	}
	gs, err := o.g.Stats(grc)
	if err != nil {
		o.logger.Debug("graph stats incomplete", "error", err)
	}
	st.Graph = gs
	st.Paused = o.pause.Paused()
	st.Stopped = o.pause.Stopped()
	st.Failures = o.failures.Stats()
	st.Resources = o.scheduler.Utilization()
	st.Scheduler = o.scheduler.Stats()
	st.Swaps = len(o.composer.Swaps())
	st.DroppedEvents = o.emitter.DroppedCount()
	return st
}

// TelemetrySnapshot implements telemetry.StatusSource.
func (o *Orchestrator) TelemetrySnapshot() telemetry.Snapshot {
	st := o.Status()
	snap := telemetry.Snapshot{
		AgentStatus:   make(map[string]string, len(st.Agents)),
		OpenCircuits:  len(st.Failures.OpenCircuits),
		FailureRate:   st.Failures.FailureRate,
		DroppedEvents: st.DroppedEvents,
	}
	for id, s := range st.Agents {
		snap.AgentStatus[id] = string(s)
	}
	types := make([]models.ResourceType, 0, len(st.Resources))
	for typ := range st.Resources {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, typ := range types {
		p := st.Resources[typ]
		snap.Pools = append(snap.Pools, telemetry.PoolGauge{
			Type:      string(typ),
			Allocated: p.Allocated,
			Reserved:  p.Reserved,
			Limit:     p.Limit,
			Queued:    p.Queued,
		})
	}
	if st.Plan != nil {
		snap.Stages = st.Plan.Stages
		snap.StageCursor = st.Plan.Cursor
	}
	return snap
}

var _ telemetry.StatusSource = (*Orchestrator)(nil)

func (o *Orchestrator) beginRun(sc *shared.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID = sc.RunID()
	o.sc = sc
	o.plan = nil
	o.statuses = make(map[string]models.AgentStatus, o.g.Len())
	for _, id := range o.g.IDs() {
		o.statuses[id] = models.AgentStatusPending
	}
}

func (o *Orchestrator) setPhase(r *run, p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.logger.Debug("phase changed", "run", r.sc.RunID(), "phase", string(p))
	o.emit(r, Event{Type: EventPhaseChanged, Message: string(p)})
}

func (o *Orchestrator) currentPhase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

func (o *Orchestrator) setPlan(p *planner.Plan) {
	o.mu.Lock()
	o.plan = p
	o.mu.Unlock()
}

func (o *Orchestrator) currentPlan() *planner.Plan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.plan
}

func (o *Orchestrator) setStatus(id string, s models.AgentStatus) {
	o.mu.Lock()
	o.statuses[id] = s
	o.mu.Unlock()
}

// renameStatus moves the status entry of a swapped-out agent to its
// replacement.
func (o *Orchestrator) renameStatus(oldID, newID string) {
	if newID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.statuses, oldID)
	if _, ok := o.statuses[newID]; !ok {
		o.statuses[newID] = models.AgentStatusPending
	}
}

func swapTarget(swaps []composer.SwapEvent, oldID string) string {
	for i := len(swaps) - 1; i >= 0; i-- {
		if swaps[i].OldID == oldID {
			return swaps[i].NewID
		}
	}
	return ""
}

func (o *Orchestrator) emit(r *run, ev Event) {
	ev.RunID = r.sc.RunID()
	ev.Phase = o.currentPhase()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	ev.TokensUsed = r.sc.TokenUsage().Total()
	o.emitter.Emit(ev)
}
