package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

// run is the mutable state of one pipeline execution.
type run struct {
	sc  *shared.Context
	res *Results

	mu sync.Mutex
	// swapped holds agents that were hot swapped, or are replacements, in
	// this run. Each is swapped at most once.
	swapped map[string]bool
	// replaced maps a swapped-out agent to its replacement. Plans built
	// before a swap still name the old id.
	replaced map[string]string
}

func (r *run) recovery(a RecoveryAction) {
	r.mu.Lock()
	r.res.RecoveryActions = append(r.res.RecoveryActions, a)
	r.mu.Unlock()
}

func (r *run) allocated(allocs []resource.Allocation) {
	r.mu.Lock()
	r.res.Allocations = append(r.res.Allocations, allocs...)
	r.mu.Unlock()
}

// claimSwap reports whether id may still be hot swapped and marks it.
func (r *run) claimSwap(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.swapped[id] {
		return false
	}
	r.swapped[id] = true
	return true
}

// replace records that newID took over from oldID.
func (r *run) replace(oldID, newID string) {
	r.mu.Lock()
	r.swapped[newID] = true
	r.replaced[oldID] = newID
	r.mu.Unlock()
}

// current follows the replacements of id to the agent now standing in for
// it.
func (r *run) current(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for seen := 0; seen <= len(r.replaced); seen++ {
		next, ok := r.replaced[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// executePlan runs the stages of plan in order. A stage with blocking
// failures is recovered by switching to the fallback plan once, then by
// rolling back to the last checkpoint and running the stage again.
func (o *Orchestrator) executePlan(ctx context.Context, r *run, plan *planner.Plan) error {
	if _, err := o.failures.Checkpoint(r.sc, "start"); err != nil {
		o.logger.Warn("initial checkpoint failed", "run", r.sc.RunID(), "error", err)
	}

	active := plan
	fallback := false
	for {
		if err := o.pause.Pass(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stage, ok := active.Current()
		if !ok {
			return nil
		}

		sr, ran := o.runStage(ctx, r, stage, fallback)
		if !ran {
			active.Advance()
			continue
		}
		if err := ctx.Err(); err != nil {
			r.res.StageResults = append(r.res.StageResults, sr)
			return err
		}

		if failed := sr.failedAgents(); len(failed) > 0 {
			sr.Failed = true
			o.emit(r, Event{
				Type:    EventStageFailed,
				Stage:   stage.Index,
				Message: fmt.Sprintf("%d failed: %v", len(failed), failed),
				Error:   firstError(sr),
			})

			if !fallback && active.Fallback != nil {
				sr.Recovery = RecoveryFallbackPlan
				r.res.StageResults = append(r.res.StageResults, sr)
				o.recovered(ctx, r, RecoveryAction{
					Stage:  stage.Index,
					Action: RecoveryFallbackPlan,
					Detail: fmt.Sprintf("%s plan", active.Fallback.Strategy),
				})
				active = active.Fallback
				fallback = true
				o.setPlan(active)
				continue
			}

			snap, rerr := o.failures.Rollback(r.sc)
			if rerr != nil {
				r.res.StageResults = append(r.res.StageResults, sr)
				return &StageFailureError{Stage: stage.Index, Agents: failed, Err: firstError(sr)}
			}
			sr.Recovery = RecoveryRollback
			r.res.StageResults = append(r.res.StageResults, sr)
			o.recovered(ctx, r, RecoveryAction{
				Stage:  stage.Index,
				Action: RecoveryRollback,
				Detail: "to checkpoint " + snap.Label,
			})
			o.resetStatuses(failed)

			sr, _ = o.runStage(ctx, r, stage, fallback)
			if again := sr.failedAgents(); len(again) > 0 {
				sr.Failed = true
				r.res.StageResults = append(r.res.StageResults, sr)
				return &StageFailureError{Stage: stage.Index, Agents: again, Err: firstError(sr)}
			}
		}

		r.res.StageResults = append(r.res.StageResults, sr)
		o.emit(r, Event{
			Type:     EventStageCompleted,
			Stage:    stage.Index,
			Duration: sr.Duration,
			Message:  fmt.Sprintf("%d agents", len(sr.Agents)),
		})
		label := fmt.Sprintf("stage-%d", stage.Index)
		if fallback {
			label = "fallback-" + label
		}
		if _, err := o.failures.Checkpoint(r.sc, label); err != nil {
			o.logger.Warn("checkpoint failed", "run", r.sc.RunID(), "stage", stage.Index, "error", err)
		} else {
			o.emit(r, Event{Type: EventCheckpoint, Stage: stage.Index, Message: label})
		}
		active.Advance()
	}
}

// runStage executes the unsettled members of stage. Hot-swapped members
// are resolved to their replacements. It reports false when every member
// had already settled, as happens when a fallback plan revisits agents.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage planner.Stage, fallback bool) (StageResult, bool) {
	var ids []string
	seen := make(map[string]bool, len(stage.Agents))
	for _, id := range stage.Agents {
		id = r.current(id)
		if seen[id] || r.sc.Succeeded(id) || r.sc.IsPlaceholder(id) {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sr := StageResult{Index: stage.Index, Kind: stage.Kind, Fallback: fallback}
	if len(ids) == 0 {
		return sr, false
	}

	ctx, span := tracer.Start(ctx, "weave.Stage",
		trace.WithAttributes(
			attribute.Int("stage", stage.Index),
			attribute.String("kind", string(stage.Kind)),
			attribute.Int("agents", len(ids)),
		),
	)
	defer span.End()

	o.logger.Info("stage started", "run", r.sc.RunID(), "stage", stage.Index, "kind", string(stage.Kind), "agents", ids)
	o.emit(r, Event{Type: EventStageStarted, Stage: stage.Index, Message: stage.String()})
	start := o.now()

	results := make([][]AgentResult, len(ids))
	if stage.Kind == planner.StageParallel && len(ids) > 1 {
		var eg errgroup.Group
		eg.SetLimit(o.cfg.MaxConcurrency)
		for i, id := range ids {
			eg.Go(func() error {
				results[i] = o.runAgent(ctx, r, stage.Index, id)
				return nil
			})
		}
		_ = eg.Wait()
	} else {
		for i, id := range ids {
			results[i] = o.runAgent(ctx, r, stage.Index, id)
		}
	}
	for _, rs := range results {
		sr.Agents = append(sr.Agents, rs...)
	}
	sr.Duration = o.now().Sub(start)

	if failed := sr.failedAgents(); len(failed) > 0 {
		span.SetStatus(codes.Error, "stage failed")
	}
	return sr, true
}

// runAgent runs one agent to a terminal outcome: success, degradation,
// substitution, isolation, skip or failure. A hot-swapped agent yields its
// own result followed by its replacement's.
func (o *Orchestrator) runAgent(ctx context.Context, r *run, stage int, id string) []AgentResult {
	ctx, span := tracer.Start(ctx, "weave.Agent", trace.WithAttributes(attribute.String("agent", id)))
	defer span.End()

	if dep, blocked := o.blockedBy(r, id); blocked {
		err := failure.Errorf(failure.KindDependency, "%s: dependency %s did not complete", id, dep)
		r.sc.MarkFailed(id)
		r.sc.AddTrace(id, "skipped", err.Error())
		o.setStatus(id, models.AgentStatusSkipped)
		o.emit(r, Event{Type: EventAgentSkipped, Stage: stage, AgentID: id, Message: "dependency " + dep, Error: err})
		return []AgentResult{{Agent: id, Status: models.AgentStatusSkipped, Err: err, Error: err.Error()}}
	}

	res, d := o.attempts(ctx, r, stage, id)
	if res.Status != models.AgentStatusDone && ctx.Err() == nil {
		out := o.recoverAgent(ctx, r, stage, id, res, d)
		finish(out)
		if last := out[len(out)-1]; !last.settled() {
			span.SetStatus(codes.Error, "agent failed")
		}
		return out
	}
	if res.Status != models.AgentStatusDone {
		span.SetStatus(codes.Error, "cancelled")
	}
	out := []AgentResult{res}
	finish(out)
	return out
}

func finish(rs []AgentResult) {
	for i := range rs {
		if rs[i].Err != nil && rs[i].Error == "" {
			rs[i].Error = rs[i].Err.Error()
		}
	}
}

// blockedBy returns the first ordering dependency of id that neither
// succeeded nor left a placeholder.
func (o *Orchestrator) blockedBy(r *run, id string) (string, bool) {
	for _, dep := range o.g.Dependencies(id) {
		if r.sc.Succeeded(dep) || r.sc.IsPlaceholder(dep) {
			continue
		}
		return dep, true
	}
	return "", false
}

// attempts runs id until it succeeds or the failure manager stops
// retrying. The returned decision is the last one made.
func (o *Orchestrator) attempts(ctx context.Context, r *run, stage int, id string) (res AgentResult, d failure.Decision) {
	res = AgentResult{Agent: id, Status: models.AgentStatusFailed}
	node, ok := o.g.Node(id)
	if !ok {
		res.Err = fmt.Errorf("agent %s: %w", id, graph.ErrNodeNotFound)
		return res, failure.Decision{Agent: id, Action: failure.ActionFail, Err: res.Err}
	}
	if err := o.g.BeginExecution(id); err != nil {
		res.Err = err
		return res, failure.Decision{Agent: id, Action: failure.ActionFail, Err: err}
	}
	start := o.now()
	success := false
	defer func() {
		res.Duration = o.now().Sub(start)
		o.g.EndExecution(id, res.Duration, success)
	}()

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		began := o.now()
		err := o.attempt(ctx, r, stage, node, attempt, &res)
		o.metrics.agentDone(ctx, id, o.now().Sub(began), err)
		if err == nil {
			success = true
			o.failures.RecordSuccess(id)
			r.sc.MarkSucceeded(id)
			res.Status = models.AgentStatusDone
			res.Err = nil
			o.setStatus(id, models.AgentStatusDone)
			o.logger.Info("agent completed", "run", r.sc.RunID(), "agent", id, "attempts", attempt)
			o.emit(r, Event{Type: EventAgentCompleted, Stage: stage, AgentID: id, Attempt: attempt, Duration: o.now().Sub(start)})
			return res, failure.Decision{}
		}
		res.Err = err
		if ctx.Err() != nil {
			o.setStatus(id, models.AgentStatusFailed)
			return res, failure.Decision{Agent: id, Action: failure.ActionFail, Err: err}
		}

		d = o.failures.HandleFailure(id, err, r.sc, attempt)
		res.Action = d.Action
		if !d.Retry {
			return res, d
		}
		o.setStatus(id, models.AgentStatusRetrying)
		o.metrics.retry(ctx, id)
		o.emit(r, Event{
			Type:    EventAgentRetrying,
			Stage:   stage,
			AgentID: id,
			Attempt: attempt,
			Message: fmt.Sprintf("retry in %s", d.Delay),
			Error:   err,
		})
		if !sleep(ctx, d.Delay) {
			o.setStatus(id, models.AgentStatusFailed)
			return res, failure.Decision{Agent: id, Action: failure.ActionFail, Err: ctx.Err()}
		}
	}
}

// attempt performs one run of node: breaker check, load, resource wait and
// the timed agent call.
func (o *Orchestrator) attempt(ctx context.Context, r *run, stage int, node graph.Node, attempt int, res *AgentResult) error {
	id := node.ID
	if err := o.failures.CanExecute(id); err != nil {
		return err
	}
	a, err := o.composer.LoadAgent(id)
	if err != nil {
		return failure.Wrap(failure.KindConfiguration, fmt.Errorf("load agent %s: %w", id, err))
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = o.cfg.AgentTimeout
	}
	reqs := node.Resources
	if reqs.IsZero() {
		reqs = agent.ResourcesOf(a, nil)
	}
	if !reqs.IsZero() {
		o.setStatus(id, models.AgentStatusWaiting)
		o.emit(r, Event{Type: EventAgentWaiting, Stage: stage, AgentID: id, Attempt: attempt})
		ticket, err := o.scheduler.RequestResources(id, reqs, agent.PriorityOf(a, node.Priority), timeout)
		if err != nil {
			return failure.Wrap(failure.KindResourceExhaustion, err)
		}
		allocs, err := ticket.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return failure.Wrap(failure.KindResourceExhaustion, err)
		}
		defer o.scheduler.ReleaseResources(id)
		res.Allocations = append(res.Allocations, allocs...)
		r.allocated(allocs)
	}

	o.setStatus(id, models.AgentStatusRunning)
	o.emit(r, Event{Type: EventAgentStarted, Stage: stage, AgentID: id, Attempt: attempt})
	o.metrics.active(ctx, 1)
	defer o.metrics.active(ctx, -1)

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = agent.Run(actx, a, r.sc.For(id))
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.KindTimeout, fmt.Errorf("agent %s exceeded %s: %w", id, timeout, err))
	}
	return err
}

// recoverAgent carries out the cascade action of a permanent failure.
func (o *Orchestrator) recoverAgent(ctx context.Context, r *run, stage int, id string, res AgentResult, d failure.Decision) []AgentResult {
	o.logger.Warn("agent failed",
		"run", r.sc.RunID(), "agent", id, "attempts", res.Attempts,
		"action", string(d.Action), "reason", d.Reason, "error", res.Err)

	switch d.Action {
	case failure.ActionDegrade:
		if err := o.failures.Apply(d, r.sc); err != nil {
			o.logger.Warn("degrade failed", "agent", id, "error", err)
		}
		r.sc.MarkFailed(id)
		res.Status = models.AgentStatusDegraded
		o.setStatus(id, res.Status)
		o.recovered(ctx, r, RecoveryAction{Agent: id, Stage: stage, Action: string(failure.ActionDegrade), Detail: "placeholder output"})
		o.emit(r, Event{Type: EventAgentDegraded, Stage: stage, AgentID: id, Attempt: res.Attempts, Error: res.Err})
		return []AgentResult{res}

	case failure.ActionFallback:
		if sub, ok := o.runFallbacks(ctx, r, stage, id, d.Fallbacks); ok {
			r.sc.MarkSucceeded(id)
			res.Status = models.AgentStatusDone
			res.Substitute = sub
			o.setStatus(id, res.Status)
			o.emit(r, Event{Type: EventAgentCompleted, Stage: stage, AgentID: id, Message: "substituted by " + sub})
			return []AgentResult{res}
		}

	case failure.ActionIsolate:
		r.sc.MarkFailed(id)
		o.setStatus(id, models.AgentStatusFailed)
		o.recovered(ctx, r, RecoveryAction{Agent: id, Stage: stage, Action: string(failure.ActionIsolate), Detail: d.Reason})
		o.emit(r, Event{Type: EventAgentFailed, Stage: stage, AgentID: id, Attempt: res.Attempts, Message: "isolated", Error: res.Err})
		return []AgentResult{res}

	case failure.ActionRollback:
		// The stage rolls back once every member has finished.
		r.sc.MarkFailed(id)
		o.setStatus(id, models.AgentStatusFailed)
		o.emit(r, Event{Type: EventAgentFailed, Stage: stage, AgentID: id, Attempt: res.Attempts, Message: "rollback", Error: res.Err})
		return []AgentResult{res}
	}

	if out, ok := o.hotSwap(ctx, r, stage, res); ok {
		return out
	}
	r.sc.MarkFailed(id)
	o.setStatus(id, models.AgentStatusFailed)
	if d.Action == failure.ActionBlock {
		o.recovered(ctx, r, RecoveryAction{Agent: id, Stage: stage, Action: string(failure.ActionBlock), Detail: d.Reason})
	}
	o.emit(r, Event{Type: EventAgentFailed, Stage: stage, AgentID: id, Attempt: res.Attempts, Message: string(d.Action), Error: res.Err})
	return []AgentResult{res}
}

// runFallbacks tries each substitute in order. The first success writes
// its output under id.
func (o *Orchestrator) runFallbacks(ctx context.Context, r *run, stage int, id string, chain []string) (string, bool) {
	timeout := o.cfg.AgentTimeout
	if n, ok := o.g.Node(id); ok && n.Timeout > 0 {
		timeout = n.Timeout
	}
	for _, sub := range chain {
		if ctx.Err() != nil {
			return "", false
		}
		a, err := o.composer.LoadAgent(sub)
		if err != nil {
			o.logger.Warn("fallback unavailable", "agent", id, "fallback", sub, "error", err)
			continue
		}
		o.emit(r, Event{Type: EventAgentStarted, Stage: stage, AgentID: id, Message: "fallback " + sub})
		actx, cancel := context.WithTimeout(ctx, timeout)
		err = agent.Run(actx, a, r.sc.For(id))
		cancel()
		if err != nil {
			o.logger.Warn("fallback failed", "agent", id, "fallback", sub, "error", err)
			continue
		}
		r.sc.AddTrace(id, "substituted", sub)
		o.recovered(ctx, r, RecoveryAction{Agent: id, Stage: stage, Action: RecoverySubstitute, Detail: sub})
		return sub, true
	}
	return "", false
}

// hotSwap replaces a permanently failed agent with its best discovered
// alternative and runs the replacement in the same stage.
func (o *Orchestrator) hotSwap(ctx context.Context, r *run, stage int, res AgentResult) ([]AgentResult, bool) {
	id := res.Agent
	if !o.cfg.HotSwap || !r.claimSwap(id) {
		return nil, false
	}
	ev, err := o.composer.SwapFailed(ctx, id, r.sc)
	if err != nil {
		o.logger.Debug("no hot swap", "agent", id, "error", err)
		return nil, false
	}
	r.replace(id, ev.NewID)
	o.renameStatus(id, ev.NewID)
	o.recovered(ctx, r, RecoveryAction{Agent: id, Stage: stage, Action: RecoveryHotSwap, Detail: "to " + ev.NewID})
	o.emit(r, Event{Type: EventAgentSwapped, Stage: stage, AgentID: id, Message: fmt.Sprintf("%s -> %s", id, ev.NewID), Error: res.Err})

	res.SwappedTo = ev.NewID
	return append([]AgentResult{res}, o.runAgent(ctx, r, stage, ev.NewID)...), true
}

func (o *Orchestrator) recovered(ctx context.Context, r *run, a RecoveryAction) {
	if a.At.IsZero() {
		a.At = o.now()
	}
	r.recovery(a)
	o.metrics.recovery(ctx, a.Action)
	o.logger.Info("recovery action", "run", r.sc.RunID(), "agent", a.Agent, "stage", a.Stage, "action", a.Action, "detail", a.Detail)
	o.emit(r, Event{Type: EventRecovery, Stage: a.Stage, AgentID: a.Agent, Message: a.Action + ": " + a.Detail})
}

func (o *Orchestrator) resetStatuses(ids []string) {
	for _, id := range ids {
		o.setStatus(id, models.AgentStatusPending)
	}
}

// sleep waits for d. It returns false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func firstError(sr StageResult) error {
	for _, a := range sr.Agents {
		if a.stageBlocking() && a.Err != nil {
			return a.Err
		}
	}
	return nil
}
