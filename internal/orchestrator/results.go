package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/weave/internal/composer"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

// ErrStageFailed is matched by every *StageFailureError.
var ErrStageFailed = errors.New("stage failed")

// StageFailureError is returned when a stage still has failed members after
// the fallback plan and checkpoint rollback were tried.
type StageFailureError struct {
	Stage  int
	Agents []string
	Err    error
}

func (e *StageFailureError) Error() string {
	msg := fmt.Sprintf("stage %d failed (%s)", e.Stage, strings.Join(e.Agents, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageFailureError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageFailed}
	}
	return []error{ErrStageFailed, e.Err}
}

// PipelineTimeoutError is returned when the pipeline-wide timeout expires.
type PipelineTimeoutError struct {
	Timeout   time.Duration
	Completed []string
	Pending   []string
}

func (e *PipelineTimeoutError) Error() string {
	return fmt.Sprintf("pipeline timed out after %s: completed [%s], pending [%s]",
		e.Timeout, strings.Join(e.Completed, ", "), strings.Join(e.Pending, ", "))
}

func (e *PipelineTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// AgentResult is the outcome of one agent.
type AgentResult struct {
	Agent    string             `json:"agent"`
	Status   models.AgentStatus `json:"status"`
	Attempts int                `json:"attempts"`
	Duration time.Duration      `json:"duration"`
	// Action is the last recovery action decided for the agent.
	Action failure.Action `json:"action,omitempty"`
	// Substitute is the fallback agent whose output stands in.
	Substitute string `json:"substitute,omitempty"`
	// SwappedTo is the agent that replaced this one in the graph.
	SwappedTo   string                `json:"swapped_to,omitempty"`
	Allocations []resource.Allocation `json:"allocations,omitempty"`
	Err         error                 `json:"-"`
	Error       string                `json:"error,omitempty"`
}

// settled reports whether dependents may rely on the agent.
func (r AgentResult) settled() bool {
	return r.Status == models.AgentStatusDone || r.Status == models.AgentStatusDegraded
}

// stageBlocking reports whether the result fails its stage. Isolated agents,
// agents skipped behind them and swapped-out agents do not.
func (r AgentResult) stageBlocking() bool {
	if r.settled() || r.Status == models.AgentStatusSkipped || r.SwappedTo != "" {
		return false
	}
	return r.Action != failure.ActionIsolate
}

// StageResult is the outcome of one executed stage.
type StageResult struct {
	Index    int               `json:"index"`
	Kind     planner.StageKind `json:"kind"`
	Agents   []AgentResult     `json:"agents"`
	Duration time.Duration     `json:"duration"`
	Failed   bool              `json:"failed"`
	Fallback bool              `json:"fallback,omitempty"`
	Recovery string            `json:"recovery,omitempty"`
}

// failedAgents returns the members that fail the stage.
func (s StageResult) failedAgents() []string {
	var out []string
	for _, a := range s.Agents {
		if a.stageBlocking() {
			out = append(out, a.Agent)
		}
	}
	return out
}

// RecoveryAction records one recovery step taken during a run.
type RecoveryAction struct {
	Agent  string    `json:"agent,omitempty"`
	Stage  int       `json:"stage"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Recovery action names that are not failure.Actions.
const (
	RecoveryHotSwap      = "hot_swap"
	RecoveryFallbackPlan = "fallback_plan"
	RecoveryRollback     = "rollback"
	RecoverySubstitute   = "substitute"
)

// Results is the outcome of ExecutePipeline.
type Results struct {
	RunID           string                `json:"run_id"`
	Query           string                `json:"query"`
	Success         bool                  `json:"success"`
	Successful      []string              `json:"successful"`
	Failed          []string              `json:"failed"`
	RecoveryActions []RecoveryAction      `json:"recovery_actions"`
	StageResults    []StageResult         `json:"stage_results"`
	Allocations     []resource.Allocation `json:"allocations,omitempty"`
	Plan            planner.Summary       `json:"plan"`
	Swaps           []composer.SwapEvent  `json:"swaps,omitempty"`
	Rules           []composer.RuleEffect `json:"rules,omitempty"`
	Tokens          shared.TokenUsage     `json:"tokens"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      time.Time             `json:"finished_at"`
	Err             error                 `json:"-"`
	Error           string                `json:"error,omitempty"`
}

// SuccessRate is successful agents over all settled agents.
func (r *Results) SuccessRate() float64 {
	total := len(r.Successful) + len(r.Failed)
	if total == 0 {
		return 0
	}
	return float64(len(r.Successful)) / float64(total)
}

// Duration returns how long the run took.
func (r *Results) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// RecoveryCounts counts recovery actions by name.
func (r *Results) RecoveryCounts() map[string]int {
	out := make(map[string]int)
	for _, a := range r.RecoveryActions {
		out[a.Action]++
	}
	return out
}

// AgentResult returns the last recorded result of agentID.
func (r *Results) AgentResult(agentID string) (AgentResult, bool) {
	for i := len(r.StageResults) - 1; i >= 0; i-- {
		for _, a := range r.StageResults[i].Agents {
			if a.Agent == agentID {
				return a, true
			}
		}
	}
	return AgentResult{}, false
}
