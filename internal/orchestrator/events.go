package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates a run has started.
	EventRunStarted EventType = "run_started"
	// EventPhaseChanged indicates the run entered a new phase.
	EventPhaseChanged EventType = "phase_changed"
	// EventPlanReady carries the plan summary once planning is done.
	EventPlanReady EventType = "plan_ready"
	// EventStageStarted indicates a stage has started.
	EventStageStarted EventType = "stage_started"
	// EventStageCompleted indicates every member of a stage settled.
	EventStageCompleted EventType = "stage_completed"
	// EventStageFailed indicates a stage failed and recovery begins.
	EventStageFailed EventType = "stage_failed"
	// EventAgentWaiting indicates an agent is waiting for resources.
	EventAgentWaiting EventType = "agent_waiting"
	// EventAgentStarted indicates an agent attempt has started.
	EventAgentStarted EventType = "agent_started"
	// EventAgentRetrying indicates an agent failed and will retry.
	EventAgentRetrying EventType = "agent_retrying"
	// EventAgentCompleted indicates an agent succeeded.
	EventAgentCompleted EventType = "agent_completed"
	// EventAgentDegraded indicates an agent failed and a placeholder was written.
	EventAgentDegraded EventType = "agent_degraded"
	// EventAgentSkipped indicates an agent never ran because a dependency failed.
	EventAgentSkipped EventType = "agent_skipped"
	// EventAgentFailed indicates an agent failed permanently.
	EventAgentFailed EventType = "agent_failed"
	// EventAgentSwapped indicates an agent was hot swapped.
	EventAgentSwapped EventType = "agent_swapped"
	// EventRecovery indicates a recovery action was taken.
	EventRecovery EventType = "recovery"
	// EventCheckpoint indicates a checkpoint was taken.
	EventCheckpoint EventType = "checkpoint"
	// EventRunDone indicates the run is complete.
	EventRunDone EventType = "run_done"
)

// Event represents an event emitted by the orchestrator.
// These events are used to update the TUI and track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the run.
	RunID string
	// Phase is the phase the run is in.
	Phase Phase
	// Stage is the stage index for stage and agent events.
	Stage int
	// AgentID is the related agent, if applicable.
	AgentID string
	// Attempt is the 1-based attempt number for agent events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the elapsed time for completion events.
	Duration time.Duration
	// TokensUsed is the run's total token usage so far.
	TokensUsed int64
}
