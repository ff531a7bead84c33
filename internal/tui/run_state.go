package tui

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/weave/internal/orchestrator"
)

// maxLogLines bounds the activity log kept in memory.
const maxLogLines = 200

// AgentStatus is the display status of one agent row.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentWaiting   AgentStatus = "waiting"
	AgentRunning   AgentStatus = "running"
	AgentRetrying  AgentStatus = "retrying"
	AgentSucceeded AgentStatus = "succeeded"
	AgentDegraded  AgentStatus = "degraded"
	AgentSkipped   AgentStatus = "skipped"
	AgentFailed    AgentStatus = "failed"
	AgentSwapped   AgentStatus = "swapped"
)

// Settled reports whether the agent will not run again in this run.
func (s AgentStatus) Settled() bool {
	switch s {
	case AgentSucceeded, AgentDegraded, AgentSkipped, AgentFailed, AgentSwapped:
		return true
	}
	return false
}

// AgentRow is one line of the agent table.
type AgentRow struct {
	ID       string
	Status   AgentStatus
	Stage    int
	Attempts int
	Duration time.Duration
	Detail   string
}

// LogLine is one entry of the activity log.
type LogLine struct {
	Time    time.Time
	Type    orchestrator.EventType
	Message string
	Error   bool
}

// RunState is everything the run view renders, rebuilt from the event
// stream.
type RunState struct {
	RunID       string
	Query       string
	Phase       orchestrator.Phase
	Plan        string
	Stage       int
	Stages      int
	Tokens      int64
	Checkpoints int
	Recoveries  int
	Paused      bool
	Done        bool
	StartedAt   time.Time
	LastEvent   time.Time

	rows  []*AgentRow
	index map[string]*AgentRow
	logs  []LogLine
}

// NewRunState seeds the agent table with ids in display order.
func NewRunState(ids ...string) *RunState {
	s := &RunState{Stage: -1, index: make(map[string]*AgentRow)}
	for _, id := range ids {
		s.row(id)
	}
	return s
}

func (s *RunState) row(id string) *AgentRow {
	if r, ok := s.index[id]; ok {
		return r
	}
	r := &AgentRow{ID: id, Status: AgentPending, Stage: -1}
	s.rows = append(s.rows, r)
	s.index[id] = r
	return r
}

// Rows returns the agent rows in display order.
func (s *RunState) Rows() []AgentRow {
	out := make([]AgentRow, len(s.rows))
	for i, r := range s.rows {
		out[i] = *r
	}
	return out
}

// Row returns the row of one agent.
func (s *RunState) Row(id string) (AgentRow, bool) {
	r, ok := s.index[id]
	if !ok {
		return AgentRow{}, false
	}
	return *r, true
}

// Logs returns up to n of the most recent log lines, oldest first.
func (s *RunState) Logs(n int) []LogLine {
	if n <= 0 || n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]LogLine, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

// Counts returns the number of agents per status.
func (s *RunState) Counts() map[AgentStatus]int {
	out := make(map[AgentStatus]int)
	for _, r := range s.rows {
		out[r.Status]++
	}
	return out
}

// Progress is the settled fraction of agents in [0, 1].
func (s *RunState) Progress() float64 {
	if len(s.rows) == 0 {
		return 0
	}
	settled := 0
	for _, r := range s.rows {
		if r.Status.Settled() {
			settled++
		}
	}
	return float64(settled) / float64(len(s.rows))
}

func (s *RunState) log(ev orchestrator.Event, msg string) {
	line := LogLine{Time: ev.Timestamp, Type: ev.Type, Message: msg, Error: ev.Error != nil}
	s.logs = append(s.logs, line)
	if len(s.logs) > maxLogLines {
		s.logs = s.logs[len(s.logs)-maxLogLines:]
	}
}

// Apply folds one orchestrator event into the state.
func (s *RunState) Apply(ev orchestrator.Event) {
	s.LastEvent = ev.Timestamp
	if ev.TokensUsed > s.Tokens {
		s.Tokens = ev.TokensUsed
	}
	if ev.Phase != "" {
		s.Phase = ev.Phase
	}

	if ev.AgentID != "" {
		s.applyAgent(ev)
		return
	}

	switch ev.Type {
	case orchestrator.EventRunStarted:
		s.RunID = ev.RunID
		s.Query = ev.Message
		s.StartedAt = ev.Timestamp
		s.log(ev, "run "+ev.RunID+" started")
	case orchestrator.EventPhaseChanged:
		s.Phase = orchestrator.Phase(ev.Message)
	case orchestrator.EventPlanReady:
		s.Plan = ev.Message
		s.log(ev, "plan "+ev.Message)
	case orchestrator.EventStageStarted:
		s.Stage = ev.Stage
		if ev.Stage+1 > s.Stages {
			s.Stages = ev.Stage + 1
		}
		s.log(ev, fmt.Sprintf("stage %d started %s", ev.Stage, ev.Message))
	case orchestrator.EventStageCompleted:
		s.log(ev, fmt.Sprintf("stage %d completed in %s", ev.Stage, ev.Duration.Round(time.Millisecond)))
	case orchestrator.EventStageFailed:
		s.log(ev, fmt.Sprintf("stage %d failed: %s", ev.Stage, ev.Message))
	case orchestrator.EventRecovery:
		s.Recoveries++
		s.log(ev, "recovery "+ev.Message)
	case orchestrator.EventCheckpoint:
		s.Checkpoints++
	case orchestrator.EventRunDone:
		s.Done = true
		s.Phase = orchestrator.PhaseDone
		s.log(ev, "run finished "+ev.Message)
	}
}

func (s *RunState) applyAgent(ev orchestrator.Event) {
	r := s.row(ev.AgentID)
	if ev.Type != orchestrator.EventRecovery {
		r.Stage = ev.Stage
	}
	if ev.Attempt > r.Attempts {
		r.Attempts = ev.Attempt
	}
	detail := ev.Message
	if ev.Error != nil {
		detail = ev.Error.Error()
	}

	switch ev.Type {
	case orchestrator.EventAgentWaiting:
		r.Status = AgentWaiting
	case orchestrator.EventAgentStarted:
		r.Status = AgentRunning
		r.Detail = ev.Message
	case orchestrator.EventAgentRetrying:
		r.Status = AgentRetrying
		r.Detail = detail
		s.log(ev, fmt.Sprintf("%s retrying after attempt %d: %s", ev.AgentID, ev.Attempt, detail))
	case orchestrator.EventAgentCompleted:
		r.Status = AgentSucceeded
		r.Duration = ev.Duration
		r.Detail = ev.Message
		s.log(ev, ev.AgentID+" completed")
	case orchestrator.EventAgentDegraded:
		r.Status = AgentDegraded
		r.Detail = detail
		s.log(ev, ev.AgentID+" degraded: "+detail)
	case orchestrator.EventAgentSkipped:
		r.Status = AgentSkipped
		r.Detail = ev.Message
		s.log(ev, ev.AgentID+" skipped, "+ev.Message)
	case orchestrator.EventAgentFailed:
		r.Status = AgentFailed
		r.Detail = detail
		s.log(ev, ev.AgentID+" failed: "+detail)
	case orchestrator.EventAgentSwapped:
		r.Status = AgentSwapped
		r.Detail = ev.Message
		s.log(ev, "hot swap "+ev.Message)
	case orchestrator.EventRecovery:
		s.Recoveries++
		s.log(ev, "recovery "+ev.Message)
	}
}
