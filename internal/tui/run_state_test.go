package tui

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/weave/internal/orchestrator"
)

func at(sec int) time.Time {
	return time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC)
}

func diamondEvents() []orchestrator.Event {
	boom := errors.New("boom")
	return []orchestrator.Event{
		{Type: orchestrator.EventRunStarted, RunID: "r1", Message: "summarize", Timestamp: at(0)},
		{Type: orchestrator.EventPhaseChanged, Phase: orchestrator.PhasePlanning, Message: "planning", Timestamp: at(0)},
		{Type: orchestrator.EventPlanReady, Message: "parallel_batched: 3 stages", Timestamp: at(1)},
		{Type: orchestrator.EventStageStarted, Stage: 0, Message: "0:sequential[A]", Timestamp: at(1)},
		{Type: orchestrator.EventAgentStarted, Stage: 0, AgentID: "A", Attempt: 1, Timestamp: at(1)},
		{Type: orchestrator.EventAgentCompleted, Stage: 0, AgentID: "A", Attempt: 1, Duration: 2 * time.Second, Timestamp: at(3), TokensUsed: 40},
		{Type: orchestrator.EventStageCompleted, Stage: 0, Duration: 2 * time.Second, Timestamp: at(3)},
		{Type: orchestrator.EventCheckpoint, Stage: 0, Message: "stage-0", Timestamp: at(3)},
		{Type: orchestrator.EventStageStarted, Stage: 1, Message: "1:parallel[B,C]", Timestamp: at(3)},
		{Type: orchestrator.EventAgentWaiting, Stage: 1, AgentID: "B", Attempt: 1, Timestamp: at(3)},
		{Type: orchestrator.EventAgentStarted, Stage: 1, AgentID: "B", Attempt: 1, Timestamp: at(4)},
		{Type: orchestrator.EventAgentRetrying, Stage: 1, AgentID: "B", Attempt: 1, Error: boom, Timestamp: at(4)},
		{Type: orchestrator.EventAgentStarted, Stage: 1, AgentID: "B", Attempt: 2, Timestamp: at(5)},
		{Type: orchestrator.EventAgentDegraded, Stage: 1, AgentID: "B", Attempt: 2, Error: boom, Timestamp: at(5)},
		{Type: orchestrator.EventRecovery, Stage: 1, AgentID: "B", Message: "degraded: placeholder", Timestamp: at(5)},
		{Type: orchestrator.EventAgentCompleted, Stage: 1, AgentID: "C", Attempt: 1, Timestamp: at(6), TokensUsed: 90},
		{Type: orchestrator.EventStageCompleted, Stage: 1, Timestamp: at(6)},
		{Type: orchestrator.EventCheckpoint, Stage: 1, Message: "stage-1", Timestamp: at(6)},
		{Type: orchestrator.EventStageStarted, Stage: 2, Message: "2:sequential[D]", Timestamp: at(6)},
		{Type: orchestrator.EventAgentCompleted, Stage: 2, AgentID: "D", Attempt: 1, Timestamp: at(7), TokensUsed: 120},
		{Type: orchestrator.EventRunDone, Message: "success", Timestamp: at(7), TokensUsed: 120},
	}
}

func TestRunStateApply(t *testing.T) {
	s := NewRunState("A", "B", "C", "D")
	for _, ev := range diamondEvents() {
		s.Apply(ev)
	}

	if s.RunID != "r1" || s.Query != "summarize" {
		t.Errorf("run = %q %q", s.RunID, s.Query)
	}
	if s.Plan != "parallel_batched: 3 stages" {
		t.Errorf("plan = %q", s.Plan)
	}
	if s.Stage != 2 || s.Stages != 3 {
		t.Errorf("stage = %d of %d, want 2 of 3", s.Stage, s.Stages)
	}
	if s.Tokens != 120 {
		t.Errorf("tokens = %d, want 120", s.Tokens)
	}
	if s.Checkpoints != 2 || s.Recoveries != 1 {
		t.Errorf("checkpoints = %d, recoveries = %d", s.Checkpoints, s.Recoveries)
	}
	if !s.Done || s.Phase != orchestrator.PhaseDone {
		t.Errorf("done = %v, phase = %q", s.Done, s.Phase)
	}

	want := map[string]AgentStatus{"A": AgentSucceeded, "B": AgentDegraded, "C": AgentSucceeded, "D": AgentSucceeded}
	for id, status := range want {
		r, ok := s.Row(id)
		if !ok {
			t.Fatalf("missing row %s", id)
		}
		if r.Status != status {
			t.Errorf("%s status = %q, want %q", id, r.Status, status)
		}
	}
	b, _ := s.Row("B")
	if b.Attempts != 2 || b.Stage != 1 || b.Detail != "boom" {
		t.Errorf("B row = %+v", b)
	}
	a, _ := s.Row("A")
	if a.Duration != 2*time.Second {
		t.Errorf("A duration = %v", a.Duration)
	}
	if s.Progress() != 1 {
		t.Errorf("progress = %v, want 1", s.Progress())
	}
}

func TestRunStateRowOrderAndNewAgents(t *testing.T) {
	s := NewRunState("A", "B")
	s.Apply(orchestrator.Event{Type: orchestrator.EventAgentSwapped, AgentID: "B", Message: "B -> B2"})
	s.Apply(orchestrator.Event{Type: orchestrator.EventAgentStarted, AgentID: "B2", Attempt: 1})

	rows := s.Rows()
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	got := []string{rows[0].ID, rows[1].ID, rows[2].ID}
	if got[0] != "A" || got[1] != "B" || got[2] != "B2" {
		t.Errorf("row order = %v", got)
	}
	if rows[1].Status != AgentSwapped || rows[2].Status != AgentRunning {
		t.Errorf("statuses = %q %q", rows[1].Status, rows[2].Status)
	}
	if rows[0].Status != AgentPending {
		t.Errorf("untouched agent should stay pending, got %q", rows[0].Status)
	}

	counts := s.Counts()
	if counts[AgentPending] != 1 || counts[AgentSwapped] != 1 || counts[AgentRunning] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if p := s.Progress(); p < 0.33 || p > 0.34 {
		t.Errorf("progress = %v, want 1/3", p)
	}
}

func TestRunStateLogBounded(t *testing.T) {
	s := NewRunState()
	for i := 0; i < maxLogLines+50; i++ {
		s.Apply(orchestrator.Event{Type: orchestrator.EventAgentCompleted, AgentID: "A", Timestamp: at(i % 60)})
	}
	if n := len(s.Logs(0)); n != maxLogLines {
		t.Errorf("log length = %d, want %d", n, maxLogLines)
	}
	if n := len(s.Logs(5)); n != 5 {
		t.Errorf("Logs(5) = %d lines", n)
	}
}

func TestAgentStatusSettled(t *testing.T) {
	tests := []struct {
		status AgentStatus
		want   bool
	}{
		{AgentPending, false},
		{AgentWaiting, false},
		{AgentRunning, false},
		{AgentRetrying, false},
		{AgentSucceeded, true},
		{AgentDegraded, true},
		{AgentSkipped, true},
		{AgentFailed, true},
		{AgentSwapped, true},
	}
	for _, tt := range tests {
		if got := tt.status.Settled(); got != tt.want {
			t.Errorf("%s.Settled() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
