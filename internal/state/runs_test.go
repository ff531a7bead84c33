package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sampleRun(id string, started time.Time) Run {
	return Run{
		ID:           id,
		Query:        "summarize the report",
		Strategy:     "parallel_batched",
		Success:      false,
		Error:        "stage 1 failed",
		Stages:       3,
		Recoveries:   1,
		InputTokens:  120,
		OutputTokens: 80,
		StartedAt:    started,
		FinishedAt:   started.Add(2 * time.Second),
		Agents: []AgentRun{
			{AgentID: "A", Status: "done", Attempts: 1, Duration: 300 * time.Millisecond},
			{AgentID: "B", Status: "degraded", Attempts: 3, Duration: time.Second, Action: "degrade", Error: "upstream 503"},
		},
		Failures: []Failure{
			{ID: id + "-f1", AgentID: "B", Kind: "upstream", Action: "retry", Attempt: 1, Impact: 0.4, Message: "503", OccurredAt: started},
			{ID: id + "-f2", AgentID: "B", Kind: "upstream", Action: "degrade", Attempt: 3, Impact: 0.4, OccurredAt: started.Add(time.Second)},
		},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := db.SaveRun(ctx, sampleRun("r1", started)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	got, err := db.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}

	if got.Query != "summarize the report" || got.Success || got.Error != "stage 1 failed" || got.Stages != 3 {
		t.Errorf("run = %+v", got)
	}
	if got.Duration() != 2*time.Second {
		t.Errorf("Duration() = %v, want 2s", got.Duration())
	}
	if len(got.Agents) != 2 || got.Agents[1].Action != "degrade" || got.Agents[1].Duration != time.Second {
		t.Errorf("agents = %+v", got.Agents)
	}
	if len(got.Failures) != 2 || got.Failures[0].Message != "503" || got.Failures[1].Message != "" {
		t.Errorf("failures = %+v", got.Failures)
	}
}

func TestSaveRunReplaces(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run := sampleRun("r1", time.Now())
	if err := db.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Success = true
	run.Error = ""
	run.Agents = run.Agents[:1]
	run.Failures = nil
	if err := db.SaveRun(ctx, run); err != nil {
		t.Fatalf("second SaveRun failed: %v", err)
	}
	got, err := db.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Success || len(got.Agents) != 1 || len(got.Failures) != 0 {
		t.Errorf("replaced run = %+v", got)
	}
}

func TestSaveRunRequiresID(t *testing.T) {
	db := setupTestDB(t)
	if err := db.SaveRun(context.Background(), Run{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := db.SaveRun(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := db.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("ListRuns(2) = %+v", runs)
	}
	if runs[0].Agents != nil {
		t.Error("ListRuns should not load agents")
	}
}

func TestAgentFailures(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := db.SaveRun(ctx, sampleRun("r1", base)); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveRun(ctx, sampleRun("r2", base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	fails, err := db.AgentFailures(ctx, "B", 3)
	if err != nil {
		t.Fatalf("AgentFailures failed: %v", err)
	}
	if len(fails) != 3 || fails[0].RunID != "r2" || fails[0].Attempt != 3 {
		t.Errorf("AgentFailures = %+v", fails)
	}
	none, err := db.AgentFailures(ctx, "A", 0)
	if err != nil || len(none) != 0 {
		t.Errorf("AgentFailures(A) = %v, %v", none, err)
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if err := db.SaveRun(ctx, sampleRun("ancient", time.Now().Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveRun(ctx, sampleRun("fresh", time.Now())); err != nil {
		t.Fatal(err)
	}

	n, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1", n)
	}
	if _, err := db.GetRun(ctx, "ancient"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ancient run still present: %v", err)
	}
	fails, err := db.AgentFailures(ctx, "B", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range fails {
		if f.RunID == "ancient" {
			t.Error("failures of purged run remain")
		}
	}
}

func TestRunTimesSurviveStorage(t *testing.T) {
	tests := []struct {
		name    string
		started time.Time
	}{
		{"whole seconds", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"sub-second", time.Date(2026, 5, 1, 12, 0, 0, 473515970, time.UTC)},
		{"nanoseconds", time.Date(2026, 5, 1, 12, 0, 0, 1, time.UTC)},
		{"non-utc zone", time.Date(2026, 5, 1, 14, 30, 0, 250_000_000, time.FixedZone("CEST", 2*3600))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			ctx := context.Background()
			run := sampleRun("r1", tt.started)
			if err := db.SaveRun(ctx, run); err != nil {
				t.Fatalf("SaveRun failed: %v", err)
			}

			got, err := db.GetRun(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if !got.StartedAt.Equal(run.StartedAt) || !got.FinishedAt.Equal(run.FinishedAt) {
				t.Errorf("GetRun times = %v..%v, want %v..%v", got.StartedAt, got.FinishedAt, run.StartedAt, run.FinishedAt)
			}
			if len(got.Failures) != 2 || !got.Failures[0].OccurredAt.Equal(run.Failures[0].OccurredAt) {
				t.Errorf("failure times = %+v", got.Failures)
			}

			runs, err := db.ListRuns(ctx, 1)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(runs) != 1 || !runs[0].StartedAt.Equal(run.StartedAt) {
				t.Errorf("ListRuns = %+v", runs)
			}

			fails, err := db.AgentFailures(ctx, "B", 1)
			if err != nil {
				t.Fatalf("AgentFailures failed: %v", err)
			}
			if len(fails) != 1 || !fails[0].OccurredAt.Equal(run.Failures[1].OccurredAt) {
				t.Errorf("AgentFailures = %+v", fails)
			}
		})
	}
}

func TestListRunsOrdersWithinSecond(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for id, offset := range map[string]time.Duration{"a": 0, "b": 90 * time.Millisecond, "c": 500 * time.Millisecond} {
		if err := db.SaveRun(ctx, sampleRun(id, base.Add(offset))); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := db.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "b" || ids[2] != "a" {
		t.Errorf("ListRuns order = %v, want [c b a]", ids)
	}
}
