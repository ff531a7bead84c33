package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is the persisted summary of one pipeline run.
type Run struct {
	ID           string     `json:"id"`
	Query        string     `json:"query"`
	Strategy     string     `json:"strategy"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	Stages       int        `json:"stages"`
	Recoveries   int        `json:"recoveries"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	Agents       []AgentRun `json:"agents,omitempty"`
	Failures     []Failure  `json:"failures,omitempty"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// AgentRun is the outcome of one agent within a run.
type AgentRun struct {
	AgentID  string        `json:"agent_id"`
	Status   string        `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Action   string        `json:"action,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Failure is one persisted failure record.
type Failure struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	AgentID    string    `json:"agent_id"`
	Kind       string    `json:"kind"`
	Action     string    `json:"action,omitempty"`
	Attempt    int       `json:"attempt"`
	Impact     float64   `json:"impact"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveRun stores run with its agents and failures. Saving an existing id
// replaces it.
func (db *DB) SaveRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("save run: empty id")
	}
	return db.Transaction(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM failures WHERE run_id = ?`,
			`DELETE FROM run_agents WHERE run_id = ?`,
			`DELETE FROM runs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, run.ID); err != nil {
				return fmt.Errorf("save run %s: %w", run.ID, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, query, strategy, success, error, stages, recoveries,
				input_tokens, output_tokens, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.Query, run.Strategy, run.Success, nullString(run.Error), run.Stages, run.Recoveries,
			run.InputTokens, run.OutputTokens, formatTime(run.StartedAt), formatTime(run.FinishedAt))
		if err != nil {
			return fmt.Errorf("save run %s: %w", run.ID, err)
		}

		for _, a := range run.Agents {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO run_agents (run_id, agent_id, status, attempts, duration_ms, action, error)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, run.ID, a.AgentID, a.Status, a.Attempts, a.Duration.Milliseconds(), nullString(a.Action), nullString(a.Error))
			if err != nil {
				return fmt.Errorf("save run %s agent %s: %w", run.ID, a.AgentID, err)
			}
		}

		for _, f := range run.Failures {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO failures (id, run_id, agent_id, kind, action, attempt, impact, message, occurred_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, f.ID, run.ID, f.AgentID, f.Kind, nullString(f.Action), f.Attempt, f.Impact, nullString(f.Message), formatTime(f.OccurredAt))
			if err != nil {
				return fmt.Errorf("save run %s failure %s: %w", run.ID, f.ID, err)
			}
		}
		return nil
	})
}

const runColumns = `id, query, strategy, success, error, stages, recoveries,
	input_tokens, output_tokens, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r                 Run
		errMsg            sql.NullString
		started, finished string
	)
	if err := s.Scan(&r.ID, &r.Query, &r.Strategy, &r.Success, &errMsg, &r.Stages, &r.Recoveries,
		&r.InputTokens, &r.OutputTokens, &started, &finished); err != nil {
		return Run{}, err
	}
	r.Error = errMsg.String
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return Run{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return r, nil
}

// GetRun loads one run with its agents and failures.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	if r.Agents, err = db.runAgentsLocked(ctx, id); err != nil {
		return nil, err
	}
	if r.Failures, err = db.queryFailuresLocked(ctx, `WHERE run_id = ? ORDER BY occurred_at`, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) runAgentsLocked(ctx context.Context, runID string) ([]AgentRun, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT agent_id, status, attempts, duration_ms, action, error
		FROM run_agents WHERE run_id = ? ORDER BY agent_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agents of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []AgentRun
	for rows.Next() {
		var (
			a             AgentRun
			ms            int64
			action, errMsg sql.NullString
		)
		if err := rows.Scan(&a.AgentID, &a.Status, &a.Attempts, &ms, &action, &errMsg); err != nil {
			return nil, fmt.Errorf("scan agent of run %s: %w", runID, err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		a.Action = action.String
		a.Error = errMsg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) queryFailuresLocked(ctx context.Context, where string, args ...any) ([]Failure, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, run_id, agent_id, kind, action, attempt, impact, message, occurred_at
		FROM failures `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f               Failure
			action, message sql.NullString
			at              string
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.AgentID, &f.Kind, &action, &f.Attempt, &f.Impact, &message, &at); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Action = action.String
		f.Message = message.String
		if f.OccurredAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs, newest first, without agents or
// failures. A limit of zero or less means 20.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AgentFailures returns the newest failures of one agent across runs.
func (db *DB) AgentFailures(ctx context.Context, agentID string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.queryFailuresLocked(ctx, `WHERE agent_id = ? ORDER BY occurred_at DESC LIMIT ?`, agentID, limit)
}
