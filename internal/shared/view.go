package shared

import (
	"encoding/json"
	"log/slog"
)

// View is an agent's handle on the shared Context. All writes are
// attributed to the bound agent. Once revoked, writes are rejected with
// ErrViewRevoked or dropped.
type View struct {
	ctx     *Context
	agentID string
	// revoked is guarded by ctx.mu.
	revoked bool
}

// Revoke rejects every later write through the view. A write racing with
// Revoke either lands before it returns or is rejected.
func (v *View) Revoke() {
	v.ctx.mu.Lock()
	v.revoked = true
	v.ctx.mu.Unlock()
}

// Revoked reports whether Revoke was called.
func (v *View) Revoked() bool {
	v.ctx.mu.RLock()
	defer v.ctx.mu.RUnlock()
	return v.revoked
}

// revokedLocked is Revoked for callers holding ctx.mu. A nil view is never
// revoked.
func (v *View) revokedLocked() bool { return v != nil && v.revoked }

// AgentID returns the agent the view is bound to.
func (v *View) AgentID() string { return v.agentID }

// RunID returns the run identifier.
func (v *View) RunID() string { return v.ctx.runID }

// Query returns the run query.
func (v *View) Query() string { return v.ctx.query }

// Logger returns the run logger tagged with the agent id.
func (v *View) Logger() *slog.Logger { return v.ctx.logger.With("agent", v.agentID) }

// Input returns the output of an upstream agent.
func (v *View) Input(agentID string) (json.RawMessage, bool) {
	return v.ctx.RawOutput(agentID)
}

// DecodeInput unmarshals the output of an upstream agent into dst.
func (v *View) DecodeInput(agentID string, dst any) error {
	return v.ctx.DecodeOutput(agentID, dst)
}

// IsPlaceholder reports whether the upstream output is a degraded
// placeholder.
func (v *View) IsPlaceholder(agentID string) bool { return v.ctx.IsPlaceholder(agentID) }

// Inputs returns every output written so far.
func (v *View) Inputs() map[string]json.RawMessage { return v.ctx.Outputs() }

// SetOutput writes the bound agent's output.
func (v *View) SetOutput(val any) error {
	return v.ctx.setOutput(v, v.agentID, val)
}

// State reads a state field.
func (v *View) State(key string) (json.RawMessage, bool) { return v.ctx.State(key) }

// SetState writes a state field and takes ownership of it.
func (v *View) SetState(key string, val any) error {
	return v.ctx.setState(v, v.agentID, key, val)
}

// Unlock releases a field owned by the bound agent. It is a no-op for
// fields owned by someone else.
func (v *View) Unlock(key string) {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	if !v.revoked && v.ctx.owners[key] == v.agentID {
		delete(v.ctx.owners, key)
	}
}

// AddTokens records token usage for the bound agent.
func (v *View) AddTokens(input, output int64) {
	v.ctx.addTokens(v, v.agentID, input, output)
}

// Trace appends a trace entry for the bound agent.
func (v *View) Trace(event, detail string) {
	v.ctx.addTrace(v, v.agentID, event, detail)
}
