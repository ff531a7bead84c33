// Package shared holds the cross-agent working state of a single run.
//
// Agents never see a Context directly; the orchestrator hands each agent a
// View bound to its id, and the View enforces write isolation: an agent may
// only write its own output, and a state field written by one agent is
// locked against every other agent until it is unlocked.
package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weave/internal/logging"
)

// DefaultMaxOutputBytes caps the encoded size of a single agent output.
const DefaultMaxOutputBytes = 1 << 20

var (
	// ErrOutputTooLarge is returned when an encoded output exceeds the cap.
	ErrOutputTooLarge = errors.New("agent output exceeds size limit")
	// ErrFieldLocked is returned when an agent writes a state field owned by
	// another agent.
	ErrFieldLocked = errors.New("state field is locked by another agent")
	// ErrInvalidSnapshot is returned by Restore for snapshots that were not
	// produced by Snapshot.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrViewRevoked is returned for writes through a revoked View.
	ErrViewRevoked = errors.New("agent view revoked")
)

// TokenUsage counts model tokens consumed by an agent.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 { return u.Input + u.Output }

// TraceEntry is one line of the execution trace.
type TraceEntry struct {
	Time    time.Time `json:"time"`
	AgentID string    `json:"agent_id,omitempty"`
	Event   string    `json:"event"`
	Detail  string    `json:"detail,omitempty"`
}

// Placeholder is the output written for an agent whose failure was
// degraded gracefully.
type Placeholder struct {
	Placeholder bool   `json:"placeholder"`
	Agent       string `json:"agent"`
	Reason      string `json:"reason,omitempty"`
}

// Option configures a Context.
type Option func(*Context)

// WithMaxOutputBytes sets the per-output size cap. n <= 0 disables the cap.
func WithMaxOutputBytes(n int) Option {
	return func(c *Context) { c.maxOutput = n }
}

// WithLogger sets the logger handed to agents through their View.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.logger = logging.OrNop(l) }
}

// WithClock overrides time.Now for trace and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// Context is the mutable state of one run. It is safe for concurrent use.
type Context struct {
	runID string
	query string

	maxOutput int
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	outputs      map[string]json.RawMessage
	placeholders map[string]bool
	state        map[string]json.RawMessage
	owners       map[string]string
	tokens       map[string]TokenUsage
	successful   map[string]bool
	failed       map[string]bool
	trace        []TraceEntry
}

// New creates an empty Context for a run.
func New(runID, query string, opts ...Option) *Context {
	c := &Context{
		runID:        runID,
		query:        query,
		maxOutput:    DefaultMaxOutputBytes,
		logger:       logging.Nop(),
		now:          time.Now,
		outputs:      make(map[string]json.RawMessage),
		placeholders: make(map[string]bool),
		state:        make(map[string]json.RawMessage),
		owners:       make(map[string]string),
		tokens:       make(map[string]TokenUsage),
		successful:   make(map[string]bool),
		failed:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// Query returns the query the run was started with.
func (c *Context) Query() string { return c.query }

// For returns the View an agent uses to read and write shared state.
func (c *Context) For(agentID string) *View {
	return &View{ctx: c, agentID: agentID}
}

func (c *Context) encode(agentID string, v any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, fmt.Errorf("output of %s: invalid json", agentID)
		}
		raw = append(json.RawMessage(nil), val...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode output of %s: %w", agentID, err)
		}
		raw = b
	}
	if c.maxOutput > 0 && len(raw) > c.maxOutput {
		return nil, fmt.Errorf("output of %s is %d bytes (limit %d): %w", agentID, len(raw), c.maxOutput, ErrOutputTooLarge)
	}
	return raw, nil
}

// SetOutput stores the JSON encoding of v as the output of agentID.
func (c *Context) SetOutput(agentID string, v any) error {
	return c.setOutput(nil, agentID, v)
}

// setOutput stores the output unless w is revoked. The revocation check
// and the write share the critical section.
func (c *Context) setOutput(w *View, agentID string, v any) error {
	raw, err := c.encode(agentID, v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.revokedLocked() {
		return ErrViewRevoked
	}
	c.outputs[agentID] = raw
	delete(c.placeholders, agentID)
	return nil
}

// SetPlaceholder stores a Placeholder output for agentID.
func (c *Context) SetPlaceholder(agentID, reason string) {
	raw, _ := json.Marshal(Placeholder{Placeholder: true, Agent: agentID, Reason: reason})
	c.mu.Lock()
	c.outputs[agentID] = raw
	c.placeholders[agentID] = true
	c.mu.Unlock()
}

// IsPlaceholder reports whether the output of agentID is a placeholder.
func (c *Context) IsPlaceholder(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.placeholders[agentID]
}

// Output returns the raw output of agentID. It also satisfies
// graph.RuntimeContext.
func (c *Context) Output(agentID string) (any, bool) {
	raw, ok := c.RawOutput(agentID)
	if !ok {
		return nil, false
	}
	return raw, true
}

// RawOutput returns a copy of the encoded output of agentID.
func (c *Context) RawOutput(agentID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.outputs[agentID]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// DecodeOutput unmarshals the output of agentID into dst.
func (c *Context) DecodeOutput(agentID string, dst any) error {
	raw, ok := c.RawOutput(agentID)
	if !ok {
		return fmt.Errorf("no output for agent %s", agentID)
	}
	return json.Unmarshal(raw, dst)
}

// Outputs returns a copy of every output keyed by agent id.
func (c *Context) Outputs() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(c.outputs))
	for id, raw := range c.outputs {
		out[id] = append(json.RawMessage(nil), raw...)
	}
	return out
}

// State returns the encoded value of a state field.
func (c *Context) State(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.state[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// SetState writes a state field on behalf of agentID. The first writer
// owns the field; writes from any other agent fail with ErrFieldLocked
// until Unlock is called.
func (c *Context) SetState(agentID, key string, v any) error {
	return c.setState(nil, agentID, key, v)
}

func (c *Context) setState(w *View, agentID, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.revokedLocked() {
		return ErrViewRevoked
	}
	if owner, ok := c.owners[key]; ok && owner != agentID {
		return fmt.Errorf("set state %s by %s (owner %s): %w", key, agentID, owner, ErrFieldLocked)
	}
	c.state[key] = b
	c.owners[key] = agentID
	return nil
}

// Owner returns the agent that currently holds the lock on key.
func (c *Context) Owner(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, ok := c.owners[key]
	return owner, ok
}

// Unlock releases ownership of a state field. The value is kept.
func (c *Context) Unlock(key string) {
	c.mu.Lock()
	delete(c.owners, key)
	c.mu.Unlock()
}

// AddTokens adds token usage for agentID.
func (c *Context) AddTokens(agentID string, input, output int64) {
	c.addTokens(nil, agentID, input, output)
}

func (c *Context) addTokens(w *View, agentID string, input, output int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.revokedLocked() {
		return
	}
	u := c.tokens[agentID]
	u.Input += input
	u.Output += output
	c.tokens[agentID] = u
}

// TokenUsage returns the summed usage over all agents.
func (c *Context) TokenUsage() TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total TokenUsage
	for _, u := range c.tokens {
		total.Input += u.Input
		total.Output += u.Output
	}
	return total
}

// AgentTokens returns the usage of a single agent.
func (c *Context) AgentTokens(agentID string) TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[agentID]
}

// MarkSucceeded moves agentID into the successful set.
func (c *Context) MarkSucceeded(agentID string) {
	c.mu.Lock()
	delete(c.failed, agentID)
	c.successful[agentID] = true
	c.mu.Unlock()
}

// MarkFailed moves agentID into the failed set.
func (c *Context) MarkFailed(agentID string) {
	c.mu.Lock()
	delete(c.successful, agentID)
	c.failed[agentID] = true
	c.mu.Unlock()
}

// Succeeded reports whether agentID is in the successful set. It also
// satisfies graph.RuntimeContext.
func (c *Context) Succeeded(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.successful[agentID]
}

// Failed reports whether agentID is in the failed set.
func (c *Context) Failed(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed[agentID]
}

// Successful returns the successful agent ids, sorted.
func (c *Context) Successful() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.successful)
}

// FailedAgents returns the failed agent ids, sorted.
func (c *Context) FailedAgents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.failed)
}

// AddTrace appends an entry to the execution trace.
func (c *Context) AddTrace(agentID, event, detail string) {
	c.addTrace(nil, agentID, event, detail)
}

func (c *Context) addTrace(w *View, agentID, event, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.revokedLocked() {
		return
	}
	c.trace = append(c.trace, TraceEntry{Time: c.now(), AgentID: agentID, Event: event, Detail: detail})
}

// Trace returns a copy of the execution trace.
func (c *Context) Trace() []TraceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]TraceEntry(nil), c.trace...)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot is an immutable encoded copy of the restorable state.
type Snapshot struct {
	ID    string
	Label string
	Taken time.Time
	Data  []byte
}

// snapshotState is the encoded form. Maps marshal with sorted keys so the
// same state always produces the same bytes.
type snapshotState struct {
	Outputs      map[string]json.RawMessage `json:"outputs"`
	Placeholders map[string]bool            `json:"placeholders"`
	State        map[string]json.RawMessage `json:"state"`
	Owners       map[string]string          `json:"owners"`
	Tokens       map[string]TokenUsage      `json:"tokens"`
	Successful   []string                   `json:"successful"`
	Failed       []string                   `json:"failed"`
}

// Snapshot encodes outputs, execution state and the success sets. The
// trace is append-only and is not part of a snapshot.
func (c *Context) Snapshot(label string) (Snapshot, error) {
	c.mu.RLock()
	st := snapshotState{
		Outputs:      c.outputs,
		Placeholders: c.placeholders,
		State:        c.state,
		Owners:       c.owners,
		Tokens:       c.tokens,
		Successful:   sortedKeys(c.successful),
		Failed:       sortedKeys(c.failed),
	}
	data, err := json.Marshal(st)
	c.mu.RUnlock()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", label, err)
	}
	return Snapshot{ID: uuid.NewString(), Label: label, Taken: c.now(), Data: data}, nil
}

// Restore replaces the restorable state with the snapshot contents.
// A Snapshot taken immediately afterwards has identical Data.
func (c *Context) Restore(s Snapshot) error {
	if len(s.Data) == 0 {
		return ErrInvalidSnapshot
	}
	var st snapshotState
	if err := json.Unmarshal(s.Data, &st); err != nil {
		return fmt.Errorf("restore %s: %w: %v", s.Label, ErrInvalidSnapshot, err)
	}

	c.mu.Lock()
	c.outputs = orEmpty(st.Outputs)
	c.placeholders = make(map[string]bool, len(st.Placeholders))
	for k, v := range st.Placeholders {
		c.placeholders[k] = v
	}
	c.state = orEmpty(st.State)
	c.owners = make(map[string]string, len(st.Owners))
	for k, v := range st.Owners {
		c.owners[k] = v
	}
	c.tokens = make(map[string]TokenUsage, len(st.Tokens))
	for k, v := range st.Tokens {
		c.tokens[k] = v
	}
	c.successful = toSet(st.Successful)
	c.failed = toSet(st.Failed)
	c.trace = append(c.trace, TraceEntry{Time: c.now(), Event: "restore", Detail: s.Label})
	c.mu.Unlock()
	return nil
}

func orEmpty(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return make(map[string]json.RawMessage)
	}
	return m
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
