package failure

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/internal/shared"
)

// Strategy is the cascade-prevention strategy applied once retries are
// ruled out.
type Strategy string

const (
	StrategyCircuitBreaker      Strategy = "circuit_breaker"
	StrategyIsolation           Strategy = "isolation"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategyFallbackChain       Strategy = "fallback_chain"
	StrategyCheckpointRollback  Strategy = "checkpoint_rollback"
)

// Valid returns true for known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCircuitBreaker, StrategyIsolation, StrategyGracefulDegradation,
		StrategyFallbackChain, StrategyCheckpointRollback:
		return true
	}
	return false
}

// Action is what the orchestrator should do about a failure.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionBlock    Action = "block"
	ActionIsolate  Action = "isolate"
	ActionDegrade  Action = "degrade"
	ActionFallback Action = "fallback"
	ActionRollback Action = "rollback"
	ActionFail     Action = "fail"
)

// Thresholds for the cascade strategies.
const (
	blockSeverity    = 0.7
	noRetrySeverity  = 0.9
	isolateAffected  = 3
	defaultRecordCap = 10000
)

// Config configures a Manager.
type Config struct {
	Strategy Strategy      `mapstructure:"strategy"`
	Retry    RetryPolicy   `mapstructure:"retry"`
	Breaker  BreakerConfig `mapstructure:"circuit_breaker"`
	// FailingWindow is how recent a dependency failure must be to count as
	// currently failing.
	FailingWindow time.Duration `mapstructure:"failing_window"`
	// RateWindow is the span of the sliding failure-rate window.
	RateWindow time.Duration `mapstructure:"rate_window"`
	// DelayNorm is the estimated delay that counts as full severity.
	DelayNorm      time.Duration       `mapstructure:"delay_norm"`
	MaxCheckpoints int                 `mapstructure:"max_checkpoints"`
	MaxRecords     int                 `mapstructure:"max_records"`
	Fallbacks      map[string][]string `mapstructure:"fallbacks"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyGracefulDegradation,
		Retry:          DefaultRetryPolicy(),
		Breaker:        DefaultBreakerConfig(),
		FailingWindow:  5 * time.Minute,
		RateWindow:     5 * time.Minute,
		DelayNorm:      10 * time.Minute,
		MaxCheckpoints: 20,
		MaxRecords:     defaultRecordCap,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	c.Retry = c.Retry.withDefaults()
	c.Breaker = c.Breaker.withDefaults()
	if c.FailingWindow <= 0 {
		c.FailingWindow = d.FailingWindow
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.DelayNorm <= 0 {
		c.DelayNorm = d.DelayNorm
	}
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = d.MaxCheckpoints
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	return c
}

// Record is one failure event. Records are never modified.
type Record struct {
	ID      string    `json:"id"`
	Agent   string    `json:"agent"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Attempt int       `json:"attempt"`
	Impact  float64   `json:"impact"`
	Action  Action    `json:"action"`
	Message string    `json:"message"`
}

// Decision is the outcome of HandleFailure.
type Decision struct {
	Agent     string
	Kind      Kind
	Attempt   int
	Retry     bool
	Delay     time.Duration
	Action    Action
	Fallbacks []string
	Impact    Impact
	Reason    string
	Err       error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithClock overrides time.Now for breakers, windows and records.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// Manager tracks failures per agent and decides recoveries. It is safe for
// concurrent use.
type Manager struct {
	cfg    Config
	graph  *graph.DependencyGraph
	logger *slog.Logger
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	strategy    Strategy
	breakers    map[string]*CircuitBreaker
	policies    map[string]RetryPolicy
	fallbacks   map[string][]string
	records     []Record
	byAgent     map[string][]Record
	window      slidingWindow
	checkpoints []shared.Snapshot
}

// New creates a manager for the agents of g.
func New(cfg Config, g *graph.DependencyGraph, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		graph:     g,
		logger:    logging.Nop(),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		strategy:  cfg.Strategy,
		breakers:  make(map[string]*CircuitBreaker),
		policies:  make(map[string]RetryPolicy),
		fallbacks: make(map[string][]string),
		byAgent:   make(map[string][]Record),
		window:    slidingWindow{span: cfg.RateWindow},
	}
	for id, chain := range cfg.Fallbacks {
		m.fallbacks[id] = append([]string(nil), chain...)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) breaker(agentID string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[agentID]
	if !ok {
		cb = NewCircuitBreaker(m.cfg.Breaker, m.now)
		m.breakers[agentID] = cb
	}
	return cb
}

// CanExecute returns a *CircuitOpenError when the breaker of agentID
// refuses the call.
func (m *Manager) CanExecute(agentID string) error {
	cb := m.breaker(agentID)
	if cb.Allow() {
		return nil
	}
	return &CircuitOpenError{Agent: agentID, RetryAfter: cb.RetryAfter()}
}

// RecordSuccess notes a successful execution of agentID.
func (m *Manager) RecordSuccess(agentID string) {
	m.breaker(agentID).RecordSuccess()
	m.mu.Lock()
	m.window.add(m.now(), false)
	m.mu.Unlock()
}

// HandleFailure classifies err, records it and decides between a retry and
// the configured cascade action. attempt is 1-based.
func (m *Manager) HandleFailure(agentID string, err error, sc *shared.Context, attempt int) Decision {
	now := m.now()
	kind := Classify(err)
	cb := m.breaker(agentID)
	cb.RecordFailure()

	m.mu.Lock()
	m.window.add(now, true)
	rate := m.window.rate(now)
	policy := m.policyLocked(agentID)
	strategy := m.strategy
	m.mu.Unlock()

	d := Decision{Agent: agentID, Kind: kind, Attempt: attempt, Err: err}
	d.Impact = m.analyze(agentID, now)

	switch {
	case attempt >= policy.MaxAttempts:
		d.Reason = fmt.Sprintf("attempts exhausted (%d/%d)", attempt, policy.MaxAttempts)
	case cb.State() == StateOpen:
		d.Reason = "circuit breaker open"
	case !kind.Retryable():
		d.Reason = fmt.Sprintf("%s failures are not retryable", kind)
	case d.Impact.Severity > noRetrySeverity:
		d.Reason = fmt.Sprintf("severity %.2f too high to retry", d.Impact.Severity)
	default:
		d.Retry = true
		d.Action = ActionRetry
		m.rngMu.Lock()
		d.Delay = policy.JitteredDelay(attempt, rate, m.rng)
		m.rngMu.Unlock()
		d.Reason = fmt.Sprintf("retry %d/%d", attempt+1, policy.MaxAttempts)
	}

	if !d.Retry {
		m.cascade(&d, strategy, cb)
	}

	rec := Record{
		ID:      uuid.NewString(),
		Agent:   agentID,
		Kind:    kind,
		Time:    now,
		Attempt: attempt,
		Impact:  d.Impact.Severity,
		Action:  d.Action,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	m.appendRecord(rec)

	m.logger.Warn("agent failure handled",
		"agent", agentID,
		"kind", string(kind),
		"attempt", attempt,
		"action", string(d.Action),
		"severity", d.Impact.Severity,
		"reason", d.Reason,
		"error", err,
	)
	if sc != nil {
		sc.AddTrace(agentID, "failure", fmt.Sprintf("%s: %s", kind, d.Action))
	}
	return d
}

// cascade picks the non-retry action for the strategy.
func (m *Manager) cascade(d *Decision, strategy Strategy, cb *CircuitBreaker) {
	d.Action = ActionFail
	switch strategy {
	case StrategyCircuitBreaker:
		if d.Impact.Severity > blockSeverity {
			cb.ForceOpen()
			d.Action = ActionBlock
		}
	case StrategyIsolation:
		if len(d.Impact.Transitive) > isolateAffected {
			d.Action = ActionIsolate
		}
	case StrategyGracefulDegradation:
		d.Action = ActionDegrade
	case StrategyFallbackChain:
		if chain := m.Fallbacks(d.Agent); len(chain) > 0 {
			d.Action = ActionFallback
			d.Fallbacks = chain
		}
	case StrategyCheckpointRollback:
		m.mu.Lock()
		has := len(m.checkpoints) > 0
		m.mu.Unlock()
		if has {
			d.Action = ActionRollback
		}
	}
}

func (m *Manager) appendRecord(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.byAgent[rec.Agent] = append(m.byAgent[rec.Agent], rec)
	if over := len(m.records) - m.cfg.MaxRecords; over > 0 {
		for _, old := range m.records[:over] {
			if recs := m.byAgent[old.Agent]; len(recs) > 0 {
				m.byAgent[old.Agent] = recs[1:]
			}
		}
		m.records = append([]Record(nil), m.records[over:]...)
	}
}

// Apply performs the side effects of a decision on sc: a placeholder
// output for ActionDegrade and a checkpoint restore for ActionRollback.
// Other actions are carried out by the caller.
func (m *Manager) Apply(d Decision, sc *shared.Context) error {
	switch d.Action {
	case ActionDegrade:
		reason := d.Reason
		if d.Err != nil {
			reason = d.Err.Error()
		}
		sc.SetPlaceholder(d.Agent, reason)
		sc.AddTrace(d.Agent, "degraded", reason)
	case ActionRollback:
		if _, err := m.Rollback(sc); err != nil {
			return err
		}
	}
	return nil
}

// SetStrategy changes the cascade strategy.
func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
}

// SetFallbacks sets the substitute chain tried for agentID, in order.
func (m *Manager) SetFallbacks(agentID string, chain []string) {
	m.mu.Lock()
	m.fallbacks[agentID] = append([]string(nil), chain...)
	m.mu.Unlock()
}

// Fallbacks returns the substitute chain of agentID.
func (m *Manager) Fallbacks(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fallbacks[agentID]...)
}

// SetRetryPolicy overrides the retry policy of one agent.
func (m *Manager) SetRetryPolicy(agentID string, p RetryPolicy) {
	m.mu.Lock()
	m.policies[agentID] = p.withDefaults()
	m.mu.Unlock()
}

// RetryPolicy returns the effective retry policy of agentID.
func (m *Manager) RetryPolicy(agentID string) RetryPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policyLocked(agentID)
}

func (m *Manager) policyLocked(agentID string) RetryPolicy {
	if p, ok := m.policies[agentID]; ok {
		return p
	}
	return m.cfg.Retry
}

// BreakerState returns the breaker state of agentID.
func (m *Manager) BreakerState(agentID string) State {
	return m.breaker(agentID).State()
}

// ResetBreaker closes the breaker of agentID.
func (m *Manager) ResetBreaker(agentID string) {
	m.breaker(agentID).Reset()
}

// Records returns the failure records of agentID, oldest first.
func (m *Manager) Records(agentID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.byAgent[agentID]...)
}

// RecentFailures returns every record newer than now-within.
func (m *Manager) RecentFailures(within time.Duration) []Record {
	cutoff := m.now().Add(-within)
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.records), func(i int) bool { return !m.records[i].Time.Before(cutoff) })
	return append([]Record(nil), m.records[i:]...)
}

// FailedRecently reports whether agentID failed within the given span.
func (m *Manager) FailedRecently(agentID string, within time.Duration) bool {
	cutoff := m.now().Add(-within)
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.byAgent[agentID]
	return len(recs) > 0 && !recs[len(recs)-1].Time.Before(cutoff)
}

// Stats summarizes failure handling.
type Stats struct {
	TotalFailures int                      `json:"total_failures"`
	ByKind        map[Kind]int             `json:"by_kind"`
	ByAgent       map[string]int           `json:"by_agent"`
	ByAction      map[Action]int           `json:"by_action"`
	Breakers      map[string]BreakerStatus `json:"breakers"`
	OpenCircuits  []string                 `json:"open_circuits"`
	FailureRate   float64                  `json:"failure_rate"`
	Checkpoints   int                      `json:"checkpoints"`
	Strategy      Strategy                 `json:"strategy"`
}

// Stats returns failure statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		TotalFailures: len(m.records),
		ByKind:        make(map[Kind]int),
		ByAgent:       make(map[string]int),
		ByAction:      make(map[Action]int),
		Breakers:      make(map[string]BreakerStatus, len(m.breakers)),
		FailureRate:   m.window.rate(m.now()),
		Checkpoints:   len(m.checkpoints),
		Strategy:      m.strategy,
	}
	for _, r := range m.records {
		st.ByKind[r.Kind]++
		st.ByAgent[r.Agent]++
		st.ByAction[r.Action]++
	}
	breakers := make(map[string]*CircuitBreaker, len(m.breakers))
	for id, cb := range m.breakers {
		breakers[id] = cb
	}
	m.mu.Unlock()

	for id, cb := range breakers {
		status := cb.Status()
		st.Breakers[id] = status
		if status.State == StateOpen.String() {
			st.OpenCircuits = append(st.OpenCircuits, id)
		}
	}
	sort.Strings(st.OpenCircuits)
	return st
}
