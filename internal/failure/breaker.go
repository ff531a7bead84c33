package failure

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen refuses every call until the recovery timeout passes.
	StateOpen
	// StateHalfOpen admits a bounded number of probes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// RecoveryTimeout is the time spent open before probing.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	// HalfOpenMaxCalls is the number of probes admitted while half open.
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// BreakerStatus is a read-only view of a breaker.
type BreakerStatus struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int       `json:"total_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	Transitions         int       `json:"transitions"`
}

// CircuitBreaker guards one agent. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	total         int
	halfOpenCalls int
	openedAt      time.Time
	lastFailure   time.Time
	transitions   int
}

// NewCircuitBreaker creates a closed breaker. A nil clock means time.Now.
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: now}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has passed moves to half open and admits the first probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenCalls = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.cfg.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// RetryAfter returns the remaining open time, zero unless open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.cfg.RecoveryTimeout - cb.now().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

// RecordSuccess closes a half-open breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure counts a failure. A half-open breaker reopens on any
// failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailure = now
	cb.total++

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.failures++
		cb.transitionLocked(StateOpen)
	case StateOpen:
		cb.failures++
	}
}

// ForceOpen opens the breaker regardless of the failure count.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		cb.transitionLocked(StateOpen)
	}
}

// Reset closes the breaker and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStatus{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		TotalFailures:       cb.total,
		OpenedAt:            cb.openedAt,
		LastFailure:         cb.lastFailure,
		Transitions:         cb.transitions,
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state != to {
		cb.transitions++
	}
	cb.state = to
	cb.halfOpenCalls = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
		cb.openedAt = time.Time{}
	}
}
