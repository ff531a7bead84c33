package failure

import (
	"math"
	"math/rand"
	"time"
)

// Backoff names a retry delay policy.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	// BackoffAdaptive grows exponentially and is further stretched by the
	// recent failure rate.
	BackoffAdaptive Backoff = "adaptive"
)

func (b Backoff) Valid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential, BackoffAdaptive:
		return true
	}
	return false
}

// RetryPolicy configures retries for an agent.
type RetryPolicy struct {
	Backoff     Backoff       `mapstructure:"backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	// Jitter is the +/- fraction of the delay randomized per attempt.
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultRetryPolicy returns exponential backoff with three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:     BackoffExponential,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Backoff == "" {
		p.Backoff = d.Backoff
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the un-jittered delay before the given attempt (1-based)
// is retried. failureRate in [0,1] only affects the adaptive policy.
func (p RetryPolicy) Delay(attempt int, failureRate float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay)
	var d float64
	switch p.Backoff {
	case BackoffFixed:
		d = base
	case BackoffLinear:
		d = base * float64(attempt)
	case BackoffAdaptive:
		rate := math.Min(math.Max(failureRate, 0), 1)
		d = base * math.Pow(p.Multiplier, float64(attempt-1)) * (1 + rate)
	default:
		d = base * math.Pow(p.Multiplier, float64(attempt-1))
	}
	return p.clamp(d)
}

// JitteredDelay applies the policy jitter to Delay. The result still never
// exceeds MaxDelay.
func (p RetryPolicy) JitteredDelay(attempt int, failureRate float64, rng *rand.Rand) time.Duration {
	d := p.Delay(attempt, failureRate)
	if p.Jitter <= 0 || rng == nil {
		return d
	}
	spread := float64(d) * p.Jitter
	return p.clamp(float64(d) + (rng.Float64()*2-1)*spread)
}

func (p RetryPolicy) clamp(d float64) time.Duration {
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
