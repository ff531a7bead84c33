// Package resource allocates named resource pools to agents.
package resource

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/ShayCichocki/weave/pkg/models"
)

// Policy orders the request queue of a pool.
type Policy string

const (
	PolicyFIFO             Policy = "fifo"
	PolicyPriority         Policy = "priority"
	PolicyShortestJobFirst Policy = "shortest_job_first"
	PolicyDeadlineAware    Policy = "deadline_aware"
)

// Valid returns true for known policies.
func (p Policy) Valid() bool {
	switch p {
	case PolicyFIFO, PolicyPriority, PolicyShortestJobFirst, PolicyDeadlineAware:
		return true
	}
	return false
}

// PoolConfig describes one pool.
type PoolConfig struct {
	Type     models.ResourceType `mapstructure:"type" yaml:"type"`
	Capacity float64             `mapstructure:"capacity" yaml:"capacity"`
	Policy   Policy              `mapstructure:"policy" yaml:"policy"`
	// OversubscriptionFactor >1 lets allocations exceed Capacity up to
	// Capacity*factor. Values <=1 mean no oversubscription.
	OversubscriptionFactor float64 `mapstructure:"oversubscription_factor" yaml:"oversubscription_factor"`
	// RefillPerSecond >0 makes the pool renewable: allocations also draw
	// from a token bucket refilled at this rate.
	RefillPerSecond float64 `mapstructure:"refill_per_second" yaml:"refill_per_second"`
	// Burst is the token bucket size. Defaults to Capacity.
	Burst int `mapstructure:"burst" yaml:"burst"`
}

// Allocation is an amount of one pool held by an agent.
type Allocation struct {
	ID         string
	RequestID  string
	AgentID    string
	Pool       models.ResourceType
	Amount     float64
	Priority   models.Priority
	GrantedAt  time.Time
	ReleasedAt time.Time
	Estimated  time.Duration
}

// Pool is the bookkeeping of a single resource type. Pool is not safe for
// concurrent use; the Scheduler serializes access.
type Pool struct {
	cfg       PoolConfig
	allocated float64
	reserved  float64
	active    map[string]*Allocation
	history   []Allocation
	queue     *requestQueue
	limiter   *rate.Limiter
}

func newPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("pool: empty type")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool %s: capacity must be positive", cfg.Type)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyPriority
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("pool %s: unknown policy %q", cfg.Type, cfg.Policy)
	}
	if cfg.OversubscriptionFactor < 1 {
		cfg.OversubscriptionFactor = 1
	}
	p := &Pool{
		cfg:    cfg,
		active: make(map[string]*Allocation),
		queue:  newRequestQueue(cfg.Policy),
	}
	if cfg.RefillPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.Capacity))
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), burst)
	}
	return p, nil
}

// limit is the hard ceiling for allocated capacity.
func (p *Pool) limit() float64 {
	return p.cfg.Capacity * p.cfg.OversubscriptionFactor
}

func (p *Pool) available() float64 {
	return p.limit() - p.allocated - p.reserved
}

// fits reports whether amount could be granted right now.
func (p *Pool) fits(amount float64, now time.Time) bool {
	if amount > p.available()+epsilon {
		return false
	}
	if p.limiter != nil && p.limiter.TokensAt(now) < math.Ceil(amount) {
		return false
	}
	return true
}

func (p *Pool) grant(a *Allocation, now time.Time) {
	if p.limiter != nil {
		p.limiter.AllowN(now, int(math.Ceil(a.Amount)))
	}
	p.allocated += a.Amount
	p.active[a.ID] = a
}

func (p *Pool) release(id string, now time.Time, historyLimit int) (float64, bool) {
	a, ok := p.active[id]
	if !ok {
		return 0, false
	}
	delete(p.active, id)
	p.allocated -= a.Amount
	if p.allocated < epsilon {
		p.allocated = 0
	}
	done := *a
	done.ReleasedAt = now
	p.history = append(p.history, done)
	if historyLimit > 0 && len(p.history) > historyLimit {
		p.history = append([]Allocation(nil), p.history[len(p.history)-historyLimit:]...)
	}
	return a.Amount, true
}

// epsilon absorbs float rounding in capacity checks.
const epsilon = 1e-9

// PoolStatus is a read-only view of a pool.
type PoolStatus struct {
	Type        models.ResourceType `json:"type"`
	Policy      Policy              `json:"policy"`
	Capacity    float64             `json:"capacity"`
	Limit       float64             `json:"limit"`
	Allocated   float64             `json:"allocated"`
	Reserved    float64             `json:"reserved"`
	Available   float64             `json:"available"`
	Utilization float64             `json:"utilization"`
	Active      int                 `json:"active"`
	Queued      int                 `json:"queued"`
	History     int                 `json:"history"`
	Renewable   bool                `json:"renewable"`
}

func (p *Pool) status() PoolStatus {
	return PoolStatus{
		Type:        p.cfg.Type,
		Policy:      p.cfg.Policy,
		Capacity:    p.cfg.Capacity,
		Limit:       p.limit(),
		Allocated:   p.allocated,
		Reserved:    p.reserved,
		Available:   p.available(),
		Utilization: p.allocated / p.cfg.Capacity,
		Active:      len(p.active),
		Queued:      p.queue.Len(),
		History:     len(p.history),
		Renewable:   p.limiter != nil,
	}
}
