package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/logging"
)

// ErrUnknownStrategy is returned for strategies that were never registered.
var ErrUnknownStrategy = errors.New("unknown planning strategy")

// Config holds planner tuning.
type Config struct {
	// MaxConcurrency caps the size of a parallel batch.
	MaxConcurrency int
	// DefaultTimeout is used for estimates of nodes without a timeout.
	DefaultTimeout time.Duration
	// AdaptiveMaxGroup and AdaptiveAvgGroup are the parallelism thresholds
	// above which adaptive planning batches in parallel.
	AdaptiveMaxGroup int
	AdaptiveAvgGroup float64
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   4,
		DefaultTimeout:   5 * time.Minute,
		AdaptiveMaxGroup: 3,
		AdaptiveAvgGroup: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.AdaptiveMaxGroup <= 0 {
		c.AdaptiveMaxGroup = d.AdaptiveMaxGroup
	}
	if c.AdaptiveAvgGroup <= 0 {
		c.AdaptiveAvgGroup = d.AdaptiveAvgGroup
	}
	return c
}

// StrategyFunc builds a plan. Implementations must not mutate the graph.
type StrategyFunc func(g *graph.DependencyGraph, rc graph.RuntimeContext, cfg Config) (*Plan, error)

// Planner dispatches to registered strategies.
type Planner struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	strategies map[Strategy]StrategyFunc
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = logging.OrNop(l) }
}

// New creates a planner with the built-in strategies registered.
func New(cfg Config, opts ...Option) *Planner {
	p := &Planner{
		cfg:    cfg.withDefaults(),
		logger: logging.Nop(),
		strategies: map[Strategy]StrategyFunc{
			StrategySequential:      Sequential,
			StrategyParallelBatched: ParallelBatched,
			StrategyPriorityFirst:   PriorityFirst,
			StrategyAdaptive:        Adaptive,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Planner) Config() Config { return p.cfg }

// Register adds or replaces a strategy.
func (p *Planner) Register(name Strategy, fn StrategyFunc) {
	p.mu.Lock()
	p.strategies[name] = fn
	p.mu.Unlock()
}

// Strategies returns the registered strategy names, sorted.
func (p *Planner) Strategies() []Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Strategy, 0, len(p.strategies))
	for s := range p.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plan builds a plan for g. An empty strategy means adaptive.
func (p *Planner) Plan(g *graph.DependencyGraph, rc graph.RuntimeContext, strategy Strategy) (*Plan, error) {
	if strategy == "" {
		strategy = StrategyAdaptive
	}
	p.mu.RLock()
	fn, ok := p.strategies[strategy]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plan with %q: %w", strategy, ErrUnknownStrategy)
	}

	plan, err := fn(g, rc, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("plan with %q: %w", strategy, err)
	}
	plan.Requested = strategy
	plan.ID = uuid.NewString()
	if plan.Fallback != nil && plan.Fallback.ID == "" {
		plan.Fallback.ID = uuid.NewString()
	}
	p.logger.Info("execution plan built",
		"plan", plan.ID,
		"strategy", string(plan.Strategy),
		"requested", string(strategy),
		"stages", len(plan.Stages),
		"estimated", plan.EstimatedTotal,
		"fallback", plan.Fallback != nil,
	)
	return plan, nil
}
