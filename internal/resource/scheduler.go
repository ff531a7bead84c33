package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/pkg/models"
)

var (
	// ErrRequestExpired is returned when a queued request waited longer than
	// its max wait or can no longer meet its deadline.
	ErrRequestExpired = errors.New("resource request expired")
	// ErrUnknownPool is returned for requirements naming a pool that does
	// not exist.
	ErrUnknownPool = errors.New("unknown resource pool")
	// ErrPoolExists is returned when a pool type is registered twice.
	ErrPoolExists = errors.New("resource pool already exists")
	// ErrExceedsCapacity is returned for requests that could never be
	// granted by the pool.
	ErrExceedsCapacity = errors.New("request exceeds pool capacity")
	// ErrSchedulerStopped resolves tickets still queued when the scheduler
	// is closed.
	ErrSchedulerStopped = errors.New("resource scheduler stopped")
)

// Config configures a Scheduler.
type Config struct {
	Pools []PoolConfig `mapstructure:"pools"`
	// MaxWait bounds the time a request may stay queued. Zero means no bound.
	MaxWait time.Duration `mapstructure:"max_wait"`
	// ProcessInterval is the period of the background queue loop.
	ProcessInterval time.Duration `mapstructure:"process_interval"`
	// HistoryLimit bounds the released allocations kept per pool.
	HistoryLimit int `mapstructure:"history_limit"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrNop(l) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// RequestOption adjusts a single request.
type RequestOption func(*request)

// WithDeadline sets the time by which the request must have finished.
// Queued requests whose estimated completion passes the deadline expire.
func WithDeadline(t time.Time) RequestOption {
	return func(r *request) { r.deadline = t }
}

// WithMaxWait overrides the scheduler MaxWait for one request.
func WithMaxWait(d time.Duration) RequestOption {
	return func(r *request) { r.maxWait = d }
}

// Stats counts scheduler activity since creation.
type Stats struct {
	Requested int64 `json:"requested"`
	Granted   int64 `json:"granted"`
	Queued    int64 `json:"queued"`
	Expired   int64 `json:"expired"`
	Cancelled int64 `json:"cancelled"`
	Released  int64 `json:"released"`
}

// Scheduler owns every pool. One mutex serializes all pool and allocation
// bookkeeping.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pools   map[models.ResourceType]*Pool
	byAgent map[string]map[string]models.ResourceType // agent -> allocation id -> pool
	reserve map[string]reservation
	seq     uint64
	stats   Stats

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type reservation struct {
	pool   models.ResourceType
	amount float64
}

// New creates a scheduler with the configured pools.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 100 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  logging.Nop(),
		now:     time.Now,
		pools:   make(map[models.ResourceType]*Pool),
		byAgent: make(map[string]map[string]models.ResourceType),
		reserve: make(map[string]reservation),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, pc := range cfg.Pools {
		if err := s.AddPool(pc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddPool registers a pool.
func (s *Scheduler) AddPool(cfg PoolConfig) error {
	p, err := newPool(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[cfg.Type]; ok {
		return fmt.Errorf("add pool %s: %w", cfg.Type, ErrPoolExists)
	}
	s.pools[cfg.Type] = p
	return nil
}

// Feasible reports whether reqs could ever be granted, ignoring current
// load.
func (s *Scheduler) Feasible(reqs models.ResourceRequirements) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feasibleLocked(reqs)
}

func (s *Scheduler) feasibleLocked(reqs models.ResourceRequirements) error {
	for _, typ := range reqs.Types() {
		p, ok := s.pools[typ]
		if !ok {
			return fmt.Errorf("%s: %w", typ, ErrUnknownPool)
		}
		if reqs[typ] > p.limit()+epsilon {
			return fmt.Errorf("%s: need %.2f of %.2f: %w", typ, reqs[typ], p.limit(), ErrExceedsCapacity)
		}
		if p.limiter != nil && float64(p.limiter.Burst()) < reqs[typ] {
			return fmt.Errorf("%s: need %.2f, burst %d: %w", typ, reqs[typ], p.limiter.Burst(), ErrExceedsCapacity)
		}
	}
	return nil
}

// RequestResources asks for every amount in reqs at once. The returned
// ticket is already granted when all pools had room; otherwise the request
// is queued on the first pool that blocked it and the ticket resolves
// later. Requirement types without a positive amount are ignored.
func (s *Scheduler) RequestResources(agentID string, reqs models.ResourceRequirements, priority models.Priority, estimated time.Duration, opts ...RequestOption) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.feasibleLocked(reqs); err != nil {
		return nil, fmt.Errorf("request resources for %s: %w", agentID, err)
	}
	s.seq++
	r := &request{
		id:        uuid.NewString(),
		agentID:   agentID,
		reqs:      reqs.Clone(),
		priority:  priority.OrDefault(),
		estimated: estimated,
		maxWait:   s.cfg.MaxWait,
		submitted: s.now(),
		seq:       s.seq,
		index:     -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ticket = newTicket(s, r)
	s.stats.Requested++

	blocked, ok := s.tryAllocateLocked(r)
	if ok {
		return r.ticket, nil
	}
	s.pools[blocked].queue.push(r)
	s.stats.Queued++
	s.logger.Debug("resource request queued",
		"agent", agentID, "request", r.id, "pool", string(blocked), "priority", r.priority.String())
	return r.ticket, nil
}

// tryAllocateLocked grants r across every pool or none. On failure it
// returns the first pool, in type order, that lacked room.
func (s *Scheduler) tryAllocateLocked(r *request) (models.ResourceType, bool) {
	now := s.now()
	types := r.reqs.Types()
	for _, typ := range types {
		if !s.pools[typ].fits(r.reqs[typ], now) {
			return typ, false
		}
	}
	grants := make([]Allocation, 0, len(types))
	for _, typ := range types {
		a := &Allocation{
			ID:        uuid.NewString(),
			RequestID: r.id,
			AgentID:   r.agentID,
			Pool:      typ,
			Amount:    r.reqs[typ],
			Priority:  r.priority,
			GrantedAt: now,
			Estimated: r.estimated,
		}
		s.pools[typ].grant(a, now)
		if s.byAgent[r.agentID] == nil {
			s.byAgent[r.agentID] = make(map[string]models.ResourceType)
		}
		s.byAgent[r.agentID][a.ID] = typ
		grants = append(grants, *a)
	}
	s.stats.Granted++
	r.ticket.resolve(grants, nil)
	return "", true
}

// ProcessResult summarizes one queue pass.
type ProcessResult struct {
	Granted int
	Expired int
}

// ProcessQueues runs one pass over every queue: expired requests are
// dropped and the rest are granted in policy order while they fit.
func (s *Scheduler) ProcessQueues() ProcessResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processLocked()
}

func (s *Scheduler) processLocked() ProcessResult {
	var res ProcessResult
	now := s.now()
	for _, typ := range s.poolTypesLocked() {
		q := s.pools[typ].queue
		for _, r := range append([]*request(nil), q.items...) {
			if reason := expiry(r, now); reason != "" {
				q.remove(r)
				s.expireLocked(r, reason)
				res.Expired++
			}
		}
	}

	// Granting may move a request to another pool's queue, so loop until a
	// pass makes no progress.
	for progress := true; progress; {
		progress = false
		for _, typ := range s.poolTypesLocked() {
			q := s.pools[typ].queue
			for r := q.peek(); r != nil; r = q.peek() {
				blocked, ok := s.tryAllocateLocked(r)
				if ok {
					q.pop()
					res.Granted++
					progress = true
					continue
				}
				if blocked != typ {
					q.pop()
					s.pools[blocked].queue.push(r)
					progress = true
					continue
				}
				break
			}
		}
	}
	return res
}

func expiry(r *request, now time.Time) string {
	if r.maxWait > 0 && now.Sub(r.submitted) > r.maxWait {
		return fmt.Sprintf("waited %s (max %s)", now.Sub(r.submitted).Round(time.Millisecond), r.maxWait)
	}
	if !r.deadline.IsZero() && now.Add(r.estimated).After(r.deadline) {
		return fmt.Sprintf("cannot finish before deadline %s", r.deadline.Format(time.RFC3339))
	}
	return ""
}

func (s *Scheduler) expireLocked(r *request, reason string) {
	s.stats.Expired++
	s.logger.Warn("resource request expired", "agent", r.agentID, "request", r.id, "reason", reason)
	r.ticket.resolve(nil, fmt.Errorf("request %s for %s: %s: %w", r.id, r.agentID, reason, ErrRequestExpired))
}

func (s *Scheduler) poolTypesLocked() []models.ResourceType {
	types := make([]models.ResourceType, 0, len(s.pools))
	for t := range s.pools {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// cancelRequest removes a queued request. If the ticket was granted in the
// meantime its allocations are released.
func (s *Scheduler) cancelRequest(r *request, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		if p.queue.remove(r) {
			s.stats.Cancelled++
			r.ticket.resolve(nil, cause)
			return
		}
	}
	if grants, err := r.ticket.result(); err == nil {
		for _, a := range grants {
			s.releaseAllocationLocked(a.AgentID, a.ID)
		}
		s.processLocked()
	}
}

// ReleaseResources frees every allocation held by agentID and returns the
// amount released per pool. Queued requests are retried immediately.
func (s *Scheduler) ReleaseResources(agentID string) map[models.ResourceType]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := make(map[models.ResourceType]float64)
	for id := range s.byAgent[agentID] {
		typ, amount, ok := s.releaseAllocationLocked(agentID, id)
		if ok {
			released[typ] += amount
		}
	}
	if len(released) > 0 {
		s.logger.Debug("resources released", "agent", agentID, "pools", len(released))
		s.processLocked()
	}
	return released
}

func (s *Scheduler) releaseAllocationLocked(agentID, allocID string) (models.ResourceType, float64, bool) {
	typ, ok := s.byAgent[agentID][allocID]
	if !ok {
		return "", 0, false
	}
	delete(s.byAgent[agentID], allocID)
	if len(s.byAgent[agentID]) == 0 {
		delete(s.byAgent, agentID)
	}
	amount, ok := s.pools[typ].release(allocID, s.now(), s.cfg.HistoryLimit)
	if ok {
		s.stats.Released++
	}
	return typ, amount, ok
}

// Allocations returns the active allocations of agentID.
func (s *Scheduler) Allocations(agentID string) []Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Allocation
	for id, typ := range s.byAgent[agentID] {
		if a, ok := s.pools[typ].active[id]; ok {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out
}

// History returns released allocations of a pool, oldest first.
func (s *Scheduler) History(typ models.ResourceType) []Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[typ]
	if !ok {
		return nil
	}
	return append([]Allocation(nil), p.history...)
}

// Reserve sets capacity aside so it cannot be allocated. It returns a
// reservation id for Unreserve.
func (s *Scheduler) Reserve(typ models.ResourceType, amount float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[typ]
	if !ok {
		return "", fmt.Errorf("reserve %s: %w", typ, ErrUnknownPool)
	}
	if amount <= 0 || amount > p.available()+epsilon {
		return "", fmt.Errorf("reserve %.2f of %s (available %.2f): %w", amount, typ, p.available(), ErrExceedsCapacity)
	}
	p.reserved += amount
	id := uuid.NewString()
	s.reserve[id] = reservation{pool: typ, amount: amount}
	return id, nil
}

// Unreserve returns a reservation to its pool.
func (s *Scheduler) Unreserve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reserve[id]
	if !ok {
		return false
	}
	delete(s.reserve, id)
	p := s.pools[res.pool]
	p.reserved -= res.amount
	if p.reserved < epsilon {
		p.reserved = 0
	}
	s.processLocked()
	return true
}

// Utilization returns the status of every pool keyed by type.
func (s *Scheduler) Utilization() map[models.ResourceType]PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.ResourceType]PoolStatus, len(s.pools))
	for typ, p := range s.pools {
		out[typ] = p.status()
	}
	return out
}

// Stats returns activity counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start launches the background queue loop. It is a no-op when the loop
// is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res := s.ProcessQueues(); res.Granted+res.Expired > 0 {
				s.logger.Debug("resource queues processed", "granted", res.Granted, "expired", res.Expired)
			}
		}
	}
}

// Stop halts the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the loop and fails every queued request.
func (s *Scheduler) Close() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		for r := p.queue.pop(); r != nil; r = p.queue.pop() {
			r.ticket.resolve(nil, ErrSchedulerStopped)
		}
	}
}
