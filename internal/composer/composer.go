// Package composer discovers agent implementations, loads them through the
// agent registry and swaps them in the dependency graph at runtime.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

var (
	// ErrIncompatible is returned when a swap target cannot stand in for
	// the agent it would replace.
	ErrIncompatible = errors.New("incompatible agent")
	// ErrNotDiscovered is returned for ids no discoverer or declaration knows.
	ErrNotDiscovered = errors.New("agent not discovered")
	// ErrNoAlternative is returned by SwapFailed when nothing can replace
	// an agent.
	ErrNoAlternative = errors.New("no compatible alternative")
)

// FailureHistory answers whether an agent failed recently. The failure
// manager implements it.
type FailureHistory interface {
	FailedRecently(agentID string, within time.Duration) bool
}

// SwapEvent records one hot swap.
type SwapEvent struct {
	ID         string    `json:"id"`
	OldID      string    `json:"old_id"`
	NewID      string    `json:"new_id"`
	OldVersion string    `json:"old_version"`
	NewVersion string    `json:"new_version"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

type loaded struct {
	agent   agent.Agent
	version string
}

// Option configures a Composer.
type Option func(*Composer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) { c.logger = logging.OrNop(l) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Composer) { c.now = now }
}

// WithFailureHistory lets rules consult recent failures.
func WithFailureHistory(h FailureHistory) Option {
	return func(c *Composer) { c.failures = h }
}

// WithRules installs composition rules.
func WithRules(rules ...Rule) Option {
	return func(c *Composer) { c.rules = append(c.rules, rules...) }
}

// Composer merges discovered descriptors, caches loaded instances and
// performs hot swaps against a dependency graph.
type Composer struct {
	mu          sync.Mutex
	reg         *agent.Registry
	g           *graph.DependencyGraph
	discoverers []Discoverer
	known       map[string]models.AgentDescriptor
	loaded      map[string]loaded
	swaps       []SwapEvent
	rules       []Rule
	failures    FailureHistory
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a composer. g may be nil when only discovery and loading are
// needed.
func New(reg *agent.Registry, g *graph.DependencyGraph, discoverers []Discoverer, opts ...Option) *Composer {
	c := &Composer{
		reg:         reg,
		g:           g,
		discoverers: discoverers,
		known:       make(map[string]models.AgentDescriptor),
		loaded:      make(map[string]loaded),
		logger:      logging.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// canonical returns v in the "vMAJOR.MINOR.PATCH" form semver expects.
// Empty and invalid versions compare as v0.0.0.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "v0.0.0"
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "v0.0.0"
	}
	return semver.Canonical(v)
}

// CompareVersions compares two versions with or without the "v" prefix.
func CompareVersions(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

// DiscoverAgents runs every discoverer and merges the results. On an id
// collision the higher version wins. Load counters of already known
// descriptors are carried over. Discoverer errors are joined; descriptors
// from the discoverers that succeeded are still merged.
func (c *Composer) DiscoverAgents(ctx context.Context) ([]models.AgentDescriptor, error) {
	found := make(map[string]models.AgentDescriptor)
	var errs []error
	for _, d := range c.discoverers {
		descs, err := d.Discover(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("discoverer %s: %w", d.Name(), err))
			continue
		}
		for _, desc := range descs {
			if prev, ok := found[desc.ID]; ok && CompareVersions(desc.Version, prev.Version) <= 0 {
				continue
			}
			found[desc.ID] = desc.Clone()
		}
	}

	c.mu.Lock()
	for id, desc := range found {
		if prev, ok := c.known[id]; ok {
			desc.LoadCount = prev.LoadCount
			desc.LoadErrors = prev.LoadErrors
			desc.LastLoaded = prev.LastLoaded
			desc.LastError = prev.LastError
		}
		c.known[id] = desc
	}
	out := c.knownLocked()
	c.mu.Unlock()

	c.logger.Info("agents discovered", "count", len(found), "known", len(out), "errors", len(errs))
	return out, errors.Join(errs...)
}

func (c *Composer) knownLocked() []models.AgentDescriptor {
	out := make([]models.AgentDescriptor, 0, len(c.known))
	for _, d := range c.known {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Known returns every discovered descriptor sorted by id.
func (c *Composer) Known() []models.AgentDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownLocked()
}

// Descriptor returns the discovered descriptor of id, falling back to the
// registry declaration. A declared agent keeps its declared dependencies
// even when a discoverer reports a newer descriptor.
func (c *Composer) Descriptor(id string) (models.AgentDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptorLocked(id)
}

func (c *Composer) descriptorLocked(id string) (models.AgentDescriptor, bool) {
	declared, isDeclared := c.reg.Descriptor(id)
	d, ok := c.known[id]
	if !ok {
		return declared, isDeclared
	}
	out := d.Clone()
	if isDeclared {
		out.Dependencies = declared.Dependencies
	}
	return out, true
}

// LoadAgent returns the cached instance of id or builds one.
func (c *Composer) LoadAgent(id string) (agent.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loaded[id]; ok {
		return l.agent, nil
	}
	return c.loadLocked(id)
}

// ReloadAgent drops the cached instance of id and builds a new one from
// the current descriptor.
func (c *Composer) ReloadAgent(id string) (agent.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loaded, id)
	return c.loadLocked(id)
}

func (c *Composer) loadLocked(id string) (agent.Agent, error) {
	d, ok := c.descriptorLocked(id)
	if !ok {
		return nil, fmt.Errorf("load agent %s: %w", id, ErrNotDiscovered)
	}
	a, err := c.reg.Create(d)
	known, tracked := c.known[id]
	if err != nil {
		if tracked {
			known.LoadErrors++
			known.LastError = err.Error()
			c.known[id] = known
		}
		c.logger.Warn("agent load failed", "agent", id, "error", err)
		return nil, err
	}
	if tracked {
		known.LoadCount++
		known.LastLoaded = c.now()
		known.LastError = ""
		c.known[id] = known
		// Keep the declaration in step with what actually runs.
		if _, declared := c.reg.Descriptor(id); declared {
			d.LoadCount, d.LastLoaded, d.LastError = known.LoadCount, known.LastLoaded, ""
			if err := c.reg.Declare(d); err != nil {
				return nil, err
			}
		}
	}
	c.loaded[id] = loaded{agent: a, version: d.Version}
	c.logger.Debug("agent loaded", "agent", id, "version", d.Version)
	return a, nil
}

// LoadedVersion returns the version of the cached instance of id.
func (c *Composer) LoadedVersion(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.loaded[id]
	return l.version, ok
}

// Compatible reports whether candidate can replace current: it must offer
// every capability of current and its major version must not be lower.
func Compatible(current, candidate models.AgentDescriptor) error {
	if !candidate.HasCapabilities(current.Capabilities) {
		return fmt.Errorf("%s lacks capabilities of %s: %w", candidate.ID, current.ID, ErrIncompatible)
	}
	if semver.Compare(semver.Major(canonical(candidate.Version)), semver.Major(canonical(current.Version))) < 0 {
		return fmt.Errorf("%s@%s is an older major than %s@%s: %w",
			candidate.ID, candidate.Version, current.ID, current.Version, ErrIncompatible)
	}
	return nil
}

// Alternatives returns the discovered agents that could replace id, best
// first: higher version, then id. Agents already in the graph and agents
// whose kind is not registered are excluded.
func (c *Composer) Alternatives(id string) []models.AgentDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.descriptorLocked(id)
	if !ok {
		return nil
	}
	var out []models.AgentDescriptor
	for cid, cand := range c.known {
		if cid == id || !c.reg.HasKind(cand.Kind) {
			continue
		}
		if c.g != nil && c.g.Has(cid) {
			continue
		}
		if Compatible(current, cand) != nil {
			continue
		}
		out = append(out, cand.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := CompareVersions(out[i].Version, out[j].Version); cmp != 0 {
			return cmp > 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HotSwapAgent replaces oldID with newID in the graph. The new node keeps
// the old node's priority, resources, retries, timeout and parallelism
// flags; every edge and every declared dependency on oldID is rewired.
func (c *Composer) HotSwapAgent(ctx context.Context, oldID, newID string, sc *shared.Context) (SwapEvent, error) {
	return c.swap(ctx, oldID, newID, sc, "manual")
}

// SwapFailed replaces a failed agent with its best alternative.
func (c *Composer) SwapFailed(ctx context.Context, agentID string, sc *shared.Context) (SwapEvent, error) {
	alts := c.Alternatives(agentID)
	if len(alts) == 0 {
		return SwapEvent{}, fmt.Errorf("hot swap %s: %w", agentID, ErrNoAlternative)
	}
	return c.swap(ctx, agentID, alts[0].ID, sc, "failure")
}

func (c *Composer) swap(ctx context.Context, oldID, newID string, sc *shared.Context, reason string) (SwapEvent, error) {
	if err := ctx.Err(); err != nil {
		return SwapEvent{}, err
	}
	if c.g == nil {
		return SwapEvent{}, fmt.Errorf("hot swap %s: no graph", oldID)
	}
	if oldID == newID {
		return SwapEvent{}, fmt.Errorf("hot swap %s: same agent: %w", oldID, ErrIncompatible)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldDesc, ok := c.descriptorLocked(oldID)
	if !ok {
		return SwapEvent{}, fmt.Errorf("hot swap %s: %w", oldID, ErrNotDiscovered)
	}
	newDesc, ok := c.descriptorLocked(newID)
	if !ok {
		return SwapEvent{}, fmt.Errorf("hot swap to %s: %w", newID, ErrNotDiscovered)
	}
	if err := Compatible(oldDesc, newDesc); err != nil {
		return SwapEvent{}, fmt.Errorf("hot swap %s: %w", oldID, err)
	}
	node, ok := c.g.Node(oldID)
	if !ok {
		return SwapEvent{}, fmt.Errorf("hot swap %s: %w", oldID, graph.ErrNodeNotFound)
	}

	// Build before touching the graph so a broken target leaves it intact.
	newDesc.Dependencies = append([]string(nil), oldDesc.Dependencies...)
	inst, err := c.reg.Create(newDesc)
	if err != nil {
		return SwapEvent{}, fmt.Errorf("hot swap %s: %w", oldID, err)
	}

	replacement := node
	replacement.ID = newID
	if err := c.g.ReplaceNode(oldID, replacement); err != nil {
		return SwapEvent{}, fmt.Errorf("hot swap %s: %w", oldID, err)
	}

	if err := c.reg.Declare(newDesc); err != nil {
		return SwapEvent{}, err
	}
	for _, d := range c.reg.Descriptors() {
		if !rewire(d.Dependencies, oldID, newID) {
			continue
		}
		if err := c.reg.Declare(d); err != nil {
			return SwapEvent{}, err
		}
		delete(c.loaded, d.ID)
	}
	delete(c.loaded, oldID)
	c.loaded[newID] = loaded{agent: inst, version: newDesc.Version}
	if known, tracked := c.known[newID]; tracked {
		known.LoadCount++
		known.LastLoaded = c.now()
		c.known[newID] = known
	}

	ev := SwapEvent{
		ID:         uuid.NewString(),
		OldID:      oldID,
		NewID:      newID,
		OldVersion: oldDesc.Version,
		NewVersion: newDesc.Version,
		Reason:     reason,
		At:         c.now(),
	}
	c.swaps = append(c.swaps, ev)
	if sc != nil {
		sc.AddTrace(newID, "hot_swap", fmt.Sprintf("replaced %s (%s)", oldID, reason))
	}
	c.logger.Info("agent hot swapped", "old", oldID, "new", newID, "reason", reason)
	return ev, nil
}

// rewire replaces oldID with newID in deps in place.
func rewire(deps []string, oldID, newID string) bool {
	changed := false
	for i, d := range deps {
		if d == oldID {
			deps[i] = newID
			changed = true
		}
	}
	return changed
}

// Swaps returns the recorded swap events in order.
func (c *Composer) Swaps() []SwapEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SwapEvent(nil), c.swaps...)
}

// Watch re-runs discovery whenever a watching discoverer reports a change.
// It blocks until ctx is done.
func (c *Composer) Watch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range c.discoverers {
		w, ok := d.(Watcher)
		if !ok {
			continue
		}
		name := d.Name()
		g.Go(func() error {
			return w.Watch(ctx, func() {
				if _, err := c.DiscoverAgents(ctx); err != nil {
					c.logger.Warn("rediscovery failed", "discoverer", name, "error", err)
				}
			})
		})
	}
	return g.Wait()
}
