// Package graph provides the agent dependency graph used for planning.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency among ordering edges.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrNodeExists is returned when adding a node whose id is taken.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound is returned when an id does not name a node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrEdgeExists is returned when adding a duplicate edge.
	ErrEdgeExists = errors.New("edge already exists")
	// ErrInvalidEdge is returned for edges with an unknown type or empty endpoint.
	ErrInvalidEdge = errors.New("invalid edge")
	// ErrEdgeNotFound is returned when removing an edge that does not exist.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrAlreadyExecuting is returned when a node is dispatched twice concurrently.
	ErrAlreadyExecuting = errors.New("node is already executing")
)

// CycleError reports one concrete cycle found among ordering edges.
type CycleError struct {
	// Cycle lists the node ids in edge direction; the first id is repeated
	// at the end.
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return ErrCycleDetected.Error()
	}
	msg := ErrCycleDetected.Error() + ": "
	for i, id := range e.Cycle {
		if i > 0 {
			msg += " -> "
		}
		msg += id
	}
	return msg
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// NodeStats holds the mutable execution counters of a node.
type NodeStats struct {
	Executions   int
	Failures     int
	LastDuration time.Duration
	AvgDuration  time.Duration
	LastRun      time.Time
	Executing    bool
}

// Node is one schedulable agent.
type Node struct {
	ID         string
	Priority   models.Priority
	Resources  models.ResourceRequirements
	MaxRetries int
	Timeout    time.Duration
	// DisallowParallel is the inverse of the parallel-allowed flag: the node
	// never shares a stage with another node.
	DisallowParallel bool
	// Exclusive nodes run alone in their batch.
	Exclusive bool
	// ExclusiveResources are named resources no two co-scheduled nodes may hold.
	ExclusiveResources []string
	Stats              NodeStats
}

// AllowsParallel reports whether the node may share a stage.
func (n Node) AllowsParallel() bool {
	return !n.DisallowParallel && !n.Exclusive
}

func (n Node) clone() Node {
	out := n
	out.Resources = n.Resources.Clone()
	out.ExclusiveResources = append([]string(nil), n.ExclusiveResources...)
	return out
}

// DependencyGraph is a directed graph of agents and typed dependency edges.
// All methods are safe for concurrent use.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps node id to the node.
	nodes map[string]*Node
	// index records insertion order, used to break priority ties.
	index map[string]int
	seq   int
	// edges holds every edge in insertion order.
	edges []*Edge
	// cache maps a conditional-edge evaluation to its computed levels.
	cache map[CacheKey][][]string
	// gen increments on every mutation so stale results are never cached.
	gen uint64
	// hooks run after every mutation.
	hooks  []func()
	logger *slog.Logger
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:  make(map[string]*Node),
		index:  make(map[string]int),
		cache:  make(map[CacheKey][][]string),
		logger: logging.Nop(),
	}
}

// SetLogger sets the logger used for debug output.
func (g *DependencyGraph) SetLogger(l *slog.Logger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logger = logging.OrNop(l)
}

// OnInvalidate registers fn to run after every graph mutation. Hooks run
// outside the graph lock and may call back into the graph.
func (g *DependencyGraph) OnInvalidate(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// invalidateLocked drops cached orders and returns the hooks to run once
// the lock is released. Caller must hold g.mu for writing.
func (g *DependencyGraph) invalidateLocked() []func() {
	g.gen++
	if len(g.cache) > 0 {
		g.cache = make(map[CacheKey][][]string)
	}
	return append([]func(){}, g.hooks...)
}

func runHooks(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}

// AddNode registers a node. An unset priority becomes PriorityNormal.
func (g *DependencyGraph) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("add node: empty id")
	}
	g.mu.Lock()
	if _, exists := g.nodes[n.ID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("add node %s: %w", n.ID, ErrNodeExists)
	}
	stored := n.clone()
	stored.Priority = stored.Priority.OrDefault()
	stored.Stats = NodeStats{}
	g.nodes[n.ID] = &stored
	g.index[n.ID] = g.seq
	g.seq++
	g.logger.Debug("graph node added", "node", n.ID, "priority", stored.Priority.String())
	hooks := g.invalidateLocked()
	g.mu.Unlock()

	runHooks(hooks)
	return nil
}

// AddEdge registers an edge. Both endpoints must already exist. Cycles are
// not rejected here; they surface from Validate and ExecutionOrder.
func (g *DependencyGraph) AddEdge(e Edge) error {
	if e.From == "" || e.To == "" || !e.Type.Valid() {
		return fmt.Errorf("add edge %s: %w", e, ErrInvalidEdge)
	}
	g.mu.Lock()
	if _, ok := g.nodes[e.From]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("add edge %s: unknown source %s: %w", e, e.From, ErrNodeNotFound)
	}
	if _, ok := g.nodes[e.To]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("add edge %s: unknown target %s: %w", e, e.To, ErrNodeNotFound)
	}
	for _, existing := range g.edges {
		if existing.Key() == e.Key() {
			g.mu.Unlock()
			return fmt.Errorf("add edge %s: %w", e, ErrEdgeExists)
		}
	}
	edge := e
	g.edges = append(g.edges, &edge)
	g.logger.Debug("graph edge added", "edge", e.String())
	hooks := g.invalidateLocked()
	g.mu.Unlock()

	runHooks(hooks)
	return nil
}

// RemoveNode deletes a node and every edge that references it.
func (g *DependencyGraph) RemoveNode(id string) error {
	g.mu.Lock()
	if _, ok := g.nodes[id]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("remove node %s: %w", id, ErrNodeNotFound)
	}
	delete(g.nodes, id)
	delete(g.index, id)
	kept := g.edges[:0]
	removed := 0
	for _, e := range g.edges {
		if e.From == id || e.To == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	g.logger.Debug("graph node removed", "node", id, "edges_removed", removed)
	hooks := g.invalidateLocked()
	g.mu.Unlock()

	runHooks(hooks)
	return nil
}

// RemoveEdge deletes the edge from -> to of the given type.
func (g *DependencyGraph) RemoveEdge(from, to string, typ EdgeType) error {
	key := Edge{From: from, To: to, Type: typ}.Key()
	g.mu.Lock()
	for i, e := range g.edges {
		if e.Key() == key {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			hooks := g.invalidateLocked()
			g.mu.Unlock()
			runHooks(hooks)
			return nil
		}
	}
	g.mu.Unlock()
	return fmt.Errorf("remove edge %s: %w", key, ErrEdgeNotFound)
}

// ReplaceNode swaps the node oldID for n and rewires every edge that
// referenced oldID to reference n.ID. The replacement keeps the old node's
// position for tie breaking.
func (g *DependencyGraph) ReplaceNode(oldID string, n Node) error {
	if n.ID == "" {
		return fmt.Errorf("replace node %s: empty replacement id", oldID)
	}
	g.mu.Lock()
	old, ok := g.nodes[oldID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("replace node %s: %w", oldID, ErrNodeNotFound)
	}
	if n.ID != oldID {
		if _, taken := g.nodes[n.ID]; taken {
			g.mu.Unlock()
			return fmt.Errorf("replace node %s with %s: %w", oldID, n.ID, ErrNodeExists)
		}
	}
	if old.Stats.Executing {
		g.mu.Unlock()
		return fmt.Errorf("replace node %s: %w", oldID, ErrAlreadyExecuting)
	}

	stored := n.clone()
	stored.Priority = stored.Priority.OrDefault()
	stored.Stats = NodeStats{}
	pos := g.index[oldID]
	delete(g.nodes, oldID)
	delete(g.index, oldID)
	g.nodes[n.ID] = &stored
	g.index[n.ID] = pos

	rewired := 0
	for _, e := range g.edges {
		if e.From == oldID {
			e.From = n.ID
			rewired++
		}
		if e.To == oldID {
			e.To = n.ID
			rewired++
		}
	}
	g.logger.Debug("graph node replaced", "old", oldID, "new", n.ID, "edges_rewired", rewired)
	hooks := g.invalidateLocked()
	g.mu.Unlock()

	runHooks(hooks)
	return nil
}

// Node returns a copy of the node with the given id.
func (g *DependencyGraph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Has reports whether id names a node.
func (g *DependencyGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns copies of all nodes in insertion order.
func (g *DependencyGraph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.sortedIDsLocked()
	out := make([]Node, len(ids))
	for i, id := range ids {
		out[i] = g.nodes[id].clone()
	}
	return out
}

// IDs returns node ids in insertion order.
func (g *DependencyGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedIDsLocked()
}

// Edges returns copies of all edges in insertion order.
func (g *DependencyGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = *e
	}
	return out
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the ids this node waits on through ordering edges.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool)
	var deps []string
	for _, e := range g.edges {
		if e.To == id && e.Type.Ordering() && !seen[e.From] {
			seen[e.From] = true
			deps = append(deps, e.From)
		}
	}
	g.sortByIndexLocked(deps)
	return deps
}

// Dependents returns the ids that wait on this node through ordering edges.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(id)
}

func (g *DependencyGraph) dependentsLocked(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.edges {
		if e.From == id && e.Type.Ordering() && !seen[e.To] {
			seen[e.To] = true
			out = append(out, e.To)
		}
	}
	g.sortByIndexLocked(out)
	return out
}

// TransitiveDependents returns every node reachable from id through
// ordering edges, excluding id itself.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.dependentsLocked(cur) {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	g.sortByIndexLocked(out)
	return out
}

// BeginExecution marks a node in flight. A second call before EndExecution
// returns ErrAlreadyExecuting.
func (g *DependencyGraph) BeginExecution(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("begin execution %s: %w", id, ErrNodeNotFound)
	}
	if n.Stats.Executing {
		return fmt.Errorf("begin execution %s: %w", id, ErrAlreadyExecuting)
	}
	n.Stats.Executing = true
	n.Stats.LastRun = time.Now()
	return nil
}

// EndExecution clears the in-flight flag and updates the counters.
func (g *DependencyGraph) EndExecution(id string, d time.Duration, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.Stats.Executing = false
	n.Stats.Executions++
	if !success {
		n.Stats.Failures++
	}
	n.Stats.LastDuration = d
	// Running average over all executions.
	n.Stats.AvgDuration += (d - n.Stats.AvgDuration) / time.Duration(n.Stats.Executions)
}

// sortedIDsLocked returns node ids in insertion order. Caller must hold g.mu.
func (g *DependencyGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	g.sortByIndexLocked(ids)
	return ids
}

func (g *DependencyGraph) sortByIndexLocked(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return g.index[ids[i]] < g.index[ids[j]] })
}
