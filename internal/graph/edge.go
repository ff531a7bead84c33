package graph

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeType classifies a dependency between two agents.
type EdgeType string

const (
	// EdgeHard means To cannot start until From has finished.
	EdgeHard EdgeType = "hard"
	// EdgeSoft is advisory; it never constrains ordering.
	EdgeSoft EdgeType = "soft"
	// EdgeConditional constrains ordering only while its Condition holds.
	EdgeConditional EdgeType = "conditional"
	// EdgeResource records that both agents contend for the same resource.
	EdgeResource EdgeType = "resource"
	// EdgeData means To consumes From's output; it orders like EdgeHard.
	EdgeData EdgeType = "data"
	// EdgeTiming is a scheduling preference without a hard guarantee.
	EdgeTiming EdgeType = "timing"
)

// Valid returns true if the edge type is a known value.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeHard, EdgeSoft, EdgeConditional, EdgeResource, EdgeData, EdgeTiming:
		return true
	default:
		return false
	}
}

// Ordering returns true for the edge types that always constrain
// execution order and must stay acyclic.
func (t EdgeType) Ordering() bool {
	return t == EdgeHard || t == EdgeData
}

// RuntimeContext is the view of a run that conditional edges are
// evaluated against.
type RuntimeContext interface {
	// Succeeded reports whether the agent finished successfully.
	Succeeded(agentID string) bool
	// Output returns the agent's output, if any.
	Output(agentID string) (any, bool)
}

// Condition decides whether a conditional edge is active.
type Condition func(rc RuntimeContext) bool

// Edge is a directed dependency: From runs before To.
type Edge struct {
	From      string
	To        string
	Type      EdgeType
	Condition Condition
	Weight    float64
}

// Key identifies an edge by its endpoints and type.
func (e Edge) Key() string {
	return e.From + "->" + e.To + "#" + string(e.Type)
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", e.From, e.Type, e.To)
}

// satisfied reports whether a conditional edge constrains ordering for rc.
// A nil runtime context or a nil condition never activates the edge.
func (e *Edge) satisfied(rc RuntimeContext) bool {
	if e.Type != EdgeConditional || e.Condition == nil || rc == nil {
		return false
	}
	return e.Condition(rc)
}

// CacheKey identifies one evaluation of the conditional edges. Two calls
// with the same set of satisfied conditional edges share a cached order.
type CacheKey struct {
	satisfied string
}

func newCacheKey(satisfied []*Edge) CacheKey {
	keys := make([]string, len(satisfied))
	for i, e := range satisfied {
		keys[i] = e.From + "->" + e.To
	}
	sort.Strings(keys)
	return CacheKey{satisfied: strings.Join(keys, ",")}
}

// String returns the satisfied conditional edges, comma separated.
func (k CacheKey) String() string {
	return k.satisfied
}

// Succeeded returns a Condition that holds once agentID has succeeded.
func Succeeded(agentID string) Condition {
	return func(rc RuntimeContext) bool { return rc.Succeeded(agentID) }
}

// HasOutput returns a Condition that holds once agentID has produced output.
func HasOutput(agentID string) Condition {
	return func(rc RuntimeContext) bool {
		_, ok := rc.Output(agentID)
		return ok
	}
}
