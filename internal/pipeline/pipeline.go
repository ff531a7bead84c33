// Package pipeline loads YAML pipeline definitions and turns them into
// registry declarations and a dependency graph.
//
// A definition looks like:
//
//	name: report
//	strategy: parallel_batched
//	agents:
//	  - id: fetch
//	    kind: echo
//	    priority: high
//	    timeout: 30s
//	  - id: summarize
//	    kind: claude
//	    capabilities: [summarize]
//	    max_retries: 2
//	    resources: {tokens: 4000}
//	    config: {prompt: "Summarize the fetched report."}
//	    after:
//	      - agent: fetch
//	        type: data
//	    fallbacks: [summarize-lite]
//	standby:
//	  - id: summarize-lite
//	    kind: echo
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/pkg/models"
)

// ErrInvalid is matched by every definition validation error.
var ErrInvalid = errors.New("invalid pipeline definition")

// Definition is a parsed pipeline file.
type Definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Strategy    planner.Strategy `yaml:"strategy,omitempty"`
	// FailureStrategy overrides the failure manager's cascade strategy.
	FailureStrategy failure.Strategy `yaml:"failure_strategy,omitempty"`
	Agents          []AgentSpec      `yaml:"agents"`
	// Standby agents are declared but not scheduled. They serve as
	// fallbacks and hot swap targets.
	Standby []AgentSpec `yaml:"standby,omitempty"`
}

// AgentSpec is one agent of a definition.
type AgentSpec struct {
	ID                 string                      `yaml:"id"`
	Kind               string                      `yaml:"kind"`
	Version            string                      `yaml:"version,omitempty"`
	Capabilities       []string                    `yaml:"capabilities,omitempty"`
	Priority           models.Priority             `yaml:"priority,omitempty"`
	Timeout            time.Duration               `yaml:"timeout,omitempty"`
	MaxRetries         int                         `yaml:"max_retries,omitempty"`
	Resources          models.ResourceRequirements `yaml:"resources,omitempty"`
	Exclusive          bool                        `yaml:"exclusive,omitempty"`
	DisallowParallel   bool                        `yaml:"disallow_parallel,omitempty"`
	ExclusiveResources []string                    `yaml:"exclusive_resources,omitempty"`
	Config             map[string]any              `yaml:"config,omitempty"`
	After              []Dependency                `yaml:"after,omitempty"`
	Fallbacks          []string                    `yaml:"fallbacks,omitempty"`
	Retry              *RetrySpec                  `yaml:"retry,omitempty"`
}

// Dependency is one incoming edge of an agent.
type Dependency struct {
	Agent string `yaml:"agent"`
	// Type defaults to hard, or conditional when When is set.
	Type graph.EdgeType `yaml:"type,omitempty"`
	// When is "succeeded:<id>" or "output:<id>".
	When   string  `yaml:"when,omitempty"`
	Weight float64 `yaml:"weight,omitempty"`
}

// edgeType returns the effective edge type.
func (d Dependency) edgeType() graph.EdgeType {
	switch {
	case d.Type != "":
		return d.Type
	case d.When != "":
		return graph.EdgeConditional
	default:
		return graph.EdgeHard
	}
}

// RetrySpec overrides fields of an agent's retry policy. Zero fields keep
// the configured value.
type RetrySpec struct {
	Backoff     failure.Backoff `yaml:"backoff,omitempty"`
	MaxAttempts int             `yaml:"max_attempts,omitempty"`
	BaseDelay   time.Duration   `yaml:"base_delay,omitempty"`
	Multiplier  float64         `yaml:"multiplier,omitempty"`
	MaxDelay    time.Duration   `yaml:"max_delay,omitempty"`
	Jitter      float64         `yaml:"jitter,omitempty"`
}

// Merge applies the non-zero fields of s to p.
func (s RetrySpec) Merge(p failure.RetryPolicy) failure.RetryPolicy {
	if s.Backoff != "" {
		p.Backoff = s.Backoff
	}
	if s.MaxAttempts > 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay > 0 {
		p.BaseDelay = s.BaseDelay
	}
	if s.Multiplier > 0 {
		p.Multiplier = s.Multiplier
	}
	if s.MaxDelay > 0 {
		p.MaxDelay = s.MaxDelay
	}
	if s.Jitter > 0 {
		p.Jitter = s.Jitter
	}
	return p
}

// Load reads and validates the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseCondition turns a "succeeded:<id>" or "output:<id>" predicate into
// a graph condition.
func ParseCondition(when string) (graph.Condition, error) {
	verb, id, ok := strings.Cut(strings.TrimSpace(when), ":")
	verb, id = strings.TrimSpace(verb), strings.TrimSpace(id)
	if !ok || id == "" {
		return nil, fmt.Errorf("condition %q: want succeeded:<id> or output:<id>: %w", when, ErrInvalid)
	}
	switch verb {
	case "succeeded":
		return graph.Succeeded(id), nil
	case "output":
		return graph.HasOutput(id), nil
	default:
		return nil, fmt.Errorf("condition %q: unknown predicate %q: %w", when, verb, ErrInvalid)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalid)...)
}

// Validate reports every problem with the definition at once.
func (d *Definition) Validate() error {
	var errs []error
	if len(d.Agents) == 0 {
		errs = append(errs, invalid("no agents"))
	}
	if d.FailureStrategy != "" && !d.FailureStrategy.Valid() {
		errs = append(errs, invalid("unknown failure strategy %q", d.FailureStrategy))
	}

	scheduled := make(map[string]bool, len(d.Agents))
	declared := make(map[string]bool, len(d.Agents)+len(d.Standby))
	check := func(a AgentSpec) {
		if a.ID == "" {
			errs = append(errs, invalid("agent with empty id"))
			return
		}
		if declared[a.ID] {
			errs = append(errs, invalid("agent %s: duplicate id", a.ID))
		}
		declared[a.ID] = true
		if a.Kind == "" {
			errs = append(errs, invalid("agent %s: empty kind", a.ID))
		}
		if a.Priority != 0 && !a.Priority.Valid() {
			errs = append(errs, invalid("agent %s: priority %d out of range", a.ID, int(a.Priority)))
		}
		if a.Timeout < 0 || a.MaxRetries < 0 {
			errs = append(errs, invalid("agent %s: negative timeout or max_retries", a.ID))
		}
		for typ, amount := range a.Resources {
			if amount < 0 {
				errs = append(errs, invalid("agent %s: negative %s requirement", a.ID, typ))
			}
		}
	}
	for _, a := range d.Agents {
		check(a)
		scheduled[a.ID] = true
	}
	for _, a := range d.Standby {
		check(a)
	}

	for _, a := range d.Agents {
		for _, dep := range a.After {
			switch {
			case !scheduled[dep.Agent]:
				errs = append(errs, invalid("agent %s: depends on unknown agent %q", a.ID, dep.Agent))
			case dep.Agent == a.ID:
				errs = append(errs, invalid("agent %s: depends on itself", a.ID))
			}
			typ := dep.edgeType()
			if !typ.Valid() {
				errs = append(errs, invalid("agent %s: unknown edge type %q", a.ID, typ))
			}
			if dep.When != "" {
				if typ != graph.EdgeConditional {
					errs = append(errs, invalid("agent %s: when is only valid on conditional edges", a.ID))
				} else if _, err := ParseCondition(dep.When); err != nil {
					errs = append(errs, fmt.Errorf("agent %s: %w", a.ID, err))
				}
			}
			if typ == graph.EdgeConditional && dep.When == "" {
				errs = append(errs, invalid("agent %s: conditional edge from %s needs when", a.ID, dep.Agent))
			}
		}
		for _, fb := range a.Fallbacks {
			if fb == a.ID || !declared[fb] {
				errs = append(errs, invalid("agent %s: fallback %q is not another declared agent", a.ID, fb))
			}
		}
	}
	return errors.Join(errs...)
}

// descriptor builds the registry declaration of a. Agents it comes after
// through ordering or conditional edges are dependencies whose output it
// may read.
func (a AgentSpec) descriptor() models.AgentDescriptor {
	d := models.AgentDescriptor{
		ID:           a.ID,
		Kind:         a.Kind,
		Version:      a.Version,
		Capabilities: append([]string(nil), a.Capabilities...),
		Priority:     a.Priority,
		Resources:    a.Resources.Clone(),
		Config:       a.Config,
		Source:       "pipeline",
	}
	for _, dep := range a.After {
		if typ := dep.edgeType(); typ.Ordering() || typ == graph.EdgeConditional {
			d.Dependencies = append(d.Dependencies, dep.Agent)
		}
	}
	return d
}

func (a AgentSpec) node() graph.Node {
	return graph.Node{
		ID:                 a.ID,
		Priority:           a.Priority,
		Resources:          a.Resources.Clone(),
		MaxRetries:         a.MaxRetries,
		Timeout:            a.Timeout,
		DisallowParallel:   a.DisallowParallel,
		Exclusive:          a.Exclusive,
		ExclusiveResources: append([]string(nil), a.ExclusiveResources...),
	}
}

// Descriptors returns the declarations of every scheduled and standby agent.
func (d *Definition) Descriptors() []models.AgentDescriptor {
	out := make([]models.AgentDescriptor, 0, len(d.Agents)+len(d.Standby))
	for _, a := range d.Agents {
		out = append(out, a.descriptor())
	}
	for _, a := range d.Standby {
		out = append(out, a.descriptor())
	}
	return out
}

// Build declares every agent in reg and returns the graph of the scheduled
// ones. Kinds must already be registered.
func (d *Definition) Build(reg *agent.Registry) (*graph.DependencyGraph, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	for _, desc := range d.Descriptors() {
		if !reg.HasKind(desc.Kind) {
			return nil, fmt.Errorf("agent %s: kind %q: %w", desc.ID, desc.Kind, agent.ErrUnknownKind)
		}
		if err := reg.Declare(desc); err != nil {
			return nil, err
		}
	}

	g := graph.New()
	for _, a := range d.Agents {
		if err := g.AddNode(a.node()); err != nil {
			return nil, err
		}
	}
	for _, a := range d.Agents {
		for _, dep := range a.After {
			e := graph.Edge{From: dep.Agent, To: a.ID, Type: dep.edgeType(), Weight: dep.Weight}
			if dep.When != "" {
				cond, err := ParseCondition(dep.When)
				if err != nil {
					return nil, fmt.Errorf("agent %s: %w", a.ID, err)
				}
				e.Condition = cond
			}
			if err := g.AddEdge(e); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Apply installs the definition's fallback chains, retry overrides and
// failure strategy on m.
func (d *Definition) Apply(m *failure.Manager) {
	if d.FailureStrategy != "" {
		m.SetStrategy(d.FailureStrategy)
	}
	for _, a := range d.Agents {
		if len(a.Fallbacks) > 0 {
			m.SetFallbacks(a.ID, a.Fallbacks)
		}
		if a.Retry != nil {
			m.SetRetryPolicy(a.ID, a.Retry.Merge(m.RetryPolicy(a.ID)))
		}
	}
}
