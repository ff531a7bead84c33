// Package agent defines the contract every schedulable unit of work
// implements, and the registry that turns descriptors into instances.
package agent

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

// Agent is an opaque unit of work. Run reads upstream outputs from the
// view, does its work, and writes its own output. A returned error marks
// the attempt as failed; agents may return a failure.Error to declare the
// failure kind.
//
// Run should return promptly once ctx is done. The orchestrator calls
// agents through the package-level Run, which stops waiting at the
// deadline either way.
type Agent interface {
	Name() string
	Run(ctx context.Context, v *shared.View) error
}

// PriorityHinter is implemented by agents that know their own priority.
type PriorityHinter interface {
	Priority() models.Priority
}

// ResourceHinter is implemented by agents that know what they consume.
type ResourceHinter interface {
	Resources() models.ResourceRequirements
}

// Func adapts a function to the Agent interface.
type Func struct {
	name string
	fn   func(ctx context.Context, v *shared.View) error
}

// NewFunc returns an Agent that calls fn.
func NewFunc(name string, fn func(ctx context.Context, v *shared.View) error) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Run(ctx context.Context, v *shared.View) error { return f.fn(ctx, v) }

// Run calls a.Run and waits for it or for ctx to end, whichever comes
// first. An agent still running when ctx ends is abandoned: its view is
// revoked so late writes are rejected, and ctx.Err() is returned wrapped.
func Run(ctx context.Context, a Agent, v *shared.View) error {
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, v) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		v.Revoke()
		return fmt.Errorf("agent %s abandoned: %w", a.Name(), ctx.Err())
	}
}

// PriorityOf returns the agent's hinted priority, or fallback.
func PriorityOf(a Agent, fallback models.Priority) models.Priority {
	if h, ok := a.(PriorityHinter); ok && h.Priority().Valid() {
		return h.Priority()
	}
	return fallback
}

// ResourcesOf returns the agent's hinted requirements, or fallback.
func ResourcesOf(a Agent, fallback models.ResourceRequirements) models.ResourceRequirements {
	if h, ok := a.(ResourceHinter); ok {
		if r := h.Resources(); !r.IsZero() {
			return r
		}
	}
	return fallback
}
