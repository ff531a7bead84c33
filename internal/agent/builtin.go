package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

// Built-in kinds.
const (
	KindEcho   = "echo"
	KindFail   = "fail"
	KindClaude = "claude"
)

// RegisterBuiltins registers the echo and fail kinds. The claude kind is
// registered separately because it needs API credentials.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(KindEcho, newEcho); err != nil {
		return err
	}
	return r.Register(KindFail, newFailing)
}

// EchoOutput is written by echo agents.
type EchoOutput struct {
	Agent    string          `json:"agent"`
	Message  string          `json:"message,omitempty"`
	Query    string          `json:"query,omitempty"`
	Inputs   []string        `json:"inputs,omitempty"`
	Degraded map[string]bool `json:"degraded,omitempty"`
}

// echo writes a summary of what it saw. Config: "message" (string),
// "delay" (duration string).
type echo struct {
	desc    models.AgentDescriptor
	message string
	delay   time.Duration
}

func newEcho(d models.AgentDescriptor) (Agent, error) {
	e := &echo{desc: d}
	if msg, ok := d.Config["message"].(string); ok {
		e.message = msg
	}
	delay, err := configDuration(d.Config, "delay")
	if err != nil {
		return nil, err
	}
	e.delay = delay
	return e, nil
}

func (e *echo) Name() string { return e.desc.ID }

func (e *echo) Priority() models.Priority { return e.desc.Priority }

func (e *echo) Resources() models.ResourceRequirements { return e.desc.Resources }

func (e *echo) Run(ctx context.Context, v *shared.View) error {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	out := EchoOutput{Agent: e.desc.ID, Message: e.message, Query: v.Query()}
	for _, dep := range e.desc.Dependencies {
		if _, ok := v.Input(dep); !ok {
			continue
		}
		out.Inputs = append(out.Inputs, dep)
		if v.IsPlaceholder(dep) {
			if out.Degraded == nil {
				out.Degraded = make(map[string]bool)
			}
			out.Degraded[dep] = true
		}
	}
	sort.Strings(out.Inputs)
	v.Trace("echo", e.message)
	return v.SetOutput(out)
}

// failing fails its first "times" runs (all runs when zero) with the
// configured "kind", then succeeds.
type failing struct {
	desc  models.AgentDescriptor
	kind  failure.Kind
	times int

	mu   sync.Mutex
	runs int
}

func newFailing(d models.AgentDescriptor) (Agent, error) {
	f := &failing{desc: d, kind: failure.KindUnknown}
	if k, ok := d.Config["kind"].(string); ok && k != "" {
		f.kind = failure.Kind(k)
	}
	switch n := d.Config["times"].(type) {
	case int:
		f.times = n
	case float64:
		f.times = int(n)
	case nil:
	default:
		return nil, fmt.Errorf("fail agent %s: times must be a number", d.ID)
	}
	return f, nil
}

func (f *failing) Name() string { return f.desc.ID }

func (f *failing) Run(_ context.Context, v *shared.View) error {
	f.mu.Lock()
	f.runs++
	run := f.runs
	f.mu.Unlock()
	if f.times == 0 || run <= f.times {
		return failure.Errorf(f.kind, "%s failed on run %d", f.desc.ID, run)
	}
	return v.SetOutput(map[string]any{"agent": f.desc.ID, "runs": run})
}

func configDuration(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", key, err)
		}
		return d, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("config %s: unsupported type %T", key, v)
	}
}
