package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned when the orchestrator was stopped.
var ErrStopped = errors.New("orchestrator stopped")

// stageGate is checked before every stage. A paused gate holds the next
// stage back until Resume; a stopped gate refuses every later stage.
type stageGate struct {
	mu      sync.Mutex
	open    chan struct{} // nil while running, closed on resume or stop
	stopped chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newStageGate(logger *slog.Logger) *stageGate {
	return &stageGate{stopped: make(chan struct{}), logger: logger}
}

func (g *stageGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open != nil || g.isStopped() {
		return
	}
	g.open = make(chan struct{})
	g.logger.Info("orchestrator paused")
}

func (g *stageGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == nil {
		return
	}
	close(g.open)
	g.open = nil
	g.logger.Info("orchestrator resumed")
}

// Stop is idempotent and releases every waiter.
func (g *stageGate) Stop() {
	g.once.Do(func() {
		close(g.stopped)
		g.logger.Info("orchestrator stopping")
	})
}

func (g *stageGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open != nil
}

func (g *stageGate) Stopped() bool { return g.isStopped() }

func (g *stageGate) isStopped() bool {
	select {
	case <-g.stopped:
		return true
	default:
		return false
	}
}

// Pass blocks while the gate is paused. It returns ErrStopped once Stop was
// called and ctx.Err() when ctx ends first.
func (g *stageGate) Pass(ctx context.Context) error {
	g.mu.Lock()
	wait := g.open
	g.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-g.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.isStopped() {
		return ErrStopped
	}
	return nil
}
