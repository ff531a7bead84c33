package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/weave/internal/logging"
)

func TestStageGatePassWhenOpen(t *testing.T) {
	g := newStageGate(logging.Nop())
	if err := g.Pass(context.Background()); err != nil {
		t.Fatalf("Pass() = %v", err)
	}
	if g.Paused() || g.Stopped() {
		t.Errorf("fresh gate paused=%v stopped=%v", g.Paused(), g.Stopped())
	}
}

func TestStageGateResumeReleasesWaiter(t *testing.T) {
	g := newStageGate(logging.Nop())
	g.Pause()
	g.Pause()
	if !g.Paused() {
		t.Fatal("gate not paused")
	}

	done := make(chan error, 1)
	go func() { done <- g.Pass(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Pass returned while paused: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	g.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Pass() after resume = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pass did not return after Resume")
	}
	if g.Paused() {
		t.Error("gate still paused")
	}
}

func TestStageGateStop(t *testing.T) {
	tests := []struct {
		name  string
		pause bool
	}{
		{"running", false},
		{"paused", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newStageGate(logging.Nop())
			if tt.pause {
				g.Pause()
			}
			done := make(chan error, 1)
			go func() {
				time.Sleep(5 * time.Millisecond)
				g.Stop()
				g.Stop()
			}()
			go func() {
				time.Sleep(10 * time.Millisecond)
				done <- g.Pass(context.Background())
			}()
			select {
			case err := <-done:
				if !errors.Is(err, ErrStopped) {
					t.Errorf("Pass() = %v, want ErrStopped", err)
				}
			case <-time.After(time.Second):
				t.Fatal("Pass did not return after Stop")
			}
			if !g.Stopped() {
				t.Error("Stopped() = false")
			}
		})
	}
}

func TestStageGateContextCancel(t *testing.T) {
	g := newStageGate(logging.Nop())
	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Pass(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Pass() = %v, want context.Canceled", err)
	}
}
