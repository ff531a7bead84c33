package resource

import (
	"context"
	"sync"
)

// Ticket tracks one resource request until it is granted or fails.
type Ticket struct {
	ID      string
	AgentID string

	s    *Scheduler
	r    *request
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	grants []Allocation
	err    error
}

func newTicket(s *Scheduler, r *request) *Ticket {
	return &Ticket{ID: r.id, AgentID: r.agentID, s: s, r: r, done: make(chan struct{})}
}

func (t *Ticket) resolve(grants []Allocation, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.grants = grants
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *Ticket) result() ([]Allocation, error) {
	select {
	case <-t.done:
	default:
		return nil, context.Canceled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Allocation(nil), t.grants...), t.err
}

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Granted reports whether the request has been granted.
func (t *Ticket) Granted() bool {
	_, err := t.result()
	return err == nil
}

// Wait blocks until the request is granted, expires, or ctx is done. On
// cancellation the request is withdrawn and anything granted concurrently
// is released.
func (t *Ticket) Wait(ctx context.Context) ([]Allocation, error) {
	select {
	case <-t.done:
		return t.result()
	case <-ctx.Done():
		t.s.cancelRequest(t.r, ctx.Err())
		return nil, ctx.Err()
	}
}
