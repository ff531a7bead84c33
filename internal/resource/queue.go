package resource

import (
	"container/heap"
	"time"

	"github.com/ShayCichocki/weave/pkg/models"
)

// request is a queued resource request.
type request struct {
	id        string
	agentID   string
	reqs      models.ResourceRequirements
	priority  models.Priority
	estimated time.Duration
	deadline  time.Time
	maxWait   time.Duration
	submitted time.Time
	seq       uint64
	ticket    *Ticket
	index     int
}

// requestQueue is a heap ordered by a pool policy.
type requestQueue struct {
	policy Policy
	items  []*request
}

func newRequestQueue(policy Policy) *requestQueue {
	return &requestQueue{policy: policy}
}

func (q *requestQueue) Len() int { return len(q.items) }

func (q *requestQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	switch q.policy {
	case PolicyPriority:
		if a.priority != b.priority {
			return a.priority < b.priority
		}
	case PolicyShortestJobFirst:
		if a.estimated != b.estimated {
			return a.estimated < b.estimated
		}
	case PolicyDeadlineAware:
		switch {
		case !a.deadline.IsZero() && b.deadline.IsZero():
			return true
		case a.deadline.IsZero() && !b.deadline.IsZero():
			return false
		case !a.deadline.Equal(b.deadline):
			return a.deadline.Before(b.deadline)
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
	}
	return a.seq < b.seq
}

func (q *requestQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(q.items)
	q.items = append(q.items, r)
}

func (q *requestQueue) Pop() any {
	old := q.items
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	q.items = old[:n-1]
	return r
}

func (q *requestQueue) push(r *request) { heap.Push(q, r) }

func (q *requestQueue) peek() *request {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *requestQueue) pop() *request {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*request)
}

func (q *requestQueue) remove(r *request) bool {
	if r.index < 0 || r.index >= len(q.items) || q.items[r.index] != r {
		return false
	}
	heap.Remove(q, r.index)
	return true
}
