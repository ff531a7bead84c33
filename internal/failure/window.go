package failure

import "time"

type outcome struct {
	at     time.Time
	failed bool
}

// slidingWindow tracks outcomes over a fixed span of time.
type slidingWindow struct {
	span   time.Duration
	events []outcome
}

func (w *slidingWindow) add(at time.Time, failed bool) {
	w.events = append(w.events, outcome{at: at, failed: failed})
	w.trim(at)
}

func (w *slidingWindow) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// rate returns failures/total inside the window.
func (w *slidingWindow) rate(now time.Time) float64 {
	w.trim(now)
	if len(w.events) == 0 {
		return 0
	}
	failed := 0
	for _, e := range w.events {
		if e.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.events))
}
