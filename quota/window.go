package quota

import "time"

// window is an exact sliding log of action timestamps over span.
// Not safe for concurrent use; the owning userState serializes access.
type window struct {
	span time.Duration
	hits []time.Time
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

// prune drops hits that fell out of the window ending at now.
func (w *window) prune(now time.Time) {
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cut) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.hits)
}

func (w *window) add(now time.Time) {
	w.hits = append(w.hits, now)
}

// retryAfter returns how long until one slot frees, given the window
// currently holds limit or more hits.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	w.prune(now)
	if len(w.hits) < limit || len(w.hits) == 0 {
		return 0
	}
	// The slot held by hits[len-limit] frees first.
	d := w.hits[len(w.hits)-limit].Add(w.span).Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
