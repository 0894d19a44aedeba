package stats

import "time"

type windowEntry struct {
	ts time.Time
	v  float64
}

// Window is a bounded-age sequence of timestamped values. Entries older
// than the horizon are pruned lazily on every read, so no background
// timer is needed. Pop-front is O(1) amortized via a head index with
// periodic compaction.
type Window struct {
	horizon time.Duration
	entries []windowEntry
	head    int
	sum     float64

	now func() time.Time
}

// NewWindow returns a window keeping values for the given horizon.
func NewWindow(horizon time.Duration) *Window {
	return &Window{horizon: horizon, now: func() time.Time { return time.Now().UTC() }}
}

// newWindowAt is like NewWindow with an injected clock, for tests.
func newWindowAt(horizon time.Duration, now func() time.Time) *Window {
	return &Window{horizon: horizon, now: now}
}

// Add appends a value. A zero ts means "now".
func (w *Window) Add(v float64, ts time.Time) {
	if ts.IsZero() {
		ts = w.now()
	}
	w.entries = append(w.entries, windowEntry{ts: ts, v: v})
	w.sum += v
	w.prune()
}

func (w *Window) prune() {
	cutoff := w.now().Add(-w.horizon)
	for w.head < len(w.entries) && w.entries[w.head].ts.Before(cutoff) {
		w.sum -= w.entries[w.head].v
		w.head++
	}
	if w.head == len(w.entries) {
		w.entries = w.entries[:0]
		w.head = 0
		w.sum = 0
		return
	}
	if w.head > len(w.entries)/2 {
		n := copy(w.entries, w.entries[w.head:])
		w.entries = w.entries[:n]
		w.head = 0
	}
}

// Count returns the number of live entries.
func (w *Window) Count() int {
	w.prune()
	return len(w.entries) - w.head
}

// Sum returns the sum of live entries, 0 when empty.
func (w *Window) Sum() float64 {
	w.prune()
	if w.Count() == 0 {
		return 0
	}
	return w.sum
}

// Mean returns the mean of live entries, 0 when empty.
func (w *Window) Mean() float64 {
	if n := w.Count(); n > 0 {
		return w.sum / float64(n)
	}
	return 0
}

// Min returns the smallest live entry, 0 when empty.
func (w *Window) Min() float64 {
	w.prune()
	if w.head == len(w.entries) {
		return 0
	}
	m := w.entries[w.head].v
	for _, e := range w.entries[w.head+1:] {
		if e.v < m {
			m = e.v
		}
	}
	return m
}

// Max returns the largest live entry, 0 when empty.
func (w *Window) Max() float64 {
	w.prune()
	if w.head == len(w.entries) {
		return 0
	}
	m := w.entries[w.head].v
	for _, e := range w.entries[w.head+1:] {
		if e.v > m {
			m = e.v
		}
	}
	return m
}

// Horizon returns the configured window length.
func (w *Window) Horizon() time.Duration { return w.horizon }
