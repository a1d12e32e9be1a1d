package envelope

import "time"

// windowCapacity is the rolling-window size spec 4.5 step 4 calls for:
// "record one receive-timestamp sample into a rolling 1000-entry window
// (for fps)". Grounded on the Python implementation's bounded deque of
// the same size (see SPEC_FULL.md 3).
const windowCapacity = 1000

// TimingWindow is a fixed-capacity ring buffer of timestamps used to
// derive an approximate frames-per-second figure for a single receiver.
// Not safe for concurrent use; each receiver owns its own window.
type TimingWindow struct {
	samples []time.Time
	next    int
	full    bool
}

// NewTimingWindow creates an empty window.
func NewTimingWindow() *TimingWindow {
	return &TimingWindow{samples: make([]time.Time, windowCapacity)}
}

// Record adds a timestamp sample, evicting the oldest once the window is
// saturated.
func (w *TimingWindow) Record(t time.Time) {
	w.samples[w.next] = t
	w.next = (w.next + 1) % windowCapacity
	if w.next == 0 {
		w.full = true
	}
}

// Len returns how many samples are currently held (<= windowCapacity).
func (w *TimingWindow) Len() int {
	if w.full {
		return windowCapacity
	}
	return w.next
}

// FPS estimates frames-per-second from the span between the oldest and
// newest sample in the window. Returns 0 if fewer than two samples have
// been recorded.
func (w *TimingWindow) FPS() float64 {
	n := w.Len()
	if n < 2 {
		return 0
	}
	oldestIdx := 0
	if w.full {
		oldestIdx = w.next
	}
	newestIdx := (oldestIdx + n - 1) % windowCapacity
	span := w.samples[newestIdx].Sub(w.samples[oldestIdx]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}
