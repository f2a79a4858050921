// Package sequence holds the sliding window of per-frame feature vectors fed
// to the sequence classifier.
package sequence

import "github.com/ayusman/signstream/internal/feature"

// DefaultCapacity is the number of frames the classifier expects.
const DefaultCapacity = 30

// Window is a fixed-capacity FIFO of feature vectors. Once full, every push
// evicts the oldest vector. It is not safe for concurrent use; the pipeline
// driver is its only mutator.
type Window struct {
	capacity int
	buf      []feature.Vector
}

// NewWindow returns an empty window. A capacity <= 0 means DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		buf:      make([]feature.Vector, 0, capacity),
	}
}

// Push appends v, evicting the oldest vector when the window is full.
func (w *Window) Push(v feature.Vector) {
	if len(w.buf) == w.capacity {
		copy(w.buf, w.buf[1:])
		w.buf[len(w.buf)-1] = v
		return
	}
	w.buf = append(w.buf, v)
}

// Len returns the number of buffered vectors.
func (w *Window) Len() int { return len(w.buf) }

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.capacity }

// IsReady reports whether the window holds exactly Cap vectors.
func (w *Window) IsReady() bool { return len(w.buf) == w.capacity }

// Snapshot returns a copy of the buffered vectors, oldest first.
func (w *Window) Snapshot() []feature.Vector {
	out := make([]feature.Vector, len(w.buf))
	copy(out, w.buf)
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	w.buf = w.buf[:0]
}
