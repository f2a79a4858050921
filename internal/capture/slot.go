package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a captured image plus its capture time. The holder of a Frame owns
// the Mat and must call Close when done with it.
type Frame struct {
	Mat       *gocv.Mat
	Timestamp time.Time
	Seq       uint64
}

// Close releases the frame's image buffer.
func (f *Frame) Close() {
	if f == nil || f.Mat == nil {
		return
	}
	f.Mat.Close()
	f.Mat = nil
}

// FrameSlot is a single-slot, latest-wins frame cell shared between the
// capture loop (writer) and the pipeline tick (reader). It never grows: a new
// frame replaces, and releases, any frame the reader has not taken yet.
type FrameSlot struct {
	mu          sync.Mutex
	frame       *Frame
	seq         uint64
	overwritten uint64
}

// NewFrameSlot returns an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Put stores mat as the newest frame, taking ownership of it.
func (s *FrameSlot) Put(mat *gocv.Mat, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame != nil {
		s.overwritten++
		s.frame.Close()
	}

	s.seq++
	s.frame = &Frame{Mat: mat, Timestamp: ts, Seq: s.seq}
}

// Take removes and returns the newest frame, or nil if none arrived since the
// last Take. Ownership moves to the caller.
func (s *FrameSlot) Take() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.frame
	s.frame = nil
	return f
}

// Clear drops any pending frame.
func (s *FrameSlot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame != nil {
		s.frame.Close()
		s.frame = nil
	}
}

// Overwritten returns how many frames were replaced before being taken.
func (s *FrameSlot) Overwritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwritten
}
