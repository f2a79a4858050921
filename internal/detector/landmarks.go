// Package detector is the boundary to the external hand-landmark detector: it
// turns a frame into 0..2 sets of 21 landmarks.
package detector

import "math"

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Point3D represents a 3D point in space with x, y, z coordinates.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HandLandmarks represents the 21 hand landmarks detected by MediaPipe.
type HandLandmarks struct {
	Points     [NumLandmarks]Point3D `json:"points"`
	Handedness string                `json:"handedness"` // "Left" or "Right"
	Score      float64               `json:"score"`
}

// Handedness labels reported by MediaPipe.
const (
	Left  = "Left"
	Right = "Right"
)

// WristRelative returns a copy of the hand with the wrist point subtracted
// from every landmark, so the wrist becomes exactly (0,0,0). Positions are
// not rescaled: the sequence classifier was trained on wrist-relative image
// coordinates. Applying it to an already wrist-relative hand is a no-op.
func (h HandLandmarks) WristRelative() HandLandmarks {
	out := HandLandmarks{
		Handedness: h.Handedness,
		Score:      h.Score,
	}

	wrist := h.Points[Wrist]
	for i := 0; i < NumLandmarks; i++ {
		out.Points[i] = Point3D{
			X: h.Points[i].X - wrist.X,
			Y: h.Points[i].Y - wrist.Y,
			Z: h.Points[i].Z - wrist.Z,
		}
	}
	return out
}

// Bounds returns the top-left and bottom-right corners of the hand in
// normalized image coordinates. Z is ignored.
func (h HandLandmarks) Bounds() (lo, hi Point3D) {
	lo, hi = h.Points[0], h.Points[0]
	for _, p := range h.Points[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
	}
	lo.Z, hi.Z = 0, 0
	return lo, hi
}
