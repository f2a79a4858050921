// Package feature turns detected hand landmarks into the fixed-width vector
// the sequence classifier consumes.
package feature

import (
	"sort"

	"github.com/ayusman/signstream/internal/detector"
)

const (
	// MaxHands is the number of hand slots in a Vector.
	MaxHands = 2

	// HandWidth is the number of values one hand contributes (21 points x 3).
	HandWidth = detector.NumLandmarks * 3

	// Width is the length of every Vector.
	Width = MaxHands * HandWidth
)

// Vector is one frame's features: hand slot 0 in [0,63), slot 1 in [63,126).
// Empty slots are zero.
type Vector [Width]float64

// IsZero reports whether no hand contributed to v.
func (v Vector) IsZero() bool {
	return v == (Vector{})
}

// Hand returns the 63-value segment of hand slot i.
func (v *Vector) Hand(i int) []float64 {
	return v[i*HandWidth : (i+1)*HandWidth]
}

// Builder builds Vectors. The zero value keeps detector order.
type Builder struct {
	// Canonical orders hands Left before Right by handedness label so the
	// same sign lands in the same slots regardless of detector order.
	Canonical bool
}

// Build is Builder{}.Build.
func Build(hands []detector.HandLandmarks) Vector {
	return Builder{}.Build(hands)
}

// Build flattens up to MaxHands hands into a Vector. Each hand is made
// wrist-relative on its own. Hands beyond MaxHands are ignored.
func (b Builder) Build(hands []detector.HandLandmarks) Vector {
	var v Vector
	if len(hands) == 0 {
		return v
	}

	if len(hands) > MaxHands {
		hands = hands[:MaxHands]
	}
	if b.Canonical && len(hands) > 1 {
		hands = append([]detector.HandLandmarks(nil), hands...)
		sort.SliceStable(hands, func(i, j int) bool {
			return handRank(hands[i].Handedness) < handRank(hands[j].Handedness)
		})
	}

	for slot, h := range hands {
		rel := h.WristRelative()
		seg := v.Hand(slot)
		for i, p := range rel.Points {
			seg[i*3] = p.X
			seg[i*3+1] = p.Y
			seg[i*3+2] = p.Z
		}
	}
	return v
}

func handRank(handedness string) int {
	switch handedness {
	case detector.Left:
		return 0
	case detector.Right:
		return 1
	default:
		return 2
	}
}
