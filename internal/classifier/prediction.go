// Package classifier adapts the sliding feature window to the external
// sequence classifier and owns the sentinel labels reported when no real
// classification is available.
package classifier

import "time"

// Sentinel labels. They describe pipeline state, never a recognized sign, and
// always carry confidence 0.
const (
	NoHandsDetected = "NO_HANDS_DETECTED"
	LoadingSequence = "LOADING_SEQUENCE"
	ErrorPrediction = "ERROR_PREDICTION"
)

// Prediction is the classification outcome of one pipeline tick.
type Prediction struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sentinel returns a zero-confidence prediction carrying label.
func Sentinel(label string, ts time.Time) Prediction {
	return Prediction{Label: label, Timestamp: ts}
}

// IsSentinel reports whether label is one of the sentinel labels.
func IsSentinel(label string) bool {
	switch label {
	case NoHandsDetected, LoadingSequence, ErrorPrediction:
		return true
	}
	return false
}

// IsSentinel reports whether p carries a sentinel label.
func (p Prediction) IsSentinel() bool {
	return IsSentinel(p.Label)
}

// Kind groups predictions for metrics: "sign", "no_hands", "loading" or "error".
func (p Prediction) Kind() string {
	switch p.Label {
	case NoHandsDetected:
		return "no_hands"
	case LoadingSequence:
		return "loading"
	case ErrorPrediction:
		return "error"
	default:
		return "sign"
	}
}
