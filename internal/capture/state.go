package capture

import (
	"fmt"
	"time"
)

// State is the connection state of the active Source.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name in JSON envelopes.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := Disconnected; st <= Reconnecting; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown camera state %q", text)
}

// Status is a point-in-time view of the Source, safe to hand to other goroutines.
type Status struct {
	Connected   bool       `json:"connected"`
	State       State      `json:"state"`
	Type        Kind       `json:"type,omitempty"`
	Source      *Spec      `json:"source,omitempty"`
	Failures    int        `json:"failures"`
	Reconnects  uint64     `json:"reconnects"`
	LastFrameAt *time.Time `json:"last_frame_at,omitempty"`
}

// Listing is the result of probing available devices.
type Listing struct {
	Local   []int    `json:"local"`
	Network []string `json:"network"`
}
