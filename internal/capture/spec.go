package capture

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind identifies the type of capture device behind a Spec.
type Kind string

const (
	// KindLocal is a device attached to the host, addressed by index.
	KindLocal Kind = "local"
	// KindNetwork is a network stream (MJPEG over HTTP, RTSP) addressed by URI.
	KindNetwork Kind = "network"
)

// Spec describes one capture candidate.
type Spec struct {
	Kind  Kind   `json:"type"`
	Index int    `json:"index"`
	URL   string `json:"url,omitempty"`
}

// Local returns a Spec for the local device with the given index.
func Local(index int) Spec {
	return Spec{Kind: KindLocal, Index: index}
}

// Network returns a Spec for the network stream at uri.
func Network(uri string) Spec {
	return Spec{Kind: KindNetwork, URL: uri}
}

// String returns a short human-readable form used in logs.
func (s Spec) String() string {
	if s.Kind == KindNetwork {
		return "network:" + s.URL
	}
	return "local:" + strconv.Itoa(s.Index)
}

// Validate reports whether the spec can be handed to an Opener.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindLocal:
		if s.Index < 0 {
			return fmt.Errorf("local camera index must be >= 0, got %d", s.Index)
		}
		return nil
	case KindNetwork:
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid stream url %q: %w", s.URL, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("stream url %q needs a scheme and host", s.URL)
		}
		return nil
	default:
		return fmt.Errorf("unknown camera type %q", s.Kind)
	}
}

// ParseKind maps user supplied camera types to a Kind.
// "esp32" and "stream" are accepted as aliases for network streams.
func ParseKind(v string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "local":
		return KindLocal, nil
	case "network", "esp32", "stream":
		return KindNetwork, nil
	default:
		return "", fmt.Errorf("unknown camera type %q", v)
	}
}

// Candidates builds the discovery order: network streams first, in the
// order given, then local indices 0..maxLocal.
func Candidates(streams []string, maxLocal int) []Spec {
	specs := make([]Spec, 0, len(streams)+maxLocal+1)
	for _, s := range streams {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		specs = append(specs, Network(s))
	}
	for i := 0; i <= maxLocal; i++ {
		specs = append(specs, Local(i))
	}
	return specs
}
