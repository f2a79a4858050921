package classifier

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ayusman/signstream/internal/feature"
)

// Scaler standardizes every feature column as (x - mean) / scale, the way the
// classifier's training pipeline did. A zero scale leaves the centered value
// unscaled.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Validate checks that the scaler covers exactly one feature vector.
func (s *Scaler) Validate() error {
	if len(s.Mean) != feature.Width || len(s.Scale) != feature.Width {
		return fmt.Errorf("scaler needs %d means and scales, got %d and %d", feature.Width, len(s.Mean), len(s.Scale))
	}
	return nil
}

// Transform returns a standardized copy of window. A nil Scaler returns the
// window unchanged.
func (s *Scaler) Transform(window []feature.Vector) []feature.Vector {
	if s == nil {
		return window
	}

	out := make([]feature.Vector, len(window))
	for t, v := range window {
		for i, x := range v {
			scale := s.Scale[i]
			if scale == 0 {
				scale = 1
			}
			out[t][i] = (x - s.Mean[i]) / scale
		}
	}
	return out
}

// LoadScaler reads a scaler file.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}
