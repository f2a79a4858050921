package capture

import "time"

// BackoffConfig controls the delay between reconnect attempts.
type BackoffConfig struct {
	Initial time.Duration // delay before the first retry
	Max     time.Duration // cap applied to every delay
}

// DefaultBackoffConfig returns a 500ms initial delay capped at 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
	}
}

// Delay returns the wait before the given 1-based attempt:
// Initial * 2^(attempt-1), capped at Max.
//
// With the defaults:
//   - Attempt 1: 500ms
//   - Attempt 2: 1s
//   - Attempt 3: 2s
//   - Attempt 7 and later: 30s
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if c.Initial <= 0 {
		return c.Max
	}

	delay := c.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.Max > 0 && delay >= c.Max {
			return c.Max
		}
	}

	if c.Max > 0 && delay > c.Max {
		delay = c.Max
	}
	return delay
}
