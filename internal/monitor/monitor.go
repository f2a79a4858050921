// Package monitor tracks pipeline throughput and host load.
package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Defaults used when the constructor gets zero values.
const (
	DefaultWindow   = 60
	DefaultInterval = 5 * time.Second
)

// Usage is a host load sample in percent.
type Usage struct {
	CPU float64 `json:"cpu"`
	RAM float64 `json:"ram"`
}

// Sampler reads host CPU and RAM usage.
type Sampler interface {
	Sample() (Usage, error)
}

// Monitor keeps a rolling window of tick durations and an interval-gated
// host load sample. It is safe for concurrent use.
type Monitor struct {
	interval time.Duration
	sampler  Sampler
	log      logrus.FieldLogger
	now      func() time.Time

	mu         sync.Mutex
	durations  []float64
	next       int
	lastSample time.Time
	usage      *Usage
}

// New creates a Monitor averaging the last window ticks and sampling host
// load at most once per interval. sampler may be nil, in which case
// SystemUsage always reports nothing.
func New(window int, interval time.Duration, sampler Sampler, log logrus.FieldLogger) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		interval:  interval,
		sampler:   sampler,
		log:       log.WithField("component", "monitor"),
		now:       time.Now,
		durations: make([]float64, 0, window),
	}
}

// RecordFrame adds one tick duration to the window, evicting the oldest.
func (m *Monitor) RecordFrame(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sec := d.Seconds()
	if len(m.durations) < cap(m.durations) {
		m.durations = append(m.durations, sec)
		return
	}
	m.durations[m.next] = sec
	m.next = (m.next + 1) % len(m.durations)
}

// FPS returns 1 / mean tick duration, or 0 before the first tick.
func (m *Monitor) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps()
}

func (m *Monitor) fps() float64 {
	if len(m.durations) == 0 {
		return 0
	}
	mean := stat.Mean(m.durations, nil)
	if mean <= 0 {
		return 0
	}
	return 1 / mean
}

// SystemUsage returns the latest host load sample, taking a new one when the
// previous is older than the interval. It returns nil if sampling is not
// available or has never succeeded.
func (m *Monitor) SystemUsage() *Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sampler == nil {
		return nil
	}

	now := m.now()
	if !m.lastSample.IsZero() && now.Sub(m.lastSample) < m.interval {
		return m.copyUsage()
	}
	m.lastSample = now

	u, err := m.sampler.Sample()
	if err != nil {
		m.log.WithError(err).Debug("system usage unavailable")
		return m.copyUsage()
	}
	m.usage = &u

	m.log.WithFields(logrus.Fields{
		"fps": m.fps(),
		"cpu": u.CPU,
		"ram": u.RAM,
	}).Info("performance")

	return m.copyUsage()
}

func (m *Monitor) copyUsage() *Usage {
	if m.usage == nil {
		return nil
	}
	u := *m.usage
	return &u
}
