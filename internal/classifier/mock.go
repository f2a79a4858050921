package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/ayusman/signstream/internal/feature"
)

// MockModel is a test implementation of Model with scripted output.
type MockModel struct {
	mu     sync.Mutex
	probs  []float64
	err    error
	panics bool
	delay  time.Duration
	calls  int
	last   []feature.Vector
}

// NewMockModel returns a model answering probs.
func NewMockModel(probs ...float64) *MockModel {
	return &MockModel{probs: probs}
}

// SetOutput sets the probabilities returned by Predict.
func (m *MockModel) SetOutput(probs ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probs = probs
}

// SetError makes Predict fail with err.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetPanic makes Predict panic.
func (m *MockModel) SetPanic(panics bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics = panics
}

// SetDelay makes Predict wait before answering, honouring ctx.
func (m *MockModel) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Predict implements Model.
func (m *MockModel) Predict(ctx context.Context, window []feature.Vector) ([]float64, error) {
	m.mu.Lock()
	m.calls++
	m.last = window
	probs, err, panics, delay := m.probs, m.err, m.panics, m.delay
	m.mu.Unlock()

	if panics {
		panic("mock model panic")
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), probs...), nil
}

// Calls returns how many times Predict ran.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastWindow returns the window passed to the latest Predict.
func (m *MockModel) LastWindow() []feature.Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
