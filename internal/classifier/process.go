package classifier

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/feature"
)

type processRequest struct {
	Sequence []feature.Vector `json:"sequence"`
}

type processResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Error         string    `json:"error,omitempty"`
}

// ProcessModel runs the bundle's executable once and talks to it over
// stdin/stdout, one JSON line per request and per response. The process is
// kept for the lifetime of the model. A timed out or malformed exchange kills
// it; the next Predict starts a fresh one.
type ProcessModel struct {
	bundle *Bundle
	log    logrus.FieldLogger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	started bool
}

// NewProcessModel returns a model backed by the bundle's executable. The
// process starts on the first Predict, or earlier via Start.
func NewProcessModel(bundle *Bundle, log logrus.FieldLogger) *ProcessModel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ProcessModel{
		bundle: bundle,
		log:    log.WithFields(logrus.Fields{"component": "model", "model": bundle.Manifest.Name}),
	}
}

// Start launches the model process if it is not running.
func (m *ProcessModel) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureStarted()
}

// Predict implements Model.
func (m *ProcessModel) Predict(ctx context.Context, window []feature.Vector) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureStarted(); err != nil {
		return nil, err
	}

	req, err := json.Marshal(processRequest{Sequence: window})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req = append(req, '\n')

	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	stdin, stdout := m.stdin, m.stdout
	go func() {
		if _, err := stdin.Write(req); err != nil {
			ch <- result{err: fmt.Errorf("write request: %w", err)}
			return
		}
		line, err := stdout.ReadBytes('\n')
		if err != nil {
			err = fmt.Errorf("read response: %w", err)
		}
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		m.kill()
		return nil, fmt.Errorf("model did not answer: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			m.kill()
			return nil, res.err
		}

		var resp processResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			m.kill()
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("model: %s", resp.Error)
		}
		return resp.Probabilities, nil
	}
}

// Close stops the model process.
func (m *ProcessModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	m.stdin.Close()
	err := m.cmd.Wait()
	m.reset()
	return err
}

func (m *ProcessModel) ensureStarted() error {
	if m.started {
		return nil
	}

	cmd := exec.Command(m.bundle.Executable, m.bundle.Manifest.Args...)
	cmd.Dir = m.bundle.Dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start model: %w", err)
	}

	m.cmd = cmd
	m.stdin = stdin
	m.stdout = bufio.NewReader(stdout)
	m.started = true

	m.log.WithField("executable", m.bundle.Executable).Info("model process started")
	return nil
}

func (m *ProcessModel) kill() {
	if !m.started {
		return
	}
	m.log.Warn("killing model process")
	m.cmd.Process.Kill()
	m.stdin.Close()
	m.cmd.Wait()
	m.reset()
}

func (m *ProcessModel) reset() {
	m.cmd = nil
	m.stdin = nil
	m.stdout = nil
	m.started = false
}
