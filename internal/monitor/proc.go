package monitor

import (
	"errors"
	"sync"

	"github.com/prometheus/procfs"
)

// ProcSampler reads CPU and memory usage from /proc. CPU usage is the busy
// share of jiffies since the previous sample (since boot on the first one).
type ProcSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return NewProcSamplerFS(fs), nil
}

// NewProcSamplerFS uses fs instead of the default mount.
func NewProcSamplerFS(fs procfs.FS) *ProcSampler {
	return &ProcSampler{fs: fs}
}

// Sample implements Sampler.
func (s *ProcSampler) Sample() (Usage, error) {
	st, err := s.fs.Stat()
	if err != nil {
		return Usage{}, err
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return Usage{}, err
	}

	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	s.mu.Lock()
	dBusy, dTotal := busy-s.prevBusy, total-s.prevTotal
	s.prevBusy, s.prevTotal = busy, total
	s.mu.Unlock()

	var u Usage
	if dTotal > 0 {
		u.CPU = 100 * dBusy / dTotal
	}

	if mem.MemTotal == nil || mem.MemAvailable == nil || *mem.MemTotal == 0 {
		return u, errors.New("meminfo lacks MemTotal or MemAvailable")
	}
	used := *mem.MemTotal - *mem.MemAvailable
	u.RAM = 100 * float64(used) / float64(*mem.MemTotal)
	return u, nil
}
