package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/signstream/internal/metrics"
)

// failurePause keeps a device that fails instantly from spinning the capture loop.
const failurePause = 20 * time.Millisecond

// Config holds the discovery, read and reconnect policy of a Source.
type Config struct {
	// Candidates is the discovery order used by Start.
	Candidates []Spec

	// ReadTimeout bounds every device read, including the first read that
	// confirms a candidate during discovery.
	ReadTimeout time.Duration

	// FailureThreshold is the number of consecutive failed reads after which
	// the device is released and the source starts reconnecting.
	FailureThreshold int

	Backoff BackoffConfig

	// OnStatus, if set, is called after every state transition. It runs on
	// the capture goroutine and must not block.
	OnStatus func(Status)
}

// DefaultConfig returns the policy used when nothing is configured: network
// candidates none, local indices 0..3.
func DefaultConfig() Config {
	return Config{
		Candidates:       Candidates(nil, 3),
		ReadTimeout:      2 * time.Second,
		FailureThreshold: 5,
		Backoff:          DefaultBackoffConfig(),
	}
}

// Source owns the single active capture device. A background capture loop
// reads from it into a FrameSlot; the loop also handles failover during
// discovery and reconnects with exponential backoff after the device is lost.
//
// Exactly one capture loop exists at a time. Start, Open and Close stop the
// running loop and release its device before anything new is opened.
type Source struct {
	cfg  Config
	open Opener
	log  logrus.FieldLogger
	slot *FrameSlot

	// ctrl serializes lifecycle changes (stop + launch).
	ctrl sync.Mutex

	mu          sync.Mutex
	spec        *Spec
	state       State
	failures    int
	reconnects  uint64
	lastFrameAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	released    <-chan struct{}
}

// NewSource creates a disconnected Source that opens devices with open.
func NewSource(cfg Config, open Opener, log logrus.FieldLogger) *Source {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Source{
		cfg:  cfg,
		open: open,
		log:  log.WithField("component", "capture"),
		slot: NewFrameSlot(),
	}
}

// Start runs discovery over the configured candidates: network streams in
// priority order, then local indices. The first candidate that opens and
// yields one frame wins. If none does, the source keeps retrying in the
// background with backoff and Start returns the aggregated error.
func (s *Source) Start(ctx context.Context) error {
	return wait(ctx, s.Begin(s.cfg.Candidates...))
}

// Open switches to spec, releasing the current device first. If spec cannot
// be opened the source stays on it in Reconnecting and Open returns the error
// of the first attempt.
func (s *Source) Open(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return &CameraError{Op: "open", Spec: spec, Kind: ErrOpenFailed, Err: err}
	}
	return wait(ctx, s.Begin(spec))
}

// Begin cancels any running capture loop (including a pending reconnect),
// releases its device and launches a new loop over targets. It does not wait
// for the first connection; the returned channel yields its outcome.
func (s *Source) Begin(targets ...Spec) <-chan error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.stop()
	s.slot.Clear()
	return s.launch(targets)
}

// Close stops capturing and releases the device.
func (s *Source) Close() {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.stop()
	s.slot.Clear()

	s.mu.Lock()
	s.spec = nil
	s.failures = 0
	s.mu.Unlock()
	s.setState(Disconnected)
}

// ReadFrame returns the newest captured frame, or nil if no new frame arrived
// since the previous call. It never blocks on the device.
func (s *Source) ReadFrame() *Frame {
	return s.slot.Take()
}

// Slot exposes the frame cell, mainly for inspection in tests.
func (s *Source) Slot() *FrameSlot {
	return s.slot
}

// Status returns a snapshot of the source state.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Connected:  s.state == Connected,
		State:      s.state,
		Failures:   s.failures,
		Reconnects: s.reconnects,
	}
	if s.spec != nil {
		sp := *s.spec
		st.Source = &sp
		st.Type = sp.Kind
	}
	if !s.lastFrameAt.IsZero() {
		t := s.lastFrameAt
		st.LastFrameAt = &t
	}
	return st
}

// ListDevices probes local indices 0..maxLocal and reports which ones open.
// The active local device is reported without being reopened.
func (s *Source) ListDevices(maxLocal int) Listing {
	listing := Listing{Local: []int{}, Network: []string{}}

	st := s.Status()
	for i := 0; i <= maxLocal; i++ {
		if st.Connected && st.Source != nil && st.Source.Kind == KindLocal && st.Source.Index == i {
			listing.Local = append(listing.Local, i)
			continue
		}
		dev, err := s.open(Local(i))
		if err != nil {
			continue
		}
		dev.Close()
		listing.Local = append(listing.Local, i)
	}

	for _, c := range s.cfg.Candidates {
		if c.Kind == KindNetwork {
			listing.Network = append(listing.Network, c.URL)
		}
	}
	return listing
}

// stop cancels the running loop, waits for it to exit and waits (bounded by
// the read timeout) for its device to be released. Caller holds ctrl.
func (s *Source) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	released := s.released
	s.released = nil
	s.mu.Unlock()

	waitReleased(released, s.cfg.ReadTimeout)
}

// launch starts a capture loop over targets. Caller holds ctrl.
func (s *Source) launch(targets []Spec) <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.failures = 0
	s.lastFrameAt = time.Time{}
	s.spec = nil
	if len(targets) > 0 {
		sp := targets[0]
		s.spec = &sp
	}
	s.mu.Unlock()

	targets = append([]Spec(nil), targets...)
	go s.run(ctx, targets, first, done)
	return first
}

// run is the capture loop. It owns the device exclusively: every Read and
// the final release happen here or in goroutines it hands the device to.
func (s *Source) run(ctx context.Context, targets []Spec, first chan<- error, done chan<- struct{}) {
	defer close(done)

	if len(targets) == 0 {
		s.setState(Disconnected)
		first <- ErrNoCandidates
		return
	}

	var (
		dev      *reader
		spec     Spec
		attempt  int
		reported bool
	)

	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	defer func() {
		if dev != nil {
			s.mu.Lock()
			s.released = dev.release()
			s.mu.Unlock()
		}
		report(ctx.Err())
	}()

	s.setState(Connecting)

	for {
		if ctx.Err() != nil {
			return
		}

		if dev == nil {
			if attempt > 0 {
				delay := s.cfg.Backoff.Delay(attempt)
				s.setState(Reconnecting)
				s.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("camera reconnect scheduled")

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}

				s.mu.Lock()
				s.reconnects++
				s.mu.Unlock()
				metrics.CameraReconnects.Inc()
			}
			attempt++

			r, connected, err := s.connect(ctx, targets)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.WithError(err).Info("no camera candidate available")
				report(err)
				continue
			}

			dev, spec, attempt = r, connected, 0
			s.setConnected(spec)
			s.log.WithField("source", spec.String()).Info("camera connected")
			report(nil)
			continue
		}

		mat, err := dev.read(ctx, s.cfg.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.CameraReadFailures.Inc()
			failures := s.recordFailure()
			s.log.WithError(err).WithFields(logrus.Fields{
				"source":   spec.String(),
				"failures": failures,
			}).Debug("camera read failed")

			if failures >= s.cfg.FailureThreshold {
				s.log.WithField("source", spec.String()).Warn("camera lost, releasing device")
				waitReleased(dev.release(), s.cfg.ReadTimeout)
				dev = nil
				attempt = 1
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(failurePause):
			}
			continue
		}

		s.recordFrame(mat)
	}
}

// connect tries targets in order and returns the first that opens and
// produces a frame.
func (s *Source) connect(ctx context.Context, targets []Spec) (*reader, Spec, error) {
	var errs []error
	for _, spec := range targets {
		if ctx.Err() != nil {
			return nil, spec, ctx.Err()
		}

		s.mu.Lock()
		sp := spec
		s.spec = &sp
		s.mu.Unlock()

		r, err := s.probe(ctx, spec)
		if err == nil {
			return r, spec, nil
		}
		if ctx.Err() != nil {
			return nil, spec, ctx.Err()
		}
		s.log.WithError(err).WithField("source", spec.String()).Debug("camera candidate rejected")
		errs = append(errs, err)
	}
	return nil, Spec{}, errors.Join(errs...)
}

// probe opens spec and confirms it with one successful read.
func (s *Source) probe(ctx context.Context, spec Spec) (*reader, error) {
	dev, err := s.openDevice(ctx, spec)
	if err != nil {
		return nil, err
	}

	r := &reader{dev: dev}
	mat, err := r.read(ctx, s.cfg.ReadTimeout)
	if err != nil {
		waitReleased(r.release(), s.cfg.ReadTimeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CameraError{Op: "probe", Spec: spec, Kind: ErrNoFrame, Err: err}
	}

	s.recordFrame(mat)
	return r, nil
}

// openDevice calls the Opener without letting a slow open hold up
// cancellation. If ctx ends first, the device is closed once the open returns.
func (s *Source) openDevice(ctx context.Context, spec Spec) (Device, error) {
	type result struct {
		dev Device
		err error
	}

	ch := make(chan result, 1)
	go func() {
		dev, err := s.open(spec)
		ch <- result{dev: dev, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &CameraError{Op: "open", Spec: spec, Kind: ErrOpenFailed, Err: res.err}
		}
		return res.dev, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.dev != nil {
				res.dev.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Source) recordFrame(mat *gocv.Mat) {
	now := time.Now()
	s.slot.Put(mat, now)

	s.mu.Lock()
	s.failures = 0
	s.lastFrameAt = now
	s.mu.Unlock()
}

func (s *Source) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

func (s *Source) setConnected(spec Spec) {
	s.mu.Lock()
	sp := spec
	s.spec = &sp
	s.failures = 0
	s.mu.Unlock()
	s.setState(Connected)
}

// setState records the state and notifies OnStatus when it changed.
func (s *Source) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	metrics.CameraState.Set(float64(state))

	if changed && s.cfg.OnStatus != nil {
		s.cfg.OnStatus(s.Status())
	}
}

func wait(ctx context.Context, first <-chan error) error {
	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitReleased(released <-chan struct{}, limit time.Duration) {
	if released == nil {
		return
	}
	if limit <= 0 {
		<-released
		return
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-released:
	case <-timer.C:
	}
}

type readResult struct {
	mat *gocv.Mat
	err error
}

// reader bounds device reads with a timeout. At most one Read is in flight:
// after a timeout the next read waits on the same pending call instead of
// issuing a concurrent one.
type reader struct {
	dev     Device
	pending chan readResult
}

func (r *reader) read(ctx context.Context, timeout time.Duration) (*gocv.Mat, error) {
	if r.pending == nil {
		ch := make(chan readResult, 1)
		r.pending = ch
		dev := r.dev
		go func() {
			mat, err := dev.Read()
			ch <- readResult{mat: mat, err: err}
		}()
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res := <-r.pending:
		r.pending = nil
		return res.mat, res.err
	case <-timeoutC:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release closes the device once any in-flight read has returned. The
// returned channel is closed when the device is released.
func (r *reader) release() <-chan struct{} {
	released := make(chan struct{})
	pending := r.pending
	r.pending = nil
	dev := r.dev

	go func() {
		defer close(released)
		if pending != nil {
			if res := <-pending; res.mat != nil {
				res.mat.Close()
			}
		}
		dev.Close()
	}()
	return released
}
