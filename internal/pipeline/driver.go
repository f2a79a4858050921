// Package pipeline runs the single producer of the system: one tick pulls
// the newest frame, detects hands, updates the feature window, classifies it
// and publishes the annotated result to the broadcast hub.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"golang.org/x/time/rate"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/classifier"
	"github.com/ayusman/signstream/internal/detector"
	"github.com/ayusman/signstream/internal/feature"
	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/metrics"
	"github.com/ayusman/signstream/internal/monitor"
	"github.com/ayusman/signstream/internal/sequence"
)

// NoHandsPolicy decides what a frame without hands does to the window.
type NoHandsPolicy string

const (
	// NoHandsRetain pushes a zero vector and keeps the accumulated context.
	NoHandsRetain NoHandsPolicy = "retain"
	// NoHandsReset empties the window.
	NoHandsReset NoHandsPolicy = "reset"
)

// ParseNoHandsPolicy parses "retain" or "reset". Empty means retain.
func ParseNoHandsPolicy(s string) (NoHandsPolicy, error) {
	switch NoHandsPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NoHandsRetain:
		return NoHandsRetain, nil
	case NoHandsReset:
		return NoHandsReset, nil
	default:
		return "", fmt.Errorf("unknown no-hands policy %q", s)
	}
}

// Session errors.
var (
	ErrNoRecorder      = errors.New("session store not configured")
	ErrNoActiveSession = errors.New("no active session")
)

// defaultPersistTimeout bounds one background store write.
const defaultPersistTimeout = 5 * time.Second

// Camera is the capture side of the pipeline. *capture.Source implements it.
type Camera interface {
	ReadFrame() *capture.Frame
	Status() capture.Status
	Begin(targets ...capture.Spec) <-chan error
	ListDevices(maxLocal int) capture.Listing
}

// Recorder is the persistence collaborator.
type Recorder interface {
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context, id string) error
	SaveTranslation(ctx context.Context, sessionID, text string, confidence float64) error
	LogEvent(ctx context.Context, sessionID, eventType, message, severity string) error
}

// Config holds the driver settings.
type Config struct {
	ConfidenceThreshold float64
	TickInterval        time.Duration
	IdleWait            time.Duration
	NoHandsPolicy       NoHandsPolicy
	Flip                bool
	JPEGQuality         int
	MaxLocal            int
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		TickInterval:        30 * time.Millisecond,
		IdleWait:            50 * time.Millisecond,
		NoHandsPolicy:       NoHandsRetain,
		Flip:                true,
		JPEGQuality:         70,
		MaxLocal:            3,
	}
}

// Driver is the pipeline producer. Run executes ticks; the command methods
// (SwitchCamera, ResetClassifier, sessions) take the same lock as a tick so
// they are never applied mid-tick.
type Driver struct {
	cfg        Config
	camera     Camera
	detector   detector.Detector
	builder    feature.Builder
	dispatcher *classifier.Dispatcher
	monitor    *monitor.Monitor
	hub        *hub.Hub[Event]
	recorder   Recorder
	log        logrus.FieldLogger
	limiter    *rate.Limiter

	// mu is the tick/command lock. It guards window and lastSaved.
	mu        sync.Mutex
	window    *sequence.Window
	lastSaved string

	// snapMu guards state read by status queries and by the capture
	// goroutine's status callback, which must never wait on a tick.
	snapMu  sync.RWMutex
	current classifier.Prediction
	session string

	// persistMu orders scheduling of store writes against Run's final Wait.
	// Once stopped is set no new write starts.
	persistMu      sync.Mutex
	stopped        bool
	persist        sync.WaitGroup
	persistTimeout time.Duration
}

// Deps are the collaborators of a Driver. Recorder may be nil.
type Deps struct {
	Camera     Camera
	Detector   detector.Detector
	Builder    feature.Builder
	Dispatcher *classifier.Dispatcher
	Window     *sequence.Window
	Monitor    *monitor.Monitor
	Hub        *hub.Hub[Event]
	Recorder   Recorder
	Log        logrus.FieldLogger
}

// New creates a Driver.
func New(cfg Config, deps Deps) *Driver {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultConfig().IdleWait
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultConfig().JPEGQuality
	}
	if cfg.NoHandsPolicy == "" {
		cfg.NoHandsPolicy = NoHandsRetain
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	window := deps.Window
	if window == nil {
		window = sequence.NewWindow(sequence.DefaultCapacity)
	}

	return &Driver{
		cfg:        cfg,
		camera:     deps.Camera,
		detector:   deps.Detector,
		builder:    deps.Builder,
		dispatcher: deps.Dispatcher,
		monitor:    deps.Monitor,
		hub:        deps.Hub,
		recorder:   deps.Recorder,
		log:        log.WithField("component", "pipeline"),
		limiter:    rate.NewLimiter(rate.Every(cfg.TickInterval), 1),
		window:     window,
		current:    classifier.Sentinel(classifier.LoadingSequence, time.Now()),

		persistTimeout: defaultPersistTimeout,
	}
}

// Hub returns the hub events are published to.
func (d *Driver) Hub() *hub.Hub[Event] {
	return d.hub
}

// Run executes ticks until ctx ends. A tick never stops the loop: failures
// become sentinel predictions or error events. Run waits for pending store
// writes before returning.
func (d *Driver) Run(ctx context.Context) error {
	d.log.WithFields(logrus.Fields{
		"tick":     d.cfg.TickInterval,
		"no_hands": d.cfg.NoHandsPolicy,
		"window":   d.window.Cap(),
	}).Info("pipeline started")
	defer func() {
		d.persistMu.Lock()
		d.stopped = true
		d.persistMu.Unlock()
		d.persist.Wait()
		d.log.Info("pipeline stopped")
	}()

	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}

		if d.step(ctx) {
			continue
		}

		metrics.TicksSkipped.Inc()
		timer := time.NewTimer(d.cfg.IdleWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// step runs one tick if a frame is available and reports whether it did.
func (d *Driver) step(ctx context.Context) (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("pipeline tick panicked")
			d.publishError(fmt.Sprintf("internal error: %v", r))
			ran = true
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	frame := d.camera.ReadFrame()
	if frame == nil {
		return false
	}
	defer frame.Close()

	d.tick(ctx, frame)
	return true
}

// tick processes one frame. Caller holds mu.
func (d *Driver) tick(ctx context.Context, frame *capture.Frame) {
	start := time.Now()

	if d.cfg.Flip {
		gocv.Flip(*frame.Mat, frame.Mat, 1)
	}

	hands, err := d.detector.Detect(frame.Mat)
	if err != nil {
		metrics.DetectionFailures.Inc()
		d.log.WithError(err).Warn("hand detection failed")
		hands = nil
	}

	pred := d.classify(ctx, hands)
	metrics.Predictions.WithLabelValues(pred.Kind()).Inc()
	d.maybePersist(pred)

	annotate(frame.Mat, hands, pred, d.cfg.ConfidenceThreshold)
	jpeg, err := encodeJPEG(frame.Mat, d.cfg.JPEGQuality)
	if err != nil {
		d.log.WithError(err).Warn("frame encode failed")
	}

	elapsed := time.Since(start)
	d.monitor.RecordFrame(elapsed)
	metrics.TickDuration.Observe(elapsed.Seconds())

	d.snapMu.Lock()
	d.current = pred
	d.snapMu.Unlock()

	d.hub.Publish(Event{
		Type:       EventVideoFrame,
		Frame:      jpeg,
		Prediction: pred,
		Camera:     d.camera.Status(),
		FPS:        d.monitor.FPS(),
		Usage:      d.monitor.SystemUsage(),
		Timestamp:  frame.Timestamp,
	})
}

// classify applies the no-hands policy, updates the window and classifies it.
// Caller holds mu.
func (d *Driver) classify(ctx context.Context, hands []detector.HandLandmarks) classifier.Prediction {
	if len(hands) == 0 {
		if d.cfg.NoHandsPolicy == NoHandsReset {
			d.window.Reset()
		} else {
			d.window.Push(feature.Vector{})
		}
		return classifier.Sentinel(classifier.NoHandsDetected, time.Now())
	}

	d.window.Push(d.builder.Build(hands))
	return d.dispatcher.Classify(ctx, d.window)
}

// maybePersist saves confident, non-sentinel predictions against the active
// session. A label is saved once per run of that label. Caller holds mu.
func (d *Driver) maybePersist(pred classifier.Prediction) {
	if pred.Label != d.lastSaved {
		d.lastSaved = ""
	}

	if pred.IsSentinel() || pred.Confidence <= d.cfg.ConfidenceThreshold {
		return
	}
	sessionID := d.activeSession()
	if d.recorder == nil || sessionID == "" || pred.Label == d.lastSaved {
		return
	}
	d.lastSaved = pred.Label

	d.background("translation", sessionID, func(ctx context.Context) error {
		return d.recorder.SaveTranslation(ctx, sessionID, pred.Label, pred.Confidence)
	})
}

// background runs a store write off the tick. Failures are logged and
// recorded as a PERSISTENCE_ERROR system event against sessionID, never
// surfaced to the stream. Writes requested after Run returned are dropped.
func (d *Driver) background(op, sessionID string, write func(ctx context.Context) error) {
	d.persistMu.Lock()
	if d.stopped {
		d.persistMu.Unlock()
		d.log.WithField("op", op).Debug("pipeline stopped, store write dropped")
		return
	}
	d.persist.Add(1)
	d.persistMu.Unlock()

	go func() {
		defer d.persist.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
		err := write(ctx)
		cancel()
		if err == nil {
			return
		}

		metrics.PersistenceFailures.WithLabelValues(op).Inc()
		d.log.WithError(err).WithField("op", op).Error("persistence failed")
		if op == "system_log" {
			return
		}

		// The failed write may have used up its deadline.
		ctx, cancel = context.WithTimeout(context.Background(), d.persistTimeout)
		defer cancel()
		msg := fmt.Sprintf("%s: %v", op, err)
		if err := d.recorder.LogEvent(ctx, sessionID, "PERSISTENCE_ERROR", msg, "error"); err != nil {
			d.log.WithError(err).WithField("op", op).Debug("persistence error not recorded")
		}
	}()
}

// logEvent writes a system log entry, best effort.
func (d *Driver) logEvent(sessionID, eventType, message, severity string) {
	if d.recorder == nil {
		return
	}
	d.background("system_log", sessionID, func(ctx context.Context) error {
		return d.recorder.LogEvent(ctx, sessionID, eventType, message, severity)
	})
}

func (d *Driver) activeSession() string {
	d.snapMu.RLock()
	defer d.snapMu.RUnlock()
	return d.session
}

func (d *Driver) publishError(msg string) {
	d.hub.Publish(Event{
		Type:      EventError,
		Message:   msg,
		Camera:    d.camera.Status(),
		Timestamp: time.Now(),
	})
}
