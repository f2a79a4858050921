// Package app assembles the signstream components from a config.Config and
// runs them as one unit.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/classifier"
	"github.com/ayusman/signstream/internal/config"
	"github.com/ayusman/signstream/internal/detector"
	"github.com/ayusman/signstream/internal/feature"
	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/monitor"
	"github.com/ayusman/signstream/internal/pipeline"
	"github.com/ayusman/signstream/internal/relay"
	"github.com/ayusman/signstream/internal/sequence"
	"github.com/ayusman/signstream/internal/server"
	"github.com/ayusman/signstream/internal/store"
)

// Options replace the hardware-backed collaborators. Zero values select the
// real implementations.
type Options struct {
	// Opener opens capture devices. Nil means gocv.
	Opener capture.Opener

	// Detector finds hands. Nil means the MediaPipe service, falling back to
	// a detector that never sees a hand.
	Detector detector.Detector

	// Model and Vocabulary replace the bundle in cfg.ModelDir.
	Model      classifier.Model
	Vocabulary classifier.Vocabulary

	// Publisher replaces the Redis publisher built from cfg.RedisURL.
	Publisher relay.Publisher
}

// App is the running service: capture source, pipeline driver, event hub,
// HTTP server and the optional store and relay.
type App struct {
	cfg config.Config
	log logrus.FieldLogger

	store     *store.Store
	source    *capture.Source
	detector  detector.Detector
	model     classifier.Model
	events    *hub.Hub[pipeline.Event]
	driver    *pipeline.Driver
	server    *server.Server
	publisher relay.Publisher
	relay     *relay.Relay
}

// New builds every component. Optional parts that cannot start (detector
// service, model bundle, Redis) are logged and replaced by their degraded
// form; only an unusable store or config is an error.
func New(ctx context.Context, cfg config.Config, log logrus.FieldLogger, opts Options) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	policy, err := pipeline.ParseNoHandsPolicy(cfg.NoHandsPolicy)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log.WithField("component", "app")}

	if a.store, err = openStore(cfg, log); err != nil {
		return nil, err
	}

	a.detector = opts.Detector
	if a.detector == nil {
		a.detector = a.openDetector(log)
	}

	dispatcher := a.openClassifier(opts, log)

	a.events = hub.New[pipeline.Event](cfg.SubscriberQueue)

	var sampler monitor.Sampler
	if ps, err := monitor.NewProcSampler(); err != nil {
		a.log.WithError(err).Warn("host usage sampling disabled")
	} else {
		sampler = ps
	}
	mon := monitor.New(cfg.PerfWindow, cfg.PerfSampleInterval, sampler, log)

	open := opts.Opener
	if open == nil {
		open = capture.OpenVideoDevice(capture.DeviceConfig{
			Width:         cfg.CameraWidth,
			Height:        cfg.CameraHeight,
			FPS:           capture.DefaultFPS,
			ReadTimeoutMs: int(cfg.CameraReadTimeout.Milliseconds()),
		})
	}

	// The driver is created after the source; the capture loop only starts
	// in Run, by which time drv is set.
	var drv *pipeline.Driver
	a.source = capture.NewSource(capture.Config{
		Candidates:       capture.Candidates(cfg.CameraStreams, cfg.CameraLocalMax),
		ReadTimeout:      cfg.CameraReadTimeout,
		FailureThreshold: cfg.CameraFailureThreshold,
		Backoff: capture.BackoffConfig{
			Initial: cfg.CameraBackoffInitial,
			Max:     cfg.CameraBackoffMax,
		},
		OnStatus: func(st capture.Status) {
			if drv != nil {
				drv.CameraStatusChanged(st)
			}
		},
	}, open, log)

	deps := pipeline.Deps{
		Camera:     a.source,
		Detector:   a.detector,
		Builder:    feature.Builder{Canonical: cfg.CanonicalHands},
		Dispatcher: dispatcher,
		Window:     sequence.NewWindow(cfg.WindowSize),
		Monitor:    mon,
		Hub:        a.events,
		Log:        log,
	}
	if a.store != nil {
		deps.Recorder = a.store
	}
	drv = pipeline.New(pipeline.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		TickInterval:        cfg.TickInterval,
		IdleWait:            cfg.IdleWait,
		NoHandsPolicy:       policy,
		Flip:                cfg.CameraFlip,
		JPEGQuality:         cfg.JPEGQuality,
		MaxLocal:            cfg.CameraLocalMax,
	}, deps)
	a.driver = drv

	a.server = server.New(server.Config{
		StaticDir:   cfg.StaticDir,
		Pipeline:    drv,
		Store:       a.store,
		Log:         log,
		ControlRate: cfg.ControlRate,
	})

	a.publisher = opts.Publisher
	if a.publisher == nil && cfg.RedisURL != "" {
		pub, err := relay.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			a.log.WithError(err).Warn("redis unavailable, sign relay disabled")
		} else {
			a.publisher = pub
		}
	}
	if a.publisher != nil {
		a.relay = relay.New(a.publisher, cfg.RedisChannel, cfg.ConfidenceThreshold, log)
	}

	return a, nil
}

// Driver returns the pipeline driver.
func (a *App) Driver() *pipeline.Driver {
	return a.driver
}

// Events returns the hub the pipeline publishes to.
func (a *App) Events() *hub.Hub[pipeline.Event] {
	return a.events
}

// Store returns the store, or nil when persistence is disabled.
func (a *App) Store() *store.Store {
	return a.store
}

// Handler returns the HTTP surface without binding a listener.
func (a *App) Handler() http.Handler {
	return a.server
}

// Run starts camera discovery and serves on addr until ctx ends or a
// component fails. The hub is closed on return so that streaming clients
// disconnect.
func (a *App) Run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.source.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Warn("no camera available yet, retrying in background")
		}
		return nil
	})
	g.Go(func() error {
		return a.driver.Run(ctx)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(ctx, a.events)
		})
	}
	g.Go(func() error {
		return a.server.ListenAndServe(ctx, addr)
	})

	go func() {
		<-ctx.Done()
		a.events.Close()
	}()

	return g.Wait()
}

// Close releases the camera, external processes and connections.
func (a *App) Close() error {
	var errs []error

	a.events.Close()
	a.source.Close()
	if err := a.detector.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.model.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.log.Info("stopped")
	return errors.Join(errs...)
}

func openStore(cfg config.Config, log logrus.FieldLogger) (*store.Store, error) {
	if cfg.DBDriver == "none" {
		return nil, nil
	}
	if cfg.DBDriver == store.DriverSQLite {
		if dir := sqliteDir(cfg.DBDSN); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
	}
	return store.New(cfg.DBDriver, cfg.DBDSN, log)
}

// sqliteDir returns the directory holding a file DSN, or "" for in-memory
// databases.
func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

func (a *App) openDetector(log logrus.FieldLogger) detector.Detector {
	cfg := detector.DefaultConfig()
	cfg.Script = a.cfg.DetectorScript
	cfg.Python = a.cfg.DetectorPython

	mp, err := detector.NewMediaPipeDetector(cfg, log)
	if err != nil {
		a.log.WithError(err).Warn("MediaPipe not available, no hands will be detected")
		return detector.NewMockDetector()
	}
	a.log.Info("using MediaPipe hand detection")
	return mp
}

func (a *App) openClassifier(opts Options, log logrus.FieldLogger) *classifier.Dispatcher {
	if opts.Model != nil {
		a.model = opts.Model
		return classifier.NewDispatcher(opts.Model, opts.Vocabulary, nil, classifier.DefaultTimeout, log)
	}

	bundle, err := classifier.LoadBundle(a.cfg.ModelDir)
	if err != nil {
		a.log.WithError(err).Warn("classifier unavailable, predictions will report errors")
		a.model = classifier.Unavailable{}
		return classifier.NewDispatcher(a.model, nil, nil, classifier.DefaultTimeout, log)
	}

	pm := classifier.NewProcessModel(bundle, log)
	if err := pm.Start(); err != nil {
		a.log.WithError(err).Warn("model process did not start, retrying on first window")
	}
	a.model = pm
	a.log.WithFields(logrus.Fields{
		"model":  bundle.Manifest.Name,
		"labels": len(bundle.Vocabulary),
	}).Info("classifier loaded")
	return classifier.NewDispatcher(pm, bundle.Vocabulary, bundle.Scaler, classifier.DefaultTimeout, log)
}
