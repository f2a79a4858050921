// Package server provides the HTTP and websocket surface of signstream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/pipeline"
	"github.com/ayusman/signstream/internal/server/api"
	"github.com/ayusman/signstream/internal/store"
)

// Pipeline is the set of pipeline operations the server exposes.
// *pipeline.Driver implements it.
type Pipeline interface {
	Status() pipeline.Status
	ResetClassifier()
	SwitchCamera(ctx context.Context, spec capture.Spec) (capture.Status, error)
	ListCameras() capture.Listing
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context, id string) (string, error)
	Hub() *hub.Hub[pipeline.Event]
}

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Pipeline  Pipeline
	Store     *store.Store
	Log       logrus.FieldLogger

	// ControlRate is the number of control commands accepted per second on
	// one /ws/control connection.
	ControlRate float64

	// SwitchTimeout bounds how long switch_camera waits for the first open.
	SwitchTimeout time.Duration
}

// Server represents the HTTP server for the signstream application.
type Server struct {
	config Config
	mux    *http.ServeMux
	log    logrus.FieldLogger
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Log == nil {
		config.Log = logrus.StandardLogger()
	}
	if config.ControlRate <= 0 {
		config.ControlRate = 10
	}
	if config.SwitchTimeout <= 0 {
		config.SwitchTimeout = 10 * time.Second
	}

	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		log:    config.Log.WithField("component", "server"),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	if s.config.Pipeline != nil {
		api.NewSessionHandler(s.config.Pipeline, s.config.Store, s.config.Log).Register(s.mux)

		s.mux.Handle("/ws/video", NewVideoHandler(s.config.Pipeline, s.config.Log))
		s.mux.Handle("/ws/control", NewControlHandler(s.config.Pipeline, ControlConfig{
			Rate:          s.config.ControlRate,
			SwitchTimeout: s.config.SwitchTimeout,
		}, s.config.Log))
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Pipeline.Hub(), s.config.Log))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Camera   *capture.Status `json:"camera_status,omitempty"`
	Clients  int             `json:"clients"`
	Database string          `json:"database"`
}

// handleHealth handles GET requests to /health and /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.start).Round(time.Second).String(),
		Database: "disabled",
	}

	if s.config.Pipeline != nil {
		st := s.config.Pipeline.Status()
		response.Camera = &st.Camera
		response.Clients = st.Clients
	}

	if s.config.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		response.Database = "ok"
		if err := s.config.Store.Ping(ctx); err != nil {
			response.Database = "unavailable"
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
