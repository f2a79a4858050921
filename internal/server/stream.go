package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/metrics"
	"github.com/ayusman/signstream/internal/pipeline"
)

// StreamHandler serves the annotated frames as MJPEG. Each client is a hub
// subscriber like any websocket client.
type StreamHandler struct {
	events *hub.Hub[pipeline.Event]
	log    logrus.FieldLogger
}

// NewStreamHandler creates a new StreamHandler reading from events.
func NewStreamHandler(events *hub.Hub[pipeline.Event], log logrus.FieldLogger) *StreamHandler {
	return &StreamHandler{events: events, log: log.WithField("endpoint", "/api/stream")}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, err := h.events.Subscribe()
	if err != nil {
		http.Error(w, "Stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.events.Unsubscribe(sub)

	metrics.WSConnections.WithLabelValues("mjpeg").Inc()
	defer metrics.WSConnections.WithLabelValues("mjpeg").Dec()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	err = sub.Drain(r.Context(), func(ev pipeline.Event) error {
		if ev.Type != pipeline.EventVideoFrame || len(ev.Frame) == 0 {
			return nil
		}
		return writePart(w, ev.Frame)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.WithError(err).Debug("mjpeg client gone")
	}
}

// writePart writes one multipart JPEG frame and flushes it.
func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
