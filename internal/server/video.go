package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/metrics"
	"github.com/ayusman/signstream/internal/pipeline"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// VideoHandler streams pipeline events to a websocket client. Each
// connection is an independent hub subscriber: a slow client loses its own
// oldest events and never delays the pipeline or other clients.
type VideoHandler struct {
	pipeline Pipeline
	log      logrus.FieldLogger
}

// NewVideoHandler creates a VideoHandler.
func NewVideoHandler(p Pipeline, log logrus.FieldLogger) *VideoHandler {
	return &VideoHandler{pipeline: p, log: log.WithField("endpoint", "/ws/video")}
}

// ServeHTTP upgrades the connection, sends the current camera status and
// then relays hub events until either side goes away.
func (h *VideoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := h.pipeline.Hub()
	sub, err := events.Subscribe()
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	defer events.Unsubscribe(sub)

	metrics.WSConnections.WithLabelValues("video").Inc()
	defer metrics.WSConnections.WithLabelValues("video").Dec()

	log := h.log.WithField("subscriber", sub.ID())
	log.Info("video client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client never sends anything we act on; reading detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	if err := send(cameraStatusMessage{Type: msgCameraStatus, Status: h.pipeline.Status().Camera}); err != nil {
		return
	}

	err = sub.Drain(ctx, func(ev pipeline.Event) error {
		return send(eventMessage(ev))
	})
	if errors.Is(err, hub.ErrUnsubscribed) {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
	}
	log.WithFields(logrus.Fields{
		"reason":    err,
		"delivered": sub.Delivered(),
		"dropped":   sub.Dropped(),
	}).Info("video client disconnected")
}
