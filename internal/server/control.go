package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/metrics"
)

// Control commands.
const (
	cmdGetStatus       = "get_status"
	cmdResetClassifier = "reset_classifier"
	cmdSwitchCamera    = "switch_camera"
	cmdListCameras     = "list_cameras"
	cmdStartSession    = "start_session"
	cmdStopSession     = "stop_session"
)

// errProtocol marks a malformed or rejected control request. The connection
// stays open.
var errProtocol = errors.New("protocol error")

// controlRequest is one message received on /ws/control.
type controlRequest struct {
	Command   string         `json:"command" validate:"required,oneof=get_status reset_classifier switch_camera list_cameras start_session stop_session"`
	Camera    *cameraRequest `json:"camera" validate:"required_if=Command switch_camera"`
	SessionID string         `json:"session_id" validate:"omitempty,max=64"`
}

// cameraRequest selects a capture device. "esp32" and "stream" are aliases
// for "network".
type cameraRequest struct {
	Type  string `json:"type" validate:"omitempty,oneof=local network esp32 stream"`
	Index int    `json:"index" validate:"min=0"`
	URL   string `json:"url" validate:"omitempty,url"`
}

func (c cameraRequest) spec() (capture.Spec, error) {
	kind, err := capture.ParseKind(c.Type)
	if err != nil {
		return capture.Spec{}, err
	}
	if kind == capture.KindNetwork {
		if c.URL == "" {
			return capture.Spec{}, fmt.Errorf("network camera needs a url")
		}
		return capture.Network(c.URL), nil
	}
	return capture.Local(c.Index), nil
}

// ControlConfig tunes a ControlHandler.
type ControlConfig struct {
	Rate          float64
	SwitchTimeout time.Duration
}

// ControlHandler executes control commands received over a websocket. Each
// message is answered on the same connection; failures are reported as
// error messages and never close the connection.
type ControlHandler struct {
	pipeline Pipeline
	cfg      ControlConfig
	validate *validator.Validate
	log      logrus.FieldLogger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(p Pipeline, cfg ControlConfig, log logrus.FieldLogger) *ControlHandler {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = 10 * time.Second
	}
	return &ControlHandler{
		pipeline: p,
		cfg:      cfg,
		validate: validator.New(),
		log:      log.WithField("endpoint", "/ws/control"),
	}
}

// ServeHTTP upgrades the connection and serves commands until it closes.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSConnections.WithLabelValues("control").Inc()
	defer metrics.WSConnections.WithLabelValues("control").Dec()
	h.log.Info("control client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	burst := int(h.cfg.Rate)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(h.cfg.Rate), burst)

	var mu sync.Mutex
	send := func(v interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Info("control client disconnected")
			return
		}

		if !limiter.Allow() {
			metrics.ControlCommands.WithLabelValues("unknown", "rate_limited").Inc()
			if send(textMessage{Type: msgError, Message: "rate limit exceeded"}) != nil {
				return
			}
			continue
		}

		reply := h.handle(ctx, data)
		if err := send(reply); err != nil {
			return
		}
	}
}

// handle parses one request and returns the reply to send.
func (h *ControlHandler) handle(ctx context.Context, data []byte) interface{} {
	req, err := h.parse(data)
	if err != nil {
		metrics.ControlCommands.WithLabelValues("unknown", "invalid").Inc()
		return textMessage{Type: msgError, Message: err.Error()}
	}

	reply, err := h.execute(ctx, req)
	if err != nil {
		metrics.ControlCommands.WithLabelValues(req.Command, "error").Inc()
		h.log.WithError(err).WithField("command", req.Command).Warn("control command failed")
		return textMessage{Type: msgError, Message: err.Error()}
	}

	metrics.ControlCommands.WithLabelValues(req.Command, "ok").Inc()
	return reply
}

func (h *ControlHandler) parse(data []byte) (controlRequest, error) {
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: invalid JSON", errProtocol)
	}
	req.Command = strings.TrimSpace(req.Command)

	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return req, fmt.Errorf("%w: invalid field %s", errProtocol, strings.ToLower(verrs[0].Field()))
		}
		return req, fmt.Errorf("%w: %v", errProtocol, err)
	}
	return req, nil
}

func (h *ControlHandler) execute(ctx context.Context, req controlRequest) (interface{}, error) {
	switch req.Command {
	case cmdGetStatus:
		return statusMessage(h.pipeline.Status()), nil

	case cmdResetClassifier:
		h.pipeline.ResetClassifier()
		return textMessage{Type: msgInfo, Message: "classifier reset"}, nil

	case cmdSwitchCamera:
		spec, err := req.Camera.spec()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errProtocol, err)
		}

		switchCtx, cancel := context.WithTimeout(ctx, h.cfg.SwitchTimeout)
		defer cancel()
		st, err := h.pipeline.SwitchCamera(switchCtx, spec)
		if err != nil && !isCameraFailure(err) {
			return nil, err
		}
		success := err == nil
		return cameraStatusMessage{Type: msgCameraStatus, Status: st, Success: &success}, nil

	case cmdListCameras:
		listing := h.pipeline.ListCameras()
		if listing.Local == nil {
			listing.Local = []int{}
		}
		if listing.Network == nil {
			listing.Network = []string{}
		}
		return cameraListMessage{Type: msgCameraList, Local: listing.Local, Network: listing.Network}, nil

	case cmdStartSession:
		id, err := h.pipeline.StartSession(ctx)
		if err != nil {
			return nil, err
		}
		return sessionMessage{Type: msgSessionStart, SessionID: id}, nil

	case cmdStopSession:
		id, err := h.pipeline.EndSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return sessionMessage{Type: msgSessionEnd, SessionID: id}, nil
	}

	return nil, fmt.Errorf("%w: unknown command %q", errProtocol, req.Command)
}

// isCameraFailure reports whether err is a device failure after which the
// switch still stands (the source keeps retrying the new target).
func isCameraFailure(err error) bool {
	return errors.Is(err, capture.ErrOpenFailed) ||
		errors.Is(err, capture.ErrNoFrame) ||
		errors.Is(err, capture.ErrReadTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
