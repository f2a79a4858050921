package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/classifier"
	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/monitor"
	"github.com/ayusman/signstream/internal/pipeline"
)

// fakePipeline records commands and publishes to a real hub.
type fakePipeline struct {
	mu        sync.Mutex
	events    *hub.Hub[pipeline.Event]
	camera    capture.Status
	resets    int
	switched  []capture.Spec
	switchErr error
	listing   capture.Listing
	session   string
}

func newFakePipeline() *fakePipeline {
	src := capture.Local(0)
	return &fakePipeline{
		events: hub.New[pipeline.Event](8),
		camera: capture.Status{Connected: true, State: capture.Connected, Type: capture.KindLocal, Source: &src},
	}
}

func (p *fakePipeline) Status() pipeline.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pipeline.Status{
		Camera:     p.camera,
		Prediction: classifier.Prediction{Label: "HOLA", Confidence: 0.9},
		FPS:        24.5,
		Usage:      &monitor.Usage{CPU: 12.5, RAM: 40},
		Clients:    p.events.Len(),
		SessionID:  p.session,
		WindowLen:  30,
		WindowCap:  30,
	}
}

func (p *fakePipeline) ResetClassifier() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *fakePipeline) SwitchCamera(ctx context.Context, spec capture.Spec) (capture.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.switched = append(p.switched, spec)
	if p.switchErr != nil {
		return capture.Status{State: capture.Reconnecting, Type: spec.Kind, Source: &spec}, p.switchErr
	}
	p.camera = capture.Status{Connected: true, State: capture.Connected, Type: spec.Kind, Source: &spec}
	return p.camera, nil
}

func (p *fakePipeline) ListCameras() capture.Listing {
	return p.listing
}

func (p *fakePipeline) StartSession(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = "01HZX0000000000000000000AB"
	return p.session, nil
}

func (p *fakePipeline) EndSession(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		id = p.session
	}
	if id == "" {
		return "", pipeline.ErrNoActiveSession
	}
	p.session = ""
	return id, nil
}

func (p *fakePipeline) Hub() *hub.Hub[pipeline.Event] {
	return p.events
}

func newTestServer(t *testing.T, p *fakePipeline, cfg Config) *httptest.Server {
	t.Helper()
	log, _ := test.NewNullLogger()
	cfg.Pipeline = p
	cfg.Log = log
	ts := httptest.NewServer(New(cfg))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_Health(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(Config{Log: log})

	for _, path := range []string{"/health", "/api/health"} {
		t.Run("GET "+path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
			assert.Equal(t, "ok", response["status"])
			assert.Contains(t, response, "uptime")
			assert.Equal(t, "disabled", response["database"])
		})
	}

	t.Run("only allows GET method", func(t *testing.T) {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(method, "/health", nil))
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		}
	})
}

func TestServer_HealthReportsCamera(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Camera)
	assert.True(t, body.Camera.Connected)
}

func TestServer_NotFound(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(Config{Log: log})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(Config{Log: log})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "signstream_hub_subscribers")
}

func TestServer_StaticFiles(t *testing.T) {
	dir := t.TempDir()
	index := "<html><body>signstream</body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(index), 0644))

	log, _ := test.NewNullLogger()
	s := New(Config{StaticDir: dir, Log: log})

	t.Run("serves index.html at root path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, index, rec.Body.String())
	})

	t.Run("returns 404 for non-existent static files", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nonexistent.html", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestVideo_SendsStatusThenEvents(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})
	conn := dial(t, ts, "/ws/video")

	first := readJSON(t, conn)
	assert.Equal(t, "camera_status", first["type"])
	status := first["camera_status"].(map[string]interface{})
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "connected", status["state"])

	require.Eventually(t, func() bool { return p.events.Len() == 1 }, time.Second, 5*time.Millisecond)

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	p.events.Publish(pipeline.Event{
		Type:       pipeline.EventVideoFrame,
		Frame:      jpeg,
		Prediction: classifier.Prediction{Label: "GRACIAS", Confidence: 0.82},
		Camera:     p.Status().Camera,
		FPS:        29.7,
		Timestamp:  time.Unix(1700000000, 0),
	})

	msg := readJSON(t, conn)
	assert.Equal(t, "video_frame", msg["type"])
	assert.Equal(t, "GRACIAS", msg["prediction"])
	assert.InDelta(t, 0.82, msg["confidence"], 1e-9)
	assert.InDelta(t, 29.7, msg["fps"], 1e-9)
	assert.InDelta(t, 1700000000.0, msg["timestamp"], 1e-3)
	assert.NotContains(t, msg, "cpu")
	assert.Contains(t, msg, "camera_info")

	frame := msg["frame"].(string)
	require.True(t, strings.HasPrefix(frame, jpegDataURLStart))
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(frame, jpegDataURLStart))
	require.NoError(t, err)
	assert.Equal(t, jpeg, decoded)

	p.events.Publish(pipeline.Event{Type: pipeline.EventError, Message: "internal error: boom"})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "internal error: boom", msg["message"])
}

func TestVideo_UnsubscribesOnClose(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})

	conn := dial(t, ts, "/ws/video")
	readJSON(t, conn)
	require.Eventually(t, func() bool { return p.events.Len() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return p.events.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestVideo_SlowClientDoesNotBlockOthers(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})

	slow := dial(t, ts, "/ws/video")
	fast := dial(t, ts, "/ws/video")
	readJSON(t, slow)
	readJSON(t, fast)
	require.Eventually(t, func() bool { return p.events.Len() == 2 }, time.Second, 5*time.Millisecond)

	// The slow client never reads; publishing must still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			p.events.Publish(pipeline.Event{Type: pipeline.EventVideoFrame, Frame: make([]byte, 32*1024)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow client")
	}

	msg := readJSON(t, fast)
	assert.Equal(t, "video_frame", msg["type"])
}

func TestVideo_HubClosed(t *testing.T) {
	p := newFakePipeline()
	p.events.Close()
	ts := newTestServer(t, p, Config{})

	conn := dial(t, ts, "/ws/video")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestControl_Commands(t *testing.T) {
	p := newFakePipeline()
	p.listing = capture.Listing{Local: []int{1, 2}, Network: []string{"http://192.168.4.1:81/stream"}}
	ts := newTestServer(t, p, Config{})
	conn := dial(t, ts, "/ws/control")

	send := func(v interface{}) map[string]interface{} {
		require.NoError(t, conn.WriteJSON(v))
		return readJSON(t, conn)
	}

	t.Run("get_status", func(t *testing.T) {
		msg := send(map[string]string{"command": "get_status"})
		assert.Equal(t, "system_status", msg["type"])
		assert.Equal(t, "HOLA", msg["prediction"])
		assert.InDelta(t, 24.5, msg["fps"], 1e-9)
		assert.InDelta(t, 12.5, msg["cpu"], 1e-9)
		assert.InDelta(t, 40.0, msg["ram"], 1e-9)
		assert.Contains(t, msg, "camera_status")
	})

	t.Run("reset_classifier", func(t *testing.T) {
		msg := send(map[string]string{"command": "reset_classifier"})
		assert.Equal(t, "info", msg["type"])
		assert.Equal(t, 1, p.resets)
	})

	t.Run("switch_camera network alias", func(t *testing.T) {
		msg := send(map[string]interface{}{
			"command": "switch_camera",
			"camera":  map[string]interface{}{"type": "esp32", "url": "http://10.0.0.5:81/stream"},
		})
		assert.Equal(t, "camera_status", msg["type"])
		assert.Equal(t, true, msg["success"])
		assert.Equal(t, capture.Network("http://10.0.0.5:81/stream"), p.switched[len(p.switched)-1])
	})

	t.Run("switch_camera local", func(t *testing.T) {
		msg := send(map[string]interface{}{
			"command": "switch_camera",
			"camera":  map[string]interface{}{"type": "local", "index": 1},
		})
		assert.Equal(t, true, msg["success"])
		assert.Equal(t, capture.Local(1), p.switched[len(p.switched)-1])
	})

	t.Run("list_cameras", func(t *testing.T) {
		msg := send(map[string]string{"command": "list_cameras"})
		assert.Equal(t, "camera_list", msg["type"])
		assert.Equal(t, []interface{}{1.0, 2.0}, msg["local"])
		assert.Equal(t, []interface{}{"http://192.168.4.1:81/stream"}, msg["network"])
	})

	t.Run("sessions", func(t *testing.T) {
		msg := send(map[string]string{"command": "start_session"})
		assert.Equal(t, "session_started", msg["type"])
		id := msg["session_id"]

		msg = send(map[string]string{"command": "stop_session"})
		assert.Equal(t, "session_ended", msg["type"])
		assert.Equal(t, id, msg["session_id"])

		msg = send(map[string]string{"command": "stop_session"})
		assert.Equal(t, "error", msg["type"])
		assert.Equal(t, pipeline.ErrNoActiveSession.Error(), msg["message"])
	})
}

func TestControl_SwitchFailureStillAnswersStatus(t *testing.T) {
	p := newFakePipeline()
	p.switchErr = &capture.CameraError{Op: "open", Spec: capture.Local(7), Kind: capture.ErrOpenFailed}
	ts := newTestServer(t, p, Config{})
	conn := dial(t, ts, "/ws/control")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"command": "switch_camera",
		"camera":  map[string]interface{}{"type": "local", "index": 7},
	}))
	msg := readJSON(t, conn)
	assert.Equal(t, "camera_status", msg["type"])
	assert.Equal(t, false, msg["success"])
	status := msg["camera_status"].(map[string]interface{})
	assert.Equal(t, "reconnecting", status["state"])
}

func TestControl_ProtocolErrorsKeepConnection(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})
	conn := dial(t, ts, "/ws/control")

	bad := []string{
		`not json`,
		`{"command": "self_destruct"}`,
		`{}`,
		`{"command": "switch_camera"}`,
		`{"command": "switch_camera", "camera": {"type": "network"}}`,
		`{"command": "switch_camera", "camera": {"type": "network", "url": "not a url"}}`,
		`{"command": "switch_camera", "camera": {"type": "usb"}}`,
		`{"command": "switch_camera", "camera": {"type": "local", "index": -1}}`,
	}
	for _, raw := range bad {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		msg := readJSON(t, conn)
		assert.Equal(t, "error", msg["type"], raw)
		assert.NotEmpty(t, msg["message"], raw)
	}
	assert.Empty(t, p.switched)

	// Still usable.
	require.NoError(t, conn.WriteJSON(map[string]string{"command": "get_status"}))
	assert.Equal(t, "system_status", readJSON(t, conn)["type"])
}

func TestControl_RateLimit(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{ControlRate: 1})
	conn := dial(t, ts, "/ws/control")

	require.NoError(t, conn.WriteJSON(map[string]string{"command": "reset_classifier"}))
	assert.Equal(t, "info", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"command": "reset_classifier"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "rate limit exceeded", msg["message"])
	assert.Equal(t, 1, p.resets)
}

func TestStream_MJPEG(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return p.events.Len() == 1 }, time.Second, 5*time.Millisecond)

	p.events.Publish(pipeline.Event{Type: pipeline.EventCameraStatus})
	p.events.Publish(pipeline.Event{Type: pipeline.EventVideoFrame, Frame: []byte("JPEG")})

	r := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 5 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	assert.Equal(t, []string{"--frame", "Content-Type: image/jpeg", "Content-Length: 4", "", "JPEG"}, lines)

	cancel()
	assert.Eventually(t, func() bool { return p.events.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStream_MethodNotAllowed(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p, Config{})

	resp, err := http.Post(ts.URL+"/api/stream", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
