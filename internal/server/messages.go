package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/monitor"
	"github.com/ayusman/signstream/internal/pipeline"
)

// Message types sent to websocket clients.
const (
	msgVideoFrame    = "video_frame"
	msgCameraStatus  = "camera_status"
	msgSystemStatus  = "system_status"
	msgCameraList    = "camera_list"
	msgSessionStart  = "session_started"
	msgSessionEnd    = "session_ended"
	msgInfo          = "info"
	msgError         = "error"
	jpegDataURLStart = "data:image/jpeg;base64,"
)

type videoFrameMessage struct {
	Type       string         `json:"type"`
	Frame      string         `json:"frame,omitempty"`
	Prediction string         `json:"prediction"`
	Confidence float64        `json:"confidence"`
	CameraInfo capture.Status `json:"camera_info"`
	FPS        float64        `json:"fps"`
	CPU        *float64       `json:"cpu,omitempty"`
	RAM        *float64       `json:"ram,omitempty"`
	Timestamp  float64        `json:"timestamp"`
}

type cameraStatusMessage struct {
	Type    string         `json:"type"`
	Status  capture.Status `json:"camera_status"`
	Success *bool          `json:"success,omitempty"`
}

type systemStatusMessage struct {
	Type       string         `json:"type"`
	Camera     capture.Status `json:"camera_status"`
	Prediction string         `json:"prediction"`
	Confidence float64        `json:"confidence"`
	FPS        float64        `json:"fps"`
	CPU        *float64       `json:"cpu,omitempty"`
	RAM        *float64       `json:"ram,omitempty"`
	Clients    int            `json:"clients"`
	SessionID  string         `json:"session_id,omitempty"`
	WindowLen  int            `json:"window_len"`
	WindowCap  int            `json:"window_cap"`
}

type cameraListMessage struct {
	Type    string   `json:"type"`
	Local   []int    `json:"local"`
	Network []string `json:"network"`
}

type sessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type textMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// eventMessage converts a hub event into its wire form.
func eventMessage(ev pipeline.Event) interface{} {
	switch ev.Type {
	case pipeline.EventVideoFrame:
		msg := videoFrameMessage{
			Type:       msgVideoFrame,
			Prediction: ev.Prediction.Label,
			Confidence: ev.Prediction.Confidence,
			CameraInfo: ev.Camera,
			FPS:        ev.FPS,
			Timestamp:  unixSeconds(ev.Timestamp),
		}
		if len(ev.Frame) > 0 {
			msg.Frame = jpegDataURLStart + base64.StdEncoding.EncodeToString(ev.Frame)
		}
		msg.CPU, msg.RAM = usageFields(ev.Usage)
		return msg
	case pipeline.EventCameraStatus:
		return cameraStatusMessage{Type: msgCameraStatus, Status: ev.Camera}
	default:
		return textMessage{Type: msgError, Message: ev.Message}
	}
}

func statusMessage(st pipeline.Status) systemStatusMessage {
	msg := systemStatusMessage{
		Type:       msgSystemStatus,
		Camera:     st.Camera,
		Prediction: st.Prediction.Label,
		Confidence: st.Prediction.Confidence,
		FPS:        st.FPS,
		Clients:    st.Clients,
		SessionID:  st.SessionID,
		WindowLen:  st.WindowLen,
		WindowCap:  st.WindowCap,
	}
	msg.CPU, msg.RAM = usageFields(st.Usage)
	return msg
}

func usageFields(u *monitor.Usage) (cpu, ram *float64) {
	if u == nil {
		return nil, nil
	}
	c, r := u.CPU, u.RAM
	return &c, &r
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
