package pipeline

import (
	"time"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/classifier"
	"github.com/ayusman/signstream/internal/monitor"
)

// EventType tags an Event.
type EventType string

const (
	EventVideoFrame   EventType = "video_frame"
	EventCameraStatus EventType = "camera_status"
	EventError        EventType = "error"
)

// Event is what the driver publishes to the hub. Events are shared by every
// subscriber and must not be modified after Publish.
type Event struct {
	Type       EventType
	Frame      []byte // annotated JPEG, video_frame only
	Prediction classifier.Prediction
	Camera     capture.Status
	FPS        float64
	Usage      *monitor.Usage
	Message    string
	Timestamp  time.Time
}

// Status is a point-in-time view of the pipeline for status queries.
type Status struct {
	Camera     capture.Status        `json:"camera_status"`
	Prediction classifier.Prediction `json:"prediction"`
	FPS        float64               `json:"fps"`
	Usage      *monitor.Usage        `json:"usage,omitempty"`
	Clients    int                   `json:"clients"`
	SessionID  string                `json:"session_id,omitempty"`
	WindowLen  int                   `json:"window_len"`
	WindowCap  int                   `json:"window_cap"`
}
