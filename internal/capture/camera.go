// Package capture provides camera acquisition using GoCV (OpenCV): device
// access for local indices and network streams, a latest-wins frame slot and
// the Source that discovers, captures from and reconnects to one active device.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Default capture settings
const (
	DefaultFPS    = 30
	DefaultWidth  = 640
	DefaultHeight = 480
)

// captureReadTimeoutMsec is CAP_PROP_READ_TIMEOUT_MSEC. Only some backends
// (FFMPEG network streams) honour it; Source enforces its own timeout as well.
const captureReadTimeoutMsec gocv.VideoCaptureProperties = 54

// Device is an open capture device. Read blocks until a frame is decoded or
// the device fails. Implementations do not need to be safe for concurrent use;
// Source never calls Read concurrently with itself or with Close.
type Device interface {
	Read() (*gocv.Mat, error)
	Close() error
}

// Opener opens the device described by a Spec.
type Opener func(spec Spec) (Device, error)

// DeviceConfig holds the properties applied to every opened device.
type DeviceConfig struct {
	Width         int
	Height        int
	FPS           int
	ReadTimeoutMs int
}

// DefaultDeviceConfig returns the 640x480 settings used for hand tracking.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Width:  DefaultWidth,
		Height: DefaultHeight,
		FPS:    DefaultFPS,
	}
}

// videoDevice manages video capture from a camera device using GoCV.
type videoDevice struct {
	spec    Spec
	capture *gocv.VideoCapture
	mu      sync.Mutex
}

// OpenVideoDevice returns an Opener backed by gocv.VideoCapture. Local specs
// open by index, network specs by URL.
func OpenVideoDevice(cfg DeviceConfig) Opener {
	return func(spec Spec) (Device, error) {
		if err := spec.Validate(); err != nil {
			return nil, err
		}

		var (
			vc  *gocv.VideoCapture
			err error
		)
		if spec.Kind == KindNetwork {
			vc, err = gocv.OpenVideoCapture(spec.URL)
		} else {
			vc, err = gocv.OpenVideoCapture(spec.Index)
		}
		if err != nil {
			return nil, err
		}
		if !vc.IsOpened() {
			vc.Close()
			return nil, fmt.Errorf("device %s did not open", spec)
		}

		// Resolution only applies to local devices; streams dictate their own.
		if spec.Kind == KindLocal {
			if cfg.Width > 0 {
				vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
			}
			if cfg.Height > 0 {
				vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
			}
			if cfg.FPS > 0 {
				vc.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
			}
		}
		if cfg.ReadTimeoutMs > 0 {
			vc.Set(captureReadTimeoutMsec, float64(cfg.ReadTimeoutMs))
		}

		return &videoDevice{spec: spec, capture: vc}, nil
	}
}

// Read reads a single frame from the device.
// The caller is responsible for closing the returned Mat.
func (d *videoDevice) Read() (*gocv.Mat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := d.capture.Read(&mat); !ok {
		mat.Close()
		return nil, errors.New("failed to read frame from camera")
	}

	if mat.Empty() {
		mat.Close()
		return nil, errors.New("captured frame is empty")
	}

	return &mat, nil
}

// Close releases the underlying capture. Closing twice is a no-op.
func (d *videoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil
	}

	err := d.capture.Close()
	d.capture = nil
	return err
}
