package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrCameraNotOpen is returned when trying to read from a device that is not open.
	ErrCameraNotOpen = errors.New("camera is not open")

	// ErrOpenFailed means the device could not be opened at all.
	ErrOpenFailed = errors.New("camera open failed")

	// ErrNoFrame means the device opened but never produced a frame.
	ErrNoFrame = errors.New("camera produced no frame")

	// ErrReadTimeout means a device read did not complete within the read timeout.
	ErrReadTimeout = errors.New("camera read timed out")

	// ErrNoCandidates is returned when discovery has nothing to try.
	ErrNoCandidates = errors.New("no camera candidates configured")
)

// CameraError describes a failed operation against one capture candidate.
// Kind is one of ErrOpenFailed, ErrNoFrame or ErrReadTimeout.
type CameraError struct {
	Op   string
	Spec Spec
	Kind error
	Err  error
}

func (e *CameraError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Spec, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Spec, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *CameraError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
