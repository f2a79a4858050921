package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/classifier"
)

// SwitchCamera releases the current device, cancels any pending reconnect,
// empties the window and starts opening spec. It waits for the first
// connection outcome (bounded by ctx) without holding the tick lock. The
// switch stands even if the open fails: the source keeps retrying spec.
func (d *Driver) SwitchCamera(ctx context.Context, spec capture.Spec) (capture.Status, error) {
	if err := spec.Validate(); err != nil {
		return d.camera.Status(), &capture.CameraError{Op: "switch", Spec: spec, Kind: capture.ErrOpenFailed, Err: err}
	}

	d.mu.Lock()
	d.window.Reset()
	d.lastSaved = ""
	first := d.camera.Begin(spec)
	d.mu.Unlock()
	session := d.activeSession()

	d.setCurrent(classifier.Sentinel(classifier.LoadingSequence, time.Now()))
	d.log.WithField("source", spec.String()).Info("camera switch requested")

	var err error
	select {
	case err = <-first:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		d.logEvent(session, "CAMERA_SWITCH", fmt.Sprintf("switch to %s failed: %v", spec, err), "warning")
	} else {
		d.logEvent(session, "CAMERA_SWITCH", "switched to "+spec.String(), "info")
	}
	return d.camera.Status(), err
}

// ResetClassifier empties the window. The model itself is untouched.
func (d *Driver) ResetClassifier() {
	d.mu.Lock()
	d.window.Reset()
	d.lastSaved = ""
	d.mu.Unlock()

	d.setCurrent(classifier.Sentinel(classifier.LoadingSequence, time.Now()))
	d.log.Info("classifier window reset")
}

// ListCameras probes local devices and lists configured streams.
func (d *Driver) ListCameras() capture.Listing {
	return d.camera.ListDevices(d.cfg.MaxLocal)
}

// Status returns the current pipeline state. It never fails, even with no
// camera connected.
func (d *Driver) Status() Status {
	d.mu.Lock()
	windowLen, windowCap := d.window.Len(), d.window.Cap()
	d.mu.Unlock()

	d.snapMu.RLock()
	pred, session := d.current, d.session
	d.snapMu.RUnlock()

	return Status{
		Camera:     d.camera.Status(),
		Prediction: pred,
		FPS:        d.monitor.FPS(),
		Usage:      d.monitor.SystemUsage(),
		Clients:    d.hub.Len(),
		SessionID:  session,
		WindowLen:  windowLen,
		WindowCap:  windowCap,
	}
}

// StartSession opens a new session and makes it the active one. Confident
// predictions are saved against the active session.
func (d *Driver) StartSession(ctx context.Context) (string, error) {
	if d.recorder == nil {
		return "", ErrNoRecorder
	}

	id, err := d.recorder.StartSession(ctx)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	d.lastSaved = ""
	d.mu.Unlock()

	d.snapMu.Lock()
	d.session = id
	d.snapMu.Unlock()

	d.log.WithField("session", id).Info("session started")
	d.logEvent(id, "SESSION_STARTED", "session started", "info")
	return id, nil
}

// EndSession ends session id, or the active session when id is empty.
// It returns the id that was ended.
func (d *Driver) EndSession(ctx context.Context, id string) (string, error) {
	if d.recorder == nil {
		return "", ErrNoRecorder
	}

	if id == "" {
		id = d.activeSession()
	}
	if id == "" {
		return "", ErrNoActiveSession
	}

	if err := d.recorder.EndSession(ctx, id); err != nil {
		return "", err
	}

	d.snapMu.Lock()
	if d.session == id {
		d.session = ""
	}
	d.snapMu.Unlock()

	d.log.WithField("session", id).Info("session ended")
	d.logEvent(id, "SESSION_ENDED", "session ended", "info")
	return id, nil
}

// CameraStatusChanged publishes a camera_status event and records notable
// transitions. It is the capture source's status callback.
func (d *Driver) CameraStatusChanged(st capture.Status) {
	d.hub.Publish(Event{
		Type:      EventCameraStatus,
		Camera:    st,
		Timestamp: time.Now(),
	})

	source := "none"
	if st.Source != nil {
		source = st.Source.String()
	}

	session := d.activeSession()
	switch st.State {
	case capture.Connected:
		d.logEvent(session, "CAMERA_CONNECTED", "connected to "+source, "info")
	case capture.Reconnecting:
		d.logEvent(session, "CAMERA_RECONNECTING", "lost "+source, "warning")
	}
}

func (d *Driver) setCurrent(p classifier.Prediction) {
	d.snapMu.Lock()
	d.current = p
	d.snapMu.Unlock()
}
