// Package tray provides an optional desktop tray showing the camera state and
// the last recognized sign.
package tray

import (
	"context"
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/signstream/internal/capture"
	"github.com/ayusman/signstream/internal/classifier"
	"github.com/ayusman/signstream/internal/hub"
	"github.com/ayusman/signstream/internal/pipeline"
)

// Tray represents the system tray application.
type Tray struct {
	onReset   func()
	onQuit    func()
	threshold float64
	mu        sync.RWMutex

	camera   string
	lastSign string

	// Menu items stored for later updates
	menuCamera   *systray.MenuItem
	menuLastSign *systray.MenuItem
}

// New creates a new Tray. Signs at or below threshold are not shown.
func New(threshold float64) *Tray {
	return &Tray{
		threshold: threshold,
		camera:    cameraTitle(capture.Status{}),
		lastSign:  signTitle(""),
	}
}

// OnReset sets the callback run when "Reset classifier" is clicked.
func (t *Tray) OnReset(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReset = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called and must run on the
// main goroutine.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops the tray.
func (t *Tray) Quit() {
	systray.Quit()
}

// Follow updates the tray from pipeline events until ctx ends or the hub
// closes.
func (t *Tray) Follow(ctx context.Context, events *hub.Hub[pipeline.Event]) error {
	sub, err := events.Subscribe()
	if err != nil {
		return err
	}
	defer events.Unsubscribe(sub)

	return sub.Drain(ctx, func(ev pipeline.Event) error {
		t.apply(ev)
		return nil
	})
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("signstream")
	systray.SetTooltip("signstream sign recognition")

	t.mu.Lock()
	t.menuCamera = systray.AddMenuItem(t.camera, "Camera state")
	t.menuCamera.Disable()
	t.menuLastSign = systray.AddMenuItem(t.lastSign, "Last recognized sign")
	t.menuLastSign.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuReset := systray.AddMenuItem("Reset classifier", "Clear the sign window")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit signstream")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-menuReset.ClickedCh:
				t.call(func() func() { return t.onReset })
			case <-menuQuit.ClickedCh:
				t.call(func() func() { return t.onQuit })
				systray.Quit()
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

// call runs the callback returned by get outside the lock.
func (t *Tray) call(get func() func()) {
	t.mu.RLock()
	callback := get()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// apply folds one pipeline event into the displayed state.
func (t *Tray) apply(ev pipeline.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case pipeline.EventCameraStatus:
		t.camera = cameraTitle(ev.Camera)
	case pipeline.EventVideoFrame:
		t.camera = cameraTitle(ev.Camera)
		p := ev.Prediction
		if !p.IsSentinel() && p.Confidence > t.threshold {
			t.lastSign = signTitle(fmt.Sprintf("%s (%.0f%%)", p.Label, p.Confidence*100))
		}
	default:
		return
	}

	if t.menuCamera != nil {
		t.menuCamera.SetTitle(t.camera)
	}
	if t.menuLastSign != nil {
		t.menuLastSign.SetTitle(t.lastSign)
	}
}

// Camera returns the camera line shown in the menu.
func (t *Tray) Camera() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.camera
}

// LastSign returns the last-sign line shown in the menu.
func (t *Tray) LastSign() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSign
}

func cameraTitle(st capture.Status) string {
	if st.Source == nil {
		return "Camera: " + st.State.String()
	}
	return fmt.Sprintf("Camera: %s (%s)", st.State, st.Source)
}

func signTitle(sign string) string {
	if sign == "" || classifier.IsSentinel(sign) {
		return "Last: none"
	}
	return "Last: " + sign
}
