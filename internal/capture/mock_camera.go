package capture

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// MockDevice plays back pre-recorded frames for testing
type MockDevice struct {
	frames  []*gocv.Mat
	index   int
	loop    bool
	delay   time.Duration
	readErr error
	reads   int
	mu      sync.Mutex
	closed  bool
}

// NewMockDevice creates a device that returns clones of frames in order.
func NewMockDevice(frames []*gocv.Mat, loop bool) *MockDevice {
	return &MockDevice{
		frames: frames,
		loop:   loop,
	}
}

func (d *MockDevice) Read() (*gocv.Mat, error) {
	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads++

	if d.closed {
		return nil, ErrCameraNotOpen
	}

	if d.readErr != nil {
		return nil, d.readErr
	}

	if len(d.frames) == 0 {
		return nil, fmt.Errorf("no frames available")
	}

	if d.index >= len(d.frames) {
		if d.loop {
			d.index = 0
		} else {
			return nil, fmt.Errorf("no more frames")
		}
	}

	// Clone the frame so the original isn't modified
	frame := d.frames[d.index].Clone()
	d.index++

	return &frame, nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *MockDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Reads returns how many times Read was called.
func (d *MockDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// SetReadError makes every subsequent Read fail with err (nil restores playback).
func (d *MockDevice) SetReadError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// SetDelay makes every Read block for delay before returning.
func (d *MockDevice) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// MockOpener hands out MockDevices keyed by Spec. Specs without a registered
// device fail to open.
type MockOpener struct {
	mu       sync.Mutex
	devices  map[Spec]func() *MockDevice
	attempts map[Spec]int
	opened   []*MockDevice
}

// NewMockOpener creates an opener with no openable devices.
func NewMockOpener() *MockOpener {
	return &MockOpener{
		devices:  make(map[Spec]func() *MockDevice),
		attempts: make(map[Spec]int),
	}
}

// Set registers a factory for spec; every successful Open gets a fresh device.
// A nil factory makes the spec fail to open.
func (o *MockOpener) Set(spec Spec, factory func() *MockDevice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if factory == nil {
		delete(o.devices, spec)
		return
	}
	o.devices[spec] = factory
}

// Open implements Opener.
func (o *MockOpener) Open(spec Spec) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attempts[spec]++
	factory, ok := o.devices[spec]
	if !ok {
		return nil, fmt.Errorf("mock device %s unavailable", spec)
	}
	dev := factory()
	o.opened = append(o.opened, dev)
	return dev, nil
}

// Attempts returns how many times spec was opened (successfully or not).
func (o *MockOpener) Attempts(spec Spec) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[spec]
}

// Opened returns every device handed out so far.
func (o *MockOpener) Opened() []*MockDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*MockDevice(nil), o.opened...)
}
