package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func testConfig(candidates ...Spec) Config {
	return Config{
		Candidates:       candidates,
		ReadTimeout:      100 * time.Millisecond,
		FailureThreshold: 3,
		Backoff:          BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}
}

type fixture struct {
	frame  gocv.Mat
	opener *MockOpener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		frame:  gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3),
		opener: NewMockOpener(),
	}
	t.Cleanup(func() { f.frame.Close() })
	return f
}

func (f *fixture) live(spec Spec) {
	f.opener.Set(spec, func() *MockDevice {
		d := NewMockDevice([]*gocv.Mat{&f.frame}, true)
		d.SetDelay(2 * time.Millisecond)
		return d
	})
}

func TestSource_StartPrefersNetwork(t *testing.T) {
	f := newFixture(t)
	stream := Network("http://esp32.local:81/stream")
	f.live(stream)
	f.live(Local(0))

	src := NewSource(testConfig(stream, Local(0)), f.opener.Open, quietLogger())
	defer src.Close()

	require.NoError(t, src.Start(context.Background()))

	st := src.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, Connected, st.State)
	assert.Equal(t, KindNetwork, st.Type)
	require.NotNil(t, st.Source)
	assert.Equal(t, stream, *st.Source)
	assert.Equal(t, 0, f.opener.Attempts(Local(0)))
}

func TestSource_StartFailsOverToLocal(t *testing.T) {
	f := newFixture(t)
	stream := Network("http://esp32.local:81/stream")
	f.live(Local(1))

	src := NewSource(testConfig(stream, Local(0), Local(1), Local(2)), f.opener.Open, quietLogger())
	defer src.Close()

	require.NoError(t, src.Start(context.Background()))

	st := src.Status()
	require.NotNil(t, st.Source)
	assert.Equal(t, Local(1), *st.Source)
	assert.Equal(t, 1, f.opener.Attempts(stream))
	assert.Equal(t, 1, f.opener.Attempts(Local(0)))
	assert.Equal(t, 0, f.opener.Attempts(Local(2)))
}

func TestSource_CandidateWithoutFrameIsRejected(t *testing.T) {
	f := newFixture(t)
	// Opens, but every read fails.
	f.opener.Set(Local(0), func() *MockDevice {
		d := NewMockDevice(nil, false)
		d.SetReadError(errors.New("sensor off"))
		return d
	})
	f.live(Local(1))

	src := NewSource(testConfig(Local(0), Local(1)), f.opener.Open, quietLogger())
	defer src.Close()

	require.NoError(t, src.Start(context.Background()))
	assert.Equal(t, Local(1), *src.Status().Source)

	// The rejected device was released.
	opened := f.opener.Opened()
	require.NotEmpty(t, opened)
	assert.Eventually(t, opened[0].Closed, time.Second, 5*time.Millisecond)
}

func TestSource_ReadTimeoutRejectsCandidate(t *testing.T) {
	f := newFixture(t)
	f.opener.Set(Local(0), func() *MockDevice {
		d := NewMockDevice([]*gocv.Mat{&f.frame}, true)
		d.SetDelay(time.Second)
		return d
	})

	cfg := testConfig(Local(0))
	cfg.ReadTimeout = 20 * time.Millisecond
	src := NewSource(cfg, f.opener.Open, quietLogger())
	defer src.Close()

	err := src.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestSource_NoCameraKeepsRetrying(t *testing.T) {
	f := newFixture(t)

	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	defer src.Close()

	err := src.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.False(t, src.Status().Connected)

	// Plug the camera in; the background loop picks it up.
	f.live(Local(0))
	require.Eventually(t, func() bool {
		return src.Status().Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, src.Status().Reconnects, uint64(1))
}

func TestSource_NoCandidates(t *testing.T) {
	src := NewSource(testConfig(), NewMockOpener().Open, quietLogger())
	defer src.Close()

	err := src.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, Disconnected, src.Status().State)
}

func TestSource_ReconnectsAfterThreshold(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))

	var states []State
	var mu sync.Mutex
	cfg := testConfig(Local(0))
	cfg.OnStatus = func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	}

	src := NewSource(cfg, f.opener.Open, quietLogger())
	defer src.Close()
	require.NoError(t, src.Start(context.Background()))

	first := f.opener.Opened()[0]
	first.SetReadError(errors.New("unplugged"))

	// The failing device is released and a fresh one is opened.
	require.Eventually(t, func() bool {
		return first.Closed() && len(f.opener.Opened()) >= 2 && src.Status().Connected
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Reconnecting)
	assert.Equal(t, Connected, states[len(states)-1])
}

func TestSource_FailuresBelowThresholdStayConnected(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))

	cfg := testConfig(Local(0))
	cfg.FailureThreshold = 1000
	src := NewSource(cfg, f.opener.Open, quietLogger())
	defer src.Close()
	require.NoError(t, src.Start(context.Background()))

	dev := f.opener.Opened()[0]
	dev.SetReadError(errors.New("glitch"))
	require.Eventually(t, func() bool { return src.Status().Failures > 0 }, time.Second, 5*time.Millisecond)
	dev.SetReadError(nil)

	require.Eventually(t, func() bool { return src.Status().Failures == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, src.Status().Connected)
	assert.False(t, dev.Closed())
	assert.Len(t, f.opener.Opened(), 1)
}

func TestSource_OpenSwitchesDevice(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))
	f.live(Local(1))

	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	defer src.Close()
	require.NoError(t, src.Start(context.Background()))
	old := f.opener.Opened()[0]

	require.NoError(t, src.Open(context.Background(), Local(1)))

	assert.True(t, old.Closed(), "previous device must be released before the switch completes")
	assert.Equal(t, Local(1), *src.Status().Source)
}

func TestSource_OpenFailureStaysOnTarget(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))
	stream := Network("http://10.0.0.9/stream")

	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	defer src.Close()
	require.NoError(t, src.Start(context.Background()))

	err := src.Open(context.Background(), stream)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenFailed)

	st := src.Status()
	assert.False(t, st.Connected)
	require.NotNil(t, st.Source)
	assert.Equal(t, stream, *st.Source)

	// Switching away cancels the pending reconnect to the stream.
	require.NoError(t, src.Open(context.Background(), Local(0)))
	attempts := f.opener.Attempts(stream)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, attempts, f.opener.Attempts(stream))
}

func TestSource_OpenDuringBackoffIsImmediate(t *testing.T) {
	f := newFixture(t)
	f.live(Local(1))

	cfg := testConfig(Local(0))
	cfg.Backoff = BackoffConfig{Initial: 10 * time.Second, Max: 30 * time.Second}
	src := NewSource(cfg, f.opener.Open, quietLogger())
	defer src.Close()

	require.Error(t, src.Start(context.Background()))
	require.Eventually(t, func() bool { return src.Status().State == Reconnecting }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.opener.Attempts(Local(0)))

	start := time.Now()
	require.NoError(t, src.Open(context.Background(), Local(1)))
	assert.Less(t, time.Since(start), time.Second, "switch waited out the reconnect backoff")

	st := src.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, Local(1), *st.Source)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.opener.Attempts(Local(0)), "stale target retried after the switch")
}

func TestSource_OpenInvalidSpec(t *testing.T) {
	opener := NewMockOpener()
	src := NewSource(testConfig(), opener.Open, quietLogger())
	defer src.Close()

	err := src.Open(context.Background(), Network("::bad"))
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.Equal(t, 0, opener.Attempts(Network("::bad")))
}

func TestSource_BeginIsNonBlocking(t *testing.T) {
	f := newFixture(t)
	f.opener.Set(Local(0), func() *MockDevice {
		d := NewMockDevice([]*gocv.Mat{&f.frame}, true)
		d.SetDelay(50 * time.Millisecond)
		return d
	})

	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	defer src.Close()

	start := time.Now()
	first := src.Begin(Local(0))
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	select {
	case err := <-first:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect outcome never reported")
	}
}

func TestSource_ReadFrame(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))

	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	defer src.Close()
	require.NoError(t, src.Start(context.Background()))

	var frame *Frame
	require.Eventually(t, func() bool {
		frame = src.ReadFrame()
		return frame != nil
	}, time.Second, 2*time.Millisecond)
	defer frame.Close()

	assert.Equal(t, 48, frame.Mat.Rows())
	assert.False(t, frame.Timestamp.IsZero())
	assert.NotNil(t, src.Status().LastFrameAt)
}

func TestSource_Close(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))

	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	require.NoError(t, src.Start(context.Background()))

	src.Close()

	st := src.Status()
	assert.Equal(t, Disconnected, st.State)
	assert.Nil(t, st.Source)
	assert.True(t, f.opener.Opened()[0].Closed())
	assert.Nil(t, src.ReadFrame())

	// Closing twice is harmless.
	src.Close()
}

func TestSource_ContextCancelledWhileWaiting(t *testing.T) {
	f := newFixture(t)
	src := NewSource(testConfig(Local(0)), f.opener.Open, quietLogger())
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := src.Open(ctx, Local(0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSource_ListDevices(t *testing.T) {
	f := newFixture(t)
	f.live(Local(0))
	f.live(Local(2))

	cfg := testConfig(Network("http://cam/stream"), Local(0))
	src := NewSource(cfg, f.opener.Open, quietLogger())
	defer src.Close()

	require.NoError(t, src.Open(context.Background(), Local(0)))
	before := f.opener.Attempts(Local(0))

	listing := src.ListDevices(3)
	assert.Equal(t, []int{0, 2}, listing.Local)
	assert.Equal(t, []string{"http://cam/stream"}, listing.Network)

	// The active device is not reopened while probing.
	assert.Equal(t, before, f.opener.Attempts(Local(0)))
}
