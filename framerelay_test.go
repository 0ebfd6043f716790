package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fyne.io/fyne/v2/test"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/framerelay/camera"
	"go.dedis.ch/framerelay/config"
	"go.dedis.ch/framerelay/relay"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/sink"
	"go.dedis.ch/framerelay/types"
)

var quiet = zerolog.Nop()

// tickSource emits a tiny JPEG every period.
type tickSource struct {
	period time.Duration
}

func (tickSource) Open(context.Context) error {
	return nil
}

func (s tickSource) Next(timeout time.Duration) (types.Frame, bool, error) {
	if s.period > timeout {
		time.Sleep(timeout)
		return types.Frame{}, false, nil
	}

	time.Sleep(s.period)
	return types.NewFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}, types.EncodingJPEG), true, nil
}

func (tickSource) Close() error {
	return nil
}

func newTestController(ctx context.Context) (*controller, *int) {
	var mu sync.Mutex
	sessions := 0

	ctl := newController(ctx, func() relay.Session {
		mu.Lock()
		sessions++
		mu.Unlock()

		return impl.NewSession(impl.SessionConfig{
			Source:      tickSource{period: 5 * time.Millisecond},
			Sink:        sink.FuncSink(func(types.Frame) error { return nil }),
			PollTimeout: 20 * time.Millisecond,
			Logger:      &quiet,
		})
	})

	return ctl, &sessions
}

func TestController_StartStop(t *testing.T) {
	ctl, sessions := newTestController(context.Background())
	defer ctl.shutdown()

	require.Equal(t, types.Idle, ctl.state())
	require.Nil(t, ctl.done())

	_, ok := ctl.stats()
	require.False(t, ok)

	require.ErrorAs(t, ctl.stop(), &impl.NotRunningError{})

	require.NoError(t, ctl.start())
	require.Equal(t, types.Streaming, ctl.state())

	require.ErrorAs(t, ctl.start(), &impl.AlreadyRunningError{})

	require.Eventually(t, func() bool {
		stats, _ := ctl.stats()
		return stats.Delivered > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, ctl.stop())
	require.Equal(t, types.Closed, ctl.state())
	require.ErrorAs(t, ctl.stop(), &impl.NotRunningError{})

	// a closed session is replaced by a new one
	require.NoError(t, ctl.start())
	require.Equal(t, types.Streaming, ctl.state())
	require.Equal(t, 2, *sessions)

	ctl.shutdown()
	require.Equal(t, types.Closed, ctl.state())
}

func TestRunUntilDone_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ctl, _ := newTestController(ctx)

	errc := make(chan error, 1)
	go func() {
		errc <- runUntilDone(ctx, ctl)
	}()

	require.Eventually(t, func() bool { return ctl.state() == types.Streaming }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}

	require.Equal(t, types.Closed, ctl.state())
}

func TestRunUntilDone_SinkFailure(t *testing.T) {
	ctl := newController(context.Background(), func() relay.Session {
		return impl.NewSession(impl.SessionConfig{
			Source:      tickSource{period: 5 * time.Millisecond},
			Sink:        sink.FuncSink(func(types.Frame) error { return os.ErrClosed }),
			PollTimeout: 20 * time.Millisecond,
			Logger:      &quiet,
		})
	})

	err := runUntilDone(context.Background(), ctl)
	require.Error(t, err)
	require.Equal(t, impl.KindTransientIO, impl.KindOf(err))
}

// fakeCamera answers the ESP32 control endpoints and records /control
// queries.
type fakeCamera struct {
	mu       sync.Mutex
	controls []url.Values
}

func (c *fakeCamera) start(t *testing.T) (*httptest.Server, string, string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"framesize":8,"quality":12}`))
	})
	mux.HandleFunc("/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})
	})
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.controls = append(c.controls, r.URL.Query())
		c.mu.Unlock()
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	return srv, host, port
}

func (c *fakeCamera) last() url.Values {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.controls[len(c.controls)-1]
}

func TestApplySetting(t *testing.T) {
	cam := &fakeCamera{}
	srv, _, _ := cam.start(t)

	client := camera.NewClientFromURL(srv.URL, srv.URL+"/stream")
	ctx := context.Background()

	require.NoError(t, applySetting(ctx, client, "resolution", "vga"))
	require.Equal(t, "8", cam.last().Get("framesize"))

	require.NoError(t, applySetting(ctx, client, "quality", "10"))
	require.Equal(t, "10", cam.last().Get("quality"))

	require.NoError(t, applySetting(ctx, client, "vflip", "true"))
	require.Equal(t, "1", cam.last().Get("vflip"))

	require.NoError(t, applySetting(ctx, client, "awb", "false"))
	require.Equal(t, "0", cam.last().Get("awb"))

	require.NoError(t, applySetting(ctx, client, "led_intensity", "128"))
	require.Equal(t, "128", cam.last().Get("led_intensity"))

	require.Error(t, applySetting(ctx, client, "quality", "70"))
	require.Error(t, applySetting(ctx, client, "brightness", "3"))
	require.ErrorContains(t, applySetting(ctx, client, "contrast", "high"), "integer")
	require.ErrorContains(t, applySetting(ctx, client, "hmirror", "maybe"), "boolean")

	require.Len(t, cam.controls, 5)
}

func TestApp_Camera(t *testing.T) {
	cam := &fakeCamera{}
	_, host, port := cam.start(t)

	run := func(args ...string) (string, error) {
		var out bytes.Buffer

		a := newApp(&env{})
		a.Writer = &out

		base := []string{"framerelay", "--log-level", "disabled", "camera", "--host", host, "--port", port}
		err := a.RunContext(context.Background(), append(base, args...))

		return out.String(), err
	}

	out, err := run("status")
	require.NoError(t, err)
	require.Contains(t, out, `"quality": 12`)

	file := filepath.Join(t.TempDir(), "shot.jpg")
	_, err = run("capture", "--out", file)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, data)

	_, err = run("set", "saturation", "1")
	require.NoError(t, err)
	require.Equal(t, "1", cam.last().Get("saturation"))

	_, err = run("set", "saturation")
	require.Error(t, err)
}

func TestApp_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framerelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broadcast:\n  source: drone\n"), 0o600))

	a := newApp(&env{})
	a.Writer = &bytes.Buffer{}

	err := a.RunContext(context.Background(), []string{"framerelay", "--config", path, "hub"})
	require.ErrorContains(t, err, "broadcast.source")
}

func TestVoiceURL(t *testing.T) {
	address, err := voiceURL("wss://api.openai.com/v1/realtime", "gpt-4o-realtime-preview")
	require.NoError(t, err)
	require.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview", address)

	address, err = voiceURL("ws://localhost:9000/voice", "")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:9000/voice", address)

	_, err = voiceURL("ws://bad host:%%", "m")
	require.Error(t, err)
}

func TestRealtimeSession(t *testing.T) {
	cfg := config.Default().Voice

	session := realtimeSession(cfg)
	require.Equal(t, "alloy", session.Voice)
	require.Equal(t, "pcm16", session.InputAudioFormat)
	require.Equal(t, "pcm16", session.OutputAudioFormat)
	require.Equal(t, 0.7, session.Temperature)
	require.Equal(t, "server_vad", session.TurnDetection.Type)
	require.Equal(t, 200, session.TurnDetection.SilenceDurationMs)
}

func TestBroadcastEvents_WebcamViewers(t *testing.T) {
	var out bytes.Buffer
	e := &env{logger: zerolog.New(&out)}

	e.broadcastEvents("camera")(&types.BroadcasterConnectedMessage{Viewers: 2})
	require.NotContains(t, out.String(), "warn")

	e.broadcastEvents("webcam")(&types.BroadcasterConnectedMessage{Viewers: 0})
	require.NotContains(t, out.String(), "warn")

	e.broadcastEvents("webcam")(&types.BroadcasterConnectedMessage{Viewers: 3})
	require.Contains(t, out.String(), `"level":"warn"`)
	require.Contains(t, out.String(), `"viewers":3`)
}

func TestApp_BroadcastNegativeMaxFPS(t *testing.T) {
	a := newApp(&env{})
	a.Writer = &bytes.Buffer{}

	err := a.RunContext(context.Background(), []string{"framerelay", "--log-level", "disabled",
		"broadcast", "--source", "webcam", "--max-fps", "-2"})
	require.ErrorContains(t, err, "max-fps")
}

func TestFormatStats(t *testing.T) {
	out := formatStats(relay.Stats{
		State:     types.Streaming,
		Produced:  10,
		Delivered: 7,
		Dropped:   3,
		Errors:    map[string]uint64{"transient_io": 1, "malformed_data": 2},
		LastError: "deliver: transient_io: broken pipe",
	})

	require.Equal(t, "state: streaming\n"+
		"produced: 10, delivered: 7, dropped: 3, queued: 0\n"+
		"errors[malformed_data]: 2\n"+
		"errors[transient_io]: 1\n"+
		"last error: deliver: transient_io: broken pipe", out)
}

func TestControlPanel(t *testing.T) {
	test.NewApp()

	ctl, _ := newTestController(context.Background())
	defer ctl.shutdown()

	panel := newControlPanel(ctl)
	require.Equal(t, "idle", panel.statusLabel.Text)
	require.Equal(t, "No session yet", panel.countersLabel.Text)

	test.Tap(panel.startButton)
	require.Equal(t, "streaming", panel.statusLabel.Text)

	require.Eventually(t, func() bool {
		panel.refresh()
		stats, _ := ctl.stats()
		return stats.Delivered > 0
	}, time.Second, 10*time.Millisecond)

	test.Tap(panel.stopButton)
	require.Equal(t, "closed", panel.statusLabel.Text)
	require.Contains(t, panel.countersLabel.Text, "Produced")

	lines, err := panel.errorsData.Get()
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestGetErrorLines(t *testing.T) {
	lines := getErrorLines(relay.Stats{Errors: map[string]uint64{"transient_io": 4, "buffer_overflow": 1}})
	require.Equal(t, []string{"buffer_overflow: 1", "transient_io: 4"}, lines)
}
