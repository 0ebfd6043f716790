package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/framerelay/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 100*time.Millisecond, cfg.Relay.PollTimeout)
	require.Equal(t, time.Second, cfg.Relay.DeliverTimeout)
	require.Equal(t, 2, cfg.Broadcast.Queue)
	require.Equal(t, 5, cfg.Viewer.Queue)
	require.Equal(t, "drop-oldest", cfg.Viewer.Policy)
	require.Equal(t, 81, cfg.Camera.StreamPort)
	require.Equal(t, 20*time.Second, cfg.Hub.PingInterval)
	require.Zero(t, cfg.Broadcast.MaxFPS)
	require.Equal(t, "alloy", cfg.Voice.Voice)
	require.Equal(t, 200*time.Millisecond, cfg.Voice.SilenceDuration)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framerelay.yaml")

	raw := []byte(`
log:
  level: debug
camera:
  host: 192.168.4.1
relay:
  poll_timeout: 50ms
  deliver_timeout: 2s
broadcast:
  source: webcam
  queue: 4
  max_fps: 5
  auto_start: true
hub:
  addr: ":9000"
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "192.168.4.1", cfg.Camera.Host)
	require.Equal(t, 80, cfg.Camera.Port)
	require.Equal(t, 50*time.Millisecond, cfg.Relay.PollTimeout)
	require.Equal(t, 2*time.Second, cfg.Relay.DeliverTimeout)
	require.Equal(t, "webcam", cfg.Broadcast.Source)
	require.Equal(t, 4, cfg.Broadcast.Queue)
	require.True(t, cfg.Broadcast.AutoStart)
	require.Equal(t, 5.0, cfg.Broadcast.MaxFPS)
	require.Equal(t, ":9000", cfg.Hub.Addr)
	require.Equal(t, "/video", cfg.Hub.Path)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Parse([]byte("relay: [1, 2"))
	require.Error(t, err)

	_, err = Parse([]byte("relay:\n  poll_timeout: 3s\n"))
	require.ErrorContains(t, err, "poll_timeout")

	_, err = Parse([]byte("broadcast:\n  source: drone\n"))
	require.ErrorContains(t, err, "broadcast.source")

	_, err = Parse([]byte("viewer:\n  queue: -1\n"))
	require.ErrorContains(t, err, "viewer.queue")

	_, err = Parse([]byte("viewer:\n  policy: random\n"))
	require.ErrorContains(t, err, "viewer.policy")

	_, err = Parse([]byte("broadcast:\n  max_fps: -5\n"))
	require.ErrorContains(t, err, "broadcast.max_fps")

	_, err = Parse([]byte("log:\n  level: loud\n"))
	require.ErrorContains(t, err, "log.level")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drop-newest")
	require.NoError(t, err)
	require.Equal(t, types.DropNewest, p)

	p, err = ParsePolicy("drop-oldest")
	require.NoError(t, err)
	require.Equal(t, types.DropOldest, p)

	_, err = ParsePolicy("")
	require.Error(t, err)
}
