package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of every command.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Camera    CameraConfig    `yaml:"camera"`
	Relay     RelayConfig     `yaml:"relay"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Voice     VoiceConfig     `yaml:"voice"`
	Hub       HubConfig       `yaml:"hub"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Addr enables the prometheus endpoint when set, e.g. ":9100".
	Addr string `yaml:"addr"`
}

type CameraConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	StreamPort int    `yaml:"stream_port"`

	// StreamURL overrides the stream address derived from Host.
	StreamURL string `yaml:"stream_url"`

	SnapshotDir   string `yaml:"snapshot_dir"`
	SnapshotEvery int    `yaml:"snapshot_every"`
}

type RelayConfig struct {
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
	MaxBuffer      int           `yaml:"max_buffer"`
}

type BroadcastConfig struct {
	URL string `yaml:"url"`

	// Source is "camera" (MJPEG stream) or "webcam".
	Source string `yaml:"source"`
	Queue  int    `yaml:"queue"`
	Policy string `yaml:"policy"`

	// MaxFPS drops frames arriving faster than this rate. Zero disables
	// the limit.
	MaxFPS float64 `yaml:"max_fps"`

	AutoStart bool `yaml:"auto_start"`
}

type ViewerConfig struct {
	URL    string `yaml:"url"`
	Queue  int    `yaml:"queue"`
	Policy string `yaml:"policy"`
}

type VoiceConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	Queue     int    `yaml:"queue"`

	Instructions string  `yaml:"instructions"`
	Voice        string  `yaml:"voice"`
	Temperature  float64 `yaml:"temperature"`

	// SilenceDuration is how long the server waits before ending a turn.
	SilenceDuration time.Duration `yaml:"silence_duration"`
}

type HubConfig struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	ViewerQueue  int           `yaml:"viewer_queue"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file. Missing values get their default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read config: %v", err)
	}

	return Parse(raw)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config

	err := yaml.Unmarshal(raw, &cfg)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse config: %v", err)
	}

	cfg.applyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Camera.Port == 0 {
		c.Camera.Port = 80
	}
	if c.Camera.StreamPort == 0 {
		c.Camera.StreamPort = 81
	}
	if c.Camera.SnapshotEvery == 0 {
		c.Camera.SnapshotEvery = 30
	}
	if c.Relay.PollTimeout == 0 {
		c.Relay.PollTimeout = 100 * time.Millisecond
	}
	if c.Relay.DeliverTimeout == 0 {
		c.Relay.DeliverTimeout = time.Second
	}
	if c.Relay.MaxBuffer == 0 {
		c.Relay.MaxBuffer = 4 << 20
	}
	if c.Broadcast.URL == "" {
		c.Broadcast.URL = "ws://localhost:8000/video?role=broadcaster"
	}
	if c.Broadcast.Source == "" {
		c.Broadcast.Source = "camera"
	}
	if c.Broadcast.Queue == 0 {
		c.Broadcast.Queue = 2
	}
	if c.Broadcast.Policy == "" {
		c.Broadcast.Policy = types.DropNewest.String()
	}
	if c.Viewer.URL == "" {
		c.Viewer.URL = "ws://localhost:8000/video?role=viewer"
	}
	if c.Viewer.Queue == 0 {
		c.Viewer.Queue = 5
	}
	if c.Viewer.Policy == "" {
		c.Viewer.Policy = types.DropOldest.String()
	}
	if c.Voice.URL == "" {
		c.Voice.URL = "wss://api.openai.com/v1/realtime"
	}
	if c.Voice.Model == "" {
		c.Voice.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice.APIKeyEnv == "" {
		c.Voice.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Voice.Queue == 0 {
		c.Voice.Queue = 10
	}
	if c.Voice.Instructions == "" {
		c.Voice.Instructions = "You are a friendly assistant. Keep responses concise and " +
			"conversational since this is a voice chat."
	}
	if c.Voice.Voice == "" {
		c.Voice.Voice = "alloy"
	}
	if c.Voice.Temperature == 0 {
		c.Voice.Temperature = 0.7
	}
	if c.Voice.SilenceDuration == 0 {
		c.Voice.SilenceDuration = 200 * time.Millisecond
	}
	if c.Hub.Addr == "" {
		c.Hub.Addr = ":8000"
	}
	if c.Hub.Path == "" {
		c.Hub.Path = "/video"
	}
	if c.Hub.ViewerQueue == 0 {
		c.Hub.ViewerQueue = 5
	}
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = 20 * time.Second
	}
}

// Validate checks the values that can't be defaulted.
func (c *Config) Validate() error {
	_, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return xerrors.Errorf("log.level: %v", err)
	}
	if c.Relay.PollTimeout < 0 || c.Relay.PollTimeout >= time.Second {
		return xerrors.Errorf("relay.poll_timeout must be within (0, 1s), got %s", c.Relay.PollTimeout)
	}
	if c.Relay.DeliverTimeout < 0 {
		return xerrors.Errorf("relay.deliver_timeout must be positive")
	}
	if c.Relay.MaxBuffer < 1024 {
		return xerrors.Errorf("relay.max_buffer must be at least 1024 bytes")
	}
	if c.Broadcast.Source != "camera" && c.Broadcast.Source != "webcam" {
		return xerrors.Errorf("broadcast.source must be camera or webcam, got %q", c.Broadcast.Source)
	}
	if c.Broadcast.MaxFPS < 0 {
		return xerrors.Errorf("broadcast.max_fps must not be negative, got %g", c.Broadcast.MaxFPS)
	}
	if c.Voice.SilenceDuration < 0 {
		return xerrors.Errorf("voice.silence_duration must be positive")
	}
	for name, queue := range map[string]int{
		"broadcast.queue":  c.Broadcast.Queue,
		"viewer.queue":     c.Viewer.Queue,
		"voice.queue":      c.Voice.Queue,
		"hub.viewer_queue": c.Hub.ViewerQueue,
	} {
		if queue < 1 {
			return xerrors.Errorf("%s must be at least 1, got %d", name, queue)
		}
	}
	_, err = ParsePolicy(c.Broadcast.Policy)
	if err != nil {
		return xerrors.Errorf("broadcast.policy: %v", err)
	}
	_, err = ParsePolicy(c.Viewer.Policy)
	if err != nil {
		return xerrors.Errorf("viewer.policy: %v", err)
	}
	return nil
}

// ParsePolicy parses "drop-newest" or "drop-oldest".
func ParsePolicy(s string) (types.OverflowPolicy, error) {
	switch s {
	case types.DropNewest.String():
		return types.DropNewest, nil
	case types.DropOldest.String():
		return types.DropOldest, nil
	default:
		return 0, xerrors.Errorf("unknown overflow policy %q", s)
	}
}
