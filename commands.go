package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/framerelay/camera"
	"go.dedis.ch/framerelay/capture"
	"go.dedis.ch/framerelay/config"
	"go.dedis.ch/framerelay/hub"
	"go.dedis.ch/framerelay/relay"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/sink"
	"go.dedis.ch/framerelay/transport/websocket"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

const (
	actionStart   = "start"
	actionStop    = "stop"
	actionStats   = "stats"
	actionQuit    = "quit"
	actionEndTurn = "end turn"
)

var displaySize = fyne.NewSize(640, 480)

func (e *env) newSession(kind string, source relay.Source, snk relay.Sink, queue int,
	policy types.OverflowPolicy) relay.Session {

	return impl.NewSession(impl.SessionConfig{
		Source:         source,
		Sink:           snk,
		QueueCapacity:  queue,
		Policy:         policy,
		PollTimeout:    e.cfg.Relay.PollTimeout,
		DeliverTimeout: e.cfg.Relay.DeliverTimeout,
		Kind:           kind,
		Metrics:        e.metrics,
	})
}

func (e *env) camera() (*camera.Client, error) {
	cam := e.cfg.Camera

	switch {
	case cam.Host != "" && cam.StreamURL != "":
		base := "http://" + net.JoinHostPort(cam.Host, strconv.Itoa(cam.Port))
		return camera.NewClientFromURL(base, cam.StreamURL), nil
	case cam.Host != "":
		return camera.NewClient(cam.Host, cam.Port, cam.StreamPort), nil
	case cam.StreamURL != "":
		return camera.NewClientFromURL("", cam.StreamURL), nil
	default:
		return nil, xerrors.New("camera.host or camera.stream_url must be set")
	}
}

func (e *env) streamSource(client *camera.Client) relay.Source {
	return capture.NewStreamSource(client.StreamURL(),
		capture.WithDecoderOptions(
			impl.WithMaxBuffer(e.cfg.Relay.MaxBuffer),
			impl.WithDecoderMetrics(e.metrics),
		))
}

func (e *env) dialer(opts ...websocket.Option) *websocket.WebSocket {
	return websocket.NewWebSocket(append([]websocket.Option{
		websocket.WithPingInterval(e.cfg.Hub.PingInterval),
	}, opts...)...)
}

func (e *env) logEvent(msg types.Message) {
	e.logger.Info().Str("type", msg.Name()).Msg(msg.String())
}

/** camera **/

func cameraCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "camera",
		Usage: "control an ESP32 camera",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "overrides camera.host"},
			&cli.IntFlag{Name: "port", Usage: "overrides camera.port"},
			&cli.IntFlag{Name: "stream-port", Usage: "overrides camera.stream_port"},
		},
		Before: func(c *cli.Context) error {
			if host := c.String("host"); host != "" {
				e.cfg.Camera.Host = host
			}
			if port := c.Int("port"); port != 0 {
				e.cfg.Camera.Port = port
			}
			if port := c.Int("stream-port"); port != 0 {
				e.cfg.Camera.StreamPort = port
			}
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "print the camera settings",
				Action: e.cameraStatus,
			},
			{
				Name:  "capture",
				Usage: "save a single image",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Value: "capture.jpg", Usage: "output file"},
					&cli.BoolFlag{Name: "bmp", Usage: "capture an uncompressed BMP"},
				},
				Action: e.cameraCapture,
			},
			{
				Name:      "set",
				Usage:     "change a camera setting",
				ArgsUsage: "<setting> <value>",
				Action:    e.cameraSet,
			},
			{
				Name:  "stream",
				Usage: "show the MJPEG stream or save snapshots of it",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "display", Usage: "show the frames in a window"},
					&cli.StringFlag{Name: "snapshots", Usage: "overrides camera.snapshot_dir"},
					&cli.IntFlag{Name: "every", Usage: "overrides camera.snapshot_every"},
				},
				Action: e.cameraStream,
			},
		},
	}
}

func (e *env) cameraStatus(c *cli.Context) error {
	client, err := e.camera()
	if err != nil {
		return err
	}

	status, err := client.Status(c.Context)
	if err != nil {
		return xerrors.Errorf("failed to get status: %v", err)
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to format status: %v", err)
	}

	fmt.Fprintln(c.App.Writer, string(out))

	return nil
}

func (e *env) cameraCapture(c *cli.Context) error {
	client, err := e.camera()
	if err != nil {
		return err
	}

	grab := client.Capture
	if c.Bool("bmp") {
		grab = client.CaptureBMP
	}

	data, err := grab(c.Context)
	if err != nil {
		return xerrors.Errorf("failed to capture: %v", err)
	}

	err = os.WriteFile(c.String("out"), data, 0o644)
	if err != nil {
		return xerrors.Errorf("failed to save capture: %v", err)
	}

	e.logger.Info().Str("file", c.String("out")).Int("bytes", len(data)).Msg("image captured")

	return nil
}

func (e *env) cameraSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return xerrors.New("expected <setting> <value>")
	}

	client, err := e.camera()
	if err != nil {
		return err
	}

	return applySetting(c.Context, client, c.Args().Get(0), c.Args().Get(1))
}

// applySetting maps the named settings to their checked client method, and
// passes anything else straight to /control.
func applySetting(ctx context.Context, client *camera.Client, setting, value string) error {
	level := func(set func(context.Context, int) error) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return xerrors.Errorf("%s expects an integer, got %q", setting, value)
		}
		return set(ctx, n)
	}

	toggle := func(set func(context.Context, bool) error) error {
		enable, err := strconv.ParseBool(value)
		if err != nil {
			return xerrors.Errorf("%s expects a boolean, got %q", setting, value)
		}
		return set(ctx, enable)
	}

	switch setting {
	case "resolution", "framesize":
		return client.SetResolution(ctx, value)
	case "quality":
		return level(client.SetQuality)
	case "brightness":
		return level(client.SetBrightness)
	case "contrast":
		return level(client.SetContrast)
	case "saturation":
		return level(client.SetSaturation)
	case "effect", "special_effect":
		return level(client.SetSpecialEffect)
	case "awb", "white_balance":
		return toggle(client.SetWhiteBalance)
	case "aec", "exposure":
		return toggle(client.SetExposureControl)
	case "agc", "gain":
		return toggle(client.SetGainControl)
	case "vflip":
		return toggle(client.FlipVertical)
	case "hmirror":
		return toggle(client.FlipHorizontal)
	default:
		return client.Set(ctx, setting, value)
	}
}

func (e *env) cameraStream(c *cli.Context) error {
	client, err := e.camera()
	if err != nil {
		return err
	}

	source := e.streamSource(client)

	if c.Bool("display") {
		a := app.New()
		display := sink.NewDisplaySink(a, "framerelay camera", displaySize)
		session := e.newSession("camera", source, display, 1, types.DropOldest)

		return runDisplayed(c.Context, a, display, session)
	}

	dir := e.cfg.Camera.SnapshotDir
	if c.String("snapshots") != "" {
		dir = c.String("snapshots")
	}
	if dir == "" {
		return xerrors.New("either --display or a snapshot directory is required")
	}

	every := e.cfg.Camera.SnapshotEvery
	if c.Int("every") > 0 {
		every = c.Int("every")
	}

	snapshots := sink.NewSnapshotSink(dir, every)
	session := e.newSession("snapshot", source, snapshots, 1, types.DropOldest)

	err = runUntilDone(c.Context, newController(c.Context, func() relay.Session { return session }))

	e.logger.Info().Uint64("saved", snapshots.Saved()).Str("dir", dir).Msg("snapshots done")

	return err
}

/** broadcast **/

func broadcastCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "broadcast",
		Usage: "relay the camera or the webcam to a hub",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "camera or webcam, overrides broadcast.source"},
			&cli.StringFlag{Name: "url", Usage: "overrides broadcast.url"},
			&cli.Float64Flag{Name: "max-fps", Usage: "overrides broadcast.max_fps, 0 for no limit"},
			&cli.BoolFlag{Name: "auto-start", Usage: "start right away and run until interrupted"},
			&cli.BoolFlag{Name: "gui", Usage: "control the broadcast from a window"},
		},
		Action: e.broadcast,
	}
}

func (e *env) broadcast(c *cli.Context) error {
	cfg := e.cfg.Broadcast

	if c.String("source") != "" {
		cfg.Source = c.String("source")
	}
	if c.String("url") != "" {
		cfg.URL = c.String("url")
	}
	if c.IsSet("max-fps") {
		cfg.MaxFPS = c.Float64("max-fps")
	}
	if cfg.MaxFPS < 0 {
		return xerrors.Errorf("max-fps must not be negative, got %g", cfg.MaxFPS)
	}

	policy, err := config.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}

	var newSource func() relay.Source

	switch cfg.Source {
	case "camera":
		client, err := e.camera()
		if err != nil {
			return err
		}
		newSource = func() relay.Source { return e.streamSource(client) }
	case "webcam":
		e.logger.Warn().Msg("webcam frames are webm, hub viewers can only show jpeg")
		newSource = func() relay.Source { return capture.NewWebcamSource() }
	default:
		return xerrors.Errorf("unknown source %q", cfg.Source)
	}

	ctl := newController(c.Context, func() relay.Session {
		broadcast := sink.NewBroadcastSink(e.dialer(), cfg.URL, sink.WithEventHandler(e.broadcastEvents(cfg.Source)))
		source := impl.NewThrottledSource(newSource(), cfg.MaxFPS)
		return e.newSession("broadcast", source, broadcast, cfg.Queue, policy)
	})
	defer ctl.shutdown()

	switch {
	case c.Bool("gui"):
		return runControlWindow(c.Context, app.New(), ctl, "Broadcast")
	case c.Bool("auto-start") || cfg.AutoStart:
		return runUntilDone(c.Context, ctl)
	default:
		return e.prompt(c, ctl, "Broadcast")
	}
}

// broadcastEvents returns the handler of hub events. Viewers drop webm
// frames, so a webcam broadcast watched by viewers gets a warning.
func (e *env) broadcastEvents(source string) func(types.Message) {
	return func(msg types.Message) {
		e.logEvent(msg)

		connected, ok := msg.(*types.BroadcasterConnectedMessage)
		if ok && source == "webcam" && connected.Viewers > 0 {
			e.logger.Warn().
				Int("viewers", connected.Viewers).
				Msg("viewers can't display webcam frames, they will be dropped")
		}
	}
}

// prompt lets the user start and stop sessions until quit or interrupted.
func (e *env) prompt(c *cli.Context, ctl *controller, what string) error {
	for {
		var action string

		err := survey.AskOne(&survey.Select{
			Message: fmt.Sprintf("%s is %s", what, ctl.state()),
			Options: []string{actionStart, actionStop, actionStats, actionQuit},
		}, &action)
		if xerrors.Is(err, terminal.InterruptErr) {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("prompt failed: %v", err)
		}
		if c.Context.Err() != nil {
			return nil
		}

		switch action {
		case actionStart:
			err = ctl.start()
		case actionStop:
			err = ctl.stop()
		case actionStats:
			stats, ok := ctl.stats()
			if !ok {
				fmt.Fprintln(c.App.Writer, "no session yet")
				continue
			}
			fmt.Fprintln(c.App.Writer, formatStats(stats))
		case actionQuit:
			return nil
		}

		if err != nil {
			e.logger.Warn().Err(err).Msgf("%s failed", action)
		}
	}
}

// runUntilDone starts one session and returns when it ends on its own or ctx
// is done.
func runUntilDone(ctx context.Context, ctl *controller) error {
	err := ctl.start()
	if err != nil {
		return err
	}

	select {
	case <-ctl.done():
	case <-ctx.Done():
	}

	ctl.shutdown()

	return ctl.wait()
}

// runDisplayed runs a session feeding a display. The fyne app takes the
// calling goroutine until the window is closed or the session ends.
func runDisplayed(ctx context.Context, a fyne.App, display *sink.DisplaySink, session relay.Session) error {
	err := session.Start(ctx)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-session.Done():
		case <-display.Closed():
		case <-ctx.Done():
		}

		session.Stop()
		a.Quit()
	}()

	a.Run()

	session.Stop()

	select {
	case <-display.Closed():
		// the user closed the window
		return nil
	default:
		return session.Wait()
	}
}

func formatStats(stats relay.Stats) string {
	var out strings.Builder

	fmt.Fprintf(&out, "state: %s\n", stats.State)
	fmt.Fprintf(&out, "produced: %d, delivered: %d, dropped: %d, queued: %d",
		stats.Produced, stats.Delivered, stats.Dropped, stats.Queued)

	kinds := make([]string, 0, len(stats.Errors))
	for kind := range stats.Errors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		fmt.Fprintf(&out, "\nerrors[%s]: %d", kind, stats.Errors[kind])
	}

	if stats.LastError != "" {
		fmt.Fprintf(&out, "\nlast error: %s", stats.LastError)
	}

	return out.String()
}

/** view **/

func viewCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:   "view",
		Usage:  "watch a broadcast from a hub",
		Flags:  []cli.Flag{&cli.StringFlag{Name: "url", Usage: "overrides viewer.url"}},
		Action: e.view,
	}
}

func (e *env) view(c *cli.Context) error {
	cfg := e.cfg.Viewer

	if c.String("url") != "" {
		cfg.URL = c.String("url")
	}

	policy, err := config.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}

	a := app.New()
	display := sink.NewDisplaySink(a, "framerelay viewer", displaySize)
	source := capture.NewViewerSource(e.dialer(), cfg.URL, capture.WithEventHandler(e.logEvent))

	return runDisplayed(c.Context, a, display, e.newSession("view", source, display, cfg.Queue, policy))
}

/** voice **/

func voiceCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "voice",
		Usage: "talk with a realtime voice API",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "hands-free", Usage: "let the server detect turns and run until interrupted"},
		},
		Action: e.voice,
	}
}

func (e *env) voice(c *cli.Context) error {
	cfg := e.cfg.Voice

	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return xerrors.Errorf("%s is not set", cfg.APIKeyEnv)
	}

	address, err := voiceURL(cfg.URL, cfg.Model)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)
	header.Set("OpenAI-Beta", "realtime=v1")

	speaker := capture.NewSpeaker()

	err = speaker.Open()
	if err != nil {
		return err
	}
	defer speaker.Close()

	voice := sink.NewVoiceSink(e.dialer(websocket.WithHeader(header)), address,
		realtimeSession(cfg), speaker)

	session := e.newSession("voice", capture.NewMicSource(), voice, cfg.Queue, types.DropNewest)

	err = session.Start(c.Context)
	if err != nil {
		return err
	}

	if c.Bool("hands-free") {
		select {
		case <-session.Done():
		case <-c.Context.Done():
		}
	} else {
		e.talk(c, session, voice)
	}

	session.Stop()

	return session.Wait()
}

// talk lets the user end turns until quit, interrupted or the session ends.
func (e *env) talk(c *cli.Context, session relay.Session, voice *sink.VoiceSink) {
	for {
		var action string

		err := survey.AskOne(&survey.Select{
			Message: "Speak, then end your turn",
			Options: []string{actionEndTurn, actionStats, actionQuit},
		}, &action)
		if err != nil {
			if !xerrors.Is(err, terminal.InterruptErr) {
				e.logger.Warn().Err(err).Msg("prompt failed")
			}
			return
		}

		select {
		case <-session.Done():
			return
		case <-c.Context.Done():
			return
		default:
		}

		switch action {
		case actionEndTurn:
			err = voice.EndTurn(e.cfg.Relay.DeliverTimeout)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to end turn")
			}
		case actionStats:
			fmt.Fprintln(c.App.Writer, formatStats(session.Stats()))
		case actionQuit:
			return
		}
	}
}

// realtimeSession returns the settings sent when a voice session opens. The
// audio formats match what the microphone captures and the speaker plays.
func realtimeSession(cfg config.VoiceConfig) types.RealtimeSession {
	return types.RealtimeSession{
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  types.EncodingPCM16,
		OutputAudioFormat: types.EncodingPCM16,
		Temperature:       cfg.Temperature,
		TurnDetection: &types.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: int(cfg.SilenceDuration.Milliseconds()),
		},
	}
}

func voiceURL(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", xerrors.Errorf("invalid voice url: %v", err)
	}

	if model != "" {
		query := u.Query()
		query.Set("model", model)
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}

/** hub **/

func hubCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:   "hub",
		Usage:  "relay one broadcaster to many viewers",
		Flags:  []cli.Flag{&cli.StringFlag{Name: "addr", Usage: "overrides hub.addr"}},
		Action: e.hub,
	}
}

func (e *env) hub(c *cli.Context) error {
	cfg := e.cfg.Hub

	if c.String("addr") != "" {
		cfg.Addr = c.String("addr")
	}

	h := hub.New(
		hub.WithViewerQueue(cfg.ViewerQueue),
		hub.WithPingInterval(cfg.PingInterval),
		hub.WithMetrics(e.metrics),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	e.logger.Info().Str("addr", cfg.Addr).Str("path", cfg.Path).Msg("hub listening")

	select {
	case err := <-errc:
		h.Close()
		return xerrors.Errorf("hub server failed: %v", err)
	case <-c.Context.Done():
	}

	// websocket handlers are hijacked, the server does not wait for them
	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}
