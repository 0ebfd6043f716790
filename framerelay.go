package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/framerelay/config"
	"go.dedis.ch/framerelay/metrics"
	"go.dedis.ch/framerelay/relay/impl"
	"golang.org/x/xerrors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp(&env{}).RunContext(ctx, os.Args)
	if err != nil {
		log.Error().Err(err).Msg("framerelay failed")
		stop()
		os.Exit(1)
	}
}

// env is the state shared by the commands once the global flags are parsed.
type env struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Relay
	logger   zerolog.Logger

	metricsServer *http.Server
}

func newApp(e *env) *cli.App {
	return &cli.App{
		Name:  "framerelay",
		Usage: "relay MJPEG camera frames to viewers, displays and voice services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"FRAMERELAY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides log.level (trace, debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "overrides metrics.addr, e.g. :9100",
			},
		},
		Before: e.setup,
		After:  e.teardown,
		Commands: []*cli.Command{
			cameraCommand(e),
			broadcastCommand(e),
			viewCommand(e),
			voiceCommand(e),
			hubCommand(e),
		},
	}
}

func (e *env) setup(c *cli.Context) error {
	cfg := config.Default()

	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	err := cfg.Validate()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return xerrors.Errorf("failed to parse log level: %v", err)
	}

	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	impl.SetLogger(impl.NewLogger(out, level))
	log.Logger = impl.Logger()

	e.cfg = cfg
	e.logger = impl.Logger().With().Str("component", "cli").Logger()
	e.registry = prometheus.NewRegistry()
	e.metrics = metrics.NewRelay(e.registry)

	if cfg.Metrics.Addr != "" {
		e.serveMetrics(cfg.Metrics.Addr)
	}

	return nil
}

func (e *env) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	e.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		e.logger.Info().Str("addr", addr).Msg("serving metrics")

		err := e.metricsServer.ListenAndServe()
		if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			e.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (e *env) teardown(c *cli.Context) error {
	if e.metricsServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return e.metricsServer.Shutdown(ctx)
}
