package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/tomyedwab/harproxy/audit"
	"github.com/tomyedwab/harproxy/client"
	"github.com/tomyedwab/harproxy/config"
	"github.com/tomyedwab/harproxy/launcher"
	"github.com/tomyedwab/harproxy/metrics"
	"github.com/tomyedwab/harproxy/shutdown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	h := &handlers{ctx: ctx}

	app := &cli.App{
		Name:  "harproxy",
		Usage: "install, run and drive a local HAR-recording proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{"HARPROXY_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "install",
				Usage:  "install the bundled proxy distribution",
				Action: h.install,
			},
			{
				Name:   "uninstall",
				Usage:  "remove the installed proxy distribution",
				Action: h.uninstall,
			},
			{
				Name:   "version",
				Usage:  "print the installed proxy version",
				Action: h.version,
			},
			{
				Name:  "run",
				Usage: "launch a local proxy and keep it running until interrupted",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "control port; the configured default when 0",
					},
					&cli.BoolFlag{
						Name:  "random-port",
						Usage: "pick a free port",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "serve Prometheus metrics on this address (e.g. :9100)",
					},
				},
				Action: h.run,
			},
			{
				Name:  "har",
				Usage: "record one HAR through a running proxy until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "host",
						Value: config.DefaultHost,
						Usage: "control API host",
					},
					&cli.IntFlag{
						Name:  "port",
						Value: config.DefaultPort,
						Usage: "control API port",
					},
					&cli.StringFlag{
						Name:  "upstream",
						Usage: "chain traffic through this proxy (host:port)",
					},
					&cli.StringFlag{
						Name:  "page",
						Usage: "name of the first page",
					},
					&cli.BoolFlag{
						Name:  "content",
						Usage: "capture request and response bodies",
					},
					&cli.StringFlag{
						Name:     "out",
						Usage:    "file to write the HAR to",
						Required: true,
					},
				},
				Action: h.har,
			},
			{
				Name:  "sessions",
				Usage: "print recent session events from the ledger",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "number of events",
					},
				},
				Action: h.sessions,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// handlers carries the signal-bound context into the command actions.
type handlers struct {
	ctx context.Context
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func newLauncher(c *cli.Context, options ...launcher.Option) (*launcher.Launcher, *slog.Logger, error) {
	logger := newLogger(c)
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	l, err := launcher.New(cfg, logger, options...)
	if err != nil {
		return nil, nil, err
	}
	return l, logger, nil
}

func (h *handlers) install(c *cli.Context) error {
	l, _, err := newLauncher(c)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.Installer().Install(); err != nil {
		return err
	}
	version, err := l.Installer().InstalledVersion()
	if err != nil {
		return err
	}
	fmt.Printf("installed %s in %s\n", version, l.Installer().InstallDir())
	return nil
}

func (h *handlers) uninstall(c *cli.Context) error {
	l, _, err := newLauncher(c)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.Installer().Uninstall()
}

func (h *handlers) version(c *cli.Context) error {
	l, _, err := newLauncher(c)
	if err != nil {
		return err
	}
	defer l.Close()

	version, err := l.Installer().InstalledVersion()
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}

func (h *handlers) run(c *cli.Context) error {
	hooks := shutdown.NewRegistry(nil)
	l, logger, err := newLauncher(c, launcher.WithHooks(hooks))
	if err != nil {
		return err
	}
	defer l.Close()

	if addr := c.String("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.Collectors...)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "addr", addr, "error", err)
			}
		}()
		defer server.Close()
		logger.Info("Serving metrics", "addr", addr)
	}

	var m *launcher.LocalManager
	switch {
	case c.Bool("random-port"):
		m, err = l.LaunchOnRandomPort(h.ctx)
	case c.Int("port") != 0:
		m, err = l.Launch(h.ctx, c.Int("port"))
	default:
		m, err = l.LaunchOnDefaultPort(h.ctx)
	}
	if err != nil {
		return err
	}

	fmt.Printf("proxy control API on port %d, log in %s\n", m.Port(), m.LogPath())
	<-h.ctx.Done()

	logger.Info("Shutting down")
	hooks.Run()
	if m.IsRunning() {
		return m.Stop()
	}
	return nil
}

func (h *handlers) har(c *cli.Context) error {
	logger := newLogger(c)
	ctx := h.ctx

	options := []client.Option{client.WithLogger(logger)}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Ledger != "" {
		ledger, err := audit.Open(cfg.Ledger)
		if err != nil {
			return err
		}
		defer ledger.Close()
		options = append(options, client.WithRecorder(ledger))
	}

	proxy, err := client.NewProxyWithUpstream(ctx, c.String("host"), c.Int("port"), c.String("upstream"), options...)
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proxy.Close(closeCtx); err != nil {
			logger.Error("Failed to close proxy", "proxyPort", proxy.ProxyPort(), "error", err)
		}
	}()

	_, err = proxy.NewHar(ctx, client.HarOptions{
		InitialPageRef:       c.String("page"),
		CaptureHeaders:       true,
		CaptureContent:       c.Bool("content"),
		CaptureBinaryContent: c.Bool("content"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("recording through %s; interrupt to save\n", proxy.AsHostAndPort())
	<-ctx.Done()

	// ctx is done by now.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := c.String("out")
	if err := proxy.HarToFile(saveCtx, filepath.Dir(out), filepath.Base(out)); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", out)
	return nil
}

func (h *handlers) sessions(c *cli.Context) error {
	newLogger(c)
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Ledger == "" {
		return fmt.Errorf("no ledger configured (set ledger in the config file or %s)", config.EnvLedger)
	}
	ledger, err := audit.Open(cfg.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	events, err := ledger.RecentEvents(h.ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, e := range events {
		ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
		fmt.Printf("%s  %-12s  port=%d  session=%s  %s\n", ts, e.EventType, e.ProxyPort, e.SessionID, e.Detail)
	}
	return nil
}
