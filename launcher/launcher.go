// Package launcher wires the installer, a process supervisor and a client
// Manager together: one call installs the proxy if needed, starts it on a
// port and returns a Manager bound to it.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tomyedwab/harproxy/audit"
	"github.com/tomyedwab/harproxy/client"
	"github.com/tomyedwab/harproxy/config"
	"github.com/tomyedwab/harproxy/installer"
	"github.com/tomyedwab/harproxy/processes"
	"github.com/tomyedwab/harproxy/shutdown"
)

var _ client.Recorder = (*audit.Ledger)(nil)

// Option configures a Launcher.
type Option func(*Launcher)

// WithHooks sets the registry supervisors register their exit hooks with.
func WithHooks(hooks *shutdown.Registry) Option {
	return func(l *Launcher) {
		l.hooks = hooks
	}
}

// WithArchiveBytes installs from an in-memory archive instead of cfg.Bundle.
func WithArchiveBytes(archive []byte) Option {
	return func(l *Launcher) {
		l.archive = archive
	}
}

// WithHTTPClient sets the HTTP client used by launched Managers.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(l *Launcher) {
		l.httpClient = httpClient
	}
}

// Launcher launches local proxies. It is safe to launch several, each on
// its own port.
type Launcher struct {
	cfg        config.Config
	installer  *installer.Installer
	ledger     *audit.Ledger
	hooks      *shutdown.Registry
	archive    []byte
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Launcher from cfg. When cfg.Ledger is set the ledger file
// is opened here and every launched Manager records session events to it.
func New(cfg config.Config, logger *slog.Logger, options ...Option) (*Launcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Launcher{
		cfg:    cfg,
		logger: logger.With("component", "Launcher"),
	}
	for _, option := range options {
		option(l)
	}
	if l.hooks == nil {
		l.hooks = shutdown.Default()
	}

	inst, err := installer.New(installer.Config{
		BaseDir:      cfg.Home,
		ArchivePath:  cfg.Bundle,
		ArchiveBytes: l.archive,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	l.installer = inst

	if cfg.Ledger != "" {
		ledger, err := audit.Open(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		l.ledger = ledger
	}
	return l, nil
}

// Installer returns the installer the Launcher installs with.
func (l *Launcher) Installer() *installer.Installer {
	return l.installer
}

// Ledger returns the session ledger, or nil when none is configured.
func (l *Launcher) Ledger() *audit.Ledger {
	return l.ledger
}

// Close releases the ledger. Launched proxies are not stopped.
func (l *Launcher) Close() error {
	if l.ledger == nil {
		return nil
	}
	return l.ledger.Close()
}

// Launch installs the proxy if needed and starts it on port.
func (l *Launcher) Launch(ctx context.Context, port int) (*LocalManager, error) {
	if err := l.installer.Install(); err != nil {
		return nil, err
	}

	supervisor, err := processes.NewSupervisor(processes.Config{
		Executable:       l.installer.Executable(),
		Port:             port,
		LogPath:          l.installer.LogPath(),
		ReadinessTimeout: l.cfg.ReadinessTimeout,
		PollInterval:     l.cfg.PollInterval,
		Hooks:            l.hooks,
		Logger:           l.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := supervisor.Start(ctx); err != nil {
		return nil, err
	}

	options := []client.Option{client.WithLogger(l.logger)}
	if l.httpClient != nil {
		options = append(options, client.WithHTTPClient(l.httpClient))
	}
	if l.ledger != nil {
		options = append(options, client.WithRecorder(l.ledger))
	}

	manager, err := client.NewManager(ctx, l.cfg.Host, port, options...)
	if err != nil {
		if stopErr := supervisor.Stop(); stopErr != nil {
			l.logger.Error("Failed to stop proxy after connect failure", "port", port, "error", stopErr)
		}
		return nil, fmt.Errorf("local proxy on port %d started but is unreachable: %w", port, err)
	}

	l.logger.Info("Launched local proxy", "port", port, "log", supervisor.LogPath())
	return &LocalManager{Manager: manager, supervisor: supervisor}, nil
}

// LaunchOnRandomPort launches on a port picked from the free ephemeral range.
func (l *Launcher) LaunchOnRandomPort(ctx context.Context) (*LocalManager, error) {
	port, err := FreePort()
	if err != nil {
		return nil, err
	}
	return l.Launch(ctx, port)
}

// LaunchOnDefaultPort launches on the configured default port (8080 unless
// overridden).
func (l *Launcher) LaunchOnDefaultPort(ctx context.Context) (*LocalManager, error) {
	return l.Launch(ctx, l.cfg.DefaultPort)
}

// FreePort returns a TCP port that was free at the time of the call.
func FreePort() (int, error) {
	return processes.FreePort()
}
