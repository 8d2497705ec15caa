// Package processes supervises one local proxy process bound to one port:
// it spawns the process, waits for its control endpoint, drains its output
// to a log file, and stops it again.
package processes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/harproxy/metrics"
	"github.com/tomyedwab/harproxy/shutdown"
	"github.com/tomyedwab/harproxy/types"
)

const (
	defaultReadinessTimeout = 20 * time.Second
	defaultPollInterval     = 100 * time.Millisecond
	defaultProbeTimeout     = 2 * time.Second
	defaultDrainIdle        = 250 * time.Millisecond
	defaultKillGrace        = 5 * time.Second
)

// Config holds configuration options for a Supervisor.
type Config struct {
	Executable       string             // Launch script; required
	Port             int                // Control port; required
	LogPath          string             // Base log path; the port is appended. Optional, no log file when empty
	Readiness        ReadinessChecker   // Optional, defaults to HTTPReadinessChecker
	ReadinessTimeout time.Duration      // Optional, defaults to 20s
	PollInterval     time.Duration      // Optional, defaults to 100ms
	DrainIdle        time.Duration      // Optional, defaults to 250ms
	Hooks            *shutdown.Registry // Optional, defaults to shutdown.Default()
	Logger           *slog.Logger       // Optional, defaults to slog.Default()
}

// process is one spawned child. done is closed once Wait returns.
type process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	drained chan struct{}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one proxy process on a fixed port.
type Supervisor struct {
	opMu sync.Mutex // Serializes Start and Stop.

	mu    sync.Mutex // Protects proc and state.
	proc  *process
	state ProcessState

	id               string
	executable       string
	port             int
	logPath          string
	readiness        ReadinessChecker
	readinessTimeout time.Duration
	pollInterval     time.Duration
	drainIdle        time.Duration
	hooks            *shutdown.Registry
	logger           *slog.Logger
}

// NewSupervisor creates a Supervisor. Nothing is spawned until Start.
func NewSupervisor(config Config) (*Supervisor, error) {
	if config.Executable == "" {
		return nil, fmt.Errorf("executable is required")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	readiness := config.Readiness
	if readiness == nil {
		readiness = NewHTTPReadinessChecker(defaultProbeTimeout)
	}

	readinessTimeout := config.ReadinessTimeout
	if readinessTimeout == 0 {
		readinessTimeout = defaultReadinessTimeout
	}
	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	drainIdle := config.DrainIdle
	if drainIdle == 0 {
		drainIdle = defaultDrainIdle
	}

	hooks := config.Hooks
	if hooks == nil {
		hooks = shutdown.Default()
	}

	logPath := ""
	if config.LogPath != "" {
		logPath = config.LogPath + "." + strconv.Itoa(config.Port)
	}

	return &Supervisor{
		id:               uuid.NewString(),
		executable:       config.Executable,
		port:             config.Port,
		logPath:          logPath,
		readiness:        readiness,
		readinessTimeout: readinessTimeout,
		pollInterval:     pollInterval,
		drainIdle:        drainIdle,
		hooks:            hooks,
		logger:           logger.With("component", "Supervisor", "port", config.Port),
		state:            StateNotStarted,
	}, nil
}

// Port returns the control port the process binds.
func (s *Supervisor) Port() int {
	return s.port
}

// LogPath returns the log file the process output is appended to.
func (s *Supervisor) LogPath() string {
	return s.logPath
}

// State returns the current lifecycle state.
func (s *Supervisor) State() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state ProcessState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// IsRunning reports whether a process exists and has not exited. It never blocks.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.proc.exited()
}

// Start spawns the proxy and blocks until its control endpoint answers.
// Calling Start while the process is running is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.IsRunning() {
		s.logger.Info("Proxy is already running, not starting another")
		return nil
	}

	failMsg := fmt.Sprintf("failed to start local proxy on port '%d'", s.port)
	s.setState(StateStarting)

	if !IsPortFree(s.port) {
		s.setState(StateFailedToStart)
		metrics.ProcessStarts.WithLabelValues("port_in_use").Inc()
		return types.NewStartStopError(failMsg, fmt.Errorf("port %d is already in use", s.port))
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		s.setState(StateFailedToStart)
		return types.NewStartStopError(failMsg, err)
	}

	cmd := exec.Command(s.executable, "-port", strconv.Itoa(s.port))
	cmd.Env = os.Environ()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = sysProcAttr()

	s.logger.Info("Starting process", "command", cmd.String())
	spawnedAt := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		s.setState(StateFailedToStart)
		metrics.ProcessStarts.WithLabelValues("spawn_failed").Inc()
		return types.NewStartStopError(failMsg, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	proc := &process{
		cmd:     cmd,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.done)
		metrics.ProcessesRunning.Dec()
		s.logger.Info("Process exited", "pid", cmd.Process.Pid, "exitError", proc.exitErr)

		// Starting and Stopping settle their own state.
		s.mu.Lock()
		if s.proc == proc && s.state == StateRunning {
			s.state = StateExited
			s.logger.Warn("Proxy exited without being stopped", "pid", cmd.Process.Pid)
		}
		s.mu.Unlock()
	}()
	metrics.ProcessesRunning.Inc()

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	go s.drain(proc, pr)

	if err := waitUntilReady(ctx, s.readiness, s.port, s.readinessTimeout, s.pollInterval, proc.done); err != nil {
		s.logger.Error("Proxy did not become ready", "pid", cmd.Process.Pid, "error", err)
		if !proc.exited() {
			kill(cmd)
			<-proc.done
		}
		s.mu.Lock()
		s.proc = nil
		s.state = StateFailedToStart
		s.mu.Unlock()
		metrics.ProcessStarts.WithLabelValues("not_ready").Inc()
		return types.NewStartStopError(failMsg, err)
	}

	metrics.ReadinessSeconds.Observe(time.Since(spawnedAt).Seconds())
	metrics.ProcessStarts.WithLabelValues("ok").Inc()
	s.mu.Lock()
	if proc.exited() {
		s.state = StateExited
	} else {
		s.state = StateRunning
	}
	s.mu.Unlock()
	s.logger.Info("Proxy is ready", "pid", cmd.Process.Pid, "log", s.logPath)

	if err := s.EnableShutdownWithHost(); err != nil {
		s.logger.Warn("Could not register shutdown hook", "error", err)
	}
	return nil
}

// Stop terminates the process and waits for it to exit.
func (s *Supervisor) Stop() error {
	return s.StopContext(context.Background())
}

// StopContext is Stop with a bound on the wait. If ctx ends before the
// process exits, a StartStop error is returned and the process is left to
// exit on its own.
func (s *Supervisor) StopContext(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil || proc.exited() {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
		return nil
	}

	s.setState(StateStopping)
	pid := proc.cmd.Process.Pid
	s.logger.Info("Stopping process", "pid", pid)

	if err := terminate(proc.cmd); err != nil {
		s.logger.Warn("Failed to signal process", "pid", pid, "error", err)
	}

	select {
	case <-proc.done:
	case <-ctx.Done():
		return types.NewStartStopError(fmt.Sprintf("failed to stop local proxy on port '%d'", s.port), ctx.Err())
	}

	// Output is drained until EOF; give the drain a moment to flush.
	select {
	case <-proc.drained:
	case <-time.After(defaultKillGrace):
		s.logger.Warn("Log drain still running after process exit", "pid", pid)
	}

	s.mu.Lock()
	s.proc = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.DisableShutdownWithHost()
	s.logger.Info("Process stopped", "pid", pid)
	return nil
}

func (s *Supervisor) hookKey() string {
	return "supervisor/" + s.id
}

// EnableShutdownWithHost registers Stop to run when the host process is
// asked to terminate. It is enabled by Start.
func (s *Supervisor) EnableShutdownWithHost() error {
	return s.hooks.Register(s.hookKey(), func() {
		if err := s.Stop(); err != nil {
			s.logger.Error("Failed to stop process during host shutdown", "error", err)
		}
	})
}

// DisableShutdownWithHost removes the host shutdown hook, if any.
func (s *Supervisor) DisableShutdownWithHost() {
	_ = s.hooks.Unregister(s.hookKey())
}

// IsShutdownWithHostEnabled reports whether the host shutdown hook is registered.
func (s *Supervisor) IsShutdownWithHostEnabled() bool {
	return s.hooks.Registered(s.hookKey())
}
