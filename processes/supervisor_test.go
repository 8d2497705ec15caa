package processes

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/harproxy/client"
	"github.com/tomyedwab/harproxy/shutdown"
	"github.com/tomyedwab/harproxy/types"
)

// The test binary doubles as the supervised proxy: when
// HARPROXY_HELPER_MODE is set it behaves like the launch script and never
// runs the tests.
const helperModeEnv = "HARPROXY_HELPER_MODE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperModeEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	fs := flag.NewFlagSet("helper", flag.ContinueOnError)
	port := fs.Int("port", 0, "control port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	switch mode {
	case "exit":
		fmt.Println("refusing to start")
		return 3
	case "silent":
		time.Sleep(time.Minute)
		return 0
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		return 1
	}
	fmt.Printf("fake proxy listening on %d\n", *port)
	fmt.Fprintln(os.Stderr, "fake proxy stderr line")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go http.Serve(l, client.NewFakeServer().Handler())
	if mode == "crash" {
		select {
		case <-sigCh:
		case <-time.After(time.Second):
			return 4
		}
		l.Close()
		return 0
	}
	<-sigCh
	l.Close()
	return 0
}

func newHelperSupervisor(t *testing.T, mode string, cfg Config) *Supervisor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper process relies on unix signals")
	}
	t.Setenv(helperModeEnv, mode)

	if cfg.Port == 0 {
		port, err := FreePort()
		require.NoError(t, err)
		cfg.Port = port
	}
	cfg.Executable = os.Args[0]
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(t.TempDir(), "proxy-local.log")
	}
	if cfg.Hooks == nil {
		cfg.Hooks = shutdown.NewRegistry(nil)
	}
	if cfg.ReadinessTimeout == 0 {
		cfg.ReadinessTimeout = 10 * time.Second
	}

	s, err := NewSupervisor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestStartStop(t *testing.T) {
	s := newHelperSupervisor(t, "serve", Config{})
	require.Equal(t, StateNotStarted, s.State())
	require.False(t, s.IsRunning())

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsRunning())
	require.Equal(t, StateRunning, s.State())
	require.NoError(t, NewHTTPReadinessChecker(time.Second).Check(context.Background(), s.Port()))
	require.False(t, IsPortFree(s.Port()))

	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
	require.Equal(t, StateStopped, s.State())
	require.True(t, IsPortFree(s.Port()))
}

func TestStartTwiceDoesNotSpawnAgain(t *testing.T) {
	s := newHelperSupervisor(t, "serve", Config{})
	require.NoError(t, s.Start(context.Background()))

	s.mu.Lock()
	first := s.proc
	s.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))

	s.mu.Lock()
	second := s.proc
	s.mu.Unlock()
	require.Same(t, first, second)
	require.True(t, s.IsRunning())
}

func TestRestartAfterStopSpawnsNewProcess(t *testing.T) {
	s := newHelperSupervisor(t, "serve", Config{})
	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	firstPid := s.proc.cmd.Process.Pid
	s.mu.Unlock()
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	secondPid := s.proc.cmd.Process.Pid
	s.mu.Unlock()
	require.NotEqual(t, firstPid, secondPid)
}

func TestStopWhenNotRunningIsNoop(t *testing.T) {
	s := newHelperSupervisor(t, "serve", Config{})
	require.NoError(t, s.Stop())
	require.Equal(t, StateNotStarted, s.State())
}

func TestStartFailsWhenPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()

	s := newHelperSupervisor(t, "serve", Config{Port: l.Addr().(*net.TCPAddr).Port})
	err = s.Start(context.Background())
	require.True(t, types.IsStartStopError(err))
	require.Equal(t, StateFailedToStart, s.State())
	require.False(t, s.IsRunning())
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	s := newHelperSupervisor(t, "exit", Config{})

	err := s.Start(context.Background())
	require.True(t, types.IsStartStopError(err))
	require.ErrorIs(t, err, errExited)
	require.Equal(t, StateFailedToStart, s.State())
	require.False(t, s.IsRunning())
}

func TestStartFailsWhenNeverReady(t *testing.T) {
	s := newHelperSupervisor(t, "silent", Config{ReadinessTimeout: 500 * time.Millisecond})

	started := time.Now()
	err := s.Start(context.Background())
	require.True(t, types.IsStartStopError(err))
	require.Less(t, time.Since(started), 5*time.Second)
	require.Equal(t, StateFailedToStart, s.State())
	require.False(t, s.IsRunning())
}

func TestLogDrainAppendsOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proxy-local.log")
	s := newHelperSupervisor(t, "serve", Config{LogPath: logPath})
	require.Equal(t, logPath+"."+fmt.Sprint(s.Port()), s.LogPath())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	data, err := os.ReadFile(s.LogPath())
	require.NoError(t, err)
	log := string(data)

	banner := fmt.Sprintf("*** Local proxy (port %d) STARTED ***", s.Port())
	require.Equal(t, 2, strings.Count(log, banner))
	require.Contains(t, log, fmt.Sprintf("fake proxy listening on %d", s.Port()))
	require.Contains(t, log, "fake proxy stderr line")
}

func TestShutdownHookToggles(t *testing.T) {
	hooks := shutdown.NewRegistry(nil)
	s := newHelperSupervisor(t, "serve", Config{Hooks: hooks})
	require.False(t, s.IsShutdownWithHostEnabled())

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsShutdownWithHostEnabled())
	require.True(t, s.IsShutdownWithHostEnabled())

	s.DisableShutdownWithHost()
	require.False(t, s.IsShutdownWithHostEnabled())
	require.NoError(t, s.EnableShutdownWithHost())
	require.Error(t, s.EnableShutdownWithHost())

	hooks.Run()
	require.False(t, s.IsRunning())
	require.True(t, IsPortFree(s.Port()))
}

func TestProcessExitingOnItsOwn(t *testing.T) {
	s := newHelperSupervisor(t, "crash", Config{})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return !s.IsRunning()
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, StateExited, s.State())

	require.NoError(t, s.Stop())
	require.Equal(t, StateExited, s.State())

	// The port is free again, so a new Start spawns a fresh process.
	require.NoError(t, s.Start(context.Background()))
}

func TestStopContextExpired(t *testing.T) {
	s := newHelperSupervisor(t, "serve", Config{})
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.StopContext(ctx)
	// The process may already have exited by the time the select runs.
	if err != nil {
		require.True(t, types.IsStartStopError(err))
	}
}

func TestNewSupervisorValidation(t *testing.T) {
	_, err := NewSupervisor(Config{Port: 8080})
	require.Error(t, err)
	_, err = NewSupervisor(Config{Executable: "proxy", Port: 70000})
	require.Error(t, err)
}

func TestProcessStateString(t *testing.T) {
	require.Equal(t, "FailedToStart", StateFailedToStart.String())
	require.Equal(t, "Exited", StateExited.String())
	require.Equal(t, "InvalidState", ProcessState(42).String())
}
