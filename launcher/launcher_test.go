package launcher

import (
	"archive/zip"
	"bytes"
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

	"github.com/tomyedwab/harproxy/audit"
	"github.com/tomyedwab/harproxy/client"
	"github.com/tomyedwab/harproxy/config"
	"github.com/tomyedwab/harproxy/processes"
	"github.com/tomyedwab/harproxy/shutdown"
	"github.com/tomyedwab/harproxy/types"
)

// The installed launch script re-executes this test binary, which then
// serves the fake control API on the requested port.
const (
	helperEnv       = "HARPROXY_LAUNCHER_HELPER"
	helperBinaryEnv = "HARPROXY_LAUNCHER_BINARY"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(serveFake())
	}
	os.Exit(m.Run())
}

func serveFake() int {
	fs := flag.NewFlagSet("helper", flag.ContinueOnError)
	port := fs.Int("port", 0, "control port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		fmt.Println("listen:", err)
		return 1
	}
	fmt.Printf("fake proxy ready on %d\n", *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go http.Serve(l, client.NewFakeServer().Handler())
	<-sigCh
	l.Close()
	return 0
}

func bundle(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct{ name, body string }{
		{"proxy-local/bin/browsermob-proxy", "#!/bin/sh\nexec \"$" + helperBinaryEnv + "\" \"$@\"\n"},
		{"proxy-local/bin/browsermob-proxy.bat", "@echo off\r\n"},
		{"proxy-local/VERSION.txt", client.FakeServerVersion + "\n"},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestLauncher(t *testing.T, cfg config.Config) *Launcher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("launch script is a shell script")
	}
	binary, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(helperEnv, "1")
	t.Setenv(helperBinaryEnv, binary)

	if cfg.Home == "" {
		cfg.Home = t.TempDir()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = config.DefaultPort
	}
	if cfg.ReadinessTimeout == 0 {
		cfg.ReadinessTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}

	l, err := New(cfg, nil, WithArchiveBytes(bundle(t)), WithHooks(shutdown.NewRegistry(nil)))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func launch(t *testing.T, l *Launcher) *LocalManager {
	t.Helper()
	m, err := l.LaunchOnRandomPort(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestLaunchInstallsAndStarts(t *testing.T) {
	l := newTestLauncher(t, config.Config{})
	require.False(t, l.Installer().IsInstalled())

	m := launch(t, l)
	require.True(t, l.Installer().IsInstalled())
	version, err := l.Installer().InstalledVersion()
	require.NoError(t, err)
	require.Equal(t, "2.0-beta-9", version)

	require.True(t, m.IsRunning())
	require.Equal(t, processes.StateRunning, m.State())
	require.True(t, m.IsShutdownWithHostEnabled())
	require.Equal(t, m.Port(), m.APIPort())

	require.NoError(t, m.Stop())
	require.False(t, m.IsRunning())
	require.True(t, processes.IsPortFree(m.Port()))

	data, err := os.ReadFile(m.LogPath())
	require.NoError(t, err)
	require.Contains(t, string(data), fmt.Sprintf("*** Local proxy (port %d) STARTED ***", m.Port()))
	require.Contains(t, string(data), fmt.Sprintf("fake proxy ready on %d", m.Port()))
	require.True(t, strings.HasPrefix(filepath.Base(m.LogPath()), "proxy-local.log."))
}

func TestLaunchedManagerScenario(t *testing.T) {
	ctx := context.Background()
	m := launch(t, newTestLauncher(t, config.Config{}))

	before, err := m.OpenProxies(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.CreateProxy(ctx)
		require.NoError(t, err)
	}
	open, err := m.OpenProxies(ctx)
	require.NoError(t, err)
	require.Len(t, open, len(before)+5)

	require.NoError(t, m.CloseAll(ctx))
	open, err = m.OpenProxies(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestTwoLaunchesAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newTestLauncher(t, config.Config{})
	first := launch(t, l)
	second := launch(t, l)
	require.NotEqual(t, first.Port(), second.Port())

	_, err := first.CreateProxy(ctx)
	require.NoError(t, err)

	require.NoError(t, first.Stop())
	require.True(t, second.IsRunning())

	open, err := second.OpenProxies(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestLaunchFailsOnBusyPort(t *testing.T) {
	l := newTestLauncher(t, config.Config{})
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = l.Launch(context.Background(), busy.Addr().(*net.TCPAddr).Port)
	require.True(t, types.IsStartStopError(err))
}

func TestLaunchOnDefaultPortUsesConfig(t *testing.T) {
	port, err := FreePort()
	require.NoError(t, err)

	l := newTestLauncher(t, config.Config{DefaultPort: port})
	m, err := l.LaunchOnDefaultPort(context.Background())
	require.NoError(t, err)
	defer m.Stop()
	require.Equal(t, port, m.Port())
}

func TestLaunchRecordsSessionsInLedger(t *testing.T) {
	ctx := context.Background()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.db")
	l := newTestLauncher(t, config.Config{Ledger: ledgerPath})
	require.NotNil(t, l.Ledger())
	m := launch(t, l)

	p, err := m.CreateProxy(ctx)
	require.NoError(t, err)
	_, err = p.NewHarWithPageRef(ctx, "home")
	require.NoError(t, err)

	open, err := l.Ledger().OpenSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{p.ID(): p.ProxyPort()}, open)

	require.NoError(t, p.Close(ctx))
	events, err := l.Ledger().EventsForSession(ctx, p.ID())
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, string(audit.EventClosed), events[2].EventType)
}

func TestCloseAllClearsLedgerSessions(t *testing.T) {
	ctx := context.Background()
	l := newTestLauncher(t, config.Config{Ledger: filepath.Join(t.TempDir(), "ledger.db")})
	m := launch(t, l)

	for i := 0; i < 3; i++ {
		_, err := m.CreateProxy(ctx)
		require.NoError(t, err)
	}
	open, err := l.Ledger().OpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)

	require.NoError(t, m.CloseAll(ctx))
	open, err = l.Ledger().OpenSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.Config{}, nil)
	require.Error(t, err)
}
