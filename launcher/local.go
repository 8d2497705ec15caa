package launcher

import (
	"context"

	"github.com/tomyedwab/harproxy/client"
	"github.com/tomyedwab/harproxy/processes"
)

// LocalManager is a client.Manager for a proxy this process launched. In
// addition to the Manager operations it can stop the proxy.
type LocalManager struct {
	*client.Manager
	supervisor *processes.Supervisor
}

// Port returns the control port of the local proxy.
func (m *LocalManager) Port() int {
	return m.supervisor.Port()
}

// LogPath returns the file the proxy output is appended to.
func (m *LocalManager) LogPath() string {
	return m.supervisor.LogPath()
}

// IsRunning reports whether the local proxy process is alive.
func (m *LocalManager) IsRunning() bool {
	return m.supervisor.IsRunning()
}

// State returns the supervisor state.
func (m *LocalManager) State() processes.ProcessState {
	return m.supervisor.State()
}

// Stop stops the local proxy. Open proxy sessions die with it.
func (m *LocalManager) Stop() error {
	return m.supervisor.Stop()
}

// StopContext is Stop bounded by ctx.
func (m *LocalManager) StopContext(ctx context.Context) error {
	return m.supervisor.StopContext(ctx)
}

// EnableShutdownWithHost makes the proxy stop when this process is
// interrupted or terminated. It is enabled after launch.
func (m *LocalManager) EnableShutdownWithHost() error {
	return m.supervisor.EnableShutdownWithHost()
}

// DisableShutdownWithHost leaves the proxy running after this process exits.
func (m *LocalManager) DisableShutdownWithHost() {
	m.supervisor.DisableShutdownWithHost()
}

// IsShutdownWithHostEnabled reports whether the exit hook is registered.
func (m *LocalManager) IsShutdownWithHostEnabled() bool {
	return m.supervisor.IsShutdownWithHostEnabled()
}
