package processes

// ProcessState represents the lifecycle state of a supervised proxy process.
type ProcessState int

const (
	// StateNotStarted means Start has never been called.
	StateNotStarted ProcessState = iota
	// StateStarting means the process was spawned and is being polled for readiness.
	StateStarting
	// StateRunning means the control endpoint answered the readiness probe.
	StateRunning
	// StateStopping means a termination signal was sent and we are waiting for exit.
	StateStopping
	// StateStopped means the process exited after Stop.
	StateStopped
	// StateFailedToStart means the port was taken, the process died during
	// startup, or readiness timed out.
	StateFailedToStart
	// StateExited means the process exited on its own after becoming ready.
	StateExited
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateNotStarted:
		return "NotStarted"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailedToStart:
		return "FailedToStart"
	case StateExited:
		return "Exited"
	default:
		return "InvalidState"
	}
}
