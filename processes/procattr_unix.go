//go:build !windows

package processes

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own process group so the launch script
// and the JVM it execs can be signalled together.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminate sends SIGTERM to the child's process group, falling back to the
// child alone if the group is already gone.
func terminate(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err == nil {
		return nil
	}
	return unix.Kill(pid, unix.SIGTERM)
}

// kill forcibly ends the child's process group.
func kill(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
