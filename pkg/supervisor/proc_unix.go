//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the worker's process group, falling back to the
// process itself when the group is already gone.
func terminate(proc *os.Process) error {
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	err := proc.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// killPID terminates a leftover worker from a previous session.
func killPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive checks whether a process with the given PID is running.
// Signal 0 checks for existence without actually signaling.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
