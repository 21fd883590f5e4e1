//go:build unix

package converter

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the child in a new process group so helpers it
// spawns die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := killGroup(cmd)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay
}

// killGroup sends SIGKILL to the whole process group of cmd. The group id
// equals the leader's pid because of Setpgid.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// reapGroup kills whatever is left of the group once the leader is done.
// An empty group is the normal case.
func reapGroup(cmd *exec.Cmd) error {
	if err := killGroup(cmd); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
