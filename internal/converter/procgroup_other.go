//go:build !unix

package converter

import "os/exec"

// configureProcessGroup falls back to killing the direct child only.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}

func reapGroup(*exec.Cmd) error { return nil }
