//go:build windows

package runner

import (
	"errors"
	"os/exec"
)

func setProcessGroup(_ *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}
