//go:build !unix

package procgroup

import (
	"os/exec"
	"time"
)

func set(_ *exec.Cmd) {}

func killGroup(cmd *exec.Cmd, _ time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
