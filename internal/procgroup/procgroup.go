// Package procgroup starts child processes in their own process group so
// a cancelled operation can reap the whole tree, not just the direct child.
package procgroup

import (
	"os/exec"
	"time"
)

// Set configures cmd to start in a new process group. Required for
// KillGroup to reap the full tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates the process group of cmd: SIGTERM, a grace wait,
// then SIGKILL. Safe to call after the process already exited.
func KillGroup(cmd *exec.Cmd, grace time.Duration) error {
	return killGroup(cmd, grace)
}
