//go:build !windows

package exec

import (
	osexec "os/exec"
	"syscall"
	"time"

	"github.com/skia-dev/glog"
)

// setProcessGroup puts the child in its own process group so that the
// watchdog can reap the whole tree, not just the leader.
func setProcessGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup terminates the command's process group: SIGTERM first, then
// SIGKILL after the grace period.
func killGroup(cmd *osexec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		glog.Warningf("Failed to SIGTERM process group %d: %s", -pgid, err)
	}
	deadline := time.After(grace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				glog.Errorf("Failed to SIGKILL process group %d: %s", -pgid, err)
			}
			return
		case <-tick.C:
			// Signal 0 probes whether the group still exists.
			if err := syscall.Kill(pgid, 0); err == syscall.ESRCH {
				return
			}
		}
	}
}
