//go:build !windows

package jobs

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup makes cancellation kill the downloader and any
// helpers it spawned (ffmpeg).
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
