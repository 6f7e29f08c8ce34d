//go:build windows

package jobs

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
