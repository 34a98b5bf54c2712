//go:build !windows

package supervise

import (
	"os/exec"
	"syscall"
)

const (
	shellPath = "/bin/sh"
	shellFlag = "-c"
)

// configureProc puts the child in its own process group so termination
// signals reach the whole tree the shell spawned.
func configureProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers SIGTERM (or SIGKILL when force is set) to the
// child's process group. Errors are ignored; the group may already be gone.
func signalGroup(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pid, sig)
}
