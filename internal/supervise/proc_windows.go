//go:build windows

package supervise

import (
	"os"
	"os/exec"
)

const (
	shellPath = "cmd"
	shellFlag = "/C"
)

func configureProc(cmd *exec.Cmd) {}

// signalGroup on Windows has no graceful stage; both paths kill the
// process outright.
func signalGroup(pid int, force bool) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
}
