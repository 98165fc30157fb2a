//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs detaches the server into its own session so it outlives the
// launching shell.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals are the signals that trigger a graceful serve shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
