//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op on Windows (no Setsid equivalent).
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals are the signals that trigger a graceful serve shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// On Windows both map onto process termination.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
