//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded pid and whether that process is alive.
// FindProcess opens a handle on Windows, so failure means the pid is gone.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	_ = proc.Release()
	return pid, true
}

// Signal terminates the recorded process. Windows cannot deliver SIGTERM,
// so every signal ends in Kill.
func (p *PIDFile) Signal(_ syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Kill()
}
