//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/joescharf/conductor/internal/apperr"
)

// IsRunning reports the recorded pid and whether that process is alive.
// A process owned by another user (EPERM) counts as alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return 0, false
	}
	err = syscall.Kill(pid, 0)
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}

// Signal delivers sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return apperr.New(apperr.NotFound, "process %d is not running", pid)
		}
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}
