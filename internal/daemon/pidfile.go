package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joescharf/conductor/internal/apperr"
)

// ServePIDName is the pid file `conductor serve` keeps in the state directory.
const ServePIDName = "conductor-serve.pid"

// PIDFile tracks the pid of a running server.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// ServePIDFile returns the pid file for the server in stateDir.
func ServePIDFile(stateDir string) *PIDFile {
	return NewPIDFile(filepath.Join(stateDir, ServePIDName))
}

// Acquire records the current process, failing with ALREADY_EXISTS when a
// live process already holds the file. A stale file is replaced.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return apperr.New(apperr.AlreadyExists, "server already running (pid %d, %s)", pid, p.Path)
	}
	return p.Write()
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes pid to the file, creating the parent directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Release removes the file if it still names the current process.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		return nil
	}
	return p.Remove()
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
