// Package agent runs coding-agent CLIs as child processes and streams their
// output.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultWaitDelay is how long a cancelled process gets to exit after the
// interrupt before it is killed.
const DefaultWaitDelay = 5 * time.Second

// Spec describes one process invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Stdin   string
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Spawner starts agent processes. onChunk receives stdout as it arrives, in
// order, from a single goroutine.
type Spawner interface {
	Run(ctx context.Context, spec Spec, onChunk func(string)) (Result, error)
}

// ExecSpawner runs processes with os/exec. Cancelling ctx interrupts the
// process, then kills it after WaitDelay.
type ExecSpawner struct {
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Run implements Spawner. A non-zero exit is reported in Result with a nil
// error; err is set only when the process could not run or was cancelled.
func (s *ExecSpawner) Run(ctx context.Context, spec Spec, onChunk func(string)) (Result, error) {
	if spec.Command == "" {
		return Result{}, errors.New("agent command is empty")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	cmd.Cancel = func() error { return interrupt(cmd.Process) }
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	var stdout chunkWriter
	var stderr bytes.Buffer
	stdout.onChunk = onChunk
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	logger.Debug("agent started", "cmd", spec.Command, "pid", cmd.Process.Pid, "dir", spec.Dir)

	werr := cmd.Wait()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.String(),
	}
	logger.Debug("agent exited", "cmd", spec.Command, "code", res.ExitCode)

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if werr != nil && !errors.As(werr, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", spec.Command, werr)
	}
	return res, nil
}

func interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}

// chunkWriter forwards each write to onChunk and keeps a copy. os/exec
// writes to it from a single goroutine.
type chunkWriter struct {
	buf     strings.Builder
	onChunk func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	chunk := string(p)
	w.buf.WriteString(chunk)
	if w.onChunk != nil {
		w.onChunk(chunk)
	}
	return len(p), nil
}
