// Package backend is the port to external issue trackers. Every backend
// declares a fixed Capabilities record and gates mutating calls on it; errors
// use the apperr taxonomy so boundaries can map them consistently.
package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/failcache"
	"github.com/joescharf/conductor/internal/serial"
)

// Backend is the tracker port. All operations are scoped to a repository
// path, which is also the serialization key for external commands.
type Backend interface {
	Kind() string
	Capabilities() Capabilities

	List(ctx context.Context, repo string, f ListFilter) ([]Issue, error)
	Show(ctx context.Context, repo, id string) (*Issue, error)
	Search(ctx context.Context, repo, query string) ([]Issue, error)
	Ready(ctx context.Context, repo string) ([]Issue, error)

	Create(ctx context.Context, repo string, in CreateInput) (*Issue, error)
	Update(ctx context.Context, repo, id string, in UpdateInput) error
	Close(ctx context.Context, repo, id, reason string) error
	Delete(ctx context.Context, repo, id string) error
	AddLabel(ctx context.Context, repo, id, label string) error
	RemoveLabel(ctx context.Context, repo, id, label string) error
	AddDependency(ctx context.Context, repo, id, dependsOn string) error
	Sync(ctx context.Context, repo string) error

	StageForVerification(ctx context.Context, repo, id string) error
	RetryAfterRejection(ctx context.Context, repo, id string) error
	PassVerification(ctx context.Context, repo, id string) error
	Claim(ctx context.Context, repo, id string) error
	SetWorkflowState(ctx context.Context, repo, id string, s Status) error
}

// KindMemory selects the in-process backend.
const KindMemory = "memory"

// Config selects and tunes a backend.
type Config struct {
	Type    string        // beads, tracks or memory
	Command string        // overrides the CLI binary
	Timeout time.Duration // per external command; 0 disables
	Window  time.Duration // failure cache suppression window
	Logger  *slog.Logger
}

// New builds the backend named by cfg.Type.
func New(cfg Config) (Backend, error) {
	if cfg.Type == KindMemory {
		return NewMemory(), nil
	}
	kind, err := ParseKind(cfg.Type)
	if err != nil {
		return nil, err
	}
	var cacheOpts []failcache.Option
	if cfg.Window > 0 {
		cacheOpts = append(cacheOpts, failcache.WithWindow(cfg.Window))
	}
	cacheOpts = append(cacheOpts, failcache.WithPermanent(func(err error) bool {
		return apperr.Is(err, apperr.NotFound)
	}))
	return NewCLI(kind, CLIOptions{
		Binary:  cfg.Command,
		Timeout: cfg.Timeout,
		Queue:   serial.New(),
		Cache:   failcache.New(cacheOpts...),
		Logger:  cfg.Logger,
	}), nil
}
