package store

import (
	"context"
	"time"
)

// Application records one apply of a session's plan to a repository.
type Application struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	RepoPath  string        `json:"repoPath"`
	Kind      string        `json:"kind"`
	ParentID  string        `json:"parentId,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Waves     []AppliedWave `json:"waves"`
}

// AppliedWave is the outcome of one wave within an Application.
type AppliedWave struct {
	ID            string   `json:"id"`
	ApplicationID string   `json:"applicationId"`
	WaveIndex     int      `json:"waveIndex"`
	Name          string   `json:"name"`
	Slug          string   `json:"slug"`
	Label         string   `json:"label"`
	Success       bool     `json:"success"`
	Error         string   `json:"error,omitempty"`
	Created       []string `json:"created,omitempty"`
	Updated       []string `json:"updated,omitempty"`
	Skipped       []string `json:"skipped,omitempty"`
}

// Total returns the number of issue ids touched by the wave.
func (w AppliedWave) Total() int {
	return len(w.Created) + len(w.Updated) + len(w.Skipped)
}

// ApplicationFilter narrows ListApplications. Zero fields match everything.
type ApplicationFilter struct {
	RepoPath  string
	SessionID string
	Slug      string
	Limit     int
}

// Store is the apply ledger.
type Store interface {
	RecordApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error)
	DeleteApplication(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}
