// Package session runs planning sessions: it asks a planner for a wave plan,
// keeps an append-only event log per session that any number of subscribers
// can replay and follow, and applies approved plans to the tracker.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/conductor/internal/plan"
)

// Kind distinguishes objective planning from single-issue decomposition.
type Kind string

const (
	KindOrchestration Kind = "orchestration"
	KindHydration     Kind = "hydration"
)

// Status is the session lifecycle state. Everything but running is terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool { return s != StatusRunning }

// Phases carried by status_change events.
const (
	PhasePlanning  = "planning"
	PhasePlanReady = "plan_ready"
	PhaseApplying  = "applying"
	PhaseApplied   = "applied"
	PhaseAborted   = "aborted"
	PhaseFailed    = "failed"
)

// Exit codes appended by the engine.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitAborted = 130
)

// Session is a point-in-time copy of a session's state.
type Session struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Status        Status     `json:"status"`
	Phase         string     `json:"phase"`
	RepoPath      string     `json:"repoPath"`
	Objective     string     `json:"objective,omitempty"`
	ParentIssueID string     `json:"parentIssueId,omitempty"`
	Plan          *plan.Plan `json:"plan,omitempty"`
	Error         string     `json:"error,omitempty"`
	EventCount    int        `json:"eventCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// state is the engine-owned mutable session. All fields are guarded by mu.
type state struct {
	mu sync.Mutex

	info    Session
	events  []Event
	changed chan struct{} // closed and replaced on every append

	cancel     context.CancelFunc
	terminalAt time.Time
	applying   bool

	// Slug ownership of applied waves, kept across plan edits.
	slugOwner  map[string]int
	indexSlug  map[int]string
	appliedIDs map[string][]string
}

func newState(info Session) *state {
	return &state{
		info:       info,
		changed:    make(chan struct{}),
		slugOwner:  make(map[string]int),
		indexSlug:  make(map[int]string),
		appliedIDs: make(map[string][]string),
	}
}

// snapshot copies the public view. Callers hold mu.
func (s *state) snapshot() Session {
	out := s.info
	out.Plan = s.info.Plan.Clone()
	out.EventCount = len(s.events)
	return out
}
