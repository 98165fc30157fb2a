package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/planner"
	"github.com/joescharf/conductor/internal/slug"
	"github.com/joescharf/conductor/internal/store"
)

// Defaults for engine timing.
const (
	DefaultGracePeriod  = 10 * time.Minute
	DefaultStreamLinger = 250 * time.Millisecond
)

// Ledger records applied plans. It is optional.
type Ledger interface {
	RecordApplication(ctx context.Context, app *store.Application) error
}

// Engine is the session registry. Construct one per process with NewEngine
// and share it; tests build isolated instances.
type Engine struct {
	backend backend.Backend
	planner planner.Planner
	ledger  Ledger
	alloc   *slug.Allocator
	now     func() time.Time
	grace   time.Duration
	linger  time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*state
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger records every apply in l.
func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithAllocator sets the wave slug allocator.
func WithAllocator(a *slug.Allocator) Option { return func(e *Engine) { e.alloc = a } }

// WithClock replaces time.Now for timestamps and eviction.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithGracePeriod sets how long terminal sessions stay in the registry.
func WithGracePeriod(d time.Duration) Option { return func(e *Engine) { e.grace = d } }

// WithStreamLinger sets how long streams stay open after an exit event.
func WithStreamLinger(d time.Duration) Option { return func(e *Engine) { e.linger = d } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine returns an empty registry.
func NewEngine(b backend.Backend, p planner.Planner, opts ...Option) *Engine {
	e := &Engine{
		backend:  b,
		planner:  p,
		alloc:    slug.New(),
		now:      time.Now,
		grace:    DefaultGracePeriod,
		linger:   DefaultStreamLinger,
		logger:   slog.Default(),
		sessions: make(map[string]*state),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Backend returns the tracker the engine applies to.
func (e *Engine) Backend() backend.Backend { return e.backend }

func (e *Engine) register(info Session) *state {
	now := e.now()
	info.ID = ulid.Make().String()
	info.Status = StatusRunning
	info.CreatedAt = now
	info.UpdatedAt = now

	st := newState(info)
	e.mu.Lock()
	e.sessions[info.ID] = st
	e.mu.Unlock()
	return st
}

func (e *Engine) lookup(id string) (*state, error) {
	e.mu.Lock()
	st, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session %s not found", id)
	}
	return st, nil
}

// CreateOrchestration starts planning objective for repoPath. The returned
// session is running; the plan arrives asynchronously as a plan_ready event.
func (e *Engine) CreateOrchestration(ctx context.Context, repoPath, objective string) (Session, error) {
	repoPath = strings.TrimSpace(repoPath)
	if repoPath == "" {
		return Session{}, apperr.New(apperr.InvalidInput, "repoPath is required")
	}
	objective = strings.TrimSpace(objective)

	st := e.register(Session{Kind: KindOrchestration, RepoPath: repoPath, Objective: objective})
	e.start(st, planner.Request{Kind: planner.KindOrchestration, RepoPath: repoPath, Objective: objective})
	return e.snapshot(st), nil
}

// CreateHydration starts decomposing parentIssueID into children. The parent
// must exist.
func (e *Engine) CreateHydration(ctx context.Context, repoPath, parentIssueID string) (Session, error) {
	repoPath = strings.TrimSpace(repoPath)
	parentIssueID = strings.TrimSpace(parentIssueID)
	if repoPath == "" {
		return Session{}, apperr.New(apperr.InvalidInput, "repoPath is required")
	}
	if parentIssueID == "" {
		return Session{}, apperr.New(apperr.InvalidInput, "parentIssueId is required")
	}

	parent, err := e.backend.Show(ctx, repoPath, parentIssueID)
	if err != nil {
		return Session{}, err
	}

	req := planner.Request{Kind: planner.KindHydration, RepoPath: repoPath, Parent: parent}
	if e.backend.Capabilities().Query {
		children, err := e.backend.List(ctx, repoPath, backend.ListFilter{Parent: parentIssueID})
		if err != nil {
			e.logger.Warn("list existing children failed", "repo", repoPath, "parent", parentIssueID, "err", err)
		}
		req.Existing = children
	}

	st := e.register(Session{
		Kind:          KindHydration,
		RepoPath:      repoPath,
		Objective:     parent.Title,
		ParentIssueID: parentIssueID,
	})
	e.start(st, req)
	return e.snapshot(st), nil
}

// Restage creates a session that already holds p, bypassing the planner.
// p is normalized first; a plan without usable waves is rejected.
func (e *Engine) Restage(ctx context.Context, repoPath string, p *plan.Plan, objective string) (Session, error) {
	repoPath = strings.TrimSpace(repoPath)
	if repoPath == "" {
		return Session{}, apperr.New(apperr.InvalidInput, "repoPath is required")
	}
	p = p.Clone()
	if err := plan.Normalize(p, e.alloc); err != nil {
		return Session{}, err
	}

	st := e.register(Session{Kind: KindOrchestration, RepoPath: repoPath, Objective: strings.TrimSpace(objective)})
	st.mu.Lock()
	e.planReadyLocked(st, p)
	st.mu.Unlock()
	e.logger.Info("session restaged", "session", st.info.ID, "repo", repoPath, "waves", len(p.Waves))
	return e.snapshot(st), nil
}

func (e *Engine) start(st *state, req planner.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.info.Phase = PhasePlanning
	st.appendLocked(statusEvent(StatusRunning, PhasePlanning, nil), e.now())
	id := st.info.ID
	st.mu.Unlock()

	e.logger.Info("session started", "session", id, "kind", req.Kind, "repo", req.RepoPath)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, st, req)
	}()
}

func (e *Engine) run(ctx context.Context, st *state, req planner.Request) {
	if req.Kind == planner.KindOrchestration && e.backend.Capabilities().Query {
		existing, err := e.backend.List(ctx, req.RepoPath, backend.ListFilter{})
		if err != nil {
			e.logger.Warn("list existing issues failed", "repo", req.RepoPath, "err", err)
		}
		req.Existing = existing
	}

	p, err := e.planner.Plan(ctx, req, func(chunk string) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.info.Status == StatusRunning {
			st.appendLocked(outputEvent(chunk), e.now())
		}
	})
	if err == nil {
		if p == nil {
			err = apperr.New(apperr.InvalidInput, "planner returned no plan")
		} else {
			err = plan.Normalize(p, e.alloc)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.info.Status != StatusRunning {
		// Aborted while planning; the abort already closed the log.
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		e.failLocked(st, err)
		return
	}
	e.planReadyLocked(st, p)
	e.logger.Info("plan ready", "session", st.info.ID, "waves", len(p.Waves))
}

func (e *Engine) planReadyLocked(st *state, p *plan.Plan) {
	now := e.now()
	st.info.Plan = p
	st.info.Phase = PhasePlanReady
	st.appendLocked(statusEvent(StatusRunning, PhasePlanReady, p.Clone()), now)
	st.appendLocked(exitEvent(ExitOK), now)
}

func (e *Engine) failLocked(st *state, err error) {
	now := e.now()
	st.info.Status = StatusFailed
	st.info.Phase = PhaseFailed
	st.info.Error = err.Error()
	st.terminalAt = now
	st.appendLocked(errorEvent(err.Error()), now)
	st.appendLocked(statusEvent(StatusFailed, PhaseFailed, nil), now)
	st.appendLocked(exitEvent(ExitFailed), now)
	e.logger.Warn("session failed", "session", st.info.ID, "err", err)
}

// Abort stops a running session. It reports false when the session is
// unknown or already terminal. The planner process is signalled but may
// still be exiting when Abort returns.
func (e *Engine) Abort(id string) bool {
	st, err := e.lookup(id)
	if err != nil {
		return false
	}

	st.mu.Lock()
	if st.info.Status != StatusRunning {
		st.mu.Unlock()
		return false
	}
	now := e.now()
	st.info.Status = StatusAborted
	st.info.Phase = PhaseAborted
	st.terminalAt = now
	st.appendLocked(statusEvent(StatusAborted, PhaseAborted, nil), now)
	st.appendLocked(exitEvent(ExitAborted), now)
	cancel := st.cancel
	st.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.Info("session aborted", "session", id)
	return true
}

// Get returns a snapshot of session id.
func (e *Engine) Get(id string) (Session, error) {
	st, err := e.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return e.snapshot(st), nil
}

// List returns snapshots of every registered session, newest first.
func (e *Engine) List() []Session {
	e.mu.Lock()
	states := make([]*state, 0, len(e.sessions))
	for _, st := range e.sessions {
		states = append(states, st)
	}
	e.mu.Unlock()

	out := make([]Session, 0, len(states))
	for _, st := range states {
		out = append(out, e.snapshot(st))
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

// Events returns a copy of the buffered events of session id.
func (e *Engine) Events(id string) ([]Event, error) {
	st, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.events), nil
}

// Subscribe attaches a new subscriber to session id. The caller must Close
// the subscription when done.
func (e *Engine) Subscribe(id string) (*Subscription, error) {
	st, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return newSubscription(st, e.linger), nil
}

// UpdatePlan replaces the plan of a running or completed session with an
// edited one. Applied waves keep their slugs; a wave given without a slug
// inherits the applied slug of its index. Removing a wave shifts the applied
// waves after it without changing their slugs.
func (e *Engine) UpdatePlan(id string, p *plan.Plan) (Session, error) {
	st, err := e.lookup(id)
	if err != nil {
		return Session{}, err
	}
	p = p.Clone()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := editableLocked(st); err != nil {
		return Session{}, err
	}
	for i := range p.Waves {
		w := &p.Waves[i]
		if w.Slug == "" {
			w.Slug = st.indexSlug[w.Index]
		}
	}
	if err := plan.Normalize(p, e.alloc); err != nil {
		return Session{}, err
	}
	if err := checkSlugsLocked(st, p.Waves); err != nil {
		return Session{}, err
	}
	rekeySlugsLocked(st, p.Waves)
	st.info.Plan = p
	st.appendLocked(statusEvent(st.info.Status, st.info.Phase, p.Clone()), e.now())
	return st.snapshot(), nil
}

func editableLocked(st *state) error {
	switch {
	case st.info.Status == StatusAborted || st.info.Status == StatusFailed:
		return apperr.New(apperr.Conflict, "session %s is %s", st.info.ID, st.info.Status)
	case st.info.Plan == nil:
		return apperr.New(apperr.Conflict, "session %s has no plan yet", st.info.ID)
	case st.applying:
		return apperr.New(apperr.Conflict, "session %s is being applied", st.info.ID)
	}
	return nil
}

func (e *Engine) snapshot(st *state) Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot()
}

// Sweep evicts terminal sessions older than the grace period and returns
// how many were removed.
func (e *Engine) Sweep() int {
	cutoff := e.now().Add(-e.grace)

	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, st := range e.sessions {
		st.mu.Lock()
		expired := st.info.Status.Terminal() && !st.terminalAt.IsZero() && st.terminalAt.Before(cutoff)
		st.mu.Unlock()
		if expired {
			delete(e.sessions, id)
			n++
		}
	}
	if n > 0 {
		e.logger.Debug("evicted sessions", "count", n)
	}
	return n
}

// Run sweeps expired sessions every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Sweep()
		}
	}
}

// Shutdown aborts every running planner and waits for them to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	var cancels []context.CancelFunc
	for _, st := range e.sessions {
		st.mu.Lock()
		if st.cancel != nil {
			cancels = append(cancels, st.cancel)
		}
		st.mu.Unlock()
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
