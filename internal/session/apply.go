package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/slug"
	"github.com/joescharf/conductor/internal/store"
)

// ApplyRequest selects the repository and optional per-wave overrides,
// keyed by wave index.
type ApplyRequest struct {
	RepoPath          string         `json:"repoPath"`
	WaveNameOverrides map[int]string `json:"waveNameOverrides,omitempty"`
	WaveSlugOverrides map[int]string `json:"waveSlugOverrides,omitempty"`
}

// Item actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

// ItemResult is the outcome for one issue reference.
type ItemResult struct {
	Ref    plan.IssueRef `json:"ref"`
	ID     string        `json:"id,omitempty"`
	Action string        `json:"action"`
	Error  string        `json:"error,omitempty"`
	Code   apperr.Code   `json:"code,omitempty"`
}

// WaveResult is the outcome for one wave.
type WaveResult struct {
	WaveIndex int          `json:"waveIndex"`
	Name      string       `json:"name"`
	Slug      string       `json:"slug"`
	Label     string       `json:"label"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	Items     []ItemResult `json:"items"`
}

// ApplyResult aggregates per-wave outcomes. A failed wave never stops the
// waves after it.
type ApplyResult struct {
	SessionID     string       `json:"sessionId"`
	ApplicationID string       `json:"applicationId,omitempty"`
	RepoPath      string       `json:"repoPath"`
	ParentID      string       `json:"parentId,omitempty"`
	Waves         []WaveResult `json:"waves"`
}

// Failed returns the number of failed waves.
func (r *ApplyResult) Failed() int {
	n := 0
	for _, w := range r.Waves {
		if !w.Success {
			n++
		}
	}
	return n
}

// Apply writes the plan of an orchestration session to the tracker, one wave
// at a time in index order. Each issue gets the wave's label; references to
// existing issues are labelled in place and the rest are created. Issues
// already carrying the wave label with the same title are not created twice.
// When the backend supports dependencies, each wave's issues depend on every
// issue of the previous wave.
func (e *Engine) Apply(ctx context.Context, id string, req ApplyRequest) (*ApplyResult, error) {
	return e.apply(ctx, id, req, KindOrchestration)
}

// ApplyBreakdown writes the plan of a hydration session as children of the
// parent issue. A child whose title already exists under the parent is
// skipped; every item fails or succeeds on its own.
func (e *Engine) ApplyBreakdown(ctx context.Context, id string, req ApplyRequest) (*ApplyResult, error) {
	return e.apply(ctx, id, req, KindHydration)
}

// ApplyAny applies a session with the variant that fits its kind.
func (e *Engine) ApplyAny(ctx context.Context, id string, req ApplyRequest) (*ApplyResult, error) {
	s, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, id, req, s.Kind)
}

func (e *Engine) apply(ctx context.Context, id string, req ApplyRequest, kind Kind) (*ApplyResult, error) {
	st, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.info.Kind != kind {
		st.mu.Unlock()
		return nil, apperr.New(apperr.Conflict, "session %s is a %s session", id, st.info.Kind)
	}
	if err := editableLocked(st); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	repo := strings.TrimSpace(req.RepoPath)
	if repo == "" {
		repo = st.info.RepoPath
	}
	if repo != st.info.RepoPath {
		st.mu.Unlock()
		return nil, apperr.New(apperr.InvalidInput, "repoPath %q does not match session repository %q", repo, st.info.RepoPath)
	}
	waves, err := resolveWaves(st.info.Plan.Waves, req)
	if err == nil {
		err = checkSlugsLocked(st, waves)
	}
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	parentID := st.info.ParentIssueID
	st.applying = true
	st.appendLocked(statusEvent(st.info.Status, PhaseApplying, nil), e.now())
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.applying = false
		st.mu.Unlock()
	}()

	if err := e.assertApplyCapabilities(waves); err != nil {
		st.mu.Lock()
		st.appendLocked(errorEvent(err.Error()), e.now())
		st.mu.Unlock()
		return nil, err
	}

	// Idempotence lookups must see the tracker as it is now, never a cached
	// listing from before an earlier apply.
	ctx = backend.WithFreshReads(ctx)
	res := &ApplyResult{SessionID: id, RepoPath: repo, ParentID: parentID}
	var prevIDs []string
	for _, w := range waves {
		wr := e.applyWave(ctx, repo, parentID, w, prevIDs)
		res.Waves = append(res.Waves, wr)

		ids := itemIDs(wr.Items)
		if len(ids) > 0 {
			prevIDs = ids
		}

		st.mu.Lock()
		if len(ids) > 0 {
			st.slugOwner[w.Slug] = w.Index
			st.indexSlug[w.Index] = w.Slug
			st.appliedIDs[w.Slug] = ids
		}
		st.mu.Unlock()
	}

	e.finishApply(st, waves, res)
	e.record(ctx, st, res)
	return res, nil
}

// resolveWaves applies name and slug overrides to a copy of waves.
func resolveWaves(src []plan.Wave, req ApplyRequest) ([]plan.Wave, error) {
	waves := make([]plan.Wave, len(src))
	copy(waves, src)
	for i := range waves {
		w := &waves[i]
		if name, ok := req.WaveNameOverrides[w.Index]; ok && strings.TrimSpace(name) != "" {
			w.Name = strings.TrimSpace(name)
		}
		if raw, ok := req.WaveSlugOverrides[w.Index]; ok {
			s := slug.Normalize(raw)
			if s == "" {
				return nil, apperr.New(apperr.InvalidInput, "slug override for wave %d is empty", w.Index)
			}
			w.Slug = s
		}
	}
	return waves, nil
}

// checkSlugsLocked enforces slug uniqueness within next and stability of
// applied slugs. When next has as many waves as the current plan, positions
// are compared directly: an applied wave keeps its slug and an applied slug
// stays at its wave. When waves were added or removed, applied slugs may
// shift position but must keep their relative order.
func checkSlugsLocked(st *state, next []plan.Wave) error {
	seen := make(map[string]int, len(next))
	for _, w := range next {
		if other, dup := seen[w.Slug]; dup {
			return apperr.New(apperr.Conflict, "slug %q is used by waves %d and %d", w.Slug, other, w.Index)
		}
		seen[w.Slug] = w.Index
	}

	if st.info.Plan == nil || len(next) == len(st.info.Plan.Waves) {
		for _, w := range next {
			if owner, ok := st.slugOwner[w.Slug]; ok && owner != w.Index {
				return apperr.New(apperr.Conflict, "slug %q was applied to wave %d and cannot move to wave %d", w.Slug, owner, w.Index)
			}
		}
		for idx, prev := range st.indexSlug {
			if idx >= 1 && idx <= len(next) && next[idx-1].Slug != prev {
				return apperr.New(apperr.Conflict, "wave %d was applied as %q and cannot be renamed to %q", idx, prev, next[idx-1].Slug)
			}
		}
		return nil
	}

	type placed struct {
		slug       string
		owner, now int
	}
	var applied []placed
	for _, w := range next {
		if owner, ok := st.slugOwner[w.Slug]; ok {
			applied = append(applied, placed{w.Slug, owner, w.Index})
		}
	}
	slices.SortFunc(applied, func(a, b placed) int { return a.owner - b.owner })
	for i := 1; i < len(applied); i++ {
		if applied[i].now < applied[i-1].now {
			return apperr.New(apperr.Conflict, "slug %q was applied to wave %d and cannot move to wave %d", applied[i].slug, applied[i].owner, applied[i].now)
		}
	}
	return nil
}

// rekeySlugsLocked moves the ownership of applied slugs to their positions in
// next. Applied waves that next no longer contains are forgotten.
func rekeySlugsLocked(st *state, next []plan.Wave) {
	owner := make(map[string]int, len(st.slugOwner))
	index := make(map[int]string, len(st.indexSlug))
	ids := make(map[string][]string, len(st.appliedIDs))
	for _, w := range next {
		if _, ok := st.slugOwner[w.Slug]; !ok {
			continue
		}
		owner[w.Slug] = w.Index
		index[w.Index] = w.Slug
		if got, ok := st.appliedIDs[w.Slug]; ok {
			ids[w.Slug] = got
		}
	}
	st.slugOwner, st.indexSlug, st.appliedIDs = owner, index, ids
}

func (e *Engine) assertApplyCapabilities(waves []plan.Wave) error {
	caps := e.backend.Capabilities()
	needCreate, needUpdate := false, false
	for _, w := range waves {
		for _, r := range w.Issues {
			if r.ID == "" {
				needCreate = true
			} else {
				needUpdate = true
			}
		}
	}
	want := []backend.Capability{backend.CapLabels, backend.CapQuery}
	if needCreate {
		want = append(want, backend.CapCreate)
	}
	if needUpdate {
		want = append(want, backend.CapUpdate)
	}
	return backend.AssertCapability(caps, want...)
}

func (e *Engine) applyWave(ctx context.Context, repo, parentID string, w plan.Wave, prevIDs []string) WaveResult {
	label := plan.WaveLabel(w.Slug)
	wr := WaveResult{WaveIndex: w.Index, Name: w.Name, Slug: w.Slug, Label: label}

	filter := backend.ListFilter{Label: label, IncludeClosed: true}
	if parentID != "" {
		filter = backend.ListFilter{Parent: parentID, IncludeClosed: true}
	}
	existing, err := e.backend.List(ctx, repo, filter)
	if err != nil {
		wr.Error = fmt.Sprintf("list existing issues: %v", err)
		for _, r := range w.Issues {
			wr.Items = append(wr.Items, failedItem(r, err))
		}
		return wr
	}
	byTitle := make(map[string]string, len(existing))
	for _, is := range existing {
		byTitle[titleKey(is.Title)] = is.ID
	}

	var errs []string
	for _, r := range w.Issues {
		item := e.applyRef(ctx, repo, parentID, label, w, r, byTitle)
		if item.Action == ActionCreated {
			byTitle[titleKey(r.Title)] = item.ID
		}
		if item.Action == ActionFailed {
			errs = append(errs, fmt.Sprintf("%s: %s", refName(r), item.Error))
		} else if item.Action != ActionSkipped && len(prevIDs) > 0 {
			if derr := e.linkDependencies(ctx, repo, item.ID, prevIDs); derr != nil {
				errs = append(errs, fmt.Sprintf("%s: dependencies: %v", refName(r), derr))
			}
		}
		wr.Items = append(wr.Items, item)
	}

	wr.Success = len(errs) == 0
	wr.Error = strings.Join(errs, "; ")
	if !wr.Success {
		e.logger.Warn("wave apply failed", "repo", repo, "wave", w.Index, "slug", w.Slug, "err", wr.Error)
	}
	return wr
}

func (e *Engine) applyRef(ctx context.Context, repo, parentID, label string, w plan.Wave, r plan.IssueRef, byTitle map[string]string) ItemResult {
	if r.ID != "" {
		is, err := e.backend.Show(ctx, repo, r.ID)
		if err != nil {
			return failedItem(r, err)
		}
		needLabel := !is.HasLabel(label)
		needParent := parentID != "" && is.ID != parentID && is.Parent != parentID
		switch {
		case !needLabel && !needParent:
			return ItemResult{Ref: r, ID: is.ID, Action: ActionSkipped}
		case needParent:
			in := backend.UpdateInput{Parent: parentID}
			if needLabel {
				in.AddLabels = []string{label}
			}
			err = e.backend.Update(ctx, repo, is.ID, in)
		default:
			err = e.backend.AddLabel(ctx, repo, is.ID, label)
		}
		if err != nil {
			return failedItem(r, err)
		}
		return ItemResult{Ref: r, ID: is.ID, Action: ActionUpdated}
	}

	if id, ok := byTitle[titleKey(r.Title)]; ok {
		return ItemResult{Ref: r, ID: id, Action: ActionSkipped}
	}
	is, err := e.backend.Create(ctx, repo, backend.CreateInput{
		Title:       r.Title,
		Description: w.Objective,
		Notes:       w.Notes,
		Type:        "task",
		Priority:    2,
		Labels:      []string{label},
		Parent:      parentID,
	})
	if err != nil {
		return failedItem(r, err)
	}
	return ItemResult{Ref: r, ID: is.ID, Action: ActionCreated}
}

func (e *Engine) linkDependencies(ctx context.Context, repo, id string, prevIDs []string) error {
	if !e.backend.Capabilities().Dependencies {
		return nil
	}
	var errs []error
	for _, dep := range prevIDs {
		if dep == id {
			continue
		}
		if err := e.backend.AddDependency(ctx, repo, id, dep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) finishApply(st *state, waves []plan.Wave, res *ApplyResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Keep the final names and slugs on the plan.
	final := st.info.Plan.Clone()
	for i := range final.Waves {
		for _, w := range waves {
			if w.Index == final.Waves[i].Index {
				final.Waves[i].Name = w.Name
				final.Waves[i].Slug = w.Slug
			}
		}
	}
	st.info.Plan = final

	now := e.now()
	for _, w := range res.Waves {
		if !w.Success {
			st.appendLocked(errorEvent(fmt.Sprintf("wave %d (%s): %s", w.WaveIndex, w.Slug, w.Error)), now)
		}
	}
	// Aborted while applying: the issues are written but the session stays
	// terminal.
	if st.info.Status != StatusRunning && st.info.Status != StatusCompleted {
		e.logger.Info("apply finished after session ended", "session", st.info.ID, "status", st.info.Status)
		return
	}
	if res.Failed() < len(res.Waves) {
		if st.info.Status == StatusRunning {
			st.terminalAt = now
		}
		st.info.Status = StatusCompleted
		st.info.Phase = PhaseApplied
		st.info.Error = ""
	} else {
		st.info.Error = "no wave applied"
	}
	st.appendLocked(statusEvent(st.info.Status, PhaseApplied, final.Clone()), now)
	e.logger.Info("plan applied", "session", st.info.ID, "waves", len(res.Waves), "failed", res.Failed())
}

func (e *Engine) record(ctx context.Context, st *state, res *ApplyResult) {
	if e.ledger == nil {
		return
	}
	st.mu.Lock()
	kind := st.info.Kind
	st.mu.Unlock()

	app := &store.Application{
		SessionID: res.SessionID,
		RepoPath:  res.RepoPath,
		Kind:      string(kind),
		ParentID:  res.ParentID,
	}
	for _, w := range res.Waves {
		aw := store.AppliedWave{
			WaveIndex: w.WaveIndex,
			Name:      w.Name,
			Slug:      w.Slug,
			Label:     w.Label,
			Success:   w.Success,
			Error:     w.Error,
		}
		for _, it := range w.Items {
			switch it.Action {
			case ActionCreated:
				aw.Created = append(aw.Created, it.ID)
			case ActionUpdated:
				aw.Updated = append(aw.Updated, it.ID)
			case ActionSkipped:
				aw.Skipped = append(aw.Skipped, it.ID)
			}
		}
		app.Waves = append(app.Waves, aw)
	}
	if err := e.ledger.RecordApplication(ctx, app); err != nil {
		e.logger.Warn("record application failed", "session", res.SessionID, "err", err)
		return
	}
	res.ApplicationID = app.ID
}

func failedItem(r plan.IssueRef, err error) ItemResult {
	return ItemResult{Ref: r, Action: ActionFailed, Error: err.Error(), Code: apperr.CodeOf(err)}
}

func itemIDs(items []ItemResult) []string {
	var ids []string
	for _, it := range items {
		if it.ID != "" {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func titleKey(t string) string { return strings.ToLower(strings.Join(strings.Fields(t), " ")) }

func refName(r plan.IssueRef) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%q", r.Title)
}
