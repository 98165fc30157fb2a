package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/failcache"
	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/store"
)

func restaged(t *testing.T, e *Engine, p *plan.Plan) Session {
	t.Helper()
	s, err := e.Restage(context.Background(), "/r", p, "")
	require.NoError(t, err)
	return s
}

func countIssues(t *testing.T, m *backend.Memory, repo string) int {
	t.Helper()
	all, err := m.List(context.Background(), repo, backend.ListFilter{IncludeClosed: true})
	require.NoError(t, err)
	return len(all)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	first, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Failed())
	require.Equal(t, 3, countIssues(t, mem, "/r"))

	second, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, countIssues(t, mem, "/r"))
	for _, w := range second.Waves {
		for _, it := range w.Items {
			assert.Equal(t, ActionSkipped, it.Action, it.Ref.Title)
			assert.NotEmpty(t, it.ID)
		}
	}
}

func TestApply_WaveFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	mem.BeforeCreate = func(_ string, in backend.CreateInput) error {
		if in.Title == "Hash passwords" {
			return apperr.New(apperr.Locked, "database is locked")
		}
		return nil
	}
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	require.Len(t, res.Waves, 2)

	w1, w2 := res.Waves[0], res.Waves[1]
	assert.False(t, w1.Success)
	assert.Contains(t, w1.Error, "Hash passwords")
	assert.Equal(t, ActionCreated, w1.Items[0].Action)
	assert.Equal(t, ActionFailed, w1.Items[1].Action)
	assert.Equal(t, apperr.Locked, w1.Items[1].Code)

	assert.True(t, w2.Success)
	assert.Equal(t, 1, res.Failed())

	// Retrying only creates what is missing.
	mem.BeforeCreate = nil
	res, err = e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())
	assert.Equal(t, 3, countIssues(t, mem, "/r"))
}

func TestApply_WavesDependOnPreviousWave(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)

	wave1 := itemIDs(res.Waves[0].Items)
	fix := res.Waves[1].Items[0].ID
	assert.ElementsMatch(t, wave1, mem.Dependencies("/r", fix))
	assert.Empty(t, mem.Dependencies("/r", wave1[0]))
}

func TestApply_SkipsDependenciesWithoutCapability(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory().WithCapabilities(backend.Capabilities{
		Create: true, Update: true, Query: true, Labels: true,
	})
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())
}

func TestApply_ExistingIssueIsLabelled(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	existing, err := mem.Create(ctx, "/r", backend.CreateInput{Title: "Old bug"})
	require.NoError(t, err)

	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, &plan.Plan{Waves: []plan.Wave{
		{Index: 1, Slug: "cleanup", Issues: []plan.IssueRef{{ID: existing.ID}, {ID: "r-404"}}},
	}})

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	items := res.Waves[0].Items
	assert.Equal(t, ActionUpdated, items[0].Action)
	assert.Equal(t, ActionFailed, items[1].Action)
	assert.Equal(t, apperr.NotFound, items[1].Code)

	got, _ := mem.Show(ctx, "/r", existing.ID)
	assert.True(t, got.HasLabel("orchestration:wave:cleanup"))
}

func TestApply_Overrides(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{
		WaveNameOverrides: map[int]string{1: "Foundations"},
		WaveSlugOverrides: map[int]string{1: "Login Base"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Foundations", res.Waves[0].Name)
	assert.Equal(t, "login-base", res.Waves[0].Slug)
	assert.Equal(t, "orchestration:wave:login-base", res.Waves[0].Label)

	got, _ := e.Get(s.ID)
	assert.Equal(t, "login-base", got.Plan.Waves[0].Slug)
	assert.Equal(t, "Foundations", got.Plan.Waves[0].Name)
}

func TestApply_SlugStability(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, backend.NewMemory(), nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	slug1, slug2 := res.Waves[0].Slug, res.Waves[1].Slug

	// An applied wave keeps its slug.
	_, err = e.Apply(ctx, s.ID, ApplyRequest{WaveSlugOverrides: map[int]string{1: "renamed"}})
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

	// An applied slug cannot move to another wave, even through a plan edit.
	edited := twoWavePlan()
	edited.Waves[0].Slug = slug2
	edited.Waves[1].Slug = slug1
	_, err = e.UpdatePlan(s.ID, edited)
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

	// Edits that keep slugs in place are accepted; missing slugs are refilled.
	edited = twoWavePlan()
	edited.Waves[1].Issues = append(edited.Waves[1].Issues, plan.IssueRef{Title: "Add login test"})
	updated, err := e.UpdatePlan(s.ID, edited)
	require.NoError(t, err)
	assert.Equal(t, slug1, updated.Plan.Waves[0].Slug)
	assert.Equal(t, slug2, updated.Plan.Waves[1].Slug)
}

func TestApply_RemovingWaveKeepsAppliedSlugs(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	slug2 := res.Waves[1].Slug

	// Dropping wave 1 renumbers wave 2, which inherits its slug by index.
	edited := &plan.Plan{Waves: []plan.Wave{twoWavePlan().Waves[1]}}
	updated, err := e.UpdatePlan(s.ID, edited)
	require.NoError(t, err)
	require.Len(t, updated.Plan.Waves, 1)
	assert.Equal(t, 1, updated.Plan.Waves[0].Index)
	assert.Equal(t, slug2, updated.Plan.Waves[0].Slug)

	again, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Failed())
	assert.Equal(t, ActionSkipped, again.Waves[0].Items[0].Action)
	assert.Equal(t, 3, countIssues(t, mem, "/r"))

	// The moved slug is now owned by wave 1.
	_, err = e.Apply(ctx, s.ID, ApplyRequest{WaveSlugOverrides: map[int]string{1: "renamed"}})
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))
}

func TestApply_InsertingWaveBeforeAppliedWave(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, backend.NewMemory(), nil)
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	slug1, slug2 := res.Waves[0].Slug, res.Waves[1].Slug

	edited := twoWavePlan()
	edited.Waves[0].Slug, edited.Waves[1].Slug = slug1, slug2
	edited.Waves = append([]plan.Wave{{Index: 0, Slug: "prep", Issues: []plan.IssueRef{{Title: "Audit sessions"}}}}, edited.Waves...)
	updated, err := e.UpdatePlan(s.ID, edited)
	require.NoError(t, err)
	require.Len(t, updated.Plan.Waves, 3)
	assert.Equal(t, []string{"prep", slug1, slug2},
		[]string{updated.Plan.Waves[0].Slug, updated.Plan.Waves[1].Slug, updated.Plan.Waves[2].Slug})

	// Shifting is fine, reordering applied waves is not.
	edited.Waves[1].Slug, edited.Waves[2].Slug = slug2, slug1
	_, err = e.UpdatePlan(s.ID, edited)
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))
}

func TestApply_DuplicateSlugOverride(t *testing.T) {
	e := newTestEngine(t, backend.NewMemory(), nil)
	s := restaged(t, e, twoWavePlan())

	_, err := e.Apply(context.Background(), s.ID, ApplyRequest{
		WaveSlugOverrides: map[int]string{1: "same", 2: "same"},
	})
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

	_, err = e.Apply(context.Background(), s.ID, ApplyRequest{WaveSlugOverrides: map[int]string{1: "!!"}})
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}

func TestApply_UnsupportedBackendFailsFast(t *testing.T) {
	mem := backend.NewMemory().WithCapabilities(backend.Capabilities{Create: true, Query: true})
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	_, err := e.Apply(context.Background(), s.ID, ApplyRequest{})
	assert.Equal(t, apperr.Unsupported, apperr.CodeOf(err))
	assert.Equal(t, 0, countIssues(t, mem, "/r"))
}

func TestApply_Validation(t *testing.T) {
	e := newTestEngine(t, backend.NewMemory(), nil)
	s := restaged(t, e, twoWavePlan())

	_, err := e.Apply(context.Background(), "missing", ApplyRequest{})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))

	_, err = e.Apply(context.Background(), s.ID, ApplyRequest{RepoPath: "/elsewhere"})
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))

	_, err = e.ApplyBreakdown(context.Background(), s.ID, ApplyRequest{})
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))
}

func TestApply_PlanNotReady(t *testing.T) {
	bp := newBlockingPlanner()
	e := newTestEngine(t, backend.NewMemory(), bp)
	s, err := e.CreateOrchestration(context.Background(), "/r", "x")
	require.NoError(t, err)
	<-bp.started

	_, err = e.Apply(context.Background(), s.ID, ApplyRequest{})
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))
}

func TestHydration(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	parent, err := mem.Create(ctx, "/r", backend.CreateInput{Title: "Billing", Type: "epic"})
	require.NoError(t, err)
	_, err = mem.Create(ctx, "/r", backend.CreateInput{Title: "Invoice model", Parent: parent.ID})
	require.NoError(t, err)

	breakdown := &plan.Plan{Waves: []plan.Wave{
		{Index: 1, Issues: []plan.IssueRef{{Title: "Invoice model"}, {Title: "Tax rules"}}},
		{Index: 2, Issues: []plan.IssueRef{{Title: "Invoice emails"}}},
	}}
	e := newTestEngine(t, mem, staticPlanner(breakdown))

	_, err = e.CreateHydration(ctx, "/r", "r-404")
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))

	s, err := e.CreateHydration(ctx, "/r", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, KindHydration, s.Kind)
	assert.Equal(t, "Billing", s.Objective)
	waitPlanReady(t, e, s.ID)

	_, err = e.Apply(ctx, s.ID, ApplyRequest{})
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

	res, err := e.ApplyBreakdown(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, res.ParentID)
	assert.Equal(t, 0, res.Failed())
	assert.Equal(t, ActionSkipped, res.Waves[0].Items[0].Action)
	assert.Equal(t, ActionCreated, res.Waves[0].Items[1].Action)

	children, err := mem.List(ctx, "/r", backend.ListFilter{Parent: parent.ID})
	require.NoError(t, err)
	assert.Len(t, children, 3)
	for _, c := range children {
		assert.True(t, strings.HasPrefix(c.ID, parent.ID+"."))
	}

	again, err := e.ApplyAny(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Failed())
	children, _ = mem.List(ctx, "/r", backend.ListFilter{Parent: parent.ID})
	assert.Len(t, children, 3)
}

func TestHydration_ExistingIssueIsReparented(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	parent, err := mem.Create(ctx, "/r", backend.CreateInput{Title: "Billing", Type: "epic"})
	require.NoError(t, err)
	loose, err := mem.Create(ctx, "/r", backend.CreateInput{Title: "Currency table"})
	require.NoError(t, err)

	breakdown := &plan.Plan{Waves: []plan.Wave{
		{Index: 1, Issues: []plan.IssueRef{{ID: loose.ID}, {Title: "Tax rules"}}},
	}}
	e := newTestEngine(t, mem, staticPlanner(breakdown))
	s, err := e.CreateHydration(ctx, "/r", parent.ID)
	require.NoError(t, err)
	waitPlanReady(t, e, s.ID)

	res, err := e.ApplyBreakdown(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	require.Equal(t, 0, res.Failed())
	assert.Equal(t, ActionUpdated, res.Waves[0].Items[0].Action)

	got, err := mem.Show(ctx, "/r", loose.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, got.Parent)
	assert.True(t, got.HasLabel(res.Waves[0].Label))

	children, err := mem.List(ctx, "/r", backend.ListFilter{Parent: parent.ID})
	require.NoError(t, err)
	assert.Len(t, children, 2)

	again, err := e.ApplyBreakdown(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, again.Waves[0].Items[0].Action)
}

func TestApply_AbortWhileApplyingStaysAborted(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	e := newTestEngine(t, mem, nil)
	s := restaged(t, e, twoWavePlan())

	var once sync.Once
	mem.BeforeCreate = func(string, backend.CreateInput) error {
		once.Do(func() { assert.True(t, e.Abort(s.ID)) })
		return nil
	}

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())
	assert.Equal(t, 3, countIssues(t, mem, "/r"))

	got, err := e.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, got.Status)
	assert.Equal(t, PhaseAborted, got.Phase)

	events := collect(t, e, s.ID)
	last := events[len(events)-1]
	assert.Equal(t, EventExit, last.Type)
	assert.Equal(t, ExitAborted, *last.Code)
	for _, ev := range events {
		if ev.Type == EventStatusChange {
			assert.NotEqual(t, StatusCompleted, ev.Status)
		}
	}
}

// trackerCLI is a beads CLI stand-in that keeps created issues in memory and
// can fail listings.
type trackerCLI struct {
	mu       sync.Mutex
	created  []string
	failList bool
}

func (f *trackerCLI) Run(_ context.Context, _, _ string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch args[0] {
	case "list":
		if f.failList {
			return nil, []byte("database is locked"), errors.New("exit status 1")
		}
		return []byte("[" + strings.Join(f.created, ",") + "]"), nil, nil
	case "create":
		id := fmt.Sprintf("bd-%d", len(f.created)+1)
		label := args[len(args)-1]
		f.created = append(f.created, fmt.Sprintf(`{"id":%q,"title":%q,"status":"open","labels":[%q]}`, id, args[1], label))
		return []byte(f.created[len(f.created)-1]), nil, nil
	}
	return nil, nil, nil
}

func (f *trackerCLI) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func TestApply_ReapplyDoesNotTrustCachedListing(t *testing.T) {
	ctx := context.Background()
	tracker := &trackerCLI{}
	cli := backend.NewCLI(backend.KindBeads, backend.CLIOptions{Runner: tracker, Cache: failcache.New()})
	e := newTestEngine(t, cli, nil)
	s := restaged(t, e, &plan.Plan{Waves: []plan.Wave{
		{Index: 1, Issues: []plan.IssueRef{{Title: "Add session table"}}},
	}})

	// Another reader lists the wave before anything exists, leaving an empty
	// listing in the failure cache.
	label := plan.WaveLabel(s.Plan.Waves[0].Slug)
	listed, err := cli.List(ctx, "/r", backend.ListFilter{Label: label, IncludeClosed: true})
	require.NoError(t, err)
	require.Empty(t, listed)

	_, err = e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, tracker.creates())

	tracker.mu.Lock()
	tracker.failList = true
	tracker.mu.Unlock()

	res, err := e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, ActionFailed, res.Waves[0].Items[0].Action)
	assert.Equal(t, apperr.Locked, res.Waves[0].Items[0].Code)
	assert.Equal(t, 1, tracker.creates())

	tracker.mu.Lock()
	tracker.failList = false
	tracker.mu.Unlock()
	res, err = e.Apply(ctx, s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, res.Waves[0].Items[0].Action)
	assert.Equal(t, 1, tracker.creates())
}

type fakeLedger struct {
	apps []*store.Application
}

func (f *fakeLedger) RecordApplication(_ context.Context, app *store.Application) error {
	app.ID = "app-1"
	f.apps = append(f.apps, app)
	return nil
}

func TestApply_RecordsLedger(t *testing.T) {
	ledger := &fakeLedger{}
	e := newTestEngine(t, backend.NewMemory(), nil, WithLedger(ledger))
	s := restaged(t, e, twoWavePlan())

	res, err := e.Apply(context.Background(), s.ID, ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, "app-1", res.ApplicationID)

	require.Len(t, ledger.apps, 1)
	app := ledger.apps[0]
	assert.Equal(t, s.ID, app.SessionID)
	assert.Equal(t, "orchestration", app.Kind)
	require.Len(t, app.Waves, 2)
	assert.Len(t, app.Waves[0].Created, 2)
	assert.True(t, app.Waves[1].Success)
}
