package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/pool"
)

type fakeSpawner struct {
	spec   agent.Spec
	chunks []string
	result agent.Result
	err    error
}

func (f *fakeSpawner) Run(_ context.Context, spec agent.Spec, onChunk func(string)) (agent.Result, error) {
	f.spec = spec
	for _, c := range f.chunks {
		if onChunk != nil {
			onChunk(c)
		}
	}
	return f.result, f.err
}

const planJSON = `{"summary":"ship it","waves":[{"waveIndex":1,"name":"Fix","issues":[{"title":"Fix login"}]}]}`

func testPools() (pool.Pools, pool.Registry) {
	return pool.Pools{
			pool.StepPlanning: {{AgentID: "claude", Weight: 1}},
		}, pool.Registry{
			"claude": {Command: "claude", Args: []string{"-p"}, Model: "opus"},
		}
}

func TestAgentPlanner_RunsPoolAgent(t *testing.T) {
	pools, reg := testPools()
	sp := &fakeSpawner{
		chunks: []string{"thinking...\n", planJSON},
		result: agent.Result{Stdout: "thinking...\n" + planJSON},
	}
	p := &AgentPlanner{Pools: pools, Registry: reg, Spawner: sp}

	var emitted []string
	got, err := p.Plan(context.Background(), Request{Kind: KindOrchestration, RepoPath: "/tmp/repo", Objective: "ship login fix"},
		func(s string) { emitted = append(emitted, s) })
	require.NoError(t, err)

	assert.Equal(t, "ship it", got.Summary)
	assert.Equal(t, sp.chunks, emitted)
	assert.Equal(t, "claude", sp.spec.Command)
	assert.Equal(t, []string{"-p", "--model", "opus"}, sp.spec.Args)
	assert.Equal(t, "/tmp/repo", sp.spec.Dir)
	assert.Contains(t, sp.spec.Stdin, "Objective: ship login fix")
}

func TestAgentPlanner_NonZeroExit(t *testing.T) {
	pools, reg := testPools()
	sp := &fakeSpawner{result: agent.Result{ExitCode: 2, Stderr: "bad flag\nmore"}}
	p := &AgentPlanner{Pools: pools, Registry: reg, Spawner: sp}

	_, err := p.Plan(context.Background(), Request{RepoPath: "/r"}, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "bad flag")
	assert.NotContains(t, err.Error(), "more")
}

func TestAgentPlanner_SpawnError(t *testing.T) {
	pools, reg := testPools()
	boom := errors.New("exec: not found")
	p := &AgentPlanner{Pools: pools, Registry: reg, Spawner: &fakeSpawner{err: boom}}

	_, err := p.Plan(context.Background(), Request{RepoPath: "/r"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestAgentPlanner_HydrationUsesOwnPool(t *testing.T) {
	pools, reg := testPools()
	called := false
	p := &AgentPlanner{
		Pools:    pools,
		Registry: reg,
		Spawner:  &fakeSpawner{},
		Fallback: Func(func(context.Context, Request, func(string)) (*plan.Plan, error) {
			called = true
			return &plan.Plan{Summary: "fallback"}, nil
		}),
	}

	got, err := p.Plan(context.Background(), Request{Kind: KindHydration, RepoPath: "/r"}, nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "fallback", got.Summary)
}

func TestAgentPlanner_NoPoolNoFallback(t *testing.T) {
	p := &AgentPlanner{Spawner: &fakeSpawner{}}
	_, err := p.Plan(context.Background(), Request{RepoPath: "/r"}, nil)
	assert.Equal(t, apperr.Unavailable, apperr.CodeOf(err))
}

func TestBuildPrompt_Hydration(t *testing.T) {
	prompt := BuildPrompt(Request{
		Kind:     KindHydration,
		RepoPath: "/r",
		Parent:   &backend.Issue{ID: "bd-3", Title: "Auth", Description: "Rework auth", Acceptance: "SSO works"},
		Existing: []backend.Issue{{ID: "bd-4", Title: "Login form", Status: backend.StatusOpen, Priority: 1}},
	})

	assert.Contains(t, prompt, "Parent issue bd-3: Auth")
	assert.Contains(t, prompt, "Rework auth")
	assert.Contains(t, prompt, "SSO works")
	assert.Contains(t, prompt, "- bd-4 [open, P1] Login form")
	assert.Contains(t, prompt, `"waveIndex"`)
}

func TestBuildPrompt_DefaultObjective(t *testing.T) {
	prompt := BuildPrompt(Request{RepoPath: "/r"})
	assert.Contains(t, prompt, "Work through the open issues")
}

func TestKindStep(t *testing.T) {
	assert.Equal(t, pool.StepPlanning, KindOrchestration.Step())
	assert.Equal(t, pool.StepHydration, KindHydration.Step())
}
