package pool

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() Registry {
	return Registry{
		"claude": {ID: "claude", Command: "claude"},
		"codex":  {ID: "codex", Command: "codex"},
		"gemini": {ID: "gemini", Command: "gemini"},
	}
}

func fixed(v float64) Float { return func() float64 { return v } }

func TestSelect_None(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		name string
		pool []Entry
	}{
		{"empty pool", nil},
		{"unregistered agents only", []Entry{{AgentID: "ghost", Weight: 1}, {AgentID: "phantom", Weight: 3}}},
		{"all weights zero", []Entry{{AgentID: "claude", Weight: 0}, {AgentID: "codex", Weight: 0}}},
		{"negative weight", []Entry{{AgentID: "claude", Weight: -2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Select(tt.pool, reg, fixed(0.5))
			assert.False(t, ok)
		})
	}
}

func TestSelect_WalksWeightsInOrder(t *testing.T) {
	reg := testRegistry()
	p := []Entry{{AgentID: "claude", Weight: 1}, {AgentID: "codex", Weight: 2}, {AgentID: "gemini", Weight: 1}}

	tests := []struct {
		draw float64
		want string
	}{
		{0.0, "claude"},
		{0.24, "claude"},
		{0.25, "claude"}, // remainder reaches exactly zero
		{0.26, "codex"},
		{0.74, "codex"},
		{0.76, "gemini"},
		{0.999, "gemini"},
	}
	for _, tt := range tests {
		got, ok := Select(p, reg, fixed(tt.draw))
		require.True(t, ok)
		assert.Equal(t, tt.want, got.ID, "draw %v", tt.draw)
	}
}

func TestSelect_SkipsInvalidEntries(t *testing.T) {
	reg := testRegistry()
	p := []Entry{{AgentID: "ghost", Weight: 5}, {AgentID: "claude", Weight: 0}, {AgentID: "codex", Weight: 1}}

	got, ok := Select(p, reg, fixed(0.0))
	require.True(t, ok)
	assert.Equal(t, "codex", got.ID)
	assert.Equal(t, "codex", got.Command)
}

func TestSelect_FallsBackToLastValid(t *testing.T) {
	reg := testRegistry()
	p := []Entry{{AgentID: "claude", Weight: 0.1}, {AgentID: "codex", Weight: 0.2}}

	// A draw of 1.0 is outside [0,1) but exercises the rounding fallback.
	got, ok := Select(p, reg, fixed(1.0000001))
	require.True(t, ok)
	assert.Equal(t, "codex", got.ID)
}

func TestSelect_Distribution(t *testing.T) {
	reg := testRegistry()
	rng := rand.New(rand.NewPCG(1, 2))

	tests := []struct {
		name string
		pool []Entry
	}{
		{"equal", []Entry{{AgentID: "claude", Weight: 1}, {AgentID: "codex", Weight: 1}, {AgentID: "gemini", Weight: 1}}},
		{"skewed", []Entry{{AgentID: "claude", Weight: 6}, {AgentID: "codex", Weight: 3}, {AgentID: "gemini", Weight: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const trials = 30000
			counts := map[string]int{}
			for i := 0; i < trials; i++ {
				a, ok := Select(tt.pool, reg, rng.Float64)
				require.True(t, ok)
				counts[a.ID]++
			}

			total := 0.0
			for _, e := range tt.pool {
				total += e.Weight
			}
			for _, e := range tt.pool {
				want := e.Weight / total
				got := float64(counts[e.AgentID]) / trials
				assert.InDelta(t, want, got, 0.02, "agent %s", e.AgentID)
			}
		})
	}
}

func TestSelect_DefaultsAgentID(t *testing.T) {
	reg := Registry{"claude": {Command: "claude"}}
	got, ok := Select([]Entry{{AgentID: "claude", Weight: 1}}, reg, nil)
	require.True(t, ok)
	assert.Equal(t, "claude", got.ID)
}

func TestResolve(t *testing.T) {
	reg := testRegistry()
	pools := Pools{
		StepPlanning: {{AgentID: "codex", Weight: 1}},
	}

	got, ok := Resolve(StepPlanning, pools, reg, fixed(0.3))
	require.True(t, ok)
	assert.Equal(t, "codex", got.ID)

	_, ok = Resolve(StepHydration, pools, reg, fixed(0.3))
	assert.False(t, ok, "configuring one step must not affect another")
}
