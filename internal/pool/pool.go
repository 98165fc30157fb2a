// Package pool picks which registered agent runs a workflow step.
package pool

import "math/rand/v2"

// Agent is a concrete agent configuration.
type Agent struct {
	ID      string   `mapstructure:"id" json:"id"`
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args,omitempty"`
	Model   string   `mapstructure:"model" json:"model,omitempty"`
}

// Entry is one weighted pool member.
type Entry struct {
	AgentID string  `mapstructure:"agent" json:"agent"`
	Weight  float64 `mapstructure:"weight" json:"weight"`
}

// Registry maps agent id to its configuration.
type Registry map[string]Agent

// Pools maps workflow step to its pool. Steps are independent.
type Pools map[string][]Entry

// Workflow steps that select an agent from a pool.
const (
	StepPlanning  = "planning"
	StepHydration = "hydration"
)

// Float returns a uniform value in [0, 1).
type Float func() float64

// Select picks one agent from pool, weighted by entry weight. Entries naming
// an unregistered agent or carrying a non-positive weight are ignored. The
// second result is false when nothing is selectable. A nil rnd uses
// math/rand/v2.
func Select(pool []Entry, registry Registry, rnd Float) (Agent, bool) {
	valid := make([]Entry, 0, len(pool))
	total := 0.0
	for _, e := range pool {
		if e.Weight <= 0 {
			continue
		}
		if _, ok := registry[e.AgentID]; !ok {
			continue
		}
		valid = append(valid, e)
		total += e.Weight
	}
	if len(valid) == 0 {
		return Agent{}, false
	}

	if rnd == nil {
		rnd = rand.Float64
	}
	r := rnd() * total
	for _, e := range valid {
		r -= e.Weight
		if r <= 0 {
			return resolved(registry, e.AgentID), true
		}
	}
	// Float rounding can leave r slightly positive.
	return resolved(registry, valid[len(valid)-1].AgentID), true
}

// Resolve looks up the pool for step and selects from it.
func Resolve(step string, pools Pools, registry Registry, rnd Float) (Agent, bool) {
	p, ok := pools[step]
	if !ok {
		return Agent{}, false
	}
	return Select(p, registry, rnd)
}

func resolved(registry Registry, id string) Agent {
	a := registry[id]
	if a.ID == "" {
		a.ID = id
	}
	return a
}
