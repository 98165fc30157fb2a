// Package planner asks an external collaborator (an agent CLI or the
// Anthropic API) to turn an objective or a parent issue into a wave plan.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/pool"
)

// Kind selects what is being planned.
type Kind string

const (
	KindOrchestration Kind = "orchestration"
	KindHydration     Kind = "hydration"
)

// Step returns the pool workflow step for a planning kind.
func (k Kind) Step() string {
	if k == KindHydration {
		return pool.StepHydration
	}
	return pool.StepPlanning
}

// Request is everything a planner is told about the work.
type Request struct {
	Kind      Kind
	RepoPath  string
	Objective string
	// Parent is the issue being decomposed (hydration only).
	Parent *backend.Issue
	// Existing are open issues the plan may reference by id.
	Existing []backend.Issue
}

// Planner produces a draft plan. emit receives raw progress text as it
// arrives and may be nil.
type Planner interface {
	Plan(ctx context.Context, req Request, emit func(string)) (*plan.Plan, error)
}

// Func adapts a function to Planner.
type Func func(ctx context.Context, req Request, emit func(string)) (*plan.Plan, error)

// Plan implements Planner.
func (f Func) Plan(ctx context.Context, req Request, emit func(string)) (*plan.Plan, error) {
	return f(ctx, req, emit)
}

// AgentPlanner runs a pool-selected agent CLI with the planning prompt on
// stdin and parses its stdout. When the step has no usable pool it defers
// to Fallback.
type AgentPlanner struct {
	Pools    pool.Pools
	Registry pool.Registry
	Spawner  agent.Spawner
	Fallback Planner
	Rand     pool.Float
	Logger   *slog.Logger
}

// Plan implements Planner.
func (p *AgentPlanner) Plan(ctx context.Context, req Request, emit func(string)) (*plan.Plan, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a, ok := pool.Resolve(req.Kind.Step(), p.Pools, p.Registry, p.Rand)
	if !ok {
		if p.Fallback == nil {
			return nil, apperr.New(apperr.Unavailable, "no planning agent configured for step %q", req.Kind.Step())
		}
		logger.Debug("no agent pool for step, using fallback planner", "step", req.Kind.Step())
		return p.Fallback.Plan(ctx, req, emit)
	}

	args := append([]string(nil), a.Args...)
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	logger.Info("planning with agent", "agent", a.ID, "kind", req.Kind, "repo", req.RepoPath)

	res, err := p.Spawner.Run(ctx, agent.Spec{
		Command: a.Command,
		Args:    args,
		Dir:     req.RepoPath,
		Stdin:   BuildPrompt(req),
	}, emit)
	if err != nil {
		return nil, fmt.Errorf("run agent %s: %w", a.ID, err)
	}
	if res.ExitCode != 0 {
		msg := firstLine(res.Stderr)
		if msg == "" {
			msg = "no diagnostic output"
		}
		return nil, apperr.New(apperr.Internal, "agent %s exited with code %d: %s", a.ID, res.ExitCode, msg)
	}
	return plan.Parse(res.Stdout)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// schema is the output contract given to every planner.
const schema = `Respond with a single JSON object and nothing else:
{
  "summary": string,
  "waves": [{
    "waveIndex": number (1-based),
    "name": string,
    "slug": string (optional, lowercase-hyphenated),
    "objective": string,
    "agents": [{"role": string, "count": number, "specialty": string}],
    "issues": [{"id": string (existing issue id, optional), "title": string}],
    "notes": string
  }],
  "assumptions": [string],
  "unassignedIssueIds": [string]
}
Waves run in order; every issue in a wave may start once the previous wave is done.
Every wave must contain at least one issue.`

// BuildPrompt renders the planning request.
func BuildPrompt(req Request) string {
	var sb strings.Builder
	switch req.Kind {
	case KindHydration:
		sb.WriteString("Decompose the parent issue below into child issues grouped into waves.\n\n")
		if req.Parent != nil {
			fmt.Fprintf(&sb, "Parent issue %s: %s\n", req.Parent.ID, req.Parent.Title)
			if req.Parent.Description != "" {
				fmt.Fprintf(&sb, "\nDescription:\n%s\n", req.Parent.Description)
			}
			if req.Parent.Acceptance != "" {
				fmt.Fprintf(&sb, "\nAcceptance criteria:\n%s\n", req.Parent.Acceptance)
			}
		}
	default:
		sb.WriteString("Plan the work needed to reach the objective below as ordered waves of issues.\n\n")
		objective := strings.TrimSpace(req.Objective)
		if objective == "" {
			objective = "Work through the open issues in this repository."
		}
		fmt.Fprintf(&sb, "Objective: %s\n", objective)
	}
	fmt.Fprintf(&sb, "Repository: %s\n", req.RepoPath)

	if len(req.Existing) > 0 {
		sb.WriteString("\nExisting issues (reference them by id instead of duplicating):\n")
		for _, is := range req.Existing {
			fmt.Fprintf(&sb, "- %s [%s, P%d] %s\n", is.ID, is.Status, is.Priority, is.Title)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(schema)
	sb.WriteString("\n")
	return sb.String()
}
