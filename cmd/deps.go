package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/viper"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/git"
	"github.com/joescharf/conductor/internal/llm"
	"github.com/joescharf/conductor/internal/planner"
	"github.com/joescharf/conductor/internal/pool"
	"github.com/joescharf/conductor/internal/session"
)

var (
	engine    *session.Engine
	gitClient git.Client = git.NewClient()
)

func cmdContext() context.Context {
	if ctx := rootCmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newBackend builds the tracker backend from backend.* and cache.window.
func newBackend(logger *slog.Logger) (backend.Backend, error) {
	return backend.New(backend.Config{
		Type:    viper.GetString("backend.type"),
		Command: viper.GetString("backend.command"),
		Timeout: viper.GetDuration("backend.timeout"),
		Window:  viper.GetDuration("cache.window"),
		Logger:  logger,
	})
}

// loadAgents reads the agent registry and step pools. Registry entries take
// their id from the config key.
func loadAgents() (pool.Registry, pool.Pools, error) {
	registry := pool.Registry{}
	if err := viper.UnmarshalKey("agents", &registry); err != nil {
		return nil, nil, fmt.Errorf("parse agents: %w", err)
	}
	for id, a := range registry {
		a.ID = id
		registry[id] = a
	}

	pools := pool.Pools{}
	if err := viper.UnmarshalKey("pools", &pools); err != nil {
		return nil, nil, fmt.Errorf("parse pools: %w", err)
	}
	for step, entries := range pools {
		for _, e := range entries {
			if _, ok := registry[e.AgentID]; !ok {
				slog.Warn("pool references unknown agent", "step", step, "agent", e.AgentID)
			}
		}
	}
	return registry, pools, nil
}

// newLLMClient returns the direct API planner, or nil without an API key.
// ANTHROPIC_API_KEY is honored when anthropic.api_key is unset.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// newPlanner runs pool-selected agents, falling back to the Anthropic API
// when a step has no pool and an API key is configured.
func newPlanner(logger *slog.Logger) (planner.Planner, error) {
	registry, pools, err := loadAgents()
	if err != nil {
		return nil, err
	}
	p := &planner.AgentPlanner{
		Pools:    pools,
		Registry: registry,
		Spawner:  &agent.ExecSpawner{Logger: logger},
		Logger:   logger,
	}
	if c := newLLMClient(); c != nil {
		p.Fallback = c
	}
	return p, nil
}

// getEngine returns the shared session engine, building it on first call.
// The apply ledger is attached when the database opens; without it applies
// still work but are not recorded.
func getEngine() (*session.Engine, error) {
	if engine != nil {
		return engine, nil
	}
	logger := slog.Default()

	b, err := newBackend(logger)
	if err != nil {
		return nil, err
	}
	p, err := newPlanner(logger)
	if err != nil {
		return nil, err
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithGracePeriod(viper.GetDuration("session.grace_period")),
		session.WithStreamLinger(viper.GetDuration("session.stream_linger")),
	}
	if s, err := getStore(); err != nil {
		logger.Warn("apply ledger unavailable", "err", err)
	} else {
		opts = append(opts, session.WithLedger(s))
	}

	engine = session.NewEngine(b, p, opts...)
	return engine, nil
}

// agentIDs returns the registry keys in order.
func agentIDs(r pool.Registry) []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolveRepo maps path to its repository root, noting the branch and any
// uncommitted changes the planning agent will see.
func resolveRepo(path string) (string, error) {
	repo, err := git.ResolveRepo(gitClient, path)
	if err != nil {
		return "", err
	}
	if branch, err := gitClient.CurrentBranch(repo); err == nil {
		ui.VerboseLog("Repo %s on branch %s", repo, branch)
		if dirty, _ := gitClient.IsDirty(repo); dirty {
			ui.VerboseLog("Working tree has uncommitted changes")
		}
	}
	return repo, nil
}
