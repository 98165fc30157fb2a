package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/output"
)

var (
	issuesRepo   string
	issuesStatus string
	issuesLabel  string
	issuesQuery  string
	issuesAll    bool
	issuesReady  bool
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Show the configured tracker backend and its capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return backendRun()
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Show the tracker's issues as a hierarchy",
	Long: `List issues from the configured tracker, children nested under parents.

With --status or --label, an issue is shown only when it and every ancestor
match the filter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuesRun()
	},
}

func init() {
	issuesCmd.Flags().StringVar(&issuesRepo, "repo", ".", "repository the tracker runs in")
	issuesCmd.Flags().StringVar(&issuesStatus, "status", "", "only issues with this status")
	issuesCmd.Flags().StringVar(&issuesLabel, "label", "", "only issues carrying this label")
	issuesCmd.Flags().StringVarP(&issuesQuery, "query", "q", "", "full-text search")
	issuesCmd.Flags().BoolVar(&issuesAll, "all", false, "include closed issues")
	issuesCmd.Flags().BoolVar(&issuesReady, "ready", false, "only issues with no open blockers")

	rootCmd.AddCommand(backendCmd, issuesCmd)
}

var capabilityOrder = []backend.Capability{
	backend.CapCreate, backend.CapUpdate, backend.CapDelete, backend.CapClose,
	backend.CapSearch, backend.CapQuery, backend.CapListReady,
	backend.CapDependencies, backend.CapLabels, backend.CapSync,
}

func backendRun() error {
	b, err := newBackend(slog.Default())
	if err != nil {
		return err
	}
	caps := b.Capabilities()

	ui.Info("Backend: %s", output.Cyan(b.Kind()))
	table := ui.Table([]string{"Capability", "Supported"})
	for _, c := range capabilityOrder {
		_ = table.Append([]string{string(c), output.Check(caps.Has(c))})
	}
	limit := "unlimited"
	if caps.MaxConcurrency > 0 {
		limit = fmt.Sprint(caps.MaxConcurrency)
	}
	_ = table.Append([]string{"max-concurrency", limit})
	return table.Render()
}

func issuesRun() error {
	repo, err := resolveRepo(issuesRepo)
	if err != nil {
		return err
	}
	b, err := newBackend(slog.Default())
	if err != nil {
		return err
	}
	ctx := cmdContext()

	var issues []backend.Issue
	switch {
	case strings.TrimSpace(issuesQuery) != "":
		issues, err = b.Search(ctx, repo, issuesQuery)
	case issuesReady:
		issues, err = b.Ready(ctx, repo)
	default:
		issues, err = b.List(ctx, repo, backend.ListFilter{IncludeClosed: issuesAll})
	}
	if err != nil {
		return err
	}

	if issuesStatus != "" || issuesLabel != "" {
		issues = backend.VisibleWithAncestors(issues, func(is backend.Issue) bool {
			if issuesStatus != "" && string(is.Status) != issuesStatus {
				return false
			}
			return issuesLabel == "" || is.HasLabel(issuesLabel)
		})
	}

	if len(issues) == 0 {
		ui.Info("No issues found")
		return nil
	}
	ui.Tree(backend.BuildHierarchy(issues))
	return nil
}
