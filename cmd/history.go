package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/conductor/internal/output"
	"github.com/joescharf/conductor/internal/store"
)

var (
	historyRepo  string
	historySlug  string
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [application-id]",
	Short: "Show recorded plan applications",
	Long: `List the apply ledger, newest first, or show one application's waves.

Filter by --repo or by --slug to find every application that wrote a given
wave label.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return historyShowRun(args[0])
		}
		return historyListRun()
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyRepo, "repo", "", "only applications to this repository")
	historyCmd.Flags().StringVar(&historySlug, "slug", "", "only applications that wrote this wave slug")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum applications to list (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(historyCmd)
}

func historyListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	filter := store.ApplicationFilter{Slug: historySlug, Limit: historyLimit}
	if historyRepo != "" {
		if filter.RepoPath, err = resolveRepo(historyRepo); err != nil {
			return err
		}
	}
	apps, err := s.ListApplications(cmdContext(), filter)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(apps)
	}
	if len(apps) == 0 {
		ui.Info("No applications recorded")
		return nil
	}

	table := ui.Table([]string{"ID", "Kind", "Repo", "Waves", "Issues", "OK", "Applied"})
	for _, a := range apps {
		issues, ok := 0, true
		for _, w := range a.Waves {
			issues += w.Total()
			ok = ok && w.Success
		}
		_ = table.Append([]string{
			output.Cyan(a.ID),
			a.Kind,
			a.RepoPath,
			fmt.Sprint(len(a.Waves)),
			fmt.Sprint(issues),
			output.Check(ok),
			timeAgo(a.CreatedAt),
		})
	}
	return table.Render()
}

func historyShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	a, err := s.GetApplication(cmdContext(), id)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(a)
	}

	ui.Info("Application %s (%s) session %s", output.Cyan(a.ID), a.Kind, a.SessionID)
	ui.Info("Repo: %s", a.RepoPath)
	if a.ParentID != "" {
		ui.Info("Parent: %s", a.ParentID)
	}
	table := ui.Table([]string{"#", "Name", "Label", "Created", "Updated", "Skipped", "OK"})
	for _, w := range a.Waves {
		_ = table.Append([]string{
			fmt.Sprint(w.WaveIndex),
			w.Name,
			w.Label,
			fmt.Sprint(len(w.Created)),
			fmt.Sprint(len(w.Updated)),
			fmt.Sprint(len(w.Skipped)),
			output.Check(w.Success),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	for _, w := range a.Waves {
		if w.Error != "" {
			ui.Error("Wave %d: %s", w.WaveIndex, w.Error)
		}
	}
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
