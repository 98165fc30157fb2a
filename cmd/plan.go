package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/conductor/internal/output"
	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/session"
)

var (
	planRepo  string
	planApply bool
	planJSON  bool
	planSave  string
)

var planCmd = &cobra.Command{
	Use:   "plan <objective>",
	Short: "Plan an objective into waves of issues",
	Long: `Run the planning agent for an objective against the repository's tracker.

The plan is printed when ready. Pass --apply to write it to the tracker right
away, or --save to keep it as YAML for 'conductor restage'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planRun(cmdContext(), strings.Join(args, " "))
	},
}

func init() {
	addSessionFlags(planCmd)
	rootCmd.AddCommand(planCmd)
}

// addSessionFlags registers the flags shared by plan, hydrate and restage.
func addSessionFlags(c *cobra.Command) {
	c.Flags().StringVar(&planRepo, "repo", ".", "repository the tracker runs in")
	c.Flags().BoolVar(&planApply, "apply", false, "apply the plan once it is ready")
	c.Flags().BoolVar(&planJSON, "json", false, "print the session (and apply result) as JSON")
	c.Flags().StringVar(&planSave, "save", "", "write the plan to this YAML file")
}

func planRun(ctx context.Context, objective string) error {
	eng, repo, err := sessionDeps()
	if err != nil {
		return err
	}
	sess, err := eng.CreateOrchestration(ctx, repo, objective)
	if err != nil {
		return err
	}
	return finishSession(ctx, eng, sess.ID)
}

func sessionDeps() (*session.Engine, string, error) {
	repo, err := resolveRepo(planRepo)
	if err != nil {
		return nil, "", err
	}
	eng, err := getEngine()
	if err != nil {
		return nil, "", err
	}
	return eng, repo, nil
}

// finishSession follows the session to a ready plan, then prints, saves and
// optionally applies it. Interrupting while planning aborts the session.
func finishSession(ctx context.Context, eng *session.Engine, id string) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	if err := followSession(ctx, eng, id); err != nil {
		if ctx.Err() != nil && eng.Abort(id) {
			ui.Warning("Session %s aborted", id)
		}
		return err
	}

	sess, err := eng.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusFailed || sess.Status == session.StatusAborted {
		if sess.Error != "" {
			return fmt.Errorf("session %s %s: %s", id, sess.Status, sess.Error)
		}
		return fmt.Errorf("session %s %s", id, sess.Status)
	}
	if sess.Plan == nil {
		return fmt.Errorf("session %s produced no plan", id)
	}

	if planSave != "" {
		if err := savePlan(planSave, sess.Plan); err != nil {
			return err
		}
		ui.VerboseLog("Saved plan to %s", planSave)
	}

	var res *session.ApplyResult
	if planApply {
		if dryRun {
			ui.DryRunMsg("Would apply %d waves (%d issues) to %s", len(sess.Plan.Waves), sess.Plan.IssueCount(), sess.RepoPath)
		} else {
			res, err = eng.ApplyAny(ctx, id, session.ApplyRequest{RepoPath: sess.RepoPath})
			if err != nil {
				return err
			}
		}
	}

	if planJSON {
		return writeJSON(struct {
			Session session.Session      `json:"session"`
			Result  *session.ApplyResult `json:"result,omitempty"`
		}{sess, res})
	}

	ui.Info("Session %s %s", output.Cyan(sess.ID), output.StatusColor(sess.Phase))
	ui.Plan(sess.Plan)
	if res != nil {
		fmt.Fprintln(ui.Out)
		ui.ApplyResult(res)
	}
	return nil
}

// followSession streams the session's events until the stream ends.
// Agent output is shown with --verbose.
func followSession(ctx context.Context, eng *session.Engine, id string) error {
	sub, err := eng.Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch ev.Type {
		case session.EventOutput:
			ui.VerboseLog("%s", strings.TrimRight(ev.Data, "\n"))
		case session.EventStatusChange:
			if !planJSON {
				ui.Info("%s", output.StatusColor(ev.Phase))
			}
		case session.EventError:
			ui.Error("%s", ev.Message)
		}
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func savePlan(path string, p *plan.Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

func loadPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p plan.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &p, nil
}
