package cmd

import (
	"github.com/spf13/cobra"
)

var restageObjective string

var restageCmd = &cobra.Command{
	Use:   "restage <plan.yaml>",
	Short: "Load a saved plan into a new session",
	Long: `Load a plan saved with 'conductor plan --save' (or written by hand) into a
new session without running the planner. Combine with --apply to write it to
the tracker.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPlan(args[0])
		if err != nil {
			return err
		}
		eng, repo, err := sessionDeps()
		if err != nil {
			return err
		}
		sess, err := eng.Restage(cmdContext(), repo, p, restageObjective)
		if err != nil {
			return err
		}
		return finishSession(cmdContext(), eng, sess.ID)
	},
}

func init() {
	addSessionFlags(restageCmd)
	restageCmd.Flags().StringVar(&restageObjective, "objective", "", "objective recorded on the session")
	rootCmd.AddCommand(restageCmd)
}
