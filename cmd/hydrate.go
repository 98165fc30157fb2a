package cmd

import (
	"github.com/spf13/cobra"
)

var hydrateCmd = &cobra.Command{
	Use:   "hydrate <issue-id>",
	Short: "Break an issue down into child issues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, repo, err := sessionDeps()
		if err != nil {
			return err
		}
		sess, err := eng.CreateHydration(cmdContext(), repo, args[0])
		if err != nil {
			return err
		}
		return finishSession(cmdContext(), eng, sess.ID)
	},
}

func init() {
	addSessionFlags(hydrateCmd)
	rootCmd.AddCommand(hydrateCmd)
}
