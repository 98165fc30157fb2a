package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	conductormcp "github.com/joescharf/conductor/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Sessions created through MCP live for the lifetime of the server process.
Configure in Claude Code with:

  {
    "mcpServers": {
      "conductor": { "command": "conductor", "args": ["mcp"] }
    }
  }

Available tools: conductor_create_session, conductor_hydrate_issue,
conductor_session_status, conductor_apply_plan, conductor_abort_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmdContext(), shutdownSignals()...)
		defer stop()

		eng, err := getEngine()
		if err != nil {
			return err
		}
		defer func() { _ = eng.Shutdown(context.Background()) }()

		return conductormcp.NewServer(eng, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
