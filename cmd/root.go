package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/conductor/internal/output"
	"github.com/joescharf/conductor/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Plan and apply coding-agent work against an issue tracker",
	Long: `conductor turns an objective into waves of tracker issues for a team of
coding agents. A planning agent proposes the waves, you review them, and
apply writes them to the tracker (beads or tracks) with wave labels and
dependencies. Hydration breaks a single issue down into children the same way.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/conductor/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key's default, rooted at stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "conductor.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("backend.type", "beads")
	viper.SetDefault("backend.command", "")
	viper.SetDefault("backend.timeout", "60s")
	viper.SetDefault("cache.window", "30s")
	viper.SetDefault("session.grace_period", "10m")
	viper.SetDefault("session.stream_linger", "250ms")
	viper.SetDefault("session.sweep_interval", "1m")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// CLI commands log to stderr as text; serve swaps in a JSON handler.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})))
}

// logLevel reads log.level, forced to debug by --verbose.
func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// getStore returns the shared ledger, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	s, err := store.Open(cmdContext(), viper.GetString("db_path"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	dataStore = s
	return dataStore, nil
}
