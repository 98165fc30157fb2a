package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/conductor/internal/pool"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "conductor"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage conductor configuration.

Running bare 'conductor config' is the same as 'conductor config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# conductor configuration
# See: conductor config show (for effective values and sources)

# State directory for the pid file (default: ~/.config/conductor)
# state_dir: {{ .StateDir }}

# SQLite apply ledger (default: ~/.config/conductor/conductor.db)
# db_path: {{ .DBPath }}

# HTTP port for 'conductor serve'
port: {{ .Port }}

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"

# Issue tracker
backend:
  # beads, tracks or memory
  type: "{{ .BackendType }}"
  # Override the tracker binary (default: bd for beads, tk for tracks)
  command: "{{ .BackendCommand }}"
  # Per-command timeout
  timeout: "{{ .BackendTimeout }}"

cache:
  # How long repeated read failures are masked by the last good result
  window: "{{ .CacheWindow }}"

session:
  # How long finished sessions stay queryable
  grace_period: "{{ .GracePeriod }}"
  # How often finished sessions are swept while serving
  sweep_interval: "{{ .SweepInterval }}"

# Direct API planner, used when a step has no agent pool
anthropic:
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Planning agents. The key is the agent id used in pools.
# agents:
#   claude:
#     command: claude
#     args: ["-p", "--output-format", "text"]
#     model: sonnet
#   codex:
#     command: codex
#     args: ["exec"]

# Weighted agent pools per workflow step (planning, hydration).
# pools:
#   planning:
#     - agent: claude
#       weight: 3
#     - agent: codex
#       weight: 1
#   hydration:
#     - agent: claude
#       weight: 1
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	Port           int
	LogLevel       string
	BackendType    string
	BackendCommand string
	BackendTimeout string
	CacheWindow    string
	GracePeriod    string
	SweepInterval  string
	AnthropicModel string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		Port:           viper.GetInt("port"),
		LogLevel:       viper.GetString("log.level"),
		BackendType:    viper.GetString("backend.type"),
		BackendCommand: viper.GetString("backend.command"),
		BackendTimeout: viper.GetString("backend.timeout"),
		CacheWindow:    viper.GetString("cache.window"),
		GracePeriod:    viper.GetString("session.grace_period"),
		SweepInterval:  viper.GetString("session.sweep_interval"),
		AnthropicModel: viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "CONDUCTOR_STATE_DIR"},
	{Key: "db_path", EnvVar: "CONDUCTOR_DB_PATH"},
	{Key: "port", EnvVar: "CONDUCTOR_PORT"},
	{Key: "log.level", EnvVar: "CONDUCTOR_LOG_LEVEL"},
	{Key: "backend.type", EnvVar: "CONDUCTOR_BACKEND_TYPE"},
	{Key: "backend.command", EnvVar: "CONDUCTOR_BACKEND_COMMAND"},
	{Key: "backend.timeout", EnvVar: "CONDUCTOR_BACKEND_TIMEOUT"},
	{Key: "cache.window", EnvVar: "CONDUCTOR_CACHE_WINDOW"},
	{Key: "session.grace_period", EnvVar: "CONDUCTOR_SESSION_GRACE_PERIOD"},
	{Key: "session.stream_linger", EnvVar: "CONDUCTOR_SESSION_STREAM_LINGER"},
	{Key: "session.sweep_interval", EnvVar: "CONDUCTOR_SESSION_SWEEP_INTERVAL"},
	{Key: "anthropic.api_key", EnvVar: "CONDUCTOR_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "CONDUCTOR_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	registry, pools, err := loadAgents()
	if err != nil {
		ui.Warning("%v", err)
		return nil
	}
	if len(registry) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Agents:")
		for _, id := range agentIDs(registry) {
			a := registry[id]
			fmt.Fprintf(ui.Out, "  %-24s %s %v\n", id, a.Command, a.Args)
		}
	}
	for _, step := range []string{pool.StepPlanning, pool.StepHydration} {
		entries := pools[step]
		if len(entries) == 0 {
			continue
		}
		parts := make([]string, len(entries))
		for i, e := range entries {
			parts[i] = fmt.Sprintf("%s(%g)", e.AgentID, e.Weight)
		}
		fmt.Fprintf(ui.Out, "  pool %-19s %s\n", step, strings.Join(parts, ", "))
	}
	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'conductor config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}

// maskSecret keeps only the last four characters of a secret.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
