package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialise configuration",
	Long: `View or create fleet configuration.

Configuration is stored at ~/.config/fleet/config.yaml.
Project-specific overrides can be placed in .fleet.yaml.
Environment variables (FLEET_*, ANTHROPIC_API_KEY, GEMINI_API_KEY,
DATABASE_URL) override both.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		displayAllConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default user config and an example agent roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfgPath := config.GetUserConfigPath()
		if err := writeIfAbsent(cfgPath, configInitForce, func() error {
			return config.SaveTo(cfgPath, config.Default())
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "config: %s\n", cfgPath)

		agentsPath := filepath.Join(filepath.Dir(cfgPath), "agents.yaml")
		if err := writeIfAbsent(agentsPath, configInitForce, func() error {
			return os.WriteFile(agentsPath, []byte(exampleAgents), 0600)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "agents: %s\n", agentsPath)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite existing files")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

const exampleAgents = `agents:
  - id: concierge
    tier: 1
    model: claude-sonnet-4-5
    token_budget: 2000000
    temperature: 0.3
    max_history_turns: 20
    context_query: customer support policies
    system_prompt: You answer questions from the team. Be brief.
    tools: [current_time, search_knowledge]
  - id: digest
    tier: 3
    model: claude-haiku-4-5
    token_budget: 500000
    max_history_turns: 6
    context_query: weekly project updates
    system_prompt: You summarise activity into a short digest.
    tools: [usage_report]
`

func writeIfAbsent(path string, force bool, write func() error) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return write()
}

// displayAllConfig prints the effective configuration with secrets masked.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	geminiKey, _ := config.GetGeminiKey(cfg)
	apiKey, _ := config.GetAPIKey(cfg)
	postgres := "(not set)"
	if cfg.Storage.PostgresURL != "" {
		postgres = "(set)"
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"anthropic.api_key", fmt.Sprintf("%s [%s]", config.MaskAPIKey(apiKey), config.GetAPIKeySource(cfg))},
		{"anthropic.base_url", cfg.Anthropic.BaseURL},
		{"anthropic.bedrock", fmt.Sprint(cfg.Anthropic.Bedrock)},
		{"anthropic.aws_region", cfg.Anthropic.AWSRegion},
		{"anthropic.max_tokens", fmt.Sprint(cfg.Anthropic.MaxTokens)},
		{"budget.monthly_cap_usd", fmt.Sprintf("%.2f", cfg.Budget.MonthlyCapUSD)},
		{"budget.breaker_threshold", fmt.Sprint(cfg.Budget.BreakerThreshold)},
		{"budget.breaker_window", cfg.Budget.BreakerWindow.String()},
		{"budget.breaker_cooldown", cfg.Budget.BreakerCooldown.String()},
		{"loop.max_iterations", fmt.Sprint(cfg.Loop.MaxIterations)},
		{"loop.max_attempts", fmt.Sprint(cfg.Loop.MaxAttempts)},
		{"loop.backoff_base", cfg.Loop.BackoffBase.String()},
		{"loop.backoff_max", cfg.Loop.BackoffMax.String()},
		{"loop.run_timeout", cfg.Loop.RunTimeout.String()},
		{"loop.notice_after", cfg.Loop.NoticeAfter.String()},
		{"storage.state_dir", cfg.StateDir()},
		{"storage.sqlite_driver", cfg.Storage.SQLiteDriver},
		{"storage.database_path", cfg.DatabasePath()},
		{"storage.ledger_backend", cfg.Storage.LedgerBackend},
		{"storage.postgres_url", postgres},
		{"heartbeat.dir", cfg.HeartbeatDir()},
		{"heartbeat.stale_after", cfg.Heartbeat.StaleAfter.String()},
		{"retrieval.provider", cfg.Retrieval.Provider},
		{"retrieval.api_key", fmt.Sprintf("%s [%s]", config.MaskAPIKey(geminiKey), config.GetGeminiKeySource(cfg))},
		{"retrieval.genai_model", cfg.Retrieval.GenAIModel},
		{"retrieval.max_results", fmt.Sprint(cfg.Retrieval.MaxResults)},
		{"retrieval.min_score", fmt.Sprint(cfg.Retrieval.MinScore)},
		{"monitor.addr", cfg.Monitor.Addr},
		{"monitor.poll_interval", cfg.Monitor.PollInterval.String()},
		{"logging.level", cfg.Logging.Level},
		{"logging.format", cfg.Logging.Format},
		{"logging.file", cfg.Logging.File},
		{"tui.refresh_rate", cfg.TUI.RefreshRate.String()},
		{"agents_file", cfg.AgentsPath()},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	_ = tw.Flush()
}
