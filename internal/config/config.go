// Package config handles configuration loading and management for fleet.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/fleet/internal/pricing"
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
)

// Retrieval providers.
const (
	RetrievalKeyword = "keyword"
	RetrievalGenAI   = "genai"
)

// ProjectConfigName is the project-level config file searched for in the
// working directory and its parents.
const ProjectConfigName = ".fleet.yaml"

// Config holds all configuration for fleet.
type Config struct {
	Anthropic  AnthropicConfig `mapstructure:"anthropic"`
	Budget     BudgetConfig    `mapstructure:"budget"`
	Loop       LoopConfig      `mapstructure:"loop"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Heartbeat  HeartbeatConfig `mapstructure:"heartbeat"`
	Retrieval  RetrievalConfig `mapstructure:"retrieval"`
	Monitor    MonitorConfig   `mapstructure:"monitor"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	TUI        TUIConfig       `mapstructure:"tui"`
	Pricing    pricing.Table   `mapstructure:"pricing"`
	AgentsFile string          `mapstructure:"agents_file"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Bedrock    bool   `mapstructure:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
}

// BudgetConfig holds the shared spending cap and circuit breaker settings.
type BudgetConfig struct {
	MonthlyCapUSD    float64       `mapstructure:"monthly_cap_usd"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	// BreakerCooldown reopens admission after an open breaker has been
	// open this long. Negative means only a manual reset closes it.
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// LoopConfig holds execution loop settings.
type LoopConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	// RunTimeout is an optional hard ceiling per run; zero lets runs finish.
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	NoticeAfter   time.Duration `mapstructure:"notice_after"`
}

// StorageConfig holds persistence settings. Empty paths resolve under
// StateDir.
type StorageConfig struct {
	StateDir      string `mapstructure:"state_dir"`
	SQLiteDriver  string `mapstructure:"sqlite_driver"`
	DatabasePath  string `mapstructure:"database_path"`
	LedgerBackend string `mapstructure:"ledger_backend"`
	PostgresURL   string `mapstructure:"postgres_url"`
}

// HeartbeatConfig holds heartbeat settings.
type HeartbeatConfig struct {
	Dir        string        `mapstructure:"dir"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// RetrievalConfig holds context retrieval settings.
type RetrievalConfig struct {
	Provider   string  `mapstructure:"provider"`
	APIKey     string  `mapstructure:"api_key"`
	GenAIModel string  `mapstructure:"genai_model"`
	MaxResults int     `mapstructure:"max_results"`
	MinScore   float64 `mapstructure:"min_score"`
}

// MonitorConfig holds monitor server settings.
type MonitorConfig struct {
	Addr         string        `mapstructure:"addr"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, GEMINI_API_KEY, FLEET_*)
// 2. Project config (.fleet.yaml in current directory or parent)
// 3. User config (~/.config/fleet/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Merge project config (takes precedence)
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of the
// defaults. Environment variables still take precedence.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// FLEET_BUDGET_MONTHLY_CAP_USD overrides budget.monthly_cap_usd, etc.
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map specific environment variables
	_ = v.BindEnv("anthropic.api_key", "FLEET_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("retrieval.api_key", "FLEET_RETRIEVAL_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("storage.postgres_url", "FLEET_STORAGE_POSTGRES_URL", "DATABASE_URL")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Retrieval.APIKey = expandEnv(cfg.Retrieval.APIKey)
	cfg.Storage.PostgresURL = expandEnv(cfg.Storage.PostgresURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.Budget.MonthlyCapUSD < 0 {
		errs = append(errs, errors.New("budget.monthly_cap_usd must not be negative"))
	}
	if c.Budget.BreakerThreshold < 1 {
		errs = append(errs, errors.New("budget.breaker_threshold must be at least 1"))
	}
	if c.Budget.BreakerWindow <= 0 {
		errs = append(errs, errors.New("budget.breaker_window must be positive"))
	}
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, errors.New("loop.max_iterations must be at least 1"))
	}
	if c.Loop.MaxAttempts < 1 {
		errs = append(errs, errors.New("loop.max_attempts must be at least 1"))
	}
	if c.Loop.RunTimeout < 0 {
		errs = append(errs, errors.New("loop.run_timeout must not be negative"))
	}
	switch c.Storage.LedgerBackend {
	case LedgerFile:
	case LedgerPostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.ledger_backend must be %q or %q, got %q", LedgerFile, LedgerPostgres, c.Storage.LedgerBackend))
	}
	switch c.Storage.SQLiteDriver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.sqlite_driver must be \"sqlite\" or \"sqlite3\", got %q", c.Storage.SQLiteDriver))
	}
	switch c.Retrieval.Provider {
	case RetrievalKeyword, RetrievalGenAI:
	default:
		errs = append(errs, fmt.Errorf("retrieval.provider must be %q or %q, got %q", RetrievalKeyword, RetrievalGenAI, c.Retrieval.Provider))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// StateDir returns the directory holding file-backed state.
func (c *Config) StateDir() string {
	if c.Storage.StateDir != "" {
		return c.Storage.StateDir
	}
	return getDataDir()
}

// LedgerDir returns the directory of the file ledger.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.StateDir(), "ledger")
}

// BreakerPath returns the circuit breaker document path.
func (c *Config) BreakerPath() string {
	return filepath.Join(c.StateDir(), "breaker.json")
}

// HeartbeatDir returns the heartbeat directory.
func (c *Config) HeartbeatDir() string {
	if c.Heartbeat.Dir != "" {
		return c.Heartbeat.Dir
	}
	return filepath.Join(c.StateDir(), "heartbeats")
}

// DatabasePath returns the sqlite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.StateDir(), "fleet.db")
}

// AgentsPath returns the agent roster path. A relative agents_file is
// resolved against the project config directory when one exists.
func (c *Config) AgentsPath() string {
	path := c.AgentsFile
	if path == "" {
		path = "agents.yaml"
	}
	if filepath.IsAbs(path) {
		return path
	}
	if project := findProjectConfig(); project != "" {
		return filepath.Join(filepath.Dir(project), path)
	}
	if c.AgentsFile == "" {
		return filepath.Join(getUserConfigDir(), path)
	}
	return path
}

// PricingTable returns the default model rates with configured overrides
// applied.
func (c *Config) PricingTable() pricing.Table {
	table := pricing.DefaultModelPricing.Clone()
	table.Merge(c.Pricing)
	return table
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(GetUserConfigPath(), cfg)
}

// SaveTo writes the configuration to path. The API keys are written only
// when they are not taken from the environment.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if GetAPIKeySource(cfg) == KeySourceConfig {
		v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	}
	v.Set("anthropic.base_url", cfg.Anthropic.BaseURL)
	v.Set("anthropic.bedrock", cfg.Anthropic.Bedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("budget.monthly_cap_usd", cfg.Budget.MonthlyCapUSD)
	v.Set("budget.breaker_threshold", cfg.Budget.BreakerThreshold)
	v.Set("budget.breaker_window", cfg.Budget.BreakerWindow.String())
	v.Set("budget.breaker_cooldown", cfg.Budget.BreakerCooldown.String())
	v.Set("loop.max_iterations", cfg.Loop.MaxIterations)
	v.Set("loop.max_attempts", cfg.Loop.MaxAttempts)
	v.Set("loop.backoff_base", cfg.Loop.BackoffBase.String())
	v.Set("loop.backoff_max", cfg.Loop.BackoffMax.String())
	v.Set("loop.run_timeout", cfg.Loop.RunTimeout.String())
	v.Set("loop.notice_after", cfg.Loop.NoticeAfter.String())
	v.Set("storage.state_dir", cfg.Storage.StateDir)
	v.Set("storage.sqlite_driver", cfg.Storage.SQLiteDriver)
	v.Set("storage.database_path", cfg.Storage.DatabasePath)
	v.Set("storage.ledger_backend", cfg.Storage.LedgerBackend)
	v.Set("heartbeat.dir", cfg.Heartbeat.Dir)
	v.Set("heartbeat.stale_after", cfg.Heartbeat.StaleAfter.String())
	v.Set("retrieval.provider", cfg.Retrieval.Provider)
	v.Set("retrieval.genai_model", cfg.Retrieval.GenAIModel)
	v.Set("retrieval.max_results", cfg.Retrieval.MaxResults)
	v.Set("retrieval.min_score", cfg.Retrieval.MinScore)
	v.Set("monitor.addr", cfg.Monitor.Addr)
	v.Set("monitor.poll_interval", cfg.Monitor.PollInterval.String())
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	v.Set("agents_file", cfg.AgentsFile)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)

	v.SetDefault("budget.monthly_cap_usd", d.Budget.MonthlyCapUSD)
	v.SetDefault("budget.breaker_threshold", d.Budget.BreakerThreshold)
	v.SetDefault("budget.breaker_window", d.Budget.BreakerWindow.String())
	v.SetDefault("budget.breaker_cooldown", d.Budget.BreakerCooldown.String())

	v.SetDefault("loop.max_iterations", d.Loop.MaxIterations)
	v.SetDefault("loop.max_attempts", d.Loop.MaxAttempts)
	v.SetDefault("loop.backoff_base", d.Loop.BackoffBase.String())
	v.SetDefault("loop.backoff_max", d.Loop.BackoffMax.String())
	v.SetDefault("loop.run_timeout", d.Loop.RunTimeout.String())
	v.SetDefault("loop.notice_after", d.Loop.NoticeAfter.String())

	v.SetDefault("storage.state_dir", "")
	v.SetDefault("storage.sqlite_driver", d.Storage.SQLiteDriver)
	v.SetDefault("storage.database_path", "")
	v.SetDefault("storage.ledger_backend", d.Storage.LedgerBackend)
	v.SetDefault("storage.postgres_url", "")

	v.SetDefault("heartbeat.dir", "")
	v.SetDefault("heartbeat.stale_after", d.Heartbeat.StaleAfter.String())

	v.SetDefault("retrieval.provider", d.Retrieval.Provider)
	v.SetDefault("retrieval.api_key", "")
	v.SetDefault("retrieval.genai_model", d.Retrieval.GenAIModel)
	v.SetDefault("retrieval.max_results", d.Retrieval.MaxResults)
	v.SetDefault("retrieval.min_score", d.Retrieval.MinScore)

	v.SetDefault("monitor.addr", d.Monitor.Addr)
	v.SetDefault("monitor.poll_interval", d.Monitor.PollInterval.String())

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
	v.SetDefault("agents_file", "")
}

// getUserConfigDir returns the XDG config directory for fleet.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fleet")
	}

	// Fall back to ~/.config/fleet
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "fleet")
	}
	return filepath.Join(home, ".config", "fleet")
}

// getDataDir returns the XDG data directory for fleet.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "fleet")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "fleet")
	}
	return filepath.Join(home, ".local", "share", "fleet")
}

// findProjectConfig searches for .fleet.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			MaxTokens: 4096,
		},
		Budget: BudgetConfig{
			MonthlyCapUSD:    100,
			BreakerThreshold: 3,
			BreakerWindow:    5 * time.Minute,
			BreakerCooldown:  30 * time.Minute,
		},
		Loop: LoopConfig{
			MaxIterations: 10,
			MaxAttempts:   3,
			BackoffBase:   time.Second,
			BackoffMax:    30 * time.Second,
			NoticeAfter:   15 * time.Second,
		},
		Storage: StorageConfig{
			SQLiteDriver:  "sqlite",
			LedgerBackend: LedgerFile,
		},
		Heartbeat: HeartbeatConfig{
			StaleAfter: 30 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			Provider:   RetrievalKeyword,
			GenAIModel: "gemini-embedding-001",
			MaxResults: 5,
			MinScore:   0.3,
		},
		Monitor: MonitorConfig{
			Addr:         "127.0.0.1:9464",
			PollInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		TUI: TUIConfig{
			RefreshRate: 2 * time.Second,
		},
	}
}
