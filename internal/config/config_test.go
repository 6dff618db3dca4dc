package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// isolate points every config location at temp dirs and clears the
// environment variables Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	for _, key := range []string{"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "DATABASE_URL", "FLEET_BUDGET_MONTHLY_CAP_USD", "FLEET_STORAGE_LEDGER_BACKEND"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(work)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Budget.BreakerThreshold != 3 {
		t.Errorf("expected breaker threshold 3, got %d", cfg.Budget.BreakerThreshold)
	}
	if cfg.Budget.BreakerWindow != 5*time.Minute {
		t.Errorf("expected breaker window 5m, got %v", cfg.Budget.BreakerWindow)
	}
	if cfg.Budget.BreakerCooldown != 30*time.Minute {
		t.Errorf("expected breaker cooldown 30m, got %v", cfg.Budget.BreakerCooldown)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("expected 10 max iterations, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.RunTimeout != 0 {
		t.Errorf("expected no run ceiling by default, got %v", cfg.Loop.RunTimeout)
	}
	if cfg.Storage.LedgerBackend != LedgerFile {
		t.Errorf("expected file ledger, got %q", cfg.Storage.LedgerBackend)
	}
	if cfg.Retrieval.Provider != RetrievalKeyword {
		t.Errorf("expected keyword retrieval, got %q", cfg.Retrieval.Provider)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.MonthlyCapUSD != 100 {
		t.Errorf("expected default cap 100, got %v", cfg.Budget.MonthlyCapUSD)
	}
	if want := filepath.Join(dir, "data", "fleet"); cfg.StateDir() != want {
		t.Errorf("expected state dir %q, got %q", want, cfg.StateDir())
	}
	if want := filepath.Join(dir, "data", "fleet", "breaker.json"); cfg.BreakerPath() != want {
		t.Errorf("expected breaker path %q, got %q", want, cfg.BreakerPath())
	}
	if want := filepath.Join(dir, "config", "fleet", "agents.yaml"); cfg.AgentsPath() != want {
		t.Errorf("expected agents path %q, got %q", want, cfg.AgentsPath())
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)

	writeFile(t, filepath.Join(dir, "config", "fleet", "config.yaml"), `
budget:
  monthly_cap_usd: 250
  breaker_cooldown: 10m
loop:
  max_iterations: 6
`)
	// Project config in a parent of the working directory.
	writeFile(t, filepath.Join(dir, ProjectConfigName), `
budget:
  monthly_cap_usd: 500
agents_file: roster.yaml
`)
	t.Setenv("FLEET_LOOP_MAX_ITERATIONS", "4")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env-0000000000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Budget.MonthlyCapUSD != 500 {
		t.Errorf("project config should override user config, got cap %v", cfg.Budget.MonthlyCapUSD)
	}
	if cfg.Budget.BreakerCooldown != 10*time.Minute {
		t.Errorf("expected user cooldown 10m, got %v", cfg.Budget.BreakerCooldown)
	}
	if cfg.Loop.MaxIterations != 4 {
		t.Errorf("environment should override files, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env-0000000000" {
		t.Errorf("expected api key from environment, got %q", cfg.Anthropic.APIKey)
	}
	if want := filepath.Join(dir, "roster.yaml"); cfg.AgentsPath() != want {
		t.Errorf("expected roster next to project config %q, got %q", want, cfg.AgentsPath())
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	t.Setenv("PG_PASSWORD", "secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
anthropic:
  api_key: sk-ant-test-key-0000000000
  bedrock: true
  aws_region: eu-west-1
budget:
  monthly_cap_usd: 42.5
  breaker_cooldown: -1s
storage:
  state_dir: /var/lib/fleet
  ledger_backend: postgres
  postgres_url: postgres://fleet:${PG_PASSWORD}@db/fleet
retrieval:
  provider: genai
  max_results: 3
pricing:
  claude-custom:
    input: 2
    output: 8
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if !cfg.Anthropic.Bedrock || cfg.Anthropic.AWSRegion != "eu-west-1" {
		t.Errorf("bedrock settings not loaded: %+v", cfg.Anthropic)
	}
	if cfg.Budget.MonthlyCapUSD != 42.5 {
		t.Errorf("expected cap 42.5, got %v", cfg.Budget.MonthlyCapUSD)
	}
	if cfg.Budget.BreakerCooldown >= 0 {
		t.Errorf("expected negative cooldown, got %v", cfg.Budget.BreakerCooldown)
	}
	if cfg.Storage.PostgresURL != "postgres://fleet:secret@db/fleet" {
		t.Errorf("expected expanded postgres url, got %q", cfg.Storage.PostgresURL)
	}
	if cfg.LedgerDir() != "/var/lib/fleet/ledger" {
		t.Errorf("unexpected ledger dir %q", cfg.LedgerDir())
	}
	if cfg.DatabasePath() != "/var/lib/fleet/fleet.db" {
		t.Errorf("unexpected database path %q", cfg.DatabasePath())
	}
	if cfg.HeartbeatDir() != "/var/lib/fleet/heartbeats" {
		t.Errorf("unexpected heartbeat dir %q", cfg.HeartbeatDir())
	}

	table := cfg.PricingTable()
	if p, ok := table.Lookup("claude-custom-1"); !ok || p.InputPerMillion != 2 || p.OutputPerMillion != 8 {
		t.Errorf("pricing override not applied: %+v %v", p, ok)
	}
	if _, ok := table.Lookup("claude-sonnet-4-20250514"); !ok {
		t.Error("default pricing should remain after merge")
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative cap", "budget:\n  monthly_cap_usd: -1\n", "monthly_cap_usd"},
		{"unknown ledger", "storage:\n  ledger_backend: redis\n", "ledger_backend"},
		{"postgres without url", "storage:\n  ledger_backend: postgres\n", "postgres_url"},
		{"bad driver", "storage:\n  sqlite_driver: pg\n", "sqlite_driver"},
		{"bad provider", "retrieval:\n  provider: pinecone\n", "retrieval.provider"},
		{"zero iterations", "loop:\n  max_iterations: 0\n", "max_iterations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)

			_, err := LoadFromPath(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.Budget.MonthlyCapUSD = 75
	cfg.Loop.RunTimeout = 2 * time.Minute
	cfg.Monitor.Addr = ":9999"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveTo(path, cfg); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Budget.MonthlyCapUSD != 75 || loaded.Loop.RunTimeout != 2*time.Minute || loaded.Monitor.Addr != ":9999" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if dir := getUserConfigDir(); dir != "/custom/config/fleet" {
		t.Errorf("expected /custom/config/fleet, got %s", dir)
	}
}

func TestParseAgents(t *testing.T) {
	agents, err := ParseAgents([]byte(`
agents:
  - id: oncall
    tier: 1
    model: claude-sonnet-4-5
    token_budget: 2000000
    context_query: incident runbooks
    tools: [search_knowledge, current_time]
  - id: digest
    tier: 3
    model: claude-haiku-4-5
    max_iterations: 4
    temperature: 0.2
`), 8)
	if err != nil {
		t.Fatalf("ParseAgents failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}

	oncall := agents[0]
	if oncall.Tier != models.TierCritical || oncall.TokenBudget != 2_000_000 {
		t.Errorf("unexpected oncall agent: %+v", oncall)
	}
	if oncall.MaxIterations != 8 {
		t.Errorf("expected loop default of 8 iterations, got %d", oncall.MaxIterations)
	}
	if oncall.MaxHistoryTurns != models.DefaultMaxHistoryTurns {
		t.Errorf("expected default history turns, got %d", oncall.MaxHistoryTurns)
	}
	if oncall.SamplingTemperature() != models.DefaultTemperature {
		t.Errorf("expected default temperature, got %v", oncall.SamplingTemperature())
	}
	if len(oncall.Tools) != 2 {
		t.Errorf("expected 2 tools, got %v", oncall.Tools)
	}

	digest := agents[1]
	if digest.MaxIterations != 4 || digest.SamplingTemperature() != 0.2 {
		t.Errorf("explicit settings should win: %+v", digest)
	}
}

func TestParseAgents_ExplicitZeroTemperature(t *testing.T) {
	agents, err := ParseAgents([]byte(`
agents:
  - id: ledger-clerk
    tier: 2
    model: claude-haiku-4-5
    temperature: 0
`), 8)
	if err != nil {
		t.Fatalf("ParseAgents failed: %v", err)
	}
	if got := agents[0].SamplingTemperature(); got != 0 {
		t.Errorf("expected explicit temperature 0 to be kept, got %v", got)
	}
}

func TestParseAgents_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "no agents"},
		{"no agents", "agents: []\n", "no agents"},
		{"bad tier", "agents:\n  - {id: a, tier: 4, model: m}\n", "tier"},
		{"missing model", "agents:\n  - {id: a, tier: 1}\n", "model"},
		{"duplicate", "agents:\n  - {id: a, tier: 1, model: m}\n  - {id: a, tier: 2, model: m}\n", "duplicate"},
		{"negative budget", "agents:\n  - {id: a, tier: 1, model: m, token_budget: -5}\n", "token_budget"},
		{"unknown field", "agents:\n  - {id: a, tier: 1, model: m, budget: 5}\n", "budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAgents([]byte(tt.yaml), 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadAgents_MissingFile(t *testing.T) {
	_, err := LoadAgents(filepath.Join(t.TempDir(), "agents.yaml"), 0)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
