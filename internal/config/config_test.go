package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Loop.OnTaskFailure != "stop" {
		t.Errorf("expected default failure policy 'stop', got %q", cfg.Loop.OnTaskFailure)
	}

	if cfg.Tasks.Backend != BackendSQLite {
		t.Errorf("expected default backend sqlite, got %q", cfg.Tasks.Backend)
	}

	if !cfg.CircuitBreaker.Enabled {
		t.Error("expected circuit breaker enabled by default")
	}

	if cfg.CircuitBreaker.Timeout() != 30*time.Minute {
		t.Errorf("expected breaker timeout 30m, got %v", cfg.CircuitBreaker.Timeout())
	}

	if cfg.Budget.MaxTotalCost != 0 || cfg.Budget.MaxTotalTokens != 0 {
		t.Error("expected unlimited budget by default")
	}

	if cfg.Budget.WarningThreshold != 0.8 {
		t.Errorf("expected warning threshold 0.8, got %v", cfg.Budget.WarningThreshold)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
harness:
  name: codex
  model: o4-mini
budget:
  max_total_cost: 2.5
  max_tokens_per_task: 40000
circuit_breaker:
  timeout_minutes: 5
loop:
  on_task_failure: continue
  max_iterations: 12
verify:
  commands:
    - go vet ./...
    - go test ./...
  timeout: 3m
tasks:
  backend: beads
tui:
  refresh_rate: 200ms
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Harness.Name != "codex" || cfg.Harness.Model != "o4-mini" {
		t.Errorf("unexpected harness config: %+v", cfg.Harness)
	}

	if cfg.Budget.MaxTotalCost != 2.5 {
		t.Errorf("expected max_total_cost 2.5, got %v", cfg.Budget.MaxTotalCost)
	}

	if cfg.Budget.MaxTokensPerTask != 40000 {
		t.Errorf("expected max_tokens_per_task 40000, got %d", cfg.Budget.MaxTokensPerTask)
	}

	if cfg.CircuitBreaker.Timeout() != 5*time.Minute {
		t.Errorf("expected breaker timeout 5m, got %v", cfg.CircuitBreaker.Timeout())
	}

	// Unset keys keep their defaults.
	if !cfg.CircuitBreaker.Enabled {
		t.Error("expected circuit breaker to stay enabled")
	}

	if cfg.Loop.OnTaskFailure != "continue" || cfg.Loop.MaxIterations != 12 {
		t.Errorf("unexpected loop config: %+v", cfg.Loop)
	}

	want := []string{"go vet ./...", "go test ./..."}
	if !reflect.DeepEqual(cfg.Verify.Commands, want) {
		t.Errorf("expected verify commands %v, got %v", want, cfg.Verify.Commands)
	}

	if cfg.Verify.Timeout != 3*time.Minute {
		t.Errorf("expected verify timeout 3m, got %v", cfg.Verify.Timeout)
	}

	if cfg.Tasks.Backend != BackendBeads {
		t.Errorf("expected beads backend, got %q", cfg.Tasks.Backend)
	}

	if cfg.TUI.RefreshRate != 200*time.Millisecond {
		t.Errorf("expected refresh rate 200ms, got %v", cfg.TUI.RefreshRate)
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("loop:\n  on_task_failure: continue\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("CUB_LOOP_ON_TASK_FAILURE", "stop")
	t.Setenv("CUB_BUDGET_MAX_TOTAL_COST", "7.5")
	t.Setenv("CUB_HARNESS_PRIORITY", "gemini, claude")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Loop.OnTaskFailure != "stop" {
		t.Errorf("expected env to override failure policy, got %q", cfg.Loop.OnTaskFailure)
	}
	if cfg.Budget.MaxTotalCost != 7.5 {
		t.Errorf("expected env max_total_cost 7.5, got %v", cfg.Budget.MaxTotalCost)
	}
	if !reflect.DeepEqual(cfg.Harness.Priority, []string{"gemini", "claude"}) {
		t.Errorf("unexpected priority %v", cfg.Harness.Priority)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected api key from env, got %q", cfg.Anthropic.APIKey)
	}
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	xdg := t.TempDir()
	project := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv(EnvProjectRoot, project)

	userDir := filepath.Join(xdg, "cub")
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	user := "harness:\n  name: gemini\nbudget:\n  max_total_cost: 1.0\n"
	if err := os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(project, ".cub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, ProjectConfigName), []byte("budget:\n  max_total_cost: 4.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Harness.Name != "gemini" {
		t.Errorf("expected user harness gemini, got %q", cfg.Harness.Name)
	}
	if cfg.Budget.MaxTotalCost != 4.0 {
		t.Errorf("expected project budget 4.0, got %v", cfg.Budget.MaxTotalCost)
	}
	if GetProjectConfigPath() != filepath.Join(project, ProjectConfigName) {
		t.Errorf("unexpected project config path %q", GetProjectConfigPath())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"continue policy", func(c *Config) { c.Loop.OnTaskFailure = "continue" }, false},
		{"unknown policy", func(c *Config) { c.Loop.OnTaskFailure = "retry" }, true},
		{"unknown backend", func(c *Config) { c.Tasks.Backend = "jira" }, true},
		{"negative cost", func(c *Config) { c.Budget.MaxTotalCost = -1 }, true},
		{"negative tokens", func(c *Config) { c.Budget.MaxTokensPerTask = -5 }, true},
		{"threshold above one", func(c *Config) { c.Budget.WarningThreshold = 1.5 }, true},
		{"negative iterations", func(c *Config) { c.Loop.MaxIterations = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Loop.OnTaskFailure = "continue"
	cfg.Verify.Commands = []string{"make check"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Loop.OnTaskFailure != "continue" {
		t.Errorf("expected continue, got %q", loaded.Loop.OnTaskFailure)
	}
	if !reflect.DeepEqual(loaded.Verify.Commands, []string{"make check"}) {
		t.Errorf("unexpected verify commands %v", loaded.Verify.Commands)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/cub" {
		t.Errorf("expected '/custom/config/cub', got %q", dir)
	}
}

func TestFindProjectRoot(t *testing.T) {
	t.Setenv(EnvProjectRoot, "")
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".cub"), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	if got := FindProjectRoot(nested); got != root {
		t.Errorf("expected %q, got %q", root, got)
	}

	t.Setenv(EnvProjectRoot, "/elsewhere")
	if got := FindProjectRoot(nested); got != "/elsewhere" {
		t.Errorf("expected CUB_PROJECT_ROOT to win, got %q", got)
	}
}

func TestEnsureProjectDir(t *testing.T) {
	root := t.TempDir()
	if err := EnsureProjectDir(root); err != nil {
		t.Fatalf("EnsureProjectDir failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, ".cub", ".gitignore"))
	if err != nil {
		t.Fatalf("expected .gitignore: %v", err)
	}
	if !strings.Contains(string(data), "ledger/") {
		t.Errorf("unexpected .gitignore %q", data)
	}

	custom := filepath.Join(root, ".cub", ".gitignore")
	if err := os.WriteFile(custom, []byte("mine\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureProjectDir(root); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(custom); string(data) != "mine\n" {
		t.Errorf("existing .gitignore was overwritten: %q", data)
	}
}

func TestGetAndSettings(t *testing.T) {
	cfg := Default()
	cfg.Budget.MaxTotalCost = 12.5
	cfg.Anthropic.APIKey = "sk-ant-REDACTED"

	v, ok := Get(cfg, "Budget.Max_Total_Cost")
	if !ok || v != 12.5 {
		t.Errorf("Get(budget.max_total_cost) = %v, %v", v, ok)
	}
	if _, ok := Get(cfg, "budget.nope"); ok {
		t.Error("unknown key should not resolve")
	}
	if v, _ := Get(cfg, "anthropic.api_key"); v == cfg.Anthropic.APIKey {
		t.Error("api key must be masked")
	}

	settings := Settings(cfg)
	loop, ok := settings["loop"].(map[string]any)
	if !ok {
		t.Fatalf("settings has no loop section: %v", settings)
	}
	if loop["on_task_failure"] != "stop" {
		t.Errorf("loop.on_task_failure = %v", loop["on_task_failure"])
	}
	anthropic := settings["anthropic"].(map[string]any)
	if anthropic["api_key"] == cfg.Anthropic.APIKey {
		t.Error("settings must mask the api key")
	}
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cub", "config.yaml")

	if err := SetValue(path, "budget.max_total_cost", "7.5"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "verify.commands", "go vet ./...", "go test ./..."); err != nil {
		t.Fatalf("SetValue list failed: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Budget.MaxTotalCost != 7.5 {
		t.Errorf("max_total_cost = %v, want 7.5", cfg.Budget.MaxTotalCost)
	}
	if !reflect.DeepEqual(cfg.Verify.Commands, []string{"go vet ./...", "go test ./..."}) {
		t.Errorf("verify.commands = %v", cfg.Verify.Commands)
	}

	before, _ := os.ReadFile(path)
	if err := SetValue(path, "loop.on_task_failure", "retry"); err == nil {
		t.Error("invalid policy should be rejected")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("rejected value must leave the file unchanged")
	}

	if err := SetValue(path, "no.such_key", "1"); err == nil {
		t.Error("unknown key should be rejected")
	}
	if err := SetValue(path, "loop.max_iterations", "1", "2"); err == nil {
		t.Error("scalar key should reject several values")
	}
}

func TestSetValue_NewFileRemovedOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SetValue(path, "tasks.backend", "jira"); err == nil {
		t.Fatal("unknown backend should be rejected")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file created for a rejected value should be removed")
	}
}
