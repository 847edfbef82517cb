// Package config handles configuration loading for cub.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for cub.
type Config struct {
	Harness        HarnessConfig        `mapstructure:"harness"`
	Budget         BudgetConfig         `mapstructure:"budget"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Loop           LoopConfig           `mapstructure:"loop"`
	Verify         VerifyConfig         `mapstructure:"verify"`
	Tasks          TasksConfig          `mapstructure:"tasks"`
	Anthropic      AnthropicConfig      `mapstructure:"anthropic"`
	Worktree       WorktreeConfig       `mapstructure:"worktree"`
	TUI            TUIConfig            `mapstructure:"tui"`
}

// HarnessConfig selects the agent backend.
type HarnessConfig struct {
	// Name forces a backend; empty means the first available in Priority.
	Name     string   `mapstructure:"name"`
	Priority []string `mapstructure:"priority"`
	Model    string   `mapstructure:"model"`
}

// BudgetConfig holds session ceilings. Zero means unlimited.
type BudgetConfig struct {
	MaxTotalCost     float64 `mapstructure:"max_total_cost"`
	MaxTokensPerTask int64   `mapstructure:"max_tokens_per_task"`
	MaxTotalTokens   int64   `mapstructure:"max_total_tokens"`
	WarningThreshold float64 `mapstructure:"warning_threshold"`
}

// CircuitBreakerConfig controls the inactivity watchdog.
type CircuitBreakerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TimeoutMinutes int           `mapstructure:"timeout_minutes"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// Timeout returns the inactivity window as a duration.
func (c CircuitBreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// LoopConfig holds run loop settings.
type LoopConfig struct {
	MaxIterations   int    `mapstructure:"max_iterations"`
	OnTaskFailure   string `mapstructure:"on_task_failure"`
	RequireCleanGit bool   `mapstructure:"require_clean_git"`
	MaxTaskFailures int    `mapstructure:"max_task_failures"`
}

// VerifyConfig lists the commands run after a successful invocation.
type VerifyConfig struct {
	Commands []string      `mapstructure:"commands"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TasksConfig selects the task backend.
type TasksConfig struct {
	Backend string `mapstructure:"backend"`
}

// AnthropicConfig holds settings for the in-process API harness.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Bedrock    bool   `mapstructure:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// WorktreeConfig holds parallel-epic settings.
type WorktreeConfig struct {
	// BaseDir is relative to the project root unless absolute.
	BaseDir string `mapstructure:"base_dir"`
	// PRCommand runs in a finished epic's worktree; its last output line
	// is stored as the pull request id.
	PRCommand string `mapstructure:"pr_command"`
}

// TUIConfig holds monitor display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Task backends.
const (
	BackendSQLite = "sqlite"
	BackendBeads  = "beads"
)

// EnvProjectRoot points child processes at the main project when they run
// inside a worktree.
const EnvProjectRoot = "CUB_PROJECT_ROOT"

// ProjectConfigName is the project config file, relative to the project root.
var ProjectConfigName = filepath.Join(".cub", "config.yaml")

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CUB_<SECTION>_<KEY>, ANTHROPIC_API_KEY)
// 2. Project config (.cub/config.yaml in the project root or a parent)
// 3. User config ($XDG_CONFIG_HOME/cub/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "CUB_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Harness.Priority = splitList(cfg.Harness.Priority)
	return cfg, nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the run loop cannot honor.
func (c *Config) Validate() error {
	switch c.Loop.OnTaskFailure {
	case "stop", "continue":
	default:
		return fmt.Errorf("loop.on_task_failure must be stop or continue, got %q", c.Loop.OnTaskFailure)
	}
	switch c.Tasks.Backend {
	case BackendSQLite, BackendBeads:
	default:
		return fmt.Errorf("tasks.backend must be %s or %s, got %q", BackendSQLite, BackendBeads, c.Tasks.Backend)
	}
	if c.Budget.MaxTotalCost < 0 || c.Budget.MaxTokensPerTask < 0 || c.Budget.MaxTotalTokens < 0 {
		return fmt.Errorf("budget ceilings must not be negative")
	}
	if c.Budget.WarningThreshold < 0 || c.Budget.WarningThreshold > 1 {
		return fmt.Errorf("budget.warning_threshold must be between 0 and 1, got %v", c.Budget.WarningThreshold)
	}
	if c.CircuitBreaker.TimeoutMinutes < 0 {
		return fmt.Errorf("circuit_breaker.timeout_minutes must not be negative")
	}
	if c.Loop.MaxIterations < 0 || c.Loop.MaxTaskFailures < 0 {
		return fmt.Errorf("loop limits must not be negative")
	}
	return nil
}

// Save writes cfg as YAML to path, creating parent directories. The API
// key is never written.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	v := toViper(cfg)
	v.SetConfigFile(path)
	return v.WriteConfig()
}

// toViper flattens cfg into viper keys, leaving out the API key.
func toViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.Set("harness.name", cfg.Harness.Name)
	v.Set("harness.priority", cfg.Harness.Priority)
	v.Set("harness.model", cfg.Harness.Model)
	v.Set("budget.max_total_cost", cfg.Budget.MaxTotalCost)
	v.Set("budget.max_tokens_per_task", cfg.Budget.MaxTokensPerTask)
	v.Set("budget.max_total_tokens", cfg.Budget.MaxTotalTokens)
	v.Set("budget.warning_threshold", cfg.Budget.WarningThreshold)
	v.Set("circuit_breaker.enabled", cfg.CircuitBreaker.Enabled)
	v.Set("circuit_breaker.timeout_minutes", cfg.CircuitBreaker.TimeoutMinutes)
	v.Set("circuit_breaker.poll_interval", cfg.CircuitBreaker.PollInterval.String())
	v.Set("loop.max_iterations", cfg.Loop.MaxIterations)
	v.Set("loop.on_task_failure", cfg.Loop.OnTaskFailure)
	v.Set("loop.require_clean_git", cfg.Loop.RequireCleanGit)
	v.Set("loop.max_task_failures", cfg.Loop.MaxTaskFailures)
	v.Set("verify.commands", cfg.Verify.Commands)
	v.Set("verify.timeout", cfg.Verify.Timeout.String())
	v.Set("tasks.backend", cfg.Tasks.Backend)
	v.Set("anthropic.bedrock", cfg.Anthropic.Bedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("worktree.base_dir", cfg.Worktree.BaseDir)
	v.Set("worktree.pr_command", cfg.Worktree.PRCommand)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	return v
}

// Settings returns cfg as a nested map keyed like the config file. The
// API key is masked.
func Settings(cfg *Config) map[string]any {
	v := toViper(cfg)
	if cfg.Anthropic.APIKey != "" {
		v.Set("anthropic.api_key", MaskAPIKey(cfg.Anthropic.APIKey))
	}
	return v.AllSettings()
}

// Get returns the value of a dotted key such as "budget.max_total_cost".
func Get(cfg *Config, key string) (any, bool) {
	v := toViper(cfg)
	key = strings.ToLower(key)
	if key == "anthropic.api_key" {
		return MaskAPIKey(cfg.Anthropic.APIKey), true
	}
	if !slices.Contains(v.AllKeys(), key) {
		return nil, false
	}
	return v.Get(key), true
}

// listKeys take every value given to SetValue.
var listKeys = map[string]bool{
	"harness.priority": true,
	"verify.commands":  true,
}

// SetValue sets key in the config file at path, creating the file if
// needed. The file is left unchanged when the result does not load or
// validate.
func SetValue(path, key string, values ...string) error {
	key = strings.ToLower(key)
	if _, ok := Get(Default(), key); !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if len(values) == 0 {
		return fmt.Errorf("no value given for %s", key)
	}
	if !listKeys[key] && len(values) > 1 {
		return fmt.Errorf("%s takes a single value", key)
	}

	previous, readErr := os.ReadFile(path)
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if readErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	if listKeys[key] {
		v.Set(key, values)
	} else {
		v.Set(key, values[0])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfig(); err != nil {
		return err
	}

	restore := func() {
		if readErr == nil {
			os.WriteFile(path, previous, 0644)
		} else {
			os.Remove(path)
		}
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		restore()
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		restore()
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("harness.name", d.Harness.Name)
	v.SetDefault("harness.priority", d.Harness.Priority)
	v.SetDefault("harness.model", d.Harness.Model)

	v.SetDefault("budget.max_total_cost", d.Budget.MaxTotalCost)
	v.SetDefault("budget.max_tokens_per_task", d.Budget.MaxTokensPerTask)
	v.SetDefault("budget.max_total_tokens", d.Budget.MaxTotalTokens)
	v.SetDefault("budget.warning_threshold", d.Budget.WarningThreshold)

	v.SetDefault("circuit_breaker.enabled", d.CircuitBreaker.Enabled)
	v.SetDefault("circuit_breaker.timeout_minutes", d.CircuitBreaker.TimeoutMinutes)
	v.SetDefault("circuit_breaker.poll_interval", "1s")

	v.SetDefault("loop.max_iterations", d.Loop.MaxIterations)
	v.SetDefault("loop.on_task_failure", d.Loop.OnTaskFailure)
	v.SetDefault("loop.require_clean_git", d.Loop.RequireCleanGit)
	v.SetDefault("loop.max_task_failures", d.Loop.MaxTaskFailures)

	v.SetDefault("verify.commands", []string{})
	v.SetDefault("verify.timeout", "10m")

	v.SetDefault("tasks.backend", d.Tasks.Backend)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("worktree.base_dir", d.Worktree.BaseDir)
	v.SetDefault("worktree.pr_command", "")

	v.SetDefault("tui.refresh_rate", "500ms")
}

// getUserConfigDir returns the XDG config directory for cub.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "cub")
	}
	return filepath.Join(home, ".config", "cub")
}

// findProjectConfig looks in CUB_PROJECT_ROOT first, then searches the
// current directory and its parents.
func findProjectConfig() string {
	if root := os.Getenv(EnvProjectRoot); root != "" {
		if path := filepath.Join(root, ProjectConfigName); fileExists(path) {
			return path
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if path := filepath.Join(cwd, ProjectConfigName); fileExists(path) {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FindProjectRoot returns CUB_PROJECT_ROOT when set, otherwise the nearest
// directory at or above start containing .cub or .git, otherwise start.
func FindProjectRoot(start string) string {
	if root := os.Getenv(EnvProjectRoot); root != "" {
		return root
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	for d := dir; ; {
		if fileExists(filepath.Join(d, ".cub")) || fileExists(filepath.Join(d, ".git")) {
			return d
		}
		parent := filepath.Dir(d)
		if parent == d {
			return dir
		}
		d = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Harness: HarnessConfig{
			Priority: []string{"claude", "codex", "gemini", "opencode", "api"},
		},
		Budget: BudgetConfig{
			WarningThreshold: 0.8,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        true,
			TimeoutMinutes: 30,
			PollInterval:   time.Second,
		},
		Loop: LoopConfig{
			OnTaskFailure:   "stop",
			MaxTaskFailures: 3,
		},
		Verify: VerifyConfig{
			Timeout: 10 * time.Minute,
		},
		Tasks: TasksConfig{
			Backend: BackendSQLite,
		},
		Worktree: WorktreeConfig{
			BaseDir: filepath.Join(".cub", "worktrees"),
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}

// runtimeIgnore keeps per-machine state under .cub out of git so it never
// shows up as a task's changed files or dirties the work tree.
const runtimeIgnore = `# cub runtime state
*.db
*.db-*
ledger/
runs/
logs/
signals/
worktrees/
`

// EnsureProjectDir creates .cub under root and writes its .gitignore if
// missing. An existing .gitignore is left alone.
func EnsureProjectDir(root string) error {
	dir := filepath.Join(root, ".cub")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	path := filepath.Join(dir, ".gitignore")
	if fileExists(path) {
		return nil
	}
	if err := os.WriteFile(path, []byte(runtimeIgnore), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
