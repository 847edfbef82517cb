package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/lavallee/cub/internal/api"
	"github.com/lavallee/cub/internal/beads"
	"github.com/lavallee/cub/internal/config"
	iexec "github.com/lavallee/cub/internal/exec"
	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/internal/ledger"
	"github.com/lavallee/cub/internal/state"
	"github.com/lavallee/cub/internal/tasks"
)

// project bundles what every command needs from the working directory:
// the resolved root, the merged config and the lazily opened stores.
type project struct {
	root string
	cfg  *config.Config

	db     *state.DB
	ledger *ledger.Ledger
}

// loadConfig reads --config when given, otherwise the user and project
// files, and validates the result.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFromPath(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openProject resolves the project root from the working directory and
// loads its config. Stores are opened on first use.
func openProject() (*project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	root := config.FindProjectRoot(cwd)
	if err := config.EnsureProjectDir(root); err != nil {
		return nil, err
	}
	return &project{root: root, cfg: cfg}, nil
}

// workDir is where harnesses run: the current directory for a loop
// started inside a worktree, the project root otherwise.
func (p *project) workDir() string {
	if os.Getenv(config.EnvProjectRoot) != "" {
		if cwd, err := os.Getwd(); err == nil {
			return cwd
		}
	}
	return p.root
}

func (p *project) DB() (*state.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	db, err := state.OpenProject(p.root)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	p.db = db
	return db, nil
}

func (p *project) Ledger() (*ledger.Ledger, error) {
	if p.ledger != nil {
		return p.ledger, nil
	}
	led, err := ledger.Open(ledger.ProjectDir(p.root))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	p.ledger = led
	return led, nil
}

// TaskSource returns the configured task backend.
func (p *project) TaskSource() (tasks.Source, error) {
	switch p.cfg.Tasks.Backend {
	case config.BackendBeads:
		runner := iexec.NewRunner()
		if !beads.IsAvailable(runner, p.root) {
			return nil, fmt.Errorf("tasks.backend is beads but %s has no .beads directory or bd is not installed", p.root)
		}
		return beads.New(runner, p.root), nil
	default:
		db, err := p.DB()
		if err != nil {
			return nil, err
		}
		return db.Tasks(), nil
	}
}

// recoverOrphans releases tasks held by sessions whose process is gone.
func (p *project) recoverOrphans(ctx context.Context) {
	db, err := p.DB()
	if err != nil {
		return
	}
	recovered, err := db.RecoverOrphans(ctx)
	if err != nil {
		warnf("recover orphaned runs: %v", err)
	}
	for _, r := range recovered {
		printStatus("↺", fmt.Sprintf("Recovered orphaned session %s (released %d task(s))", r.SessionID, len(r.Released)), color.FgYellow)
	}
}

func (p *project) Close() {
	if p.db != nil {
		p.db.Close()
	}
}

// harnessDir holds custom harness definitions for the project.
func harnessDir(root string) string {
	return filepath.Join(root, ".cub", "harnesses")
}

// buildRegistry registers claude, every catalog CLI and the API agent.
// Catalog definitions may override the built-in claude backend by name.
func buildRegistry(root string, cfg *config.Config) (*harness.Registry, error) {
	catalog, err := harness.LoadCatalog(harnessDir(root))
	if err != nil {
		return nil, err
	}
	reg := harness.NewRegistry(harness.NewClaudeBackend())
	for _, b := range catalog.Backends() {
		reg.Register(b)
	}

	key, _, _ := config.GetAPIKey(cfg)
	reg.Register(api.NewBackend(api.ClientConfig{
		Model:         cfg.Harness.Model,
		APIKey:        key,
		UseAWSBedrock: cfg.Anthropic.Bedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}))
	return reg, nil
}
