package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/beads"
	"github.com/lavallee/cub/internal/config"
	iexec "github.com/lavallee/cub/internal/exec"
	"github.com/lavallee/cub/internal/exitcode"
	"github.com/lavallee/cub/internal/state"
)

var (
	initForce   bool
	initBackend string
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a cub project",
	Long: `Initialize a directory for use with cub.

This command:
  - Checks prerequisites (git, at least one harness)
  - Creates .cub with a .gitignore for runtime state
  - Writes .cub/config.yaml with the default settings
  - Creates the task database (sqlite backend)

Examples:
  cub init                   # Initialize the current directory
  cub init ./myproject       # Initialize another directory
  cub init --backend beads   # Use an existing beads tracker for tasks`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing .cub/config.yaml")
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendSQLite, "Task backend: sqlite or beads")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing cub in %s...\n\n", absPath)

	if _, err := exec.LookPath("git"); err != nil {
		printStatus("⚠", "git not found (needed for file attribution and 'cub parallel')", color.FgYellow)
	} else if !isGitRepo(absPath) {
		printStatus("⚠", "Not a git repository (run 'git init' to enable attribution and worktrees)", color.FgYellow)
	} else {
		printStatus("✓", "Git repository found", color.FgGreen)
	}

	cfg := config.Default()
	cfg.Tasks.Backend = initBackend
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitcode.Usage, err: err}
	}

	reg, err := buildRegistry(absPath, cfg)
	if err != nil {
		return err
	}
	var available []string
	for _, name := range reg.Names() {
		if b, ok := reg.Get(name); ok && b.Available() {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		printStatus("⚠", "No harness available (install claude, codex, gemini or opencode, or set ANTHROPIC_API_KEY)", color.FgYellow)
	} else {
		printStatus("✓", "Harnesses available: "+strings.Join(available, ", "), color.FgGreen)
	}

	if err := config.EnsureProjectDir(absPath); err != nil {
		return err
	}
	printStatus("✓", "Created .cub", color.FgGreen)

	cfgPath := filepath.Join(absPath, config.ProjectConfigName)
	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		printStatus("•", ".cub/config.yaml exists, leaving it alone (use --force to overwrite)", color.FgCyan)
	} else {
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		printStatus("✓", "Wrote .cub/config.yaml", color.FgGreen)
	}

	switch initBackend {
	case config.BackendBeads:
		if !beads.IsAvailable(iexec.NewRunner(), absPath) {
			printStatus("⚠", "beads backend selected but no .beads directory or bd binary found (run 'bd init')", color.FgYellow)
		} else {
			printStatus("✓", "Using beads for tasks", color.FgGreen)
		}
	default:
		db, err := state.OpenProject(absPath)
		if err != nil {
			return fmt.Errorf("creating task database: %w", err)
		}
		db.Close()
		printStatus("✓", "Created task database", color.FgGreen)
	}

	fmt.Printf("\n%s cub initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if initBackend == config.BackendSQLite {
		fmt.Println("  1. Add tasks:")
		fmt.Println("     cub task add \"Write the login handler\"")
		fmt.Println("     cub task import tasks.yaml")
		fmt.Println()
	}
	fmt.Println("  2. Run the loop:")
	fmt.Println("     cub run")
	fmt.Println()
	fmt.Println("  3. Watch it from another terminal:")
	fmt.Println("     cub monitor")
	return nil
}
