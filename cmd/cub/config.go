package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lavallee/cub/internal/config"
)

var (
	configUser  bool
	configForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View or modify cub configuration.

Configuration is merged from, lowest to highest:
  - built-in defaults
  - the user file at $XDG_CONFIG_HOME/cub/config.yaml
  - the project file at .cub/config.yaml
  - CUB_<SECTION>_<KEY> environment variables (e.g. CUB_BUDGET_MAX_TOTAL_COST)
  - flags of the command being run

'set' and 'init' write the project file unless --user is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowCmd.RunE(cmd, args)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(config.Settings(cfg))
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, ok := config.Get(cfg, args[0])
		if !ok {
			return fmt.Errorf("unknown configuration key: %s", args[0])
		}
		if list, ok := v.([]string); ok {
			for _, item := range list {
				fmt.Println(item)
			}
			return nil
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value> [value...]",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the project (or --user) config file.
List keys (harness.priority, verify.commands) take every value given.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configTarget()
		if err != nil {
			return err
		}
		if err := config.SetValue(path, args[0], args[1:]...); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Set %s in %s", args[0], path), color.FgGreen)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configTarget()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
		printStatus("✓", "Wrote "+path, color.FgGreen)
		return nil
	},
}

// configTarget is the file set and init write to.
func configTarget() (string, error) {
	if configUser {
		return config.GetUserConfigPath(), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root := config.FindProjectRoot(cwd)
	if root == "" {
		return "", errors.New("no project directory found")
	}
	return filepath.Join(root, config.ProjectConfigName), nil
}

func init() {
	for _, c := range []*cobra.Command{configSetCmd, configInitCmd} {
		c.Flags().BoolVar(&configUser, "user", false, "Write the user config file instead of the project one")
	}
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}
