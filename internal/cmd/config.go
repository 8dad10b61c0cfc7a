package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/appdir"
	"github.com/parleyhq/parley/internal/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Parley configuration",
	Long: `Manage Parley configuration files.

Use the subcommands to create or inspect configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file in the Parley data directory.

This command writes the default configuration to config.yaml. After
creating the file, review and customize it for your environment.

Examples:
  parley config create                       # Create in the data directory
  parley config create --output /path/to     # Create /path/to/config.yaml
  parley config create --force               # Overwrite existing file`,
	RunE: runConfigCreate,
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Directory to write the config file (default: the Parley data directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	var path string
	if configOutputPath != "" {
		path = filepath.Join(configOutputPath, appdir.ConfigFileName)
	} else {
		var err error
		path, err = appdir.ConfigPath()
		if err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Printf("Created configuration file: %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Printf("server_url:    %s\n", cfg.ServerURL)
	fmt.Printf("username:      %s\n", cfg.Username)
	fmt.Printf("default_model: %s\n", cfg.DefaultModel)
	fmt.Printf("idle_timeout:  %s\n", cfg.IdleTimeout())
	return nil
}
