// Package cmd provides the CLI commands for Parley.
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/appdir"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
)

var (
	// Global flags
	configPath    string
	serverURL     string
	username      string
	model         string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - A terminal client for streaming chat backends",
	Long: `Parley is a command-line client for streaming conversation
backends speaking the snapshot-frame exchange protocol.

It manages multiple chat sessions, streams assistant responses as
they are generated, and supports out-of-band file uploads bound to
a conversation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > config > default
		effectiveLogLevel := ""
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Parley directory: %w", err)
		}

		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Flag overrides
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if username != "" {
			cfg.Username = username
		}
		if model != "" {
			cfg.DefaultModel = model
		}
		if effectiveLogLevel == "" {
			effectiveLogLevel = cfg.Log.Level
		}

		fileLog := fileLogConfig(cfg)
		if logFile != "" {
			fl := logging.DefaultFileLogConfig()
			fl.Path = logFile
			fileLog = &fl
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			FileLog:    fileLog,
			JSON:       cfg.Log.JSON,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides the default location)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Backend WebSocket URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&username, "user", "", "Username sent with every exchange (overrides config)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Default model identifier (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'session,exchange'). Empty means all components.")
}

// fileLogConfig derives the rotating-file logging setup from the
// configuration. Returns nil when file logging is disabled and no default
// log location could be resolved.
func fileLogConfig(cfg *config.Config) *logging.FileLogConfig {
	path := cfg.Log.File
	if path == "" {
		logsDir, err := appdir.LogsDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(logsDir, "parley.log")
	}
	fl := logging.DefaultFileLogConfig()
	fl.Path = path
	if cfg.Log.MaxSizeMB > 0 {
		fl.MaxSizeMB = cfg.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups > 0 {
		fl.MaxBackups = cfg.Log.MaxBackups
	}
	return &fl
}
