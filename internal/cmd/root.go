// Package cmd provides the CLI commands for Handoff.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/handoff-chat/handoff/internal/api"
	"github.com/handoff-chat/handoff/internal/config"
	"github.com/handoff-chat/handoff/internal/lifecycle"
	"github.com/handoff-chat/handoff/internal/logging"
	"github.com/handoff-chat/handoff/internal/tenant"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Handoff - support chat hand-off console",
	Long: `Handoff is a command-line console for escalated support chats.

Agents use it to watch the waiting queue, accept sessions, and chat with
users over a live push channel; admins additionally assign sessions to
specific agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Initialize logging
		// Priority: --log-level flag > --debug flag > config > default (info)
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

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if effectiveLogLevel == "" {
			effectiveLogLevel = cfg.Log.Level
		}
		effectiveLogFile := logFile
		if effectiveLogFile == "" {
			effectiveLogFile = cfg.Log.File
		}
		if len(components) == 0 {
			components = cfg.Log.Components
		}

		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			LogFile:    effectiveLogFile,
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
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: ~/.handoffrc, HANDOFFRC overrides)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'push,session,upload'). Empty means all components.")
}

// buildClient returns an API client for the configured tenant.
func buildClient() (*api.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	opts := []api.Option{
		api.WithToken(cfg.Auth.Token),
		api.WithLogger(logging.Tenant()),
	}
	return api.New(cfg.API.BaseURL, cfg.Scope(), opts...), nil
}

// buildActor returns the lifecycle actor described by the configuration.
func buildActor() (lifecycle.Actor, error) {
	if cfg == nil {
		return lifecycle.Actor{}, fmt.Errorf("configuration not loaded")
	}

	scope := cfg.Scope()
	if scope.Role != tenant.RoleUser && cfg.Agent.ID == "" {
		return lifecycle.Actor{}, fmt.Errorf("agent.id is required for role %q", scope.Role)
	}
	return lifecycle.Actor{
		ID:    cfg.Agent.ID,
		Name:  cfg.Agent.Name,
		Scope: scope,
	}, nil
}

// buildController wires a lifecycle controller over a fresh API client.
func buildController() (*lifecycle.Controller, *api.Client, error) {
	client, err := buildClient()
	if err != nil {
		return nil, nil, err
	}
	actor, err := buildActor()
	if err != nil {
		return nil, nil, err
	}
	return lifecycle.NewController(client, actor, logging.Session()), client, nil
}
