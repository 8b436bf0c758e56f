package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/handoff-chat/handoff/internal/config"
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Handoff configuration",
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	fmt.Printf("config file:  %s\n", path)
	fmt.Printf("api:          %s\n", cfg.API.BaseURL)
	fmt.Printf("push:         %s\n", cfg.Push.BaseURL)
	fmt.Printf("tenant:       %s (role: %s)\n", cfg.Tenant.CompanyID, cfg.Tenant.Role)
	if cfg.Agent.ID != "" {
		fmt.Printf("agent:        %s (%s)\n", cfg.Agent.ID, cfg.Agent.Name)
	}
	if cfg.Auth.Token != "" {
		fmt.Println("auth:         token configured")
	} else {
		fmt.Println("auth:         no token")
	}
	return nil
}
