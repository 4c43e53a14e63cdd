package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Nya-Foundation/nyaproxy-go/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or validate process configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load configuration and the apis file, reporting any error without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		fmt.Printf("configuration OK: %d upstream(s) configured, listening on %s:%d\n", len(cfg.Upstreams), cfg.Host, cfg.Port)
		for _, d := range cfg.Upstreams {
			fmt.Printf("  - %s -> %s\n", d.Name, d.BaseURL)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
