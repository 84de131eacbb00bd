package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iliyamo/calcmei/internal/config"
)

func main() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand shares once PersistentPreRunE ran.
type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	var (
		c        cli
		logLevel string
	)
	root := cobra.Command{
		Use:           "calcmei",
		Short:         "Auth, session and usage-gating service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			c.cfg = cfg
			c.logger = config.NewLogger(cmd.OutOrStdout(), cfg.LogLevel)
			slog.SetDefault(c.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(
		newServeCmd(&c),
		newMigrateCmd(&c),
		newSweepCmd(&c),
		newAuditCmd(&c),
	)
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override LOG_LEVEL (debug|info|warn|error)")
	return &root
}
