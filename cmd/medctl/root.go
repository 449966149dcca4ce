package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/app"
	"github.com/carepath/medtrack/internal/config"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "medctl",
		Short:         "Operator tooling for the medication schedule tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global config flag, available for all commands.
	cmd.PersistentFlags().String("config", "", "config file path (env overrides still apply)")
	cmd.PersistentFlags().Bool("verbose", false, "log to stderr")

	cmd.AddCommand(newCatalogCommand())
	cmd.AddCommand(newSmokeCommand())
	cmd.AddCommand(newTopicsCommand())
	cmd.AddCommand(newSchemaCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

// loadConfig reads the --config file and builds a logger that is silent
// unless --verbose is set.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if !verbose {
		return cfg, zap.NewNop(), nil
	}
	logger, err := app.NewLogger(config.LoggingConfig{Level: cfg.Logging.Level, Development: true})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
