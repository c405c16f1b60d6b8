// Package cli wires the assessment-engine commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/terra-clan/assessment-engine/internal/config"
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "assessment-engine",
		Short:         "Candidate coding assessment engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newClientCmd())
	return cmd
}

// loadConfig installs the JSON logger at the configured level and returns
// the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.Level,
	})))
	return cfg, nil
}
