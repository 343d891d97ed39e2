// Package cli wires configuration, storage and transport into the slots
// command line.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/config"
	"github.com/cimillas/delivery-slots/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the slots CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Delivery slot reservation service",
		Long:  "Serves time block availability and capacity-safe delivery slot reservations.",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// bootstrap loads .env, the config file and builds the logger.
func bootstrap(opts *RootOptions) (config.Config, *zap.Logger, error) {
	envPath, envErr := config.LoadEnvFile()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, err
	}

	switch {
	case envErr != nil:
		logger.Warn("failed to load .env", zap.Error(envErr))
	case envPath != "":
		logger.Info("loaded env file", zap.String("path", envPath))
	}
	return cfg, logger, nil
}
