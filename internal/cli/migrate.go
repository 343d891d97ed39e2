package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/config"
	"github.com/cimillas/delivery-slots/internal/storage/dynamostore"
	"github.com/cimillas/delivery-slots/migrations"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply pending database migrations",
		Long:         "Applies embedded Postgres migrations and, for the dynamodb backend, creates the ledger table.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runMigrate(cmd.Context(), cmd, cfg, logger)
		},
	}
}

func runMigrate(ctx context.Context, cmd *cobra.Command, cfg config.Config, logger *zap.Logger) error {
	pool, err := openPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, name := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
	}
	logger.Info("migrations applied", zap.Int("count", len(applied)))

	if cfg.Idempotency.Backend == config.BackendDynamoDB {
		client, err := dynamostore.NewClient(ctx, cfg.Idempotency.AWSRegion, cfg.Idempotency.AWSEndpoint)
		if err != nil {
			return err
		}
		if err := dynamostore.EnsureTable(ctx, client, cfg.Idempotency.DynamoDBTable); err != nil {
			return err
		}
		logger.Info("dynamodb ledger table ready", zap.String("table", cfg.Idempotency.DynamoDBTable))
	}
	return nil
}
