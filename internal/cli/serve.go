package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/config"
	"github.com/cimillas/delivery-slots/internal/storage/boltstore"
	"github.com/cimillas/delivery-slots/internal/storage/dynamostore"
	"github.com/cimillas/delivery-slots/internal/storage/postgres"
	transporthttp "github.com/cimillas/delivery-slots/internal/transport/http"
	"github.com/cimillas/delivery-slots/migrations"
)

const startupTimeout = 5 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

// runServe blocks until ctx is cancelled, then shuts the server down.
func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := openPool(startupCtx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.Apply(startupCtx, pool)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("names", applied))
	}

	clk := clock.NewSystem()
	ledger, closeLedger, err := openLedger(startupCtx, cfg, pool, clk, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	schedule, err := cfg.Schedule.Policy()
	if err != nil {
		return err
	}

	blocks := postgres.NewTimeBlockRepository(pool)
	handler := transporthttp.NewRouter(transporthttp.Services{
		Availability: app.NewAvailabilityService(blocks, clk, app.WithAvailabilitySchedule(schedule)),
		Guard: app.NewOwnershipGuard(
			postgres.NewSessionRepository(pool, clk),
			app.WithGuardLogger(logger),
		),
		Slots: app.NewReservationService(
			postgres.NewReservationRepository(pool, cfg.Reservation.LockTimeout),
			ledger,
			clk,
			app.WithTxTimeout(cfg.Reservation.TxTimeout),
			app.WithReservationSchedule(schedule),
			app.WithReservationLogger(logger),
		),
		Admin: app.NewAdminService(blocks),
		DB:    pool,
	}, cfg.Server.CORSOrigins, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening",
		zap.String("addr", server.Addr),
		zap.String("idempotency_backend", cfg.Idempotency.Backend),
	)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

// openLedger builds the configured idempotency backend. The returned func
// releases it.
func openLedger(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, clk clock.Clock, logger *zap.Logger) (app.IdempotencyLedger, func(), error) {
	idem := cfg.Idempotency
	switch idem.Backend {
	case config.BackendPostgres:
		return postgres.NewIdempotencyLedger(pool, clk, idem.Retention), func() {}, nil
	case config.BackendBolt:
		l, err := boltstore.Open(idem.BoltPath, clk, idem.Retention)
		if err != nil {
			return nil, nil, err
		}
		purged, err := l.Purge(ctx)
		if err != nil {
			logger.Warn("failed to purge expired idempotency records", zap.Error(err))
		} else if purged > 0 {
			logger.Info("purged expired idempotency records", zap.Int("count", purged))
		}
		return l, func() {
			if err := l.Close(); err != nil {
				logger.Warn("failed to close bolt ledger", zap.Error(err))
			}
		}, nil
	case config.BackendDynamoDB:
		client, err := dynamostore.NewClient(ctx, idem.AWSRegion, idem.AWSEndpoint)
		if err != nil {
			return nil, nil, err
		}
		return dynamostore.NewLedger(client, idem.DynamoDBTable, clk, idem.Retention), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency backend %q", idem.Backend)
	}
}
