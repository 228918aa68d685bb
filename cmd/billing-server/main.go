package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/billing/internal/config"
	"github.com/hms/billing/internal/domain/billing"
	"github.com/hms/billing/internal/platform/auth"
	"github.com/hms/billing/internal/platform/db"
	"github.com/hms/billing/internal/platform/docstore"
	"github.com/hms/billing/internal/platform/identity"
	"github.com/hms/billing/internal/platform/middleware"
	"github.com/hms/billing/internal/platform/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "billing-server",
		Short: "Hospital billing ledger API server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations for the bill store",
	}

	openMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
		}
		pool, err := db.NewPool(cmd.Context(), db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, os.DirFS(dir), schema), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied() {
					status = "applied"
					appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "billing").Logger()
}

// billStore is the selected bill repository plus its health check and
// shutdown hook.
type billStore struct {
	bills  billing.BillRepository
	health echo.HandlerFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*billStore, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to postgres")
		return &billStore{
			bills:  billing.NewBillRepoPG(pool),
			health: db.HealthHandler(pool),
			close:  pool.Close,
		}, nil

	case config.StoreMongo:
		client, err := docstore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		database := client.Database(cfg.MongoDatabase)
		if err := billing.EnsureBillIndexes(ctx, database); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")
		return &billStore{
			bills:  billing.NewBillRepoMongo(database),
			health: docstore.HealthHandler(client),
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Disconnect(ctx)
			},
		}, nil

	case config.StoreMemory:
		logger.Warn().Msg("using in-memory bill store; bills are lost on restart")
		return &billStore{
			bills: billing.NewBillRepoMemory(),
			health: func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "store": "memory"})
			},
			close: func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// newPatientGateway builds the patient-existence check, fronted by a Redis
// cache when REDIS_URL is set. A cache that cannot be reached is skipped.
func newPatientGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (identity.Gateway, func()) {
	var gw identity.Gateway = identity.NewHTTPGateway(cfg.PatientServiceURL, cfg.PatientServiceTimeout, cfg.PatientServiceToken)
	if cfg.RedisURL == "" {
		return gw, func() {}
	}
	cache, err := identity.NewRedisPatientCache(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("patient cache unavailable, verifying every request against the patient service")
		return gw, func() {}
	}
	logger.Info().Dur("ttl", cfg.PatientCacheTTL).Msg("patient cache enabled")
	return identity.NewCachedGateway(gw, cache, cfg.PatientCacheTTL, logger), func() { _ = cache.Close() }
}

// ledgerRetries maps BILL_MAX_RETRIES onto billing.Options, where zero
// means the default bound.
func ledgerRetries(n int) int {
	if n == 0 {
		return billing.NoRetries
	}
	return n
}

func newServer(cfg *config.Config, logger zerolog.Logger, svc *billing.Service, storeHealth echo.HandlerFunc, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, billing.IdempotencyKeyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "billing"})
	})
	e.GET("/health/store", storeHealth)
	e.GET("/metrics", metrics.Handler())

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.JWTSecret == "" {
		logger.Warn().Msg("development mode without JWT_SECRET: every request is treated as admin")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSecret),
		})
	}

	apiV1 := e.Group("/api/v1", authMW)
	billing.NewHandler(svc, cfg.CurrencyExponent).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open bill store")
		return err
	}
	defer store.close()

	patients, closeGateway := newPatientGateway(ctx, cfg, logger)
	defer closeGateway()

	metrics := telemetry.New()
	svc := billing.NewService(store.bills, patients, billing.Options{
		MaxRetries: ledgerRetries(cfg.BillMaxRetries),
		Logger:     logger.With().Str("component", "ledger").Logger(),
		Metrics:    metrics,
	})
	e := newServer(cfg, logger, svc, store.health, metrics)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting billing server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
