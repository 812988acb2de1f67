package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/leader"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/sweeper"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagStoreBackend   = "store-backend"
	flagListenAddr     = "listen-addr"
	flagRedisURL       = "redis-url"
	flagSweepInterval  = "sweep-interval"
	flagSweepLeaseKey  = "sweep-lease-key"
	flagAllowedOrigins = "allowed-origins"

	configKeyDatabaseURL    = "database_url"
	configKeyStoreBackend   = "store_backend"
	configKeyListenAddr     = "listen_addr"
	configKeyRedisURL       = "redis_url"
	configKeySweepInterval  = "sweep_interval"
	configKeySweepLeaseKey  = "sweep_lease_key"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL   = "sqlite:///tmp/creditledger.db"
	defaultListenAddr    = ":8080"
	backendGorm          = "gorm"
	backendPgx           = "pgx"
	defaultSweepInterval = time.Minute
	defaultSweepLeaseKey = "creditledger:sweep-leader"
)

type runtimeConfig struct {
	DatabaseURL    string
	StoreBackend   string
	ListenAddr     string
	RedisURL       string
	SweepInterval  time.Duration
	SweepLeaseKey  string
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server with scheduled grant sweeps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagStoreBackend, backendGorm, "Storage backend: gorm, or pgx for raw PostgreSQL access")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisURL, "", "Redis URL for the sweep leader lease (empty runs the sweeper unconditionally)")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "Interval between grant lifecycle sweeps")
	cmd.Flags().String(flagSweepLeaseKey, defaultSweepLeaseKey, "Redis key for the sweep leader lease")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyStoreBackend:   "STORE_BACKEND",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyRedisURL:       "REDIS_URL",
		configKeySweepInterval:  "SWEEP_INTERVAL",
		configKeySweepLeaseKey:  "SWEEP_LEASE_KEY",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyStoreBackend:   flagStoreBackend,
		configKeyListenAddr:     flagListenAddr,
		configKeyRedisURL:       flagRedisURL,
		configKeySweepInterval:  flagSweepInterval,
		configKeySweepLeaseKey:  flagSweepLeaseKey,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flagName := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = backendGorm
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.RedisURL = viper.GetString(configKeyRedisURL)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	cfg.SweepLeaseKey = viper.GetString(configKeySweepLeaseKey)
	if cfg.SweepLeaseKey == "" {
		cfg.SweepLeaseKey = defaultSweepLeaseKey
	}
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	guard, guardCleanup, err := newSweepGuard(cfg)
	if err != nil {
		return fmt.Errorf("sweep guard init: %w", err)
	}
	defer guardCleanup()

	runner := sweeper.New(service, guard, cfg.SweepInterval, logger)
	go func() {
		if err := runner.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, service, logger)
}

func newSweepGuard(cfg *runtimeConfig) (leader.Guard, func(), error) {
	if cfg.RedisURL == "" {
		return leader.Static(true), func() {}, nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(options)
	guard := leader.NewRedisGuard(client, cfg.SweepLeaseKey, 3*cfg.SweepInterval)
	return guard, func() { _ = client.Close() }, nil
}

// openStore picks the storage backend. The pgx backend talks to PostgreSQL
// directly through a pgxpool and assumes the schema is already in place;
// the gorm backend serves both dialects and auto-migrates on sqlite.
func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func(), error) {
	switch cfg.StoreBackend {
	case backendGorm:
		return openGormStore(ctx, cfg.DatabaseURL)
	case backendPgx:
		if !isPostgresDSN(cfg.DatabaseURL) {
			return nil, nil, fmt.Errorf("store backend %q requires a postgres:// database url", backendPgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}

func openGormStore(ctx context.Context, dsn string) (credits.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(db, driver); err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresDSN(dsn) {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
