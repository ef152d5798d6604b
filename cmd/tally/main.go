package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tally/api/internal/app"
	"tally/api/internal/config"
	"tally/api/internal/logging"
	"tally/api/internal/ratelimit"
	"tally/api/internal/store"
	"tally/api/internal/vote"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tally",
	Short:        "Vote and reputation service",
	SilenceUsage: true,
}

type voteStore interface {
	vote.Store
	CreateTarget(ctx context.Context, target vote.Target, authorID string) error
}

type rateGuard interface {
	Admit(ctx context.Context, actorID string) (ratelimit.Decision, error)
	ReserveNewVote(ctx context.Context, actorID string) (ratelimit.Decision, error)
	ReleaseNewVote(ctx context.Context, actorID string) error
}

// deps holds the wired dependencies of one command. The caller must defer
// close().
type deps struct {
	cfg     config.Config
	logger  *slog.Logger
	service *app.Service
	closers []func() error
}

func (r *deps) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", "error", err)
		}
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel), nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// newDeps connects the configured store and rate guard.
func newDeps(ctx context.Context) (*deps, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	r := &deps{cfg: cfg, logger: logger}

	var dataStore voteStore
	switch cfg.Store {
	case config.StoreMemory:
		logger.Info("using in-memory vote store")
		dataStore = store.NewMemoryStore(cfg.LockTimeout)
	default:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, db.Close)
		if err := store.ApplyMigrations(db); err != nil {
			r.close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db, store.TxConfig{LockTimeout: cfg.LockTimeout, Timeout: cfg.TxTimeout})
	}

	limits := ratelimit.Limits{
		VelocityLimit:  cfg.RateGuard.VelocityLimit,
		VelocityWindow: cfg.RateGuard.VelocityWindow,
		DailyQuota:     cfg.RateGuard.DailyQuota,
	}
	var guard rateGuard
	switch cfg.RateGuard.Backend {
	case config.GuardStore:
		logger.Info("using store-backed rate guard")
		guard = ratelimit.NewStoreGuard(dataStore, limits, nil)
	default:
		redisGuard, err := ratelimit.NewRedisGuard(cfg.RedisURL, limits, nil)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		r.closers = append(r.closers, redisGuard.Close)
		guard = redisGuard
	}

	r.service = app.New(cfg, dataStore, guard, logger)
	return r, nil
}

// errDriftFound makes an unrepaired reconcile exit non-zero.
var errDriftFound = errors.New("drift found")

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, tokenCmd)
}
