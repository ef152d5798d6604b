package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tally/api/internal/app"
	"tally/api/internal/auth"
	"tally/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer r.close()

		if err := r.service.Bootstrap(ctx); err != nil {
			r.logger.Warn("bootstrap failed", "error", err)
		}

		httpServer := app.NewHTTPServer(r.service, r.cfg.JWTSecret, r.cfg.CORSOrigin, r.logger)
		server := &http.Server{
			Addr:              r.cfg.Addr,
			Handler:           httpServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			r.logger.Info("tally api listening", "addr", r.cfg.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-sigCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		r.logger.Info("tally api stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		switch args[0] {
		case "up":
			if err := store.ApplyMigrations(db); err != nil {
				return err
			}
		case "down":
			if err := store.RollbackMigrations(db); err != nil {
				return err
			}
		}
		version, dirty, err := store.MigrationVersion(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %v)\n", version, dirty)
		return nil
	},
}

var repairDrift bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check counters and reputation against stored votes",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newDeps(cmd.Context())
		if err != nil {
			return err
		}
		defer r.close()

		report, err := r.service.Reconcile(cmd.Context(), repairDrift)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, d := range report.AggregateDrift {
			fmt.Fprintf(out, "counters %s: stored %d/%d score %d, counted %d/%d\n",
				d.Stored.Target, d.Stored.Upvotes, d.Stored.Downvotes, d.Stored.Score, d.Upvotes, d.Downvotes)
		}
		for _, d := range report.ReputationDrift {
			fmt.Fprintf(out, "ledger %s on %s for %s: actual %d, expected %d\n",
				d.ActorID, d.Target, d.AuthorID, d.Actual, d.Expected)
		}
		if repairDrift {
			fmt.Fprintf(out, "recounted %d targets, appended %d adjustments\n", report.Recounted, report.Adjusted)
			return nil
		}
		if !report.Clean() {
			return errDriftFound
		}
		fmt.Fprintln(out, "no drift")
		return nil
	},
}

var (
	tokenName string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := cfg.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), args[0], tokenName, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&repairDrift, "repair", false, "rewrite counters and append ledger adjustments")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to the configured TTL)")
}
