package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"PresentCoach/internal/database"
	"PresentCoach/internal/testserver"
)

type serveOptions struct {
	addr        string
	databaseDSN string
	noAuth      bool
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development coaching backend",
		Long:  "serve starts a local backend implementing the session start/stop endpoints, the live WebSocket channel with scripted feedback and the saved-session API. Saved sessions go to PostgreSQL when a DSN is configured, otherwise to memory. Log settings are reloaded when the config file changes.",
		Annotations: map[string]string{
			watchConfigAnnotation: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides devserver.addr)")
	cmd.Flags().StringVar(&opts.databaseDSN, "database-dsn", "", "PostgreSQL DSN for saved sessions (overrides devserver.database_dsn)")
	cmd.Flags().BoolVar(&opts.noAuth, "no-auth", false, "accept saves without a bearer token")

	return cmd
}

func runServe(cmd *cobra.Command, a *app, opts *serveOptions) error {
	cfg := a.cfg
	if opts.addr != "" {
		cfg.DevServer.Addr = opts.addr
	}
	if opts.databaseDSN != "" {
		cfg.DevServer.DatabaseDSN = opts.databaseDSN
	}
	if opts.noAuth {
		cfg.DevServer.RequireAuth = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverConfig := cfg.BackendConfig()

	if dsn := cfg.DevServer.DatabaseDSN; dsn != "" {
		pool, err := database.ConnectPgx(ctx, database.DefaultConfig(dsn))
		if err != nil {
			return err
		}
		repo, err := database.NewPgxRepository(ctx, pool)
		if err != nil {
			pool.Close()
			return err
		}
		defer repo.Close()
		serverConfig.Repository = repo
		slog.Info("Saved sessions stored in PostgreSQL")
	}

	server := testserver.New(serverConfig)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backend listening on %s\n", server.BaseURL())
	fmt.Fprintf(cmd.OutOrStdout(), "  session start: POST %s/api/live/session/start\n", server.BaseURL())
	fmt.Fprintf(cmd.OutOrStdout(), "  stats:         GET  %s/stats\n", server.BaseURL())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown backend: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Backend stopped")
	return nil
}
