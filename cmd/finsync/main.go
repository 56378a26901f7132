// Command finsync is the demo/ops binary: it runs the sync engine against a
// local SQLite database and a remote document store, and can serve the
// document API itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mobilefin/finsync/finsync"
	"github.com/mobilefin/finsync/internal/auth"
	"github.com/mobilefin/finsync/pgdocstore"
	"github.com/mobilefin/finsync/remotehttp"
)

func main() {
	root := &cobra.Command{
		Use:           "finsync",
		Short:         "Offline-first sync engine for the personal-finance tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(syncCmd(), bootstrapCmd(), statusCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func syncCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync pass (upload then download, all entity types)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			e, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.coordinator.Start(ctx); err != nil {
				return err
			}
			if err := e.coordinator.TriggerSync(finsync.SyncAll); err != nil {
				return err
			}

			// Wait for the pass to settle, then report.
			statusCh := e.coordinator.SubscribeStatus(ctx)
			sawWork := false
			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("sync timed out after %s", timeout)
				case st := <-statusCh:
					if st.Syncing {
						sawWork = true
						continue
					}
					if !sawWork {
						continue
					}
					if st.LastError != "" {
						return fmt.Errorf("sync failed: %s", st.LastError)
					}
					logger.Info("Sync completed", "last_sync_time", st.LastSyncTime)
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall sync deadline")
	return cmd
}

func bootstrapCmd() *cobra.Command {
	var skip bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Run the first-launch initialization (full download in dependency order)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			e, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer e.close()

			if skip {
				if err := e.initializer.SkipInitialization(cmd.Context(), cfg.UserID); err != nil {
					return err
				}
				logger.Info("Initialization skipped, critical types marked done")
				return nil
			}

			go func() {
				for st := range e.initializer.SubscribeStatus(cmd.Context()) {
					if st.IsInitializing {
						logger.Info("Bootstrap progress",
							"step", st.CurrentStep, "progress", st.Progress)
					}
				}
			}()

			if err := e.initializer.InitializeApp(cmd.Context()); err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}
			logger.Info("Bootstrap completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&skip, "skip", false, "mark critical types initialized without downloading")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print watermark, pending and retry diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			e, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer e.close()

			info, err := e.coordinator.GetSyncInfo(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("User:           %s\n", cfg.UserID)
			fmt.Printf("Unsynced:       %d\n", info.UnsyncedCount)
			fmt.Printf("Retry count:    %d\n", info.RetryCount)
			fmt.Printf("Last sync:      %s\n", formatMillis(info.LastSyncTime))
			fmt.Printf("Last full sync: %s\n", formatMillis(info.LastFullSync))
			fmt.Println("Watermarks:")
			for _, t := range []finsync.SyncType{
				finsync.SyncCategories, finsync.SyncPersons,
				finsync.SyncExpenses, finsync.SyncIncomes,
			} {
				fmt.Printf("  %-10s %s\n", t.String(), formatMillis(info.Watermarks[t]))
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the document API over the Postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			pool, err := pgxpool.New(cmd.Context(), cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer pool.Close()

			store, err := pgdocstore.New(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}

			jwtAuth := auth.NewJWTAuth(cfg.JWTSecret)
			handler := remotehttp.NewHandler(store, logger)
			httpServer := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      jwtAuth.Middleware(handler.Routes()),
				ReadTimeout:  120 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				logger.Info("Starting sync document server", "addr", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Server failed", "error", err)
					os.Exit(1)
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func formatMillis(ts int64) string {
	if ts == 0 {
		return "never"
	}
	return time.UnixMilli(ts).Format(time.RFC3339)
}
