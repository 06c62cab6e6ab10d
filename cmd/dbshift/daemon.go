package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/localrivet/dbshift/internal/backup"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/mcp"
	"github.com/localrivet/dbshift/internal/mcp/mcpauth"
	"github.com/localrivet/dbshift/internal/mcp/tools"
	"github.com/localrivet/dbshift/internal/metrics"
	"github.com/localrivet/dbshift/internal/notify"
	"github.com/localrivet/dbshift/internal/restore"
	"github.com/localrivet/dbshift/pkg/manifest"
)

const alertInterval = time.Hour

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled snapshots with health, metrics and MCP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m := metrics.New("dbshift")

			engine := backup.NewEngine(cfg, store, notifier, logger).WithMetrics(m)
			restorer := restore.NewEngine(cfg, store, logger).WithReporters(m)
			scheduler := backup.NewScheduler(engine, cfg.Schedule, logger)

			if err := scheduler.Start(ctx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer scheduler.Stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			mux.HandleFunc("/health", healthHandler(scheduler))

			authenticator := mcpauth.FromEnv()
			if cfg.Monitoring.MCPEnabled || authenticator.Enabled() {
				baseURL := cfg.Monitoring.BaseURL
				if baseURL == "" {
					baseURL = fmt.Sprintf("http://localhost:%d", cfg.Monitoring.HealthPort)
				}
				tc := &tools.ToolContext{
					Config:    cfg,
					Storage:   store,
					Snapshots: engine,
					Restore:   restorer,
					Logger:    logger,
				}
				mcp.NewHandler(tc, authenticator, baseURL).RegisterRoutes(mux)
				logger.Info("MCP endpoint enabled", "path", mcp.Path)
			}

			healthServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Monitoring.HealthPort),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			metricsServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
				Handler:           m.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 2)
			serve := func(name string, srv *http.Server) {
				logger.Info(name+" server starting", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("%s server: %w", name, err)
				}
			}
			go serve("health", healthServer)
			go serve("metrics", metricsServer)

			go alertMonitor(ctx, engine, cfg, m, notifier)

			var runErr error
			select {
			case <-ctx.Done():
			case runErr = <-errCh:
				logger.Error("server failed", "error", runErr)
			}

			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := healthServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown", "error", err)
			}
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}

			return runErr
		},
	}
}

func healthHandler(scheduler *backup.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine := scheduler.Engine()

		status := "healthy"
		code := http.StatusOK
		lastRun := engine.LastRun()
		lastErr := engine.LastError()
		nextRun := scheduler.NextRun()

		if res := engine.LastResult(); lastErr == nil && res != nil && res.Manifest != nil && res.Manifest.Status == manifest.StatusPartial {
			status = "degraded"
		}
		if lastErr != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		fmt.Fprintf(w, "status: %s\n", status)
		if !lastRun.IsZero() {
			fmt.Fprintf(w, "last_snapshot: %s\n", lastRun.Format(time.RFC3339))
		}
		if lastErr != nil {
			fmt.Fprintf(w, "last_error: %s\n", lastErr.Error())
		}
		if !nextRun.IsZero() {
			fmt.Fprintf(w, "next_snapshot: %s\n", nextRun.Format(time.RFC3339))
		}
		if engine.Running() {
			fmt.Fprintln(w, "running: true")
		}
	}
}

// alertMonitor refreshes the storage gauge and raises an alert when the
// newest snapshot is older than the configured window.
func alertMonitor(ctx context.Context, engine *backup.Engine, cfg *config.Config, m *metrics.Metrics, n *notify.Notifier) {
	ticker := time.NewTicker(alertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkFreshness(ctx, engine, cfg, m, n)
		}
	}
}

func checkFreshness(ctx context.Context, engine *backup.Engine, cfg *config.Config, m *metrics.Metrics, n *notify.Notifier) {
	if used, err := engine.StorageUsage(ctx); err == nil {
		m.SetStorageUsed(used)
	}

	latest, err := engine.Latest(ctx)
	switch {
	case errors.Is(err, backup.ErrNotFound):
		n.NotifyAlert("No snapshots found")
	case err != nil:
		logger.Warn("freshness check failed", "error", err)
	case time.Since(latest.Timestamp) > cfg.AlertDuration():
		n.NotifyAlert(fmt.Sprintf(
			"No snapshot in %d hours. Last snapshot: %s (%s)",
			cfg.Monitoring.AlertAfterHours,
			latest.ID,
			latest.Timestamp.Format(time.RFC3339),
		))
	}
}
