/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the volume reconciliation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, then apply command-line flags
  2. Load the policy document
  3. Open the SQLite or PostgreSQL store
  4. Build the reconciler, API handler and router
  5. Start the month-end scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: RECON_PORT or 8080)
  -driver   sqlite or postgres (default: RECON_DB_DRIVER or sqlite)
  -db       Database path or DSN (default: RECON_DB_DSN)
            Use ":memory:" for an in-memory SQLite database
  -policy   Policy YAML file (default: RECON_POLICY_FILE, built-in policy)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Month-end scheduler
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/volume-engine/api"
	"github.com/warp/volume-engine/config"
	"github.com/warp/volume-engine/factory"
	"github.com/warp/volume-engine/store/backend"
	"github.com/warp/volume-engine/volume"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DBDriver, "Database driver (sqlite, postgres)")
	dsn := flag.String("db", cfg.DBDSN, "Database path or DSN")
	policyFile := flag.String("policy", cfg.PolicyFile, "Policy YAML file")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	policy, err := factory.NewPolicyFactory().LoadFile(*policyFile)
	if err != nil {
		logger.WithError(err).Fatal("failed to load policy")
	}
	if cfg.Workers > 0 {
		policy.Workers = cfg.Workers
	}

	// Initialize store
	db, err := backend.Open(*driver, *dsn)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer db.Close()

	reconciler, err := volume.NewReconciler(db, policy, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build reconciler")
	}

	handler := api.NewHandler(reconciler, db, policy, logger)
	router := api.NewRouter(handler)

	scheduler := api.NewReconciliationScheduler(db, handler)
	scheduler.Enabled = cfg.ScheduleEnabled
	scheduler.CheckInterval = cfg.ScheduleInterval
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("port", *port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server stopped")
}
