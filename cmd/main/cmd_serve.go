package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CTAG07/stencil/pkg/catalog"
	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the template HTTP API until interrupted.

The server can be restarted through POST /api/server/restart, which reloads
the config file and the template library.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

// serve hosts the API, restarting it whenever the API asks for a restart.
func serve(ctx context.Context, flags *globalFlags) error {
	baseLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	actionChan := make(chan string, 1)

	go func() {
		osSignalChan := make(chan os.Signal, 1)
		signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM)
		<-osSignalChan // Wait for a signal
		baseLogger.Info("OS signal received, initiating shutdown.")
		actionChan <- actionShutdown
	}()

	for {
		action, err := run(ctx, flags, actionChan)
		if err != nil {
			baseLogger.Error("An error occurred during server run, shutting down.", "error", err)
			return err
		}
		if action != actionRestart {
			break
		}
		baseLogger.Info("--- Server Restarting ---")
	}

	baseLogger.Info("stencil has shut down.")
	return nil
}

// run is one server cycle. It returns whenever the server is shut down or restarted.
func run(ctx context.Context, flags *globalFlags, actionChan chan string) (string, error) {
	config, err := loadCLIConfig(flags, LoadConfig)
	if err != nil {
		return "", err
	}

	logger := newLogger(os.Stdout, config.Server.LogLevel)
	logger.Info("Starting server cycle...", "version", Version)

	cm := NewConfigManager(config, flags.configPath, logger)

	db, cat, err := openCatalog(config.Server.DatabasePath, logger)
	if err != nil {
		return "", err
	}
	defer closeCatalog(db, cat, logger)

	var opts []templating.Option
	if cat != nil {
		opts = append(opts, templating.WithMetadata(cat))
	}
	store, err := templating.NewStore(ctx, logger, *config.Templates, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to open template store: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if config.Server.WatchTemplates {
		watcher, werr := templating.NewWatcher(store, logger, time.Duration(config.Server.WatchDebounceMs)*time.Millisecond)
		if werr != nil {
			logger.Warn("Template watcher disabled", "error", werr)
		} else {
			defer watcher.Stop()
			if werr = watcher.Start(watchCtx); werr != nil {
				logger.Warn("Template watcher disabled", "error", werr)
			}
		}
	}

	server := NewServer(cm, logger, store, db, cat, actionChan)
	apiHttpServer := &http.Server{
		Addr:              config.Server.ApiAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting api server", "address", apiHttpServer.Addr, "templates", store.Dir())
		if err := apiHttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var action string
	select {
	case action = <-actionChan: // Block here until API or OS signal sends an action.
	case err = <-serveErr:
		return "", fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		action = actionShutdown
	}

	logger.Info("Stopping server for " + action + "...")
	timeout := time.Duration(config.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err = apiHttpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Api server shutdown failed", "error", err)
	}
	logger.Info("HTTP server stopped.")
	return action, nil
}

// openCatalog opens the database and its catalog. An empty path leaves both nil.
func openCatalog(path string, logger *slog.Logger) (*sql.DB, *catalog.Catalog, error) {
	if path == "" {
		logger.Info("No database configured, metadata and API keys are disabled")
		return nil, nil, nil
	}
	db, err := openDatabase(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	cat, err := catalog.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to prepare catalog: %w", err)
	}
	cat.SetLogger(logger)
	return db, cat, nil
}

func closeCatalog(db *sql.DB, cat *catalog.Catalog, logger *slog.Logger) {
	if cat != nil {
		cat.Close()
	}
	if db != nil {
		logger.Debug("Closing database connection.")
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}
}
