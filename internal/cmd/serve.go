package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kryahq/kryad/internal/config"
	"github.com/kryahq/kryad/internal/observability"
	"github.com/kryahq/kryad/internal/server"
	"github.com/kryahq/kryad/pkg/gen"
	"github.com/kryahq/kryad/pkg/joblog"
	"github.com/kryahq/kryad/pkg/jobs"
	"github.com/kryahq/kryad/pkg/jobstore"
	"github.com/kryahq/kryad/pkg/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kryad daemon",
	Long: `Start the HTTP daemon: job control API, SSE log streaming, and the
runtime config surface.

Example:
  kryad serve
  kryad serve --host 0.0.0.0 --port 8080`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server.host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = servePort
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return err
	}

	// Rebuild the logger now that the full logging config is known; the
	// pre-run logger only saw the flags.
	logger = observability.Init(observability.Options{
		Level:          cfg.Logging.Level,
		Structured:     cfg.Logging.Structured,
		FilePath:       cfg.Logging.FilePath,
		FileMaxSizeMB:  cfg.Logging.FileMaxSizeMB,
		FileMaxBackups: cfg.Logging.FileMaxBackups,
	})

	broadcaster := joblog.New(joblog.Config{
		HistoryCap:       cfg.Broadcast.HistoryCap,
		SubscriberBuffer: cfg.Broadcast.SubscriberBuffer,
	})
	defer broadcaster.Close()

	generator := gen.NewClient(gen.Settings{
		BaseURL:         cfg.Generation.BaseURL,
		Model:           cfg.Generation.Model,
		APIKey:          cfg.Generation.APIKey,
		Temperature:     cfg.Generation.Temperature,
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
		TopP:            cfg.Generation.TopP,
		TopK:            cfg.Generation.TopK,
	}, cfg.Generation.Timeout, broadcaster)

	executor := runner.New(runner.Config{
		Interpreter: cfg.Executor.Interpreter,
		WorkDir:     cfg.Executor.WorkDir,
		KillGrace:   cfg.Executor.KillGrace,
	}, broadcaster)

	registry := jobs.NewRegistry(jobs.CooldownConfig{
		Window:     cfg.Cooldown.Window,
		PruneAfter: cfg.Cooldown.PruneAfter,
	})
	controller := jobs.NewController(generator, executor, broadcaster, cfg.Executor.Timeout, logger)
	service := jobs.NewService(registry, controller, broadcaster, logger)

	var store *jobstore.Store
	if cfg.Store.Path != "" {
		store, err = jobstore.Open(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		logger.Info("job archive enabled", zap.String("path", cfg.Store.Path))
	}

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Version:      versionInfo.Version,
		Logger:       logger,
		Jobs:         service,
		Logs:         service,
		Settings:     generator,
		Store:        store,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})
	if store != nil {
		srv.Health().RegisterChecker("archive", storeChecker{store: store})
	}

	reclaimCtx, stopReclaim := context.WithCancel(ctx)
	defer stopReclaim()
	go service.RunReclaimLoop(reclaimCtx, archiverOrNil(store), cfg.Store.Retention, time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown deadline", zap.Error(err))
	}
	return nil
}

type storeChecker struct {
	store *jobstore.Store
}

func (c storeChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// archiverOrNil avoids a typed-nil interface when archiving is disabled.
func archiverOrNil(store *jobstore.Store) jobs.Archiver {
	if store == nil {
		return nil
	}
	return store
}
