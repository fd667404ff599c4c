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
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/internal/observability"
	"github.com/sciffer/sandboxgate/pkg/api"
	"github.com/sciffer/sandboxgate/pkg/auth"
	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
	"github.com/sciffer/sandboxgate/pkg/terminal"
	"github.com/sciffer/sandboxgate/pkg/validator"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck // Best effort sync on shutdown, ignore error
		log.Sync()
	}()

	log.Info("starting sandboxgate", zap.String("version", version), zap.String("provider", cfg.Sandbox.Provider))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTel, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database initialized", zap.String("driver", db.Driver()))

	store, err := newCounterStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	gate := newGate(cfg, store, db, m, log)

	provider, err := newProvider(ctx, cfg, log)
	if err != nil {
		return err
	}

	manager := sandbox.NewManager(provider, db, m, log, sandbox.Options{
		AcquireTimeout: time.Duration(cfg.Sandbox.AcquireTimeout) * time.Second,
		PauseTimeout:   time.Duration(cfg.Sandbox.PauseTimeout) * time.Second,
		StaleAfter:     staleAfter(cfg),
		PollAttempts:   cfg.Sandbox.PollAttempts,
		PollInterval:   time.Duration(cfg.Sandbox.PollInterval) * time.Millisecond,
		CreateRate:     cfg.Sandbox.CreateRate,
		CreateBurst:    cfg.Sandbox.CreateBurst,
	})

	streamTimeout := time.Duration(cfg.Terminal.StreamTimeout) * time.Second
	streamer := terminal.NewStreamer(provider, m, log.Logger, terminal.Options{
		StreamTimeout:    streamTimeout,
		CommandTimeout:   time.Duration(cfg.Terminal.CommandTimeout) * time.Second,
		DefaultWorkdir:   cfg.Terminal.DefaultWorkdir,
		BackgroundLogDir: cfg.Terminal.BackgroundLogDir,
	})

	janitor := sandbox.NewJanitor(db, provider, staleAfter(cfg), log.Logger)
	if err := janitor.Start(cfg.Sandbox.GCSchedule); err != nil {
		return err
	}
	defer janitor.Stop()

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(db, m,
			time.Duration(cfg.Metrics.CollectionInterval)*time.Second,
			time.Duration(cfg.Metrics.RetentionDays)*24*time.Hour,
			log.Logger)
		collector.Start(ctx)
		defer collector.Stop()
	}

	authService := auth.NewService(cfg.Auth.Secret, cfg.Auth.Enabled, log.Logger)
	if !authService.Enabled() {
		log.Warn("authentication disabled, trusting the " + auth.UserHeader + " header")
	}

	val := validator.New(validator.DefaultMaxCommandBytes, knownTemplates(cfg))
	handler := api.NewHandler(gate, manager, streamer, db, val, cfg.Sandbox.DefaultTemplate, log)
	router := api.NewRouter(&api.RouterConfig{
		Handler:        handler,
		MetricsHandler: api.NewMetricsHandler(db, log),
		TerminalSocket: api.NewTerminalSocket(handler, cfg.Server.AllowedOrigins, cfg.Server.MaxWebSocketSessions),
		AuthService:    authService,
		Metrics:        m.Handler(),
	})

	// The write deadline covers acquiring the sandbox plus the whole stream.
	acquireBudget := time.Duration(cfg.Sandbox.PollAttempts*cfg.Sandbox.PollInterval)*time.Millisecond +
		time.Duration(cfg.Kubernetes.StartupTimeout)*time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	if minWrite := acquireBudget + streamTimeout + 30*time.Second; writeTimeout < minWrite {
		writeTimeout = minWrite
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("background pauses still running at exit", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
