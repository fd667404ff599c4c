package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/internal/config"
	"github.com/sciffer/sandboxgate/internal/logger"
	"github.com/sciffer/sandboxgate/pkg/counter"
	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/e2b"
	"github.com/sciffer/sandboxgate/pkg/k8s"
	"github.com/sciffer/sandboxgate/pkg/k8sbox"
	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/ratelimit"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
)

// loadRuntime loads the configuration and builds the process logger
func loadRuntime() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewWithFormat(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

func openDB(cfg *config.Config, log *logger.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.DSN, cfg.Database.Path, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// newCounterStore connects to Redis, or falls back to the in-process store
// when no address is configured
func newCounterStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (counter.Store, error) {
	if cfg.Redis.Addr == "" {
		log.Warn("redis address not configured, using in-process rate limit store; limits are not shared across replicas")
		return counter.NewMemoryStore(), nil
	}

	store, err := counter.NewRedisStore(ctx, counter.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  time.Duration(cfg.Redis.DialTimeout) * time.Millisecond,
		ReadTimeout:  time.Duration(cfg.Redis.ReadTimeout) * time.Millisecond,
		PingAttempts: cfg.Redis.PingAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return store, nil
}

func newPolicy(cfg *config.Config) *ratelimit.Policy {
	return ratelimit.NewPolicy(cfg.RateLimit.Families, cfg.RateLimit.Limits, cfg.RateLimit.TeamMultiplier)
}

func newGate(cfg *config.Config, store counter.Store, db *database.DB, m *metrics.Metrics, log *logger.Logger) *ratelimit.Gate {
	limiter := ratelimit.NewLimiter(store, ratelimit.Options{
		Enabled:           cfg.RateLimit.Enabled,
		Window:            time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute,
		RetryAfterOnError: time.Duration(cfg.RateLimit.RetryAfterOnError) * time.Millisecond,
	}, log.Logger)
	return ratelimit.NewGate(newPolicy(cfg), limiter, db, m, log.Logger)
}

// newProvider builds the configured sandbox backend
func newProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case "e2b":
		p, err := e2b.New(e2b.Config{
			APIKey:  cfg.E2B.APIKey,
			Domain:  cfg.E2B.Domain,
			APIURL:  cfg.E2B.APIURL,
			EnvdURL: cfg.E2B.EnvdURL,
		}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create e2b provider: %w", err)
		}
		return p, nil

	case "kubernetes":
		client, err := k8s.NewClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		if err := client.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("kubernetes health check failed: %w", err)
		}
		if v, err := client.GetServerVersion(ctx); err != nil {
			log.Warn("failed to get kubernetes version", zap.Error(err))
		} else {
			log.Info("connected to kubernetes", zap.String("version", v))
		}

		return k8sbox.New(client, k8sbox.Options{
			NamespacePrefix: cfg.Kubernetes.NamespacePrefix,
			RuntimeClass:    cfg.Kubernetes.RuntimeClass,
			Images:          cfg.Kubernetes.Images,
			CPU:             cfg.Kubernetes.CPULimit,
			Memory:          cfg.Kubernetes.MemoryLimit,
			Storage:         cfg.Kubernetes.StorageLimit,
			StartupTimeout:  time.Duration(cfg.Kubernetes.StartupTimeout) * time.Second,
			AllowInternet:   cfg.Kubernetes.AllowInternet,
			Workdir:         cfg.Terminal.DefaultWorkdir,
		}, log.Logger), nil
	}
	return nil, fmt.Errorf("unknown sandbox provider: %q", cfg.Sandbox.Provider)
}

func staleAfter(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Sandbox.StaleAfterDay) * 24 * time.Hour
}

// knownTemplates lists the templates the provider can start. E2B resolves
// templates remotely, so any name is passed through.
func knownTemplates(cfg *config.Config) []string {
	if cfg.Sandbox.Provider != "kubernetes" {
		return nil
	}
	names := make([]string, 0, len(cfg.Kubernetes.Images))
	for name := range cfg.Kubernetes.Images {
		names = append(names, name)
	}
	return names
}
