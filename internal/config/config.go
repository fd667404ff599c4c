package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LimitEnvPrefix marks environment variables that feed the rate-limit table,
// e.g. SANDBOXGATE_LIMIT_GPT_4_FREE=10.
const LimitEnvPrefix = "SANDBOXGATE_LIMIT_"

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Terminal   TerminalConfig   `yaml:"terminal"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	E2B        E2BConfig        `yaml:"e2b"`
	Auth       AuthConfig       `yaml:"auth"`
	OTel       OTelConfig       `yaml:"otel"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat string `yaml:"log_format"`
	// WriteTimeout in seconds; must cover the terminal stream timeout.
	WriteTimeout int `yaml:"write_timeout"`
	// AllowedOrigins restricts WebSocket origins; empty accepts any.
	AllowedOrigins       []string `yaml:"allowed_origins"`
	MaxWebSocketSessions int      `yaml:"max_websocket_sessions"`
}

// RedisConfig holds the shared counter store connection. An empty address
// selects the in-process store.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	DialTimeout  int    `yaml:"dial_timeout_ms"`
	ReadTimeout  int    `yaml:"read_timeout_ms"`
	PingAttempts int    `yaml:"ping_attempts"`
}

// DatabaseConfig selects the record store backend.
type DatabaseConfig struct {
	// DSN selects PostgreSQL when set.
	DSN string `yaml:"dsn"`
	// Path is the SQLite file used when DSN is empty.
	Path string `yaml:"path"`
}

// RateLimitConfig holds the per-user, per-model request limits
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	WindowMinutes  int     `yaml:"window_minutes"`
	TeamMultiplier float64 `yaml:"team_multiplier"`
	// Families are model-name prefixes; every model starting with a family
	// shares that family's bucket.
	Families []string `yaml:"families"`
	// Limits maps "<BUCKET>_FREE" / "<BUCKET>_PREMIUM" to a request count.
	// Values stay strings so malformed entries resolve to zero.
	Limits map[string]string `yaml:"limits"`
	// RetryAfterOnError is returned when the counter store is unreachable.
	RetryAfterOnError int `yaml:"retry_after_on_error_ms"`
}

// SandboxConfig holds lifecycle manager settings
type SandboxConfig struct {
	Provider        string `yaml:"provider"`
	DefaultTemplate string `yaml:"default_template"`
	// AcquireTimeout is the provider-side lifetime requested on create/resume, in seconds.
	AcquireTimeout int `yaml:"acquire_timeout"`
	// PauseTimeout bounds a background pause, in seconds.
	PauseTimeout  int `yaml:"pause_timeout"`
	StaleAfterDay int `yaml:"stale_after_days"`
	PollAttempts  int `yaml:"pausing_poll_attempts"`
	// PollInterval between PAUSING re-reads, in milliseconds.
	PollInterval int     `yaml:"pausing_poll_interval_ms"`
	CreateRate   float64 `yaml:"create_rate"`
	CreateBurst  int     `yaml:"create_burst"`
	GCSchedule   string  `yaml:"gc_schedule"`
}

// TerminalConfig holds command streaming settings
type TerminalConfig struct {
	// StreamTimeout is the watchdog for foreground commands, in seconds.
	StreamTimeout int `yaml:"stream_timeout"`
	// CommandTimeout bounds the remote command, in seconds.
	CommandTimeout   int    `yaml:"command_timeout"`
	DefaultWorkdir   string `yaml:"default_workdir"`
	BackgroundLogDir string `yaml:"background_log_dir"`
}

// KubernetesConfig holds Kubernetes connection configuration
type KubernetesConfig struct {
	Kubeconfig      string            `yaml:"kubeconfig"`
	NamespacePrefix string            `yaml:"namespace_prefix"`
	RuntimeClass    string            `yaml:"runtime_class"`
	Images          map[string]string `yaml:"images"`
	CPULimit        string            `yaml:"cpu_limit"`
	MemoryLimit     string            `yaml:"memory_limit"`
	StorageLimit    string            `yaml:"storage_limit"`
	StartupTimeout  int               `yaml:"startup_timeout"`
	AllowInternet   bool              `yaml:"allow_internet"`
}

// E2BConfig holds the hosted sandbox service connection
type E2BConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
	Domain string `yaml:"domain"`
	// EnvdURL overrides the per-sandbox command endpoint; used for self-hosted setups.
	EnvdURL string `yaml:"envd_url"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// OTelConfig holds tracing export settings
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig holds the periodic collector settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// CollectionInterval in seconds.
	CollectionInterval int `yaml:"collection_interval"`
	RetentionDays      int `yaml:"retention_days"`
}

// Load loads configuration from file and environment variables.
// A missing file at configPath is not an error.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(cfg *Config) {
	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.LogLevel = "info"
	cfg.Server.LogFormat = "json"
	cfg.Server.WriteTimeout = 60
	cfg.Server.MaxWebSocketSessions = 100

	cfg.Redis.PoolSize = 20
	cfg.Redis.DialTimeout = 2000
	cfg.Redis.ReadTimeout = 1000
	cfg.Redis.PingAttempts = 3

	cfg.Database.Path = "./sandboxgate.db"

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.WindowMinutes = 60
	cfg.RateLimit.TeamMultiplier = 1.8
	cfg.RateLimit.Families = []string{"gpt-4", "gpt-5", "o1", "o3", "o4", "claude", "gemini", "deepseek"}
	cfg.RateLimit.Limits = map[string]string{}
	cfg.RateLimit.RetryAfterOnError = 5000

	cfg.Sandbox.Provider = "kubernetes"
	cfg.Sandbox.DefaultTemplate = "base"
	cfg.Sandbox.AcquireTimeout = 600
	cfg.Sandbox.PauseTimeout = 60
	cfg.Sandbox.StaleAfterDay = 30
	cfg.Sandbox.PollAttempts = 5
	cfg.Sandbox.PollInterval = 5000
	cfg.Sandbox.CreateRate = 5
	cfg.Sandbox.CreateBurst = 10
	cfg.Sandbox.GCSchedule = "@daily"

	cfg.Terminal.StreamTimeout = 30
	cfg.Terminal.CommandTimeout = 360
	cfg.Terminal.DefaultWorkdir = "/home/user"
	cfg.Terminal.BackgroundLogDir = "/tmp"

	cfg.Kubernetes.NamespacePrefix = "sandboxgate-"
	cfg.Kubernetes.RuntimeClass = "gvisor"
	cfg.Kubernetes.Images = map[string]string{"base": "python:3.11-slim"}
	cfg.Kubernetes.CPULimit = "1000m"
	cfg.Kubernetes.MemoryLimit = "1Gi"
	cfg.Kubernetes.StorageLimit = "5Gi"
	cfg.Kubernetes.StartupTimeout = 120 // 2 minutes to allow for image pulls
	cfg.Kubernetes.AllowInternet = true

	cfg.E2B.APIURL = "https://api.e2b.dev"
	cfg.E2B.Domain = "e2b.app"

	cfg.Auth.Enabled = true

	cfg.OTel.ServiceName = "sandboxgate"
	cfg.OTel.Insecure = true
	cfg.OTel.SampleRatio = 1.0

	cfg.Metrics.Enabled = true
	cfg.Metrics.CollectionInterval = 60
	cfg.Metrics.RetentionDays = 7
}

// overrideFromEnv overrides config with environment variables
func overrideFromEnv(cfg *Config) {
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if val, err := strconv.Atoi(v); err == nil {
				*dst = val
			}
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true"
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if val, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = val
			}
		}
	}

	setInt("SANDBOXGATE_PORT", &cfg.Server.Port)
	setString("SANDBOXGATE_HOST", &cfg.Server.Host)
	setString("SANDBOXGATE_LOG_LEVEL", &cfg.Server.LogLevel)
	setString("SANDBOXGATE_LOG_FORMAT", &cfg.Server.LogFormat)

	setString("SANDBOXGATE_REDIS_ADDR", &cfg.Redis.Addr)
	setString("SANDBOXGATE_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("SANDBOXGATE_REDIS_DB", &cfg.Redis.DB)

	setString("SANDBOXGATE_DB_DSN", &cfg.Database.DSN)
	setString("SANDBOXGATE_DB_PATH", &cfg.Database.Path)

	setBool("SANDBOXGATE_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setInt("SANDBOXGATE_RATE_LIMIT_WINDOW_MINUTES", &cfg.RateLimit.WindowMinutes)
	setFloat("SANDBOXGATE_TEAM_MULTIPLIER", &cfg.RateLimit.TeamMultiplier)
	if v := os.Getenv("SANDBOXGATE_MODEL_FAMILIES"); v != "" {
		var families []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				families = append(families, f)
			}
		}
		cfg.RateLimit.Families = families
	}
	if cfg.RateLimit.Limits == nil {
		cfg.RateLimit.Limits = map[string]string{}
	}
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, LimitEnvPrefix) {
			continue
		}
		cfg.RateLimit.Limits[strings.TrimPrefix(key, LimitEnvPrefix)] = val
	}

	setString("SANDBOXGATE_SANDBOX_PROVIDER", &cfg.Sandbox.Provider)
	setString("SANDBOXGATE_DEFAULT_TEMPLATE", &cfg.Sandbox.DefaultTemplate)
	setString("SANDBOXGATE_GC_SCHEDULE", &cfg.Sandbox.GCSchedule)

	setInt("SANDBOXGATE_STREAM_TIMEOUT", &cfg.Terminal.StreamTimeout)
	setInt("SANDBOXGATE_COMMAND_TIMEOUT", &cfg.Terminal.CommandTimeout)

	setString("SANDBOXGATE_KUBECONFIG", &cfg.Kubernetes.Kubeconfig)
	setString("SANDBOXGATE_NAMESPACE_PREFIX", &cfg.Kubernetes.NamespacePrefix)
	setString("SANDBOXGATE_RUNTIME_CLASS", &cfg.Kubernetes.RuntimeClass)
	setBool("SANDBOXGATE_ALLOW_INTERNET", &cfg.Kubernetes.AllowInternet)

	setString("SANDBOXGATE_E2B_API_KEY", &cfg.E2B.APIKey)
	setString("SANDBOXGATE_E2B_API_URL", &cfg.E2B.APIURL)
	setString("SANDBOXGATE_E2B_DOMAIN", &cfg.E2B.Domain)
	setString("SANDBOXGATE_E2B_ENVD_URL", &cfg.E2B.EnvdURL)

	setBool("SANDBOXGATE_AUTH_ENABLED", &cfg.Auth.Enabled)
	setString("SANDBOXGATE_AUTH_SECRET", &cfg.Auth.Secret)

	setBool("SANDBOXGATE_OTEL_ENABLED", &cfg.OTel.Enabled)
	setString("SANDBOXGATE_OTEL_ENDPOINT", &cfg.OTel.Endpoint)

	setBool("SANDBOXGATE_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("SANDBOXGATE_METRICS_INTERVAL", &cfg.Metrics.CollectionInterval)
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	if cfg.RateLimit.WindowMinutes < 1 {
		return fmt.Errorf("rate limit window must be at least one minute")
	}

	if cfg.RateLimit.TeamMultiplier <= 0 {
		return fmt.Errorf("team multiplier must be positive")
	}

	switch cfg.Sandbox.Provider {
	case "kubernetes":
		if cfg.Kubernetes.NamespacePrefix == "" {
			return fmt.Errorf("namespace prefix cannot be empty")
		}
		if _, ok := cfg.Kubernetes.Images[cfg.Sandbox.DefaultTemplate]; !ok {
			return fmt.Errorf("no image configured for default template %q", cfg.Sandbox.DefaultTemplate)
		}
	case "e2b":
		if cfg.E2B.APIKey == "" {
			return fmt.Errorf("e2b api key is required when provider is e2b")
		}
	default:
		return fmt.Errorf("unknown sandbox provider: %q", cfg.Sandbox.Provider)
	}

	if cfg.Sandbox.PollAttempts < 0 {
		return fmt.Errorf("pausing poll attempts cannot be negative")
	}

	if cfg.Terminal.StreamTimeout < 1 || cfg.Terminal.CommandTimeout < cfg.Terminal.StreamTimeout {
		return fmt.Errorf("command timeout must be at least the stream timeout")
	}

	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required when auth is enabled")
	}

	return nil
}
