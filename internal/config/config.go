// Package config provides hierarchical configuration loading for llmlb.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfigHolder provides thread-safe access to a Config with hot-reload support.
// Services that hold pointers into the Config (e.g., &cfg.LoadBalancer) will
// see updated values after a reload because fields are swapped in-place.
type ConfigHolder struct {
	mu       sync.RWMutex
	cfg      Config
	yamlPath string
}

// NewHolder creates a ConfigHolder from an initial Config and the YAML path
// used for reloading.
func NewHolder(cfg *Config, yamlPath string) *ConfigHolder {
	return &ConfigHolder{cfg: *cfg, yamlPath: yamlPath}
}

// Get returns a pointer to the Config. Callers must not store the pointer
// long-term; read values immediately and release.
func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &h.cfg
}

// Reload re-reads the YAML file and environment variables, validates, and
// swaps the config in-place. If validation fails, the old config is preserved.
// Fields that cannot be hot-reloaded (Server.Port, Database.Path) are logged
// as warnings if they differ.
func (h *ConfigHolder) Reload() error {
	newCfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if newCfg.Server.Port != h.cfg.Server.Port {
		slog.Warn("config reload: server.port changed but requires restart",
			"old", h.cfg.Server.Port, "new", newCfg.Server.Port)
	}
	if newCfg.Database.Path != h.cfg.Database.Path {
		slog.Warn("config reload: database.path changed but requires restart",
			"old", h.cfg.Database.Path, "new", newCfg.Database.Path)
	}
	if newCfg.Logging.Level != h.cfg.Logging.Level {
		slog.Info("config reload: logging level changed",
			"old", h.cfg.Logging.Level, "new", newCfg.Logging.Level)
	}

	h.cfg = *newCfg
	return nil
}

// Config holds all runtime configuration for the llmlb core service.
type Config struct {
	Server       Server       `yaml:"server"`
	Database     Database     `yaml:"database"`
	Logging      Logging      `yaml:"logging"`
	Breaker      Breaker      `yaml:"breaker"`
	Rate         Rate         `yaml:"rate"`
	Cache        Cache        `yaml:"cache"`
	Auth         Auth         `yaml:"auth"`
	HealthCheck  HealthCheck  `yaml:"health_check"`
	LoadBalancer LoadBalancer `yaml:"load_balancer"`
	Audit        Audit        `yaml:"audit"`
	History      History      `yaml:"history"`
	Providers    Providers    `yaml:"providers"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Database holds embedded-store connection configuration.
type Database struct {
	Path            string        `yaml:"path"`             // primary SQLite database file
	ArchivePath     string        `yaml:"archive_path"`      // audit archive SQLite database file
	DataDir         string        `yaml:"data_dir"`          // base data directory
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for provider/upstream calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// Cache holds the registry's L1 lookup-cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	TTL         time.Duration `yaml:"ttl"` // loaded but not used by the registry
}

// Auth holds authentication and authorization configuration.
type Auth struct {
	Disabled           bool          `yaml:"disabled"`             // injects dummy admin claims (test only)
	JWTSecretPath      string        `yaml:"jwt_secret_path"`      // file holding the bootstrapped HS256 secret
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`  // default 24h
	DefaultAdminUser   string        `yaml:"default_admin_user"`
	DefaultAdminPass   string        `yaml:"default_admin_pass"` //nolint:gosec // config field, not a hardcoded secret
	APIKeyPrefixLength int           `yaml:"api_key_prefix_length"`
}

// HealthCheck holds default probe-loop configuration (§4.3).
type HealthCheck struct {
	DefaultIntervalSecs int `yaml:"default_interval_secs"`
	DegradedThreshold   int `yaml:"degraded_threshold"` // consecutive failures before offline
	ProbeTimeoutSecs    int `yaml:"probe_timeout_secs"`
	RetentionDays       int `yaml:"retention_days"` // EndpointHealthCheck row retention
}

// LoadBalancer holds selection and admission-control configuration (§4.4).
type LoadBalancer struct {
	Mode          string        `yaml:"mode"` // "auto" | "round_robin"
	SoftCap       int           `yaml:"soft_cap"`
	HardCap       int           `yaml:"hard_cap"`
	DelayUnit     time.Duration `yaml:"delay_unit"`
	DelayCeiling  time.Duration `yaml:"delay_ceiling"`
	MetricsWindow int           `yaml:"metrics_window"` // bounded deque cap, default 360
	HistoryWindow int           `yaml:"history_window"` // per-minute buckets, default 60
}

// Audit holds the hash-chained audit pipeline configuration (§4.7).
type Audit struct {
	BufferCapacity    int           `yaml:"buffer_capacity"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	BatchInterval     time.Duration `yaml:"batch_interval"`
	VerifyInterval    time.Duration `yaml:"verify_interval"`
	ArchivalInterval  time.Duration `yaml:"archival_interval"`
	RetentionDays     int           `yaml:"retention_days"`
}

// History holds request-history and daily-stat configuration (§4.8).
type History struct {
	RetentionDays  int `yaml:"retention_days"`
	ExportPageSize int `yaml:"export_page_size"`
}

// Providers holds cloud provider adapter configuration (§4.5).
type Providers struct {
	OpenAI    ProviderCreds `yaml:"openai"`
	Google    ProviderCreds `yaml:"google"`
	Anthropic ProviderCreds `yaml:"anthropic"`
}

// ProviderCreds holds one provider's base URL and API key.
type ProviderCreds struct {
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Database: Database{
			Path:            "data/llmlb.db",
			ArchivePath:     "data/llmlb-archive.db",
			DataDir:         "data",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Logging: Logging{
			Level:   "info",
			Service: "llmlb",
			Async:   true,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 50,
			Burst:             200,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		Cache: Cache{
			L1MaxSizeMB: 32,
			TTL:         10 * time.Second,
		},
		Auth: Auth{
			Disabled:           false,
			JWTSecretPath:      "data/jwt.secret",
			AccessTokenExpiry:  24 * time.Hour,
			DefaultAdminUser:   "admin",
			DefaultAdminPass:   "",
			APIKeyPrefixLength: 10,
		},
		HealthCheck: HealthCheck{
			DefaultIntervalSecs: 30,
			DegradedThreshold:   3,
			ProbeTimeoutSecs:    10,
			RetentionDays:       30,
		},
		LoadBalancer: LoadBalancer{
			Mode:          "auto",
			SoftCap:       4,
			HardCap:       6,
			DelayUnit:     50 * time.Millisecond,
			DelayCeiling:  1000 * time.Millisecond,
			MetricsWindow: 360,
			HistoryWindow: 60,
		},
		Audit: Audit{
			BufferCapacity:   100,
			FlushInterval:    time.Second,
			BatchInterval:    300 * time.Second,
			VerifyInterval:   24 * time.Hour,
			ArchivalInterval: 24 * time.Hour,
			RetentionDays:    90,
		},
		History: History{
			RetentionDays:  7,
			ExportPageSize: 1000,
		},
		Providers: Providers{
			OpenAI:    ProviderCreds{BaseURL: "https://api.openai.com"},
			Google:    ProviderCreds{BaseURL: "https://generativelanguage.googleapis.com/v1beta"},
			Anthropic: ProviderCreds{BaseURL: "https://api.anthropic.com"},
		},
	}
}
