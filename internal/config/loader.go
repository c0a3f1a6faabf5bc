package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "llmlb.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DBPath     *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("llmlbd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dbPath := fs.String("db", "", "primary database file path")

	if args == nil {
		args = os.Args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "db":
			flags.DBPath = dbPath
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DBPath != nil {
		cfg.Database.Path = *flags.DBPath
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg. Only non-empty env values
// override the current config. Recognizes both the LLMLB_-prefixed names and
// the unprefixed aliases named in spec §6.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LLMLB_PORT")
	setString(&cfg.Server.CORSOrigin, "LLMLB_CORS_ORIGIN")

	setStringAlt(&cfg.Database.Path, "LLMLB_DATABASE_URL", "DATABASE_URL")
	setString(&cfg.Database.DataDir, "LLMLB_DATA_DIR")
	setString(&cfg.Database.ArchivePath, "LLMLB_AUDIT_ARCHIVE_PATH")
	setInt(&cfg.Database.MaxOpenConns, "LLMLB_DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "LLMLB_DB_MAX_IDLE_CONNS")

	setString(&cfg.Logging.Level, "LLMLB_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LLMLB_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LLMLB_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "LLMLB_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LLMLB_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "LLMLB_RATE_RPS")
	setInt(&cfg.Rate.Burst, "LLMLB_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "LLMLB_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "LLMLB_RATE_MAX_IDLE_TIME")

	setInt64(&cfg.Cache.L1MaxSizeMB, "LLMLB_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "LLMLB_CACHE_TTL")

	setBool(&cfg.Auth.Disabled, "LLMLB_AUTH_DISABLED")
	setString(&cfg.Auth.JWTSecretPath, "LLMLB_AUTH_JWT_SECRET_PATH")
	setDuration(&cfg.Auth.AccessTokenExpiry, "LLMLB_AUTH_ACCESS_EXPIRY")
	setString(&cfg.Auth.DefaultAdminUser, "LLMLB_AUTH_ADMIN_USER")
	setString(&cfg.Auth.DefaultAdminPass, "LLMLB_AUTH_ADMIN_PASS")

	setIntAlt(&cfg.HealthCheck.DefaultIntervalSecs, "LLMLB_HEALTH_CHECK_INTERVAL", "HEALTH_CHECK_INTERVAL")
	setInt(&cfg.HealthCheck.DegradedThreshold, "LLMLB_HEALTH_DEGRADED_THRESHOLD")
	setInt(&cfg.HealthCheck.ProbeTimeoutSecs, "LLMLB_HEALTH_PROBE_TIMEOUT")
	setInt(&cfg.HealthCheck.RetentionDays, "LLMLB_HEALTH_RETENTION_DAYS")

	setStringAlt(&cfg.LoadBalancer.Mode, "LLMLB_LOAD_BALANCER_MODE", "LOAD_BALANCER_MODE")
	setInt(&cfg.LoadBalancer.SoftCap, "LLMLB_LB_SOFT_CAP")
	setInt(&cfg.LoadBalancer.HardCap, "LLMLB_LB_HARD_CAP")
	setDuration(&cfg.LoadBalancer.DelayUnit, "LLMLB_LB_DELAY_UNIT")
	setDuration(&cfg.LoadBalancer.DelayCeiling, "LLMLB_LB_DELAY_CEILING")
	setInt(&cfg.LoadBalancer.MetricsWindow, "LLMLB_LB_METRICS_WINDOW")
	setInt(&cfg.LoadBalancer.HistoryWindow, "LLMLB_LB_HISTORY_WINDOW")

	setInt(&cfg.Audit.BufferCapacity, "LLMLB_AUDIT_BUFFER_CAPACITY")
	setDuration(&cfg.Audit.FlushInterval, "LLMLB_AUDIT_FLUSH_INTERVAL")
	setDuration(&cfg.Audit.BatchInterval, "LLMLB_AUDIT_BATCH_INTERVAL")
	setDuration(&cfg.Audit.VerifyInterval, "LLMLB_AUDIT_VERIFY_INTERVAL")
	setDuration(&cfg.Audit.ArchivalInterval, "LLMLB_AUDIT_ARCHIVAL_INTERVAL")
	setInt(&cfg.Audit.RetentionDays, "LLMLB_AUDIT_RETENTION_DAYS")

	setInt(&cfg.History.RetentionDays, "LLMLB_HISTORY_RETENTION_DAYS")
	setInt(&cfg.History.ExportPageSize, "LLMLB_HISTORY_EXPORT_PAGE_SIZE")

	setString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Providers.Google.APIKey, "GOOGLE_API_KEY")
	setString(&cfg.Providers.Google.BaseURL, "GOOGLE_API_BASE_URL")
	setString(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.Anthropic.BaseURL, "ANTHROPIC_API_BASE_URL")
}

// validate checks that required fields are set and security constraints are met.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.LoadBalancer.SoftCap < 1 {
		return errors.New("load_balancer.soft_cap must be >= 1")
	}
	if cfg.LoadBalancer.HardCap < cfg.LoadBalancer.SoftCap {
		return errors.New("load_balancer.hard_cap must be >= soft_cap")
	}
	if cfg.LoadBalancer.Mode != "auto" && cfg.LoadBalancer.Mode != "round_robin" {
		return errors.New(`load_balancer.mode must be "auto" or "round_robin"`)
	}
	if cfg.HealthCheck.DegradedThreshold < 1 {
		return errors.New("health_check.degraded_threshold must be >= 1")
	}

	if !cfg.Auth.Disabled {
		p := cfg.Auth.DefaultAdminPass
		if p == "changeme123" || p == "Changeme123" || p == "CHANGE_ME_ON_FIRST_BOOT" {
			slog.Warn("auth.default_admin_pass is set to a well-known default; change it before production use")
		}
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStringAlt tries the primary key first, falling back to the alias.
func setStringAlt(dst *string, key, alias string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
		return
	}
	setString(dst, alias)
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setIntAlt(dst *int, key, alias string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
			return
		}
	}
	setInt(dst, alias)
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
