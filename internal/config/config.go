// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Cache     CacheConfig     `yaml:"cache"`
	Preview   PreviewConfig   `yaml:"preview"`
	Split     SplitConfig     `yaml:"split"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Warmer    WarmerConfig    `yaml:"warmer"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TrackerConfig points at the upstream issue tracker.
type TrackerConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	PageSize int           `yaml:"page_size" validate:"gte=0,lte=100"`
	Timeout  time.Duration `yaml:"timeout"`
	MemoTTL  time.Duration `yaml:"memo_ttl"`  // board and field discovery
	DNSCache bool          `yaml:"dns_cache"` // refreshed on every janitor sweep
	Auth     AuthConfig    `yaml:"auth"`
}

// AuthConfig selects the upstream credential.
type AuthConfig struct {
	Method       string `yaml:"method" validate:"omitempty,oneof=none basic token oauth"`
	Email        string `yaml:"email"`
	Token        string `yaml:"token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	TokenURL     string `yaml:"token_url" validate:"omitempty,url"`
}

// CacheConfig holds the shared cache tiers.
type CacheConfig struct {
	Local           LocalCacheConfig  `yaml:"local"`
	Remote          RemoteCacheConfig `yaml:"remote"`
	MonitorInterval time.Duration     `yaml:"monitor_interval"`
}

// LocalCacheConfig bounds the in-process tier.
type LocalCacheConfig struct {
	MaxSize int           `yaml:"max_size" validate:"gt=0"`
	MaxTTL  time.Duration `yaml:"max_ttl"`
}

// RemoteCacheConfig selects the optional cross-process tier.
type RemoteCacheConfig struct {
	Backend           string        `yaml:"backend" validate:"oneof=none sqlite redis"`
	Required          bool          `yaml:"required"` // readiness fails while the remote is down
	Scan              bool          `yaml:"scan"`     // include remote entries in listings
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	Redis             RedisConfig   `yaml:"redis"`
	SQLite            SQLiteConfig  `yaml:"sqlite"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SQLiteConfig holds the durable single-host tier settings.
type SQLiteConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// PreviewConfig holds orchestrator budgets and TTLs.
type PreviewConfig struct {
	Budget        time.Duration `yaml:"budget"`
	ChunkSize     int           `yaml:"chunk_size" validate:"gte=0"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=0"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
	PartialTTL    time.Duration `yaml:"partial_ttl"`
	SprintTTL     time.Duration `yaml:"sprint_ttl"`
	SubsetMaxAge  time.Duration `yaml:"subset_max_age"`
	MaxWindowDays int           `yaml:"max_window_days" validate:"gte=0"`
}

// SplitConfig holds the split-window thresholds.
type SplitConfig struct {
	Auto                    bool `yaml:"auto"`
	ThresholdDays           int  `yaml:"threshold_days" validate:"gte=0"`
	MaxSplitDays            int  `yaml:"max_split_days" validate:"gte=0"`
	HeavyProjects           int  `yaml:"heavy_projects" validate:"gte=0"`
	ModerateProjects        int  `yaml:"moderate_projects" validate:"gte=0"`
	LongRangeDays           int  `yaml:"long_range_days" validate:"gte=0"`
	PredictabilityRangeDays int  `yaml:"predictability_range_days" validate:"gte=0"`
	LoadInFlight            int  `yaml:"load_in_flight" validate:"gte=0"`
}

// RateLimitConfig holds the retry and cooldown policy.
type RateLimitConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=0"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	CooldownFactor float64       `yaml:"cooldown_factor" validate:"gte=0"`
	CooldownFloor  time.Duration `yaml:"cooldown_floor"`
	PerMinute      int           `yaml:"per_minute" validate:"gte=0"` // client-side pacing per label (0 = unlimited)
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after"` // idle breakers are evicted after this
}

// WarmerConfig sizes the background task queue.
type WarmerConfig struct {
	Workers   int `yaml:"workers" validate:"gte=0"`
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

// JanitorConfig controls periodic expiry sweeps.
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`                           // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"` // 0.0 to 1.0
	Insecure   bool    `yaml:"insecure"`
}

// AdminConfig protects the cache administration routes.
type AdminConfig struct {
	Token string `yaml:"token"` // empty leaves admin routes open
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Tracker: TrackerConfig{
			PageSize: 50,
			Timeout:  30 * time.Second,
			MemoTTL:  10 * time.Minute,
			DNSCache: true,
			Auth:     AuthConfig{Method: "none"},
		},
		Cache: CacheConfig{
			Local: LocalCacheConfig{
				MaxSize: 10_000,
				MaxTTL:  24 * time.Hour,
			},
			Remote: RemoteCacheConfig{
				Backend:           "none",
				ReconnectInterval: 5 * time.Second,
				Redis:             RedisConfig{Addr: "localhost:6379", Prefix: "velocity:"},
				SQLite:            SQLiteConfig{DSN: "velocity.db"},
			},
			MonitorInterval: time.Minute,
		},
		Preview: PreviewConfig{
			Budget:        25 * time.Second,
			ChunkSize:     3,
			MaxAttempts:   3,
			ResultTTL:     10 * time.Minute,
			PartialTTL:    2 * time.Minute,
			SprintTTL:     6 * time.Hour,
			SubsetMaxAge:  30 * time.Minute,
			MaxWindowDays: 731,
		},
		Split: SplitConfig{
			ThresholdDays:           14,
			MaxSplitDays:            60,
			HeavyProjects:           5,
			ModerateProjects:        3,
			LongRangeDays:           45,
			PredictabilityRangeDays: 30,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:    4,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			CooldownFactor: 2,
			CooldownFloor:  10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			StaleAfter:       time.Hour,
		},
		Warmer: WarmerConfig{
			Workers:   2,
			QueueSize: 256,
		},
		Janitor: JanitorConfig{
			Interval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 0.1},
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(expandEnv(data))
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Cache.Remote.Backend {
	case "redis":
		if c.Cache.Remote.Redis.Addr == "" {
			return errors.New("invalid config: cache.remote.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Cache.Remote.SQLite.DSN == "" {
			return errors.New("invalid config: cache.remote.sqlite.dsn is required for the sqlite backend")
		}
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		return errors.New("invalid config: telemetry.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
