// Package config loads broker settings from the environment, optionally seeded from a .env
// file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/kubebroker/internal/queue"
	"github.com/rcourtman/kubebroker/internal/store"
	"github.com/rcourtman/kubebroker/internal/utils"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "KUBEBROKER_"

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = store.DialectSQLite
	StorePostgres = store.DialectPostgres
)

// Config holds the broker settings.
type Config struct {
	ListenAddr      string
	MetricsAddr     string
	ShutdownTimeout time.Duration

	StoreDriver        string
	StoreDSN           string
	StoreMaxOpenConns  int
	StoreSweepInterval time.Duration
	StoreRetryAttempts int

	APIKeys     []string
	AdminSecret string

	SessionTTL            time.Duration
	ResultTTL             time.Duration
	QueueMaxDepth         int
	QueueMaxResidency     time.Duration
	QueuePollInterval     time.Duration
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
	PresenceFreshness     time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
	MaxBodyBytes       int64

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ListenAddr:            ":8080",
		ShutdownTimeout:       15 * time.Second,
		StoreDriver:           StoreMemory,
		StoreSweepInterval:    30 * time.Second,
		StoreRetryAttempts:    store.DefaultRetryPolicy.Attempts,
		SessionTTL:            300 * time.Second,
		ResultTTL:             120 * time.Second,
		QueueMaxDepth:         100,
		QueueMaxResidency:     5 * time.Minute,
		QueuePollInterval:     time.Second,
		DefaultCommandTimeout: 60 * time.Second,
		MaxCommandTimeout:     100 * time.Second,
		PresenceFreshness:     60 * time.Second,
		RateLimitPerMinute:    120,
		MaxBodyBytes:          1 << 20,
		LogLevel:              "info",
		LogFormat:             "auto",
	}
}

// WithEnvFile layers the variables in a .env file under getenv: values already present in
// the environment win. A missing file is not an error.
func WithEnvFile(path string, getenv func(string) string) (func(string) string, error) {
	if strings.TrimSpace(path) == "" {
		return getenv, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return getenv, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	log.Info().Str("file", path).Int("variables", len(values)).Msg("Loaded .env file")
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return values[key]
	}, nil
}

// Load reads KUBEBROKER_* variables through getenv on top of Default and validates the result.
func Load(getenv func(string) string) (Config, error) {
	cfg := Default()
	env := func(name string) string { return strings.TrimSpace(getenv(EnvPrefix + name)) }

	var errs []error
	str := func(name string, dst *string) {
		if v := env(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := env(name); v != "" {
			d, err := utils.ParseDuration(v)
			if err != nil || d < 0 {
				errs = append(errs, fmt.Errorf("%s%s: invalid duration %q", EnvPrefix, name, v))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v := env(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Errorf("%s%s: invalid number %q", EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	str("STORE", &cfg.StoreDriver)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	str("STORE_DSN", &cfg.StoreDSN)
	num("STORE_MAX_OPEN_CONNS", &cfg.StoreMaxOpenConns)
	dur("STORE_SWEEP_INTERVAL", &cfg.StoreSweepInterval)
	num("STORE_RETRY_ATTEMPTS", &cfg.StoreRetryAttempts)

	if v := env("API_KEYS"); v != "" {
		cfg.APIKeys = utils.SplitList(v)
	}
	str("ADMIN_SECRET", &cfg.AdminSecret)

	dur("SESSION_TTL", &cfg.SessionTTL)
	dur("RESULT_TTL", &cfg.ResultTTL)
	num("QUEUE_MAX_DEPTH", &cfg.QueueMaxDepth)
	dur("QUEUE_MAX_RESIDENCY", &cfg.QueueMaxResidency)
	dur("QUEUE_POLL_INTERVAL", &cfg.QueuePollInterval)
	dur("COMMAND_TIMEOUT", &cfg.DefaultCommandTimeout)
	dur("MAX_COMMAND_TIMEOUT", &cfg.MaxCommandTimeout)
	dur("PRESENCE_FRESHNESS", &cfg.PresenceFreshness)

	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	num("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	if v := env("MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%sMAX_BODY_BYTES: invalid number %q", EnvPrefix, v))
		} else {
			cfg.MaxBodyBytes = n
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("LOG_FILE", &cfg.LogFile)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency. Results must outlive the longest command and
// commands must outlive a single long-poll, or a waiting caller could miss its result.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.StoreDriver == StorePostgres && c.StoreDSN == "" {
			return fmt.Errorf("store %s requires %sSTORE_DSN", c.StoreDriver, EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory, sqlite or postgres)", c.StoreDriver)
	}

	if c.QueueMaxDepth <= 0 {
		return fmt.Errorf("queue max depth must be positive, got %d", c.QueueMaxDepth)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.DefaultCommandTimeout <= 0 || c.DefaultCommandTimeout > c.MaxCommandTimeout {
		return fmt.Errorf("command timeout %s must be positive and at most the max command timeout %s",
			c.DefaultCommandTimeout, c.MaxCommandTimeout)
	}
	if c.MaxCommandTimeout <= queue.MaxWait {
		return fmt.Errorf("max command timeout %s must exceed the poll wait %s", c.MaxCommandTimeout, queue.MaxWait)
	}
	if c.ResultTTL <= c.MaxCommandTimeout {
		return fmt.Errorf("result ttl %s must exceed the max command timeout %s", c.ResultTTL, c.MaxCommandTimeout)
	}
	if c.QueueMaxResidency < c.MaxCommandTimeout {
		return fmt.Errorf("queue max residency %s must be at least the max command timeout %s",
			c.QueueMaxResidency, c.MaxCommandTimeout)
	}
	if c.AdminSecret != "" && len(c.AdminSecret) < 12 {
		return fmt.Errorf("admin secret must be at least 12 characters")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	return nil
}

// SQLConfig returns the store settings for a SQL driver.
func (c Config) SQLConfig() store.SQLConfig {
	dsn := c.StoreDSN
	if c.StoreDriver == StoreSQLite && dsn == "" {
		dsn = "kubebroker.db"
	}
	return store.SQLConfig{Dialect: c.StoreDriver, DSN: dsn, MaxOpenConns: c.StoreMaxOpenConns}
}
