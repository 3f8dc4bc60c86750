// Package config loads replicad settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/agentworkforce/replica/internal/shapesync"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Storage
	DataDir            string
	StoreDSN           string
	StatementCacheSize int
	PollInterval       time.Duration

	// Sync
	SyncURL            string
	Token              string
	HTTPTimeout        time.Duration
	InitialSyncTimeout time.Duration
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	RetryJitter        float64

	// Session and shapes
	SessionFile   string
	SessionKeys   string
	SearchSpaceID int64
	ShapesFile    string

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads REPLICA_* environment variables, applying defaults.
func Load() (*Config, error) {
	var dataDir = envOrDefault("REPLICA_DATA_DIR", defaultDataDir())
	cfg := &Config{
		DataDir:            dataDir,
		StoreDSN:           envOrDefault("REPLICA_STORE_DSN", "sqlite://"+filepath.ToSlash(dataDir)),
		StatementCacheSize: intEnv("REPLICA_STATEMENT_CACHE_SIZE", 64),
		PollInterval:       durationEnv("REPLICA_POLL_INTERVAL", replicastore.DefaultPollInterval),

		SyncURL:            envOrDefault("REPLICA_SYNC_URL", "http://127.0.0.1:3000"),
		Token:              strings.TrimSpace(os.Getenv("REPLICA_TOKEN")),
		HTTPTimeout:        durationEnv("REPLICA_HTTP_TIMEOUT", 30*time.Second),
		InitialSyncTimeout: durationEnv("REPLICA_INITIAL_SYNC_TIMEOUT", shapesync.DefaultInitialSyncTimeout),
		RetryDelay:         durationEnv("REPLICA_RETRY_DELAY", 500*time.Millisecond),
		MaxRetryDelay:      durationEnv("REPLICA_MAX_RETRY_DELAY", 30*time.Second),
		RetryJitter:        floatEnv("REPLICA_RETRY_JITTER", 0.2),

		SessionFile:   strings.TrimSpace(os.Getenv("REPLICA_SESSION_FILE")),
		SessionKeys:   strings.TrimSpace(os.Getenv("REPLICA_SESSION_KEYS")),
		SearchSpaceID: int64Env("REPLICA_SEARCH_SPACE_ID", 0),
		ShapesFile:    strings.TrimSpace(os.Getenv("REPLICA_SHAPES_FILE")),

		LogLevel:    envOrDefault("REPLICA_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("REPLICA_LOG_FORMAT", "text"),
		MetricsAddr: strings.TrimSpace(os.Getenv("REPLICA_METRICS_ADDR")),
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("REPLICA_STORE_DSN is required")
	}
	if _, err := url.Parse(c.StoreDSN); err != nil {
		return fmt.Errorf("REPLICA_STORE_DSN is invalid: %w", err)
	}
	if u, err := url.Parse(c.SyncURL); err != nil || u.Host == "" {
		return fmt.Errorf("REPLICA_SYNC_URL must be an absolute URL, got %q", c.SyncURL)
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("REPLICA_SYNC_URL scheme must be http(s) or ws(s), got %q", u.Scheme)
		}
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("REPLICA_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.InitialSyncTimeout < 0 {
		return fmt.Errorf("REPLICA_INITIAL_SYNC_TIMEOUT must not be negative, got %s", c.InitialSyncTimeout)
	}
	if c.RetryDelay <= 0 || c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("REPLICA_RETRY_DELAY must be positive and at most REPLICA_MAX_RETRY_DELAY, got %s and %s", c.RetryDelay, c.MaxRetryDelay)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("REPLICA_RETRY_JITTER must be 0-1, got %f", c.RetryJitter)
	}
	if c.StatementCacheSize < 0 {
		return fmt.Errorf("REPLICA_STATEMENT_CACHE_SIZE must not be negative, got %d", c.StatementCacheSize)
	}
	if c.SearchSpaceID < 0 {
		return fmt.Errorf("REPLICA_SEARCH_SPACE_ID must not be negative, got %d", c.SearchSpaceID)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("REPLICA_LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "text", "json", "color":
	default:
		return fmt.Errorf("REPLICA_LOG_FORMAT must be text, json or color, got %q", c.LogFormat)
	}
	return nil
}

// StoreOptions returns the replica store options of the configuration.
func (c *Config) StoreOptions(logger log.FieldLogger) replicastore.Options {
	return replicastore.Options{
		PollInterval:       c.PollInterval,
		StatementCacheSize: c.StatementCacheSize,
		Logger:             logger,
	}
}

// EngineOptions returns the shape engine options of the configuration,
// without a Transport.
func (c *Config) EngineOptions(logger log.FieldLogger) shapesync.Options {
	return shapesync.Options{
		Logger:             logger,
		RetryDelay:         c.RetryDelay,
		MaxRetryDelay:      c.MaxRetryDelay,
		RetryJitter:        c.RetryJitter,
		InitialSyncTimeout: c.InitialSyncTimeout,
	}
}

// LoadEnvFiles loads variables from .env style files which aren't already
// set in the environment. Missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "replica")
	}
	return ".replica"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.WithFields(log.Fields{"name": name, "value": raw, "fallback": fallback}).Warn("invalid integer setting, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.WithFields(log.Fields{"name": name, "value": raw, "fallback": fallback}).Warn("invalid integer setting, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.WithFields(log.Fields{"name": name, "value": raw, "fallback": fallback.String()}).Warn("invalid duration setting, using fallback")
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.WithFields(log.Fields{"name": name, "value": raw, "fallback": fallback}).Warn("invalid number setting, using fallback")
		return fallback
	}
	return value
}
