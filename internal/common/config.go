package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Broker      BrokerConfig      `toml:"broker"`
	Storage     StorageConfig     `toml:"storage"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Worker      WorkerConfig      `toml:"worker"`
	Logging     LoggingConfig     `toml:"logging"`
	Configs     ConfigDirConfig   `toml:"configs"`
	Scratch     ScratchConfig     `toml:"scratch"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BrokerConfig controls the embedded broker. URI accepts badger://<dir>;
// a bare path is treated as the data directory.
type BrokerConfig struct {
	URI               string `toml:"uri"`
	PrefetchCount     int    `toml:"prefetch_count"`     // Per-channel prefetch
	PollInterval      string `toml:"poll_interval"`      // How often consumers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // Unacked message redelivery window
	ReconnectDelay    string `toml:"reconnect_delay"`    // Delay between reopen attempts
	ConnectRetries    int    `toml:"connect_retries"`    // Max attempts on startup
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// UpstreamConfig holds defaults for source/destination HTTP calls.
type UpstreamConfig struct {
	SourceTimeout string `toml:"source_timeout"`  // Default timeout for source fetches
	DestTimeout   string `toml:"dest_timeout"`    // Default timeout for destination posts
	DataTimeout   string `toml:"data_timeout"`    // Timeout for analytics data fetches
	RatePerSecond int    `toml:"rate_per_second"` // Per-instance request rate limit
}

// WorkerConfig controls the worker runtime.
type WorkerConfig struct {
	RequeueLimit int `toml:"requeue_limit"` // Immediate requeue attempts before DLQ
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// ConfigDirConfig points at the directory of migration-config TOML files
// loaded into the store on startup.
type ConfigDirConfig struct {
	Dir string `toml:"dir"`
}

// ScratchConfig controls scratch file placement.
type ScratchConfig struct {
	Dir string `toml:"dir"` // Root for {configId}/{uuid}.json scratch files
}

// MaintenanceConfig controls the cron sweeps.
type MaintenanceConfig struct {
	Schedule      string `toml:"schedule"`        // Cron schedule for sweeps
	SessionTTL    string `toml:"session_ttl"`     // Validation session expiry
	ScratchMaxAge string `toml:"scratch_max_age"` // Orphaned scratch file age
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Broker: BrokerConfig{
			URI:               "badger://./data/broker",
			PrefetchCount:     20,
			PollInterval:      "500ms",
			VisibilityTimeout: "5m",
			ReconnectDelay:    "5s",
			ConnectRetries:    5,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/store",
			},
		},
		Upstream: UpstreamConfig{
			SourceTimeout: "30s",
			DestTimeout:   "30s",
			DataTimeout:   "120s",
			RatePerSecond: 10,
		},
		Worker: WorkerConfig{
			RequeueLimit: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Configs: ConfigDirConfig{
			Dir: "./configs",
		},
		Scratch: ScratchConfig{
			Dir: "./outputs",
		},
		Maintenance: MaintenanceConfig{
			Schedule:      "*/10 * * * *",
			SessionTTL:    "1h",
			ScratchMaxAge: "24h",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 ->
// file2 -> ... -> env. Later files override earlier files; CLI flag
// overrides are applied separately and win over everything.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(config)

	return config, nil
}

// ApplyEnvOverrides applies environment variable overrides to config.
func ApplyEnvOverrides(config *Config) {
	if uri := os.Getenv("BROKER_URI"); uri != "" {
		config.Broker.URI = uri
	}
	if prefetch := os.Getenv("BROKER_PREFETCH_COUNT"); prefetch != "" {
		if p, err := strconv.Atoi(prefetch); err == nil && p > 0 {
			config.Broker.PrefetchCount = p
		}
	}
	if port := os.Getenv("DATA_SERVICE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			config.Server.Port = p
		}
	}
	if timeout := os.Getenv("SOURCE_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil && ms > 0 {
			config.Upstream.SourceTimeout = fmt.Sprintf("%dms", ms)
		}
	}
	if timeout := os.Getenv("DEST_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil && ms > 0 {
			config.Upstream.DestTimeout = fmt.Sprintf("%dms", ms)
		}
	}
	if level := os.Getenv("MIGRO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// BrokerDataDir resolves the broker data directory from the configured URI.
func (c *Config) BrokerDataDir() string {
	uri := c.Broker.URI
	if strings.HasPrefix(uri, "badger://") {
		return strings.TrimPrefix(uri, "badger://")
	}
	return uri
}

// ParseDurationOr parses a duration string, falling back to def on error.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
