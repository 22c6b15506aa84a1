package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/zep-us/docindexer/pkg/logger"
)

// Transport and indexer mode names accepted in the config file.
const (
	TransportHTTP     = "http"
	TransportEmbedded = "embedded"

	ModeBulk   = "bulk"
	ModeSingle = "single"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. DOCINDEXER_BULK_ACTIONS.
const EnvPrefix = "DOCINDEXER"

// Config holds all configuration values for the application
type Config struct {
	ServerPort             int `mapstructure:"server_port" validate:"min=1,max=65535"`
	ShutdownDrainSeconds   int `mapstructure:"shutdown_drain_seconds" validate:"min=0"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"min=1"`
	MaxRequestSizeMB       int `mapstructure:"max_request_size_mb" validate:"min=1"` // Ingest body size limit in MB

	Transport             string   `mapstructure:"transport"` // "http" or "embedded"
	ClusterURLs           []string `mapstructure:"cluster_urls" validate:"dive,url"`
	ClusterUsername       string   `mapstructure:"cluster_username"`
	ClusterPassword       string   `mapstructure:"cluster_password"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds" validate:"min=1"`
	EmbeddedDataDir       string   `mapstructure:"embedded_data_dir"` // empty = in-memory
	WorkerPoolSize        int      `mapstructure:"worker_pool_size" validate:"min=0"`
	JobQueueSize          int      `mapstructure:"job_queue_size" validate:"min=0"`

	IndexerMode         string `mapstructure:"indexer_mode"` // "bulk" or "single"
	BulkActions         int    `mapstructure:"bulk_actions" validate:"min=1"`
	FlushIntervalMS     int    `mapstructure:"flush_interval_ms" validate:"min=0"`
	DrainTimeoutSeconds int    `mapstructure:"drain_timeout_seconds" validate:"min=1"`

	BackoffPolicy      string `mapstructure:"backoff_policy"` // "none", "constant" or "exponential"
	BackoffBaseDelayMS int    `mapstructure:"backoff_base_delay_ms" validate:"min=0"`
	BackoffMaxDelayMS  int    `mapstructure:"backoff_max_delay_ms" validate:"min=0"`
	BackoffMaxAttempts int    `mapstructure:"backoff_max_attempts"` // total attempts, < 0 = unlimited (constant only)
	BackoffJitter      bool   `mapstructure:"backoff_jitter"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", 8080)
	v.SetDefault("shutdown_drain_seconds", 2)
	v.SetDefault("shutdown_timeout_seconds", 10)
	v.SetDefault("max_request_size_mb", 1)

	v.SetDefault("transport", TransportHTTP)
	v.SetDefault("cluster_urls", []string{})
	v.SetDefault("cluster_username", "")
	v.SetDefault("cluster_password", "")
	v.SetDefault("request_timeout_seconds", 10)
	v.SetDefault("embedded_data_dir", "")
	v.SetDefault("worker_pool_size", 0) // 0 = auto-detect 16×NumCPU in worker.NewPool()
	v.SetDefault("job_queue_size", 10000)

	v.SetDefault("indexer_mode", ModeBulk)
	v.SetDefault("bulk_actions", 1000)
	v.SetDefault("flush_interval_ms", 0)
	v.SetDefault("drain_timeout_seconds", 10)

	v.SetDefault("backoff_policy", "exponential")
	v.SetDefault("backoff_base_delay_ms", 50)
	v.SetDefault("backoff_max_delay_ms", 5000)
	v.SetDefault("backoff_max_attempts", 8)
	v.SetDefault("backoff_jitter", true)

	v.SetDefault("log_level", "INFO")
}

// Load reads configuration from path, or from config.toml in . or ./config
// when path is empty. Environment variables prefixed with DOCINDEXER_
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Warn("No config.toml found, using defaults and %s_* environment variables", EnvPrefix)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Transport == TransportHTTP && config.ClusterUsername == "" {
		logger.Warn("cluster_username is empty - requests will not include authentication")
	}

	config.logSummary(v.ConfigFileUsed())
	return &config, nil
}

// normalize replaces unknown enum values with their defaults
func (c *Config) normalize() {
	// Environment lists arrive as one string; accept commas as well as spaces.
	var urls []string
	for _, entry := range c.ClusterURLs {
		for _, u := range strings.Split(entry, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
	}
	c.ClusterURLs = urls

	switch c.Transport {
	case TransportHTTP, TransportEmbedded:
	case "":
		c.Transport = TransportHTTP
	default:
		logger.Warn("unknown transport=%q, defaulting to '%s'", c.Transport, TransportHTTP)
		c.Transport = TransportHTTP
	}

	switch c.IndexerMode {
	case ModeBulk, ModeSingle:
	case "":
		c.IndexerMode = ModeBulk
	default:
		logger.Warn("unknown indexer_mode=%q, defaulting to '%s'", c.IndexerMode, ModeBulk)
		c.IndexerMode = ModeBulk
	}

	c.BackoffPolicy = strings.ToLower(strings.TrimSpace(c.BackoffPolicy))
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		logger.Warn("unknown log_level=%q, defaulting to 'INFO'", c.LogLevel)
		c.LogLevel = "INFO"
	}
}

var validate = validator.New()

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Transport == TransportHTTP && len(c.ClusterURLs) == 0 {
		return errors.New("cluster_urls is required when transport is 'http'")
	}
	return nil
}

func (c *Config) logSummary(file string) {
	if file != "" {
		logger.Info("Configuration loaded successfully from %s", file)
	}
	logger.Info("  server_port: %d", c.ServerPort)
	logger.Info("  shutdown_drain_seconds: %d", c.ShutdownDrainSeconds)
	logger.Info("  shutdown_timeout_seconds: %d", c.ShutdownTimeoutSeconds)
	logger.Info("  transport: %s", c.Transport)
	if c.Transport == TransportHTTP {
		logger.Info("  cluster_urls: %v", c.ClusterURLs)
		logger.Info("  request_timeout_seconds: %d", c.RequestTimeoutSeconds)
	} else {
		logger.Info("  embedded_data_dir: %q (empty = in-memory)", c.EmbeddedDataDir)
	}
	logger.Info("  worker_pool_size: %d (0 = auto-detect)", c.WorkerPoolSize)
	logger.Info("  job_queue_size: %d", c.JobQueueSize)
	logger.Info("  indexer_mode: %s", c.IndexerMode)
	if c.IndexerMode == ModeBulk {
		logger.Info("  bulk_actions: %d", c.BulkActions)
		logger.Info("  flush_interval_ms: %d (0 = disabled)", c.FlushIntervalMS)
		logger.Info("  backoff: %s base=%dms max=%dms attempts=%d jitter=%v",
			c.BackoffPolicy, c.BackoffBaseDelayMS, c.BackoffMaxDelayMS, c.BackoffMaxAttempts, c.BackoffJitter)
	}
	logger.Info("  drain_timeout_seconds: %d", c.DrainTimeoutSeconds)
	logger.Info("  max_request_size_mb: %d", c.MaxRequestSizeMB)
	logger.Info("  log_level: %s", c.LogLevel)
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSeconds) * time.Second
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

func (c *Config) BackoffBaseDelay() time.Duration {
	return time.Duration(c.BackoffBaseDelayMS) * time.Millisecond
}

func (c *Config) BackoffMaxDelay() time.Duration {
	return time.Duration(c.BackoffMaxDelayMS) * time.Millisecond
}
