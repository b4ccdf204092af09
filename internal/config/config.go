// Package config loads service configuration from a YAML file plus
// CRAWLER_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the crawler service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig selects the job queue backend. Exactly one backend is
// active at a time; the others' settings are ignored.
type QueueConfig struct {
	Backend string          `mapstructure:"backend"`
	File    FileQueueConfig `mapstructure:"file"`
	NATS    NATSQueueConfig `mapstructure:"nats"`
	GCS     GCSQueueConfig  `mapstructure:"gcs"`
}

type FileQueueConfig struct {
	Dir string `mapstructure:"dir"`
}

type NATSQueueConfig struct {
	URL      string `mapstructure:"url"`
	Stream   string `mapstructure:"stream"`
	Subject  string `mapstructure:"subject"`
	Consumer string `mapstructure:"consumer"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type GCSQueueConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Backend  string              `mapstructure:"backend"`
	Postgres PostgresStoreConfig `mapstructure:"postgres"`
	Redis    RedisStoreConfig    `mapstructure:"redis"`
}

type PostgresStoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisStoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type WorkerConfig struct {
	Concurrency              int `mapstructure:"concurrency"`
	PolitenessDelayMS        int `mapstructure:"politeness_delay_ms"`
	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds"`
	MaxAttempts              int `mapstructure:"max_attempts"`
	PollIntervalMS           int `mapstructure:"poll_interval_ms"`
}

type ProcessorConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// IndexerConfig selects where extracted records are persisted and,
// optionally, where index events are published.
type IndexerConfig struct {
	Blob   BlobConfig   `mapstructure:"blob"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
	Prefix string       `mapstructure:"prefix"`
}

type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
}

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

type DiscoveryConfig struct {
	RescanIntervalSeconds int    `mapstructure:"rescan_interval_seconds"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	UserAgent             string `mapstructure:"user_agent"`
}

// Load reads configuration from the optional file at path and the
// environment. Environment variables use the CRAWLER prefix with dots
// replaced by underscores, e.g. CRAWLER_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("queue.backend", "file")
	v.SetDefault("queue.file.dir", "data/queue")
	v.SetDefault("queue.nats.stream", "CRAWL_JOBS")
	v.SetDefault("queue.nats.subject", "crawl.jobs")
	v.SetDefault("queue.nats.consumer", "crawl-workers")
	v.SetDefault("queue.gcs.prefix", "queue")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "crawler:")
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.politeness_delay_ms", 1000)
	v.SetDefault("worker.visibility_timeout_seconds", 120)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("processor.timeout_seconds", 30)
	v.SetDefault("processor.user_agent", "schema-crawler/1.0")
	v.SetDefault("processor.max_body_bytes", 16<<20)
	v.SetDefault("processor.respect_robots", true)
	v.SetDefault("indexer.blob.backend", "memory")
	v.SetDefault("indexer.blob.base_dir", "data/records")
	v.SetDefault("indexer.prefix", "records")
	v.SetDefault("discovery.rescan_interval_seconds", 0)
	v.SetDefault("discovery.timeout_seconds", 10)
	v.SetDefault("discovery.user_agent", "schema-crawler/1.0")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "file":
		if c.Queue.File.Dir == "" {
			return fmt.Errorf("queue.file.dir must be set for the file backend")
		}
	case "nats":
		if c.Queue.NATS.URL == "" {
			return fmt.Errorf("queue.nats.url must be set for the nats backend")
		}
	case "gcs":
		if c.Queue.GCS.Bucket == "" {
			return fmt.Errorf("queue.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of file, nats, gcs, memory")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of postgres, redis, memory")
	}
	switch c.Indexer.Blob.Backend {
	case "memory":
	case "gcs":
		if c.Indexer.Blob.Bucket == "" {
			return fmt.Errorf("indexer.blob.bucket must be set for the gcs backend")
		}
	case "local":
		if c.Indexer.Blob.BaseDir == "" {
			return fmt.Errorf("indexer.blob.base_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("indexer.blob.backend must be one of gcs, local, memory")
	}
	if c.Indexer.PubSub.Topic != "" && c.Indexer.PubSub.ProjectID == "" {
		return fmt.Errorf("indexer.pubsub.project_id must be set when a topic is configured")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if c.Processor.TimeoutSeconds <= 0 {
		return fmt.Errorf("processor.timeout_seconds must be > 0")
	}
	return nil
}

// PolitenessDelay returns the per-site delay as a duration.
func (c WorkerConfig) PolitenessDelay() time.Duration {
	return time.Duration(c.PolitenessDelayMS) * time.Millisecond
}

// VisibilityTimeout returns the lease duration for dequeued jobs.
func (c WorkerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// PollInterval returns the idle backoff between empty dequeues.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Timeout returns the per-fetch budget as a duration.
func (c ProcessorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RescanInterval returns the discovery rescan cadence; zero disables it.
func (c DiscoveryConfig) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSeconds) * time.Second
}

// Timeout returns the schema map fetch budget.
func (c DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
