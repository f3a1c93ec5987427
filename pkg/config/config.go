// Package config loads and validates configuration for the dump builder, the
// searcher and the query CLI from a YAML file with environment-variable
// overrides. Every subsystem gets its own typed section.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Archive     ArchiveConfig     `yaml:"archive"`
	Store       StoreConfig       `yaml:"store"`
	Index       IndexConfig       `yaml:"index"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Server      ServerConfig      `yaml:"server"`
	Search      SearchConfig      `yaml:"search"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ArchiveConfig locates the dump and its optional multistream index.
type ArchiveConfig struct {
	Path         string `yaml:"path"`
	IndexPath    string `yaml:"indexPath"`
	ChunkSize    int    `yaml:"chunkSize"`
	MaxPageBytes int    `yaml:"maxPageBytes"`
}

// StoreConfig controls the sharded document tree.
type StoreConfig struct {
	Root             string `yaml:"root"`
	ShardCount       int    `yaml:"shardCount"`
	ExpectedDocs     int64  `yaml:"expectedDocs"`
	MaxFilesPerShard int    `yaml:"maxFilesPerShard"`
	RetryAttempts    int    `yaml:"retryAttempts"`
}

// IndexConfig controls title-index construction.
type IndexConfig struct {
	BatchSize    int `yaml:"batchSize"`
	BlockEntries int `yaml:"blockEntries"`
	MergeFanIn   int `yaml:"mergeFanIn"`
}

// PipelineConfig controls the worker pool and progress reporting.
type PipelineConfig struct {
	Workers          int           `yaml:"workers"`
	MaxRanges        int           `yaml:"maxRanges"`
	Resume           bool          `yaml:"resume"`
	ProgressInterval time.Duration `yaml:"progressInterval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is the per-client request rate on /api/v1; 0 disables it.
	RateLimit       float64       `yaml:"rateLimit"`
	RateBurst       int           `yaml:"rateBurst"`
}

// SearchConfig bounds prefix queries served to callers.
type SearchConfig struct {
	DefaultLimit int `yaml:"defaultLimit"`
	MaxResults   int `yaml:"maxResults"`
}

// PostgresConfig holds PostgreSQL connection parameters for the run ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexComplete string `yaml:"indexComplete"`
}

// RedisConfig holds Redis connection and lookup-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// ObjectStoreConfig points at an S3-compatible bucket receiving the finished
// title index.
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig toggles span logging for build runs.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), expands ${VAR} references,
// applies WX_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a Config suitable for a local build over a single dump.
func Default() *Config {
	return &Config{
		Archive: ArchiveConfig{
			ChunkSize:    1 << 20,
			MaxPageBytes: 64 << 20,
		},
		Store: StoreConfig{
			Root:             "./data",
			MaxFilesPerShard: 4000,
			ExpectedDocs:     7_000_000,
			RetryAttempts:    3,
		},
		Index: IndexConfig{
			BatchSize:    1_000_000,
			BlockEntries: 128,
			MergeFanIn:   64,
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			MaxRanges:        256,
			Resume:           true,
			ProgressInterval: 10 * time.Second,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			MaxResults:   100,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "wikidex",
			User:            "wikidex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "wikidex-searcher",
			Topics: KafkaTopics{
				IndexComplete: "wikidex.index.complete",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "localhost:9000",
			Bucket:   "wikidex",
			Prefix:   "indexes",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks cross-field constraints for every section.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Archive,
		validation.Field(&c.Archive.ChunkSize, validation.Min(4096)),
		validation.Field(&c.Archive.MaxPageBytes, validation.Min(1024)),
	); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := validation.ValidateStruct(&c.Store,
		validation.Field(&c.Store.Root, validation.Required),
		validation.Field(&c.Store.ShardCount, validation.Min(0)),
		validation.Field(&c.Store.MaxFilesPerShard, validation.Required, validation.Min(1)),
		validation.Field(&c.Store.RetryAttempts, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := validation.ValidateStruct(&c.Index,
		validation.Field(&c.Index.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Index.BlockEntries, validation.Required, validation.Min(2), validation.Max(65535)),
		validation.Field(&c.Index.MergeFanIn, validation.Required, validation.Min(2)),
	); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := validation.ValidateStruct(&c.Pipeline,
		validation.Field(&c.Pipeline.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Pipeline.MaxRanges, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Server.RateLimit, validation.Min(0.0)),
		validation.Field(&c.Server.RateBurst, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validation.ValidateStruct(&c.Search,
		validation.Field(&c.Search.DefaultLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.Search.MaxResults, validation.Required, validation.Min(c.Search.DefaultLimit)),
	); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := validation.ValidateStruct(&c.Logging,
		validation.Field(&c.Logging.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Logging.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Kafka.Enabled {
		if err := validation.ValidateStruct(&c.Kafka,
			validation.Field(&c.Kafka.Brokers, validation.Required),
		); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if c.ObjectStore.Enabled {
		if err := validation.ValidateStruct(&c.ObjectStore,
			validation.Field(&c.ObjectStore.Endpoint, validation.Required),
			validation.Field(&c.ObjectStore.Bucket, validation.Required),
		); err != nil {
			return fmt.Errorf("objectStore: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides reads WX_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WX_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("WX_ARCHIVE_INDEX_PATH"); v != "" {
		cfg.Archive.IndexPath = v
	}
	if v := os.Getenv("WX_STORE_ROOT"); v != "" {
		cfg.Store.Root = v
	}
	if v := os.Getenv("WX_STORE_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.ShardCount = n
		}
	}
	if v := os.Getenv("WX_INDEX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.BatchSize = n
		}
	}
	if v := os.Getenv("WX_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("WX_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WX_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("WX_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("WX_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("WX_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WX_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WX_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("WX_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("WX_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WX_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
