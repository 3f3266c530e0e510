// Package config provides configuration for the cache store and its tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineType names a storage engine backend.
type EngineType string

const (
	EngineBadger EngineType = "badger"
	EngineSQLite EngineType = "sqlite"
	EngineMemory EngineType = "memory"
)

// Config holds the configuration for one cache database.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// SchemasFile optionally points at a YAML or JSON file of record schemas
	SchemasFile string `json:"schemas_file" yaml:"schemas_file"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Query engine configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Async executor configuration
	Async AsyncConfig `json:"async" yaml:"async"`

	// HTTP inspection API configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC API configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Maintenance daemon configuration
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`

	// Snapshot storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// EngineConfig selects and tunes the storage engine.
type EngineConfig struct {
	// Type is the engine backend: badger, sqlite, memory
	Type EngineType `json:"type" yaml:"type"`

	// Path is the engine directory or file; derived from DataDir when empty
	Path string `json:"path" yaml:"path"`

	// InMemory keeps all data in memory (badger, sqlite) or disables the WAL (memory)
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every commit
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// WALSegmentSize is the memory engine's log segment size in bytes
	WALSegmentSize int64 `json:"wal_segment_size" yaml:"wal_segment_size"`

	// GCDiscardRatio is the badger value log GC threshold (0 < r < 1)
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// QueryConfig holds query engine configuration.
type QueryConfig struct {
	// FloatEpsilon is the default tolerance for double comparisons
	FloatEpsilon float64 `json:"float_epsilon" yaml:"float_epsilon"`

	// TrackStats records filter field usage
	TrackStats bool `json:"track_stats" yaml:"track_stats"`

	// StatsWindow is how long filter usage counts are kept
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window"`

	// IndexAdviceThreshold is the filter count above which an unindexed
	// field is reported as an index candidate; 0 disables the advice
	IndexAdviceThreshold int64 `json:"index_advice_threshold" yaml:"index_advice_threshold"`
}

// AsyncConfig holds async executor configuration.
type AsyncConfig struct {
	// Workers bounds the number of concurrently running async operations
	Workers int `json:"workers" yaml:"workers"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Enabled controls whether the inspection API is served
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Enabled controls whether the gRPC API is served
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Addr is the gRPC listen address
	Addr string `json:"addr" yaml:"addr"`
}

// MaintenanceConfig holds maintenance daemon configuration.
type MaintenanceConfig struct {
	// Interval is the time between engine maintenance runs
	Interval time.Duration `json:"interval" yaml:"interval"`

	// SnapshotInterval is the time between automatic snapshots; 0 disables them
	SnapshotInterval time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`

	// SnapshotKeep is how many snapshots per collection are retained; 0 keeps all
	SnapshotKeep int `json:"snapshot_keep" yaml:"snapshot_keep"`
}

// StorageConfig holds snapshot object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (MinIO and friends)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/cachedb",
		Engine: EngineConfig{
			Type:           EngineBadger,
			WALSegmentSize: 16 * 1024 * 1024,
			GCDiscardRatio: 0.5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Query: QueryConfig{
			FloatEpsilon: 1e-5,
			TrackStats:   true,
			StatsWindow:  time.Hour,

			IndexAdviceThreshold: 100,
		},
		Async: AsyncConfig{
			Workers: 4,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Addr:         "127.0.0.1:8765",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8766",
		},
		Maintenance: MaintenanceConfig{
			Interval:         10 * time.Minute,
			SnapshotInterval: 0,
			SnapshotKeep:     5,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/cachedb"
	}

	if c.Engine.Path == "" {
		switch c.Engine.Type {
		case EngineSQLite:
			c.Engine.Path = filepath.Join(c.DataDir, "cache.db")
		case EngineMemory:
			c.Engine.Path = filepath.Join(c.DataDir, "wal")
		default:
			c.Engine.Path = filepath.Join(c.DataDir, "badger")
		}
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "snapshots")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Engine.Type {
	case EngineBadger, EngineSQLite, EngineMemory:
	default:
		return fmt.Errorf("invalid engine type: %s (must be badger, sqlite, or memory)", c.Engine.Type)
	}

	if c.Engine.GCDiscardRatio <= 0 || c.Engine.GCDiscardRatio >= 1 {
		return fmt.Errorf("engine.gc_discard_ratio must be between 0 and 1, got %v", c.Engine.GCDiscardRatio)
	}

	if c.Engine.Type == EngineMemory && !c.Engine.InMemory && c.Engine.WALSegmentSize < 4096 {
		return fmt.Errorf("engine.wal_segment_size must be at least 4096, got %d", c.Engine.WALSegmentSize)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}

	if c.Query.FloatEpsilon < 0 {
		return fmt.Errorf("query.float_epsilon must not be negative, got %v", c.Query.FloatEpsilon)
	}

	if c.Async.Workers < 1 {
		return fmt.Errorf("async.workers must be at least 1, got %d", c.Async.Workers)
	}

	if c.Maintenance.SnapshotKeep < 0 {
		return fmt.Errorf("maintenance.snapshot_keep must not be negative, got %d", c.Maintenance.SnapshotKeep)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}

	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CACHEDB_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CACHEDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CACHEDB_SCHEMAS_FILE"); v != "" {
		cfg.SchemasFile = v
	}

	// Engine configuration
	if v := os.Getenv("CACHEDB_ENGINE_TYPE"); v != "" {
		cfg.Engine.Type = EngineType(v)
	}
	if v := os.Getenv("CACHEDB_ENGINE_PATH"); v != "" {
		cfg.Engine.Path = v
	}
	if v := os.Getenv("CACHEDB_ENGINE_IN_MEMORY"); v != "" {
		cfg.Engine.InMemory = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHEDB_ENGINE_SYNC_WRITES"); v != "" {
		cfg.Engine.SyncWrites = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHEDB_ENGINE_WAL_SEGMENT_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.WALSegmentSize)
	}

	// Log configuration
	if v := os.Getenv("CACHEDB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CACHEDB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Query configuration
	if v := os.Getenv("CACHEDB_QUERY_FLOAT_EPSILON"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Query.FloatEpsilon)
	}
	if v := os.Getenv("CACHEDB_QUERY_TRACK_STATS"); v != "" {
		cfg.Query.TrackStats = v == "true" || v == "1"
	}

	// Async configuration
	if v := os.Getenv("CACHEDB_ASYNC_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Async.Workers)
	}

	// HTTP configuration
	if v := os.Getenv("CACHEDB_HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHEDB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CACHEDB_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHEDB_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}

	// Maintenance configuration
	if v := os.Getenv("CACHEDB_MAINTENANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.Interval = d
		}
	}
	if v := os.Getenv("CACHEDB_MAINTENANCE_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.SnapshotInterval = d
		}
	}

	if v := os.Getenv("CACHEDB_MAINTENANCE_SNAPSHOT_KEEP"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Maintenance.SnapshotKeep)
	}

	// Storage configuration
	if v := os.Getenv("CACHEDB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("CACHEDB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CACHEDB_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CACHEDB_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("CACHEDB_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("CACHEDB_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if !c.Engine.InMemory {
		switch c.Engine.Type {
		case EngineSQLite:
			dirs = append(dirs, filepath.Dir(c.Engine.Path))
		default:
			dirs = append(dirs, c.Engine.Path)
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// InMemory returns a configuration for tests and throwaway caches: an
// in-memory engine with no directories touched.
func InMemory(engine EngineType) *Config {
	cfg := DefaultConfig()
	cfg.DataDir = os.TempDir()
	cfg.Engine.Type = engine
	cfg.Engine.InMemory = true
	cfg.Log.Level = "error"
	cfg.Resolve()
	return cfg
}
