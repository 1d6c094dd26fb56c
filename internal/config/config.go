// Package config holds the node's configuration, loaded from a YAML file
// and overridable through TASKMESH_-prefixed environment variables.
package config

import "time"

// Config is the top-level node configuration.
type Config struct {
	Node     NodeConfig     `mapstructure:"node" validate:"required"`
	API      APIConfig      `mapstructure:"api" validate:"required"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Otel     OtelConfig     `mapstructure:"otel"`
	Log      LogConfig      `mapstructure:"log"`
}

// NodeConfig identifies this instance in the cluster.
type NodeConfig struct {
	// ID is this node's stable identity on the hash ring. Empty means a
	// generated ID, which is fine for ephemeral nodes but costs ring
	// stability across restarts.
	ID string `mapstructure:"id"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateLimit is the sustained requests-per-second budget per node.
	// Zero disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the burst allowance above the sustained rate.
	RateBurst int `mapstructure:"rate_burst"`
}

// StoreBackend selects the task store implementation.
type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendRedis    StoreBackend = "redis"
	StoreBackendPostgres StoreBackend = "postgres"
)

// StoreConfig configures the task store and, when redis is selected, the
// membership heartbeat backend.
type StoreConfig struct {
	Backend StoreBackend `mapstructure:"backend" validate:"required,oneof=memory redis postgres"`

	// RedisAddr is required for the redis backend and for cluster
	// membership whenever the node is not running standalone.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// PostgresDSN is required for the postgres backend.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// Retention is how long terminal tasks stay queryable.
	Retention time.Duration `mapstructure:"retention"`
}

// ExecutorConfig tunes the step loops.
type ExecutorConfig struct {
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	DefaultStepTimeout  time.Duration `mapstructure:"default_step_timeout"`
	DefaultMaxRetries   int           `mapstructure:"default_max_retries"`
	RetryInitialDelay   time.Duration `mapstructure:"retry_initial_delay"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	StalenessThreshold  time.Duration `mapstructure:"staleness_threshold"`
	SupervisorInterval  time.Duration `mapstructure:"supervisor_interval"`
	StorePersistTimeout time.Duration `mapstructure:"store_persist_timeout"`

	// WorkflowsFile points at the YAML workflow definitions to load at
	// startup. Empty means only programmatically registered workflows.
	WorkflowsFile string `mapstructure:"workflows_file"`
}

// RoutingConfig tunes the consistent hash ring and cluster membership.
type RoutingConfig struct {
	// VirtualNodes is the number of ring points per node. More points give
	// smoother key distribution at the cost of ring memory.
	VirtualNodes int `mapstructure:"virtual_nodes"`

	// Standalone skips redis-backed membership and places only this node on
	// the ring. Intended for single-node and test deployments.
	Standalone bool `mapstructure:"standalone"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// OtelConfig configures tracing.
type OtelConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	Probability      float64 `mapstructure:"probability"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}
