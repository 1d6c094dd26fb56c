package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from the optional YAML file at path and from
// TASKMESH_-prefixed environment variables. Environment variables win over
// file values; nested keys use underscores (TASKMESH_STORE_REDIS_ADDR).
// An empty path skips the file and relies on defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "0s") // streaming responses manage their own deadline
	v.SetDefault("api.idle_timeout", "120s")
	v.SetDefault("api.shutdown_timeout", "30s")
	v.SetDefault("api.rate_limit", 100.0)
	v.SetDefault("api.rate_burst", 50)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.retention", "24h")

	v.SetDefault("executor.max_concurrent", 16)
	v.SetDefault("executor.default_step_timeout", "5m")
	v.SetDefault("executor.default_max_retries", 3)
	v.SetDefault("executor.retry_initial_delay", "500ms")
	v.SetDefault("executor.heartbeat_interval", "5s")
	v.SetDefault("executor.staleness_threshold", "30s")
	v.SetDefault("executor.supervisor_interval", "10s")
	v.SetDefault("executor.store_persist_timeout", "15s")

	v.SetDefault("routing.virtual_nodes", 128)
	v.SetDefault("routing.standalone", false)
	v.SetDefault("routing.heartbeat_interval", "3s")
	v.SetDefault("routing.heartbeat_ttl", "10s")
	v.SetDefault("routing.poll_interval", "2s")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.probability", 0.05)

	v.SetDefault("log.level", "info")
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Store.Backend {
	case StoreBackendRedis:
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	case StoreBackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	}

	if !cfg.Routing.Standalone && cfg.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr is required for cluster membership; set routing.standalone for single-node use")
	}

	if cfg.Executor.StalenessThreshold <= cfg.Executor.HeartbeatInterval {
		return fmt.Errorf("executor.staleness_threshold (%s) must exceed executor.heartbeat_interval (%s)",
			cfg.Executor.StalenessThreshold, cfg.Executor.HeartbeatInterval)
	}
	return nil
}
