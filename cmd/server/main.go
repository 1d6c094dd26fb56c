package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/taskmesh/taskmesh/internal/api"
	"github.com/taskmesh/taskmesh/internal/app/commands"
	"github.com/taskmesh/taskmesh/internal/app/executor"
	appworkflow "github.com/taskmesh/taskmesh/internal/app/workflow"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	busmemory "github.com/taskmesh/taskmesh/internal/infra/eventbus/memory"
	storememory "github.com/taskmesh/taskmesh/internal/infra/storage/memory"
	storepostgres "github.com/taskmesh/taskmesh/internal/infra/storage/postgres"
	storeredis "github.com/taskmesh/taskmesh/internal/infra/storage/redis"
	"github.com/taskmesh/taskmesh/internal/routing"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
	"github.com/taskmesh/taskmesh/pkg/common/otel"
)

var build = "develop"

const serviceType = "taskmesh-server"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("TASKMESH-%s", hostname)
	metadata := map[string]any{
		"service":  svcName,
		"hostname": hostname,
		"build":    build,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration

	configPath := flag.String("config", os.Getenv("TASKMESH_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = hostname
	}

	// -------------------------------------------------------------------------
	// Tracing

	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Otel.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Otel.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"node.id":          nodeID,
			"hostname":         hostname,
		},
		Enabled: cfg.Otel.Enabled,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(serviceType)

	// -------------------------------------------------------------------------
	// Shared infrastructure

	var redisClient redis.UniversalClient
	if cfg.Store.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		defer redisClient.Close()
	}

	var store task.Store
	var sweeper *storepostgres.Store

	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		store = storememory.NewStore()

	case config.StoreBackendRedis:
		store = storeredis.NewStore(redisClient, tracer)

	case config.StoreBackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("parsing db config: %w", err)
		}
		poolCfg.MinConns = 5
		poolCfg.MaxConns = 25

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("creating db pool: %w", err)
		}
		defer pool.Close()

		if err := storepostgres.RunMigrations(pool); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		pgStore := storepostgres.NewStore(pool, tracer)
		store = pgStore
		sweeper = pgStore
	}

	log.Info(ctx, "startup", "status", "task store ready", "backend", cfg.Store.Backend)

	// -------------------------------------------------------------------------
	// Routing ring and membership

	ring := routing.NewRing(cfg.Routing.VirtualNodes)

	var membership *routing.Membership
	if cfg.Routing.Standalone {
		ring.AddNode(nodeID)
		log.Info(ctx, "startup", "status", "standalone routing", "node_id", nodeID)
	} else {
		membership = routing.NewMembership(routing.MembershipConfig{
			NodeID:            nodeID,
			HeartbeatInterval: cfg.Routing.HeartbeatInterval,
			TTL:               cfg.Routing.HeartbeatTTL,
			PollInterval:      cfg.Routing.PollInterval,
		}, redisClient, ring, log)

		if err := membership.Start(ctx); err != nil {
			return fmt.Errorf("joining cluster: %w", err)
		}
		log.Info(ctx, "startup", "status", "joined cluster", "node_id", nodeID)
	}

	// -------------------------------------------------------------------------
	// Workflows

	registry := appworkflow.NewRegistry()
	if err := registry.RegisterBuiltins(); err != nil {
		return fmt.Errorf("registering builtin steps: %w", err)
	}
	if cfg.Executor.WorkflowsFile != "" {
		if err := registry.LoadDefinitionsFile(cfg.Executor.WorkflowsFile); err != nil {
			return fmt.Errorf("loading workflow definitions: %w", err)
		}
		log.Info(ctx, "startup", "status", "workflows loaded", "workflows", registry.Names())
	}

	// -------------------------------------------------------------------------
	// Execution engine

	bus := busmemory.NewBus()
	defer bus.Close()

	sessions := session.NewManager(nodeID, ring, store, 16, log)
	defer sessions.Close()

	// Bridge every task event into the node-local subscription fanout.
	if err := bus.Subscribe(ctx, task.AllEventTypes(), sessions.Publish); err != nil {
		return fmt.Errorf("subscribing session manager: %w", err)
	}

	exec := executor.New(executor.Config{
		NodeID:              nodeID,
		MaxConcurrent:       cfg.Executor.MaxConcurrent,
		DefaultStepTimeout:  cfg.Executor.DefaultStepTimeout,
		DefaultMaxRetries:   cfg.Executor.DefaultMaxRetries,
		RetryInitialDelay:   cfg.Executor.RetryInitialDelay,
		HeartbeatInterval:   cfg.Executor.HeartbeatInterval,
		StalenessThreshold:  cfg.Executor.StalenessThreshold,
		Retention:           cfg.Store.Retention,
		StorePersistTimeout: cfg.Executor.StorePersistTimeout,
	}, store, registry, bus, tracer, log)

	supervisor := executor.NewSupervisor(exec, store, ring, nodeID, cfg.Executor.SupervisorInterval, log)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	if sweeper != nil {
		startRetentionSweep(ctx, log, sweeper, cfg.Store.Retention)
	}

	// -------------------------------------------------------------------------
	// Control API

	handler := commands.NewTaskHandler(log, tracer, store, registry, exec)
	server := api.NewServer(cfg.API, log, tracer, handler, sessions, readiness(cfg, redisClient))

	// -------------------------------------------------------------------------
	// Run until signaled

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.Start(runCtx)

	// Drain step loops before leaving the ring so in-flight work lands as
	// PAUSED checkpoints rather than stale RUNNING records.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	log.Info(shutdownCtx, "shutdown", "status", "draining step loops")
	exec.Shutdown(shutdownCtx)

	if membership != nil {
		membership.Stop(shutdownCtx)
	}

	log.Info(shutdownCtx, "shutdown", "status", "complete")
	return err
}

// startRetentionSweep deletes expired terminal tasks on an hourly cadence.
// Redis handles retention natively with TTLs; this loop exists for the
// postgres backend.
func startRetentionSweep(ctx context.Context, log *logger.Logger, sweeper *storepostgres.Store, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sweeper.SweepExpired(ctx)
				if err != nil {
					log.Warn(ctx, "retention sweep failed", "error", err)
					continue
				}
				if n > 0 {
					log.Info(ctx, "retention sweep", "deleted", n)
				}
			}
		}
	}()
}

// readiness builds the readiness check for the configured backends.
func readiness(cfg *config.Config, redisClient redis.UniversalClient) api.ReadinessChecker {
	return readyFunc(func(ctx context.Context) error {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	})
}

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }
