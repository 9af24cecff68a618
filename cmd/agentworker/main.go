package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/agents"
	"github.com/hiveplane/hiveplane/internal/config"
	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/tracing"
	"github.com/hiveplane/hiveplane/internal/worker"
)

// agentworker hosts exactly one agent. The supervisor launches it with
// the agent id in the environment and the shared config path; its exit
// status is observed through the runtime's liveness sweep, not its
// stdout.
func main() {
	agentID := os.Getenv(worker.EnvAgentID)
	if agentID == "" {
		log.Fatalf("%s is not set", worker.EnvAgentID)
	}

	cfgPath := config.Path("hiveplane.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapCfg := zap.NewProductionConfig()
	if err := zapCfg.Level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Logging.Level, err)
	}
	logger, err := zapCfg.Build(zap.Fields(zap.String("agent_id", agentID)))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "hiveplane-agentworker",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	st, err := store.Open(store.Config{
		DSN:       cfg.Store.DSN,
		QueueSize: cfg.Store.QueueSize,
		Workers:   cfg.Store.Workers,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	reg := registry.New()
	agents.RegisterBuiltins(reg)
	if cfg.Runtime.RoleOverrides != "" {
		if err := reg.LoadRoleOverrides(cfg.Runtime.RoleOverrides); err != nil {
			logger.Fatal("Failed to load role overrides", zap.Error(err))
		}
	}

	// SIGTERM cancels the lifecycle context. The cooperative path is a
	// stop command from the supervisor; the signal is the hard fallback.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx, worker.Deps{
		AgentID:     agentID,
		Registry:    reg,
		Store:       st,
		Redis:       rdb,
		WorkdirBase: cfg.Runtime.WorkdirBase,
		Logger:      logger,
	}); err != nil {
		logger.Error("Worker exited with error", zap.Error(err))
		os.Exit(1)
	}
}
