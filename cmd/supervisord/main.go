package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/agents"
	"github.com/hiveplane/hiveplane/internal/config"
	"github.com/hiveplane/hiveplane/internal/httpapi"
	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/runtime"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/streaming"
	"github.com/hiveplane/hiveplane/internal/tracing"
)

func main() {
	cfgPath := config.Path("hiveplane.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Logging.Level, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
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
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to reach Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	reg := registry.New()
	agents.RegisterBuiltins(reg)
	if cfg.Runtime.RoleOverrides != "" {
		if err := reg.LoadRoleOverrides(cfg.Runtime.RoleOverrides); err != nil {
			logger.Fatal("Failed to load role overrides", zap.Error(err))
		}
	}

	launcher := &runtime.ExecLauncher{
		Binary:     cfg.Runtime.WorkerBinary,
		ConfigPath: cfgPath,
		Logger:     logger,
	}
	rt := runtime.New(runtime.Config{
		Project:         cfg.Runtime.Project,
		PollInterval:    cfg.PollInterval(),
		MaxPollInterval: cfg.MaxPollInterval(),
		StopGrace:       cfg.StopGrace(),
		WorkdirBase:     cfg.Runtime.WorkdirBase,
		SpawnRate:       cfg.Runtime.SpawnRatePerSec,
		SpawnBurst:      cfg.Runtime.SpawnBurst,
	}, st, rdb, reg, streaming.NewManager(0), launcher, logger)
	defer rt.Close()

	stopWatch, err := config.Watch(cfgPath, logger, func(next *config.Config) {
		if err := level.UnmarshalText([]byte(next.Logging.Level)); err != nil {
			logger.Warn("Ignoring invalid log level on reload", zap.String("level", next.Logging.Level))
		}
	})
	if err != nil {
		logger.Warn("Config watch unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	apiServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      httpapi.NewServer(rt, st, cfg.API.AuthSecret, logger).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.API.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics server listening", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("Shutting down", zap.String("signal", s.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}
