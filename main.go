package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dockrion/dockrion/go/events/internal/config"
	"github.com/dockrion/dockrion/go/events/internal/health"
	"github.com/dockrion/dockrion/go/events/internal/httpapi"
	"github.com/dockrion/dockrion/go/events/internal/runmanager"
	"github.com/dockrion/dockrion/go/events/internal/streamctx"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
	"github.com/dockrion/dockrion/go/events/internal/tracing"
)

func main() {
	// Create a root context for background services
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	manifest, err := config.LoadManifest()
	if err != nil {
		log.Fatalf("Failed to load agent manifest: %v", err)
	}
	if manifest != nil {
		if err := manifest.Apply(cfg); err != nil {
			log.Fatalf("Failed to apply agent manifest: %v", err)
		}
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting events service",
		zap.String("backend", cfg.Backend),
		zap.String("agent", cfg.Agent.Name),
		zap.String("framework", cfg.Agent.Framework),
	)

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	backend, err := streaming.NewBackend(ctx, cfg.StreamingOptions(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize event backend", zap.Error(err))
	}
	defer backend.Close()

	// Health endpoints come up before the API so probes answer while the
	// rest of the service is still starting.
	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewBackendHealthChecker(backend, cfg.Backend, logger))
	if rb, ok := backend.(*streaming.RedisBackend); ok {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rb.Client(), logger))
	}
	_ = hm.Start(ctx)
	defer func() { _ = hm.Stop() }()
	healthSrv := health.StartHealthServer(hm, cfg.Health.Port, logger)

	filter, err := cfg.Filter()
	if err != nil {
		logger.Fatal("Invalid event filter", zap.Error(err))
	}
	logger.Info("Event filter resolved", zap.Strings("allowed", filter.AllowedTypes()))

	mgr := runmanager.NewManager(backend, runmanager.Config{
		AgentName:         cfg.Agent.Name,
		Framework:         cfg.Agent.Framework,
		HeartbeatInterval: cfg.HeartbeatDuration(),
		MaxRunDuration:    cfg.MaxRunDurationTime(),
		CancelGrace:       cfg.CancelGrace(),
		DefaultTTL:        time.Duration(cfg.Redis.StreamTTLSeconds) * time.Second,
		AllowClientIDs:    cfg.Runs.AllowClientIDs,
		Filter:            filter,
	}, logger)

	// The loopback agent echoes payloads back over the stream. Framework
	// adapters replace it by wiring their own AgentFunc here.
	agent := echoAgent

	mux := http.NewServeMux()
	httpapi.NewRunsHandler(mgr, agent, logger).RegisterRoutes(mux)
	httpapi.NewStreamHandler(mgr, httpapi.Limits{
		DefaultTimeout:       time.Duration(cfg.Connection.DefaultTimeoutSeconds) * time.Second,
		MaxSubscribersPerRun: cfg.Connection.MaxSubscribersPerRun,
	}, logger).RegisterRoutes(mux)
	httpapi.NewDirectHandler(agent, cfg.Agent.Name, cfg.Agent.Framework, filter, logger).RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: streaming responses outlive any
		// reasonable request deadline
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			addr := ":" + strconv.Itoa(cfg.Metrics.Port)
			logger.Info("Metrics server listening", zap.String("address", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down events service")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.GracefulTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Run manager shutdown incomplete", zap.Error(err))
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

// echoAgent streams the payload straight back and completes with it.
func echoAgent(ctx context.Context, input map[string]any) (any, error) {
	if sc := streamctx.FromContext(ctx); sc != nil {
		sc.TryProgress(ctx, "echo", 1.0, "echoing payload")
	}
	return map[string]any{"echo": input}, nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
