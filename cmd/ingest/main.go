// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pitchsync/coordinator/internal/audit"
	"github.com/pitchsync/coordinator/internal/cache"
	"github.com/pitchsync/coordinator/internal/config"
	"github.com/pitchsync/coordinator/internal/control/middleware"
	"github.com/pitchsync/coordinator/internal/health"
	"github.com/pitchsync/coordinator/internal/ingest"
	xglog "github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to ingest config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "pitchsync-ingest", Version: version})
	logger := xglog.WithComponent("ingest-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadIngest(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load ingest configuration")
	}
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "pitchsync-ingest", Version: version})
	logger = xglog.WithComponent("ingest-main")

	if err := health.PerformIngestStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("ingest startup checks failed")
	}

	var provider *telemetry.Provider
	if cfg.Telemetry.OTLPEndpoint != "" {
		provider, err = telemetry.NewProvider(ctx, telemetry.Config{
			Enabled:        true,
			ServiceName:    orDefault(cfg.Telemetry.ServiceName, "pitchsync-ingest"),
			ServiceVersion: version,
			ExporterType:   orDefault(cfg.Telemetry.OTLPProtocol, "grpc"),
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			SamplingRate:   cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize telemetry provider")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	store, err := ingest.OpenStore(cfg.StorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open upload-progress store")
	}
	defer store.Close()

	publisher := ingest.NewPublisher(cfg.StagingRoot, cfg.SessionsRoot, cfg.SessionCompleteTimeout)
	server := ingest.NewServer(store, publisher, cfg.StagingRoot)
	defer server.Close()

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewIngestStoreChecker(store.Ping))

	if cfg.AuditDBPath != "" {
		auditStore, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open audit database")
		}
		defer auditStore.Close()
		publisher.SetAudit(auditStore)
		server.SetAudit(auditStore)
		hm.RegisterChecker(health.NewAuditStoreChecker(auditStore.Ping))
	}

	// A single ingest replica is well served by the default in-memory
	// session cache. Setting redis_addr shares it across replicas behind
	// a load balancer, so a session published by one replica's publisher
	// is visible through GET /sessions/{sessionID} served by another.
	if cfg.SessionCache.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.SessionCache.RedisAddr,
			Password: cfg.SessionCache.RedisPassword,
			DB:       cfg.SessionCache.RedisDB,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to session cache redis")
		}
		defer func() {
			if closer, ok := redisCache.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}()
		server.SetSessionCache(redisCache)
		if checkable, ok := redisCache.(interface {
			HealthCheck(context.Context) error
		}); ok {
			hm.RegisterChecker(health.NewSessionCacheChecker(checkable.HealthCheck))
		}
	}

	r := chi.NewRouter()
	middleware.ApplyStack(r, middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        cfg.Telemetry.ServiceName,
		EnableLogging:         true,
		EnableRateLimit:       cfg.RateLimit.Enabled,
		RateLimitEnabled:      cfg.RateLimit.Enabled,
		RateLimitGlobalRPS:    int(cfg.RateLimit.GlobalRPS),
		RateLimitBurst:        cfg.RateLimit.GlobalBurst,
	})
	// GET /health is the ingest-specific contract from spec.md §6
	// ({storage_free_bytes, active_uploads}); the generic health.Manager
	// checks (store reachability) surface under /ready instead.
	r.Get("/ready", hm.ServeReady)
	r.Handle("/metrics", promhttp.Handler())
	server.Routes(r)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepTicker := time.NewTicker(cfg.SessionCompleteTimeout / 4)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweepTicker.C:
				server.SweepPartialSessions(now)
			}
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("ingest server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		logger.Fatal().Err(err).Msg("ingest server failed")
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
	logger.Info().Msg("ingest server exiting")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
