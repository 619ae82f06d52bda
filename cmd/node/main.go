// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitchsync/coordinator/internal/api"
	"github.com/pitchsync/coordinator/internal/config"
	"github.com/pitchsync/coordinator/internal/control/middleware"
	"github.com/pitchsync/coordinator/internal/coordinator"
	"github.com/pitchsync/coordinator/internal/health"
	xglog "github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/offload"
	"github.com/pitchsync/coordinator/internal/peers"
	"github.com/pitchsync/coordinator/internal/telemetry"
	"github.com/pitchsync/coordinator/internal/timesync"
	"github.com/rs/zerolog"
)

// telemetryRefreshInterval is how often the node re-statfs its
// recordings root and re-reads the sync monitor's last offset sample
// into the state machine, matching PEER_TIMEOUT's 5s default cadence.
const telemetryRefreshInterval = 5 * time.Second

// uploadQueueDepth bounds how many finalized-but-not-yet-uploaded
// recordings can be queued; once it is full, a further finalized
// recording is not queued for offload (the drop is logged and the stop
// itself still succeeds). The offload Client itself serializes to
// one active upload at a time (spec.md §4.5's concurrency rule), so this
// is purely a backpressure buffer ahead of that single worker.
const uploadQueueDepth = 8

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to node config file (YAML)")
	discoveryAddr := flag.String("discovery-addr", "", "UDP multicast address for peer discovery, empty disables it")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "pitchsync-node", Version: version})
	logger := xglog.WithComponent("node-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load node configuration")
	}
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "pitchsync-node", Version: version})
	logger = xglog.WithComponent("node-main").With().Str("node_id", cfg.NodeID).Logger()

	if err := health.PerformNodeStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("node startup checks failed")
	}

	var provider *telemetry.Provider
	if cfg.Telemetry.OTLPEndpoint != "" {
		provider, err = telemetry.NewProvider(ctx, telemetry.Config{
			Enabled:        true,
			ServiceName:    orDefault(cfg.Telemetry.ServiceName, "pitchsync-node"),
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

	identity := node.Identity{
		NodeID:   cfg.NodeID,
		Position: node.Position(cfg.Position),
		IsMaster: cfg.IsMaster,
		Endpoint: cfg.Endpoint,
	}
	driver := node.NewSimulatedDriver()

	registry := peers.NewRegistry(cfg.PeerTimeout)
	for _, sp := range cfg.StaticPeers {
		registry.AddStatic(sp.NodeID, sp.Endpoint)
	}

	var monitor *timesync.Monitor
	var syncFn node.SyncStatusFunc
	if !cfg.IsMaster {
		clock := timesync.NewHTTPMasterClock(cfg.MasterEndpoint, cfg.PeerTimeout)
		monitor = timesync.NewMonitor(cfg.NodeID, clock, timesync.Config{
			SyncTolerance: cfg.SyncTolerance,
			SyncRTTMax:    cfg.SyncRTTMax,
			SyncStale:     cfg.SyncStale,
			Interval:      cfg.SyncInterval,
		})
		syncFn = func() (float64, bool) {
			_, stale := monitor.Status()
			sample := monitor.LastSample()
			if sample == nil {
				return 0, true
			}
			return sample.OffsetMs, stale
		}
		go monitor.Run(ctx)
	}

	sm := node.NewStateMachine(identity, node.Params{
		MinFreeBytes:   cfg.MinFreeBytes,
		SyncTolerance:  cfg.SyncTolerance,
		StopGrace:      cfg.StopGrace,
		RecordingsRoot: cfg.RecordingsRoot,
	}, driver, syncFn)

	if err := os.MkdirAll(cfg.RecordingsRoot, 0o755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RecordingsRoot).Msg("failed to prepare recordings root")
	}
	go runTelemetryRefresh(ctx, sm, cfg.RecordingsRoot, monitor)

	if *discoveryAddr != "" {
		listener, err := peers.NewListener(*discoveryAddr, registry, cfg.NodeID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to start peer discovery listener")
		} else {
			go listener.Run(ctx)
		}
		announcer, err := peers.NewAnnouncer(*discoveryAddr, peers.Announcement{NodeID: cfg.NodeID, Endpoint: cfg.Endpoint}, 10*time.Second)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to start peer discovery announcer")
		} else {
			go announcer.Run(ctx)
		}
	}

	peerClient := coordinator.NewPeerClient(cfg.PeerTimeout)
	coord := coordinator.New(cfg.NodeID, registry, peerClient, coordinator.Config{
		StatusTimeout:   1 * time.Second,
		ArmTimeout:      cfg.ArmTimeout,
		StopTimeout:     cfg.StopTimeout,
		MinParticipants: cfg.MinParticipants,
		TestDuration:    cfg.TestDuration,
	})

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewCameraDriverChecker(driver.CameraDetected))
	hm.RegisterChecker(health.NewPeerReachabilityChecker(func() int {
		count := 0
		for _, p := range registry.List() {
			if p.Status == peers.StatusOnline {
				count++
			}
		}
		return count
	}, cfg.MinParticipants-1))

	var offloadClient *offload.Client
	if cfg.IngestEndpoint != "" {
		offloadCfg := offload.DefaultConfig(cfg.IngestEndpoint)
		if cfg.ChunkSizeBytes > 0 {
			offloadCfg.ChunkSize = cfg.ChunkSizeBytes
		}
		offloadClient = offload.NewClient(offloadCfg)
	}

	uploadQueue := make(chan *node.Recording, uploadQueueDepth)
	if offloadClient != nil {
		go runUploadWorker(ctx, offloadClient, uploadQueue, logger)
	}

	nodeServer := api.NewNodeServer(sm, monitor)
	if offloadClient != nil {
		nodeServer.SetOnFinalized(func(rec *node.Recording) {
			select {
			case uploadQueue <- rec:
			default:
				logger.Error().Str("recording_id", rec.RecordingID).Msg("upload queue full, dropping recording offload")
			}
		})
	}
	coordServer := api.NewCoordinatorServer(coord)
	router := api.NewRouter(api.RouterConfig{
		Stack: middleware.StackConfig{
			EnableSecurityHeaders: true,
			EnableMetrics:         true,
			TracingService:        cfg.Telemetry.ServiceName,
			EnableLogging:         true,
			EnableRateLimit:       cfg.RateLimit.Enabled,
			RateLimitEnabled:      cfg.RateLimit.Enabled,
			RateLimitGlobalRPS:    int(cfg.RateLimit.GlobalRPS),
			RateLimitBurst:        cfg.RateLimit.GlobalBurst,
		},
		Node:        nodeServer,
		Coordinator: coordServer,
		Health:      hm,
	})

	srv := &http.Server{
		Addr:              cfg.Endpoint,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Endpoint).Msg("node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		logger.Fatal().Err(err).Msg("node server failed")
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
	logger.Info().Msg("node exiting")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// runUploadWorker drains finalized recordings one at a time, the single
// consumer enforcing at most one active upload per node (spec.md §4.5).
func runUploadWorker(ctx context.Context, client *offload.Client, queue <-chan *node.Recording, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-queue:
			if err := client.Upload(ctx, rec); err != nil {
				logger.Error().Err(err).Str("recording_id", rec.RecordingID).Msg("offload upload failed")
			}
		}
	}
}

// runTelemetryRefresh keeps the state machine's storage/sync telemetry
// current so Arm's precondition checks see real numbers instead of the
// zero value a fresh StateMachine starts with.
func runTelemetryRefresh(ctx context.Context, sm *node.StateMachine, root string, monitor *timesync.Monitor) {
	ticker := time.NewTicker(telemetryRefreshInterval)
	defer ticker.Stop()
	refreshTelemetry(sm, root, monitor)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshTelemetry(sm, root, monitor)
		}
	}
}

func refreshTelemetry(sm *node.StateMachine, root string, monitor *timesync.Monitor) {
	free, total, err := diskUsage(root)
	if err != nil {
		free, total = 0, 0
	}
	offsetMs := math.NaN()
	if monitor != nil {
		if sample := monitor.LastSample(); sample != nil {
			offsetMs = sample.OffsetMs
		}
	}
	sm.UpdateTelemetry(free, total, 0, offsetMs)
}

// diskUsage statfs's root for free/total bytes; there is no portable
// stdlib wrapper for this (internal/ingest/server.go's diskFreeBytes
// hits the same gap).
func diskUsage(path string) (free, total int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), int64(stat.Blocks) * int64(stat.Bsize), nil
}
