// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pitchsync/coordinator/internal/config"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/rs/zerolog"
)

// PerformNodeStartupChecks validates a recording node's environment
// before it starts serving the control API.
func PerformNodeStartupChecks(ctx context.Context, cfg config.Node) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running node pre-flight checks")

	if err := checkWritableDir(logger, cfg.RecordingsRoot); err != nil {
		return fmt.Errorf("recordings root check failed: %w", err)
	}
	if err := checkListenAddr(cfg.Endpoint); err != nil {
		return fmt.Errorf("endpoint check failed: %w", err)
	}
	if cfg.IngestEndpoint != "" {
		if _, _, err := net.SplitHostPort(cfg.IngestEndpoint); err != nil {
			return fmt.Errorf("invalid ingest_endpoint %q: %w", cfg.IngestEndpoint, err)
		}
	}
	for _, peer := range cfg.StaticPeers {
		if peer.NodeID == "" || peer.Endpoint == "" {
			return fmt.Errorf("static_peers entry missing node_id or endpoint")
		}
		if _, _, err := net.SplitHostPort(peer.Endpoint); err != nil {
			return fmt.Errorf("static peer %q has invalid endpoint %q: %w", peer.NodeID, peer.Endpoint, err)
		}
	}

	logger.Info().Msg("node startup checks passed")
	return nil
}

// PerformIngestStartupChecks validates the ingest server's environment.
func PerformIngestStartupChecks(ctx context.Context, cfg config.Ingest) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running ingest pre-flight checks")

	if err := checkListenAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr check failed: %w", err)
	}
	if err := checkWritableDir(logger, cfg.StagingRoot); err != nil {
		return fmt.Errorf("staging root check failed: %w", err)
	}
	if err := checkWritableDir(logger, cfg.SessionsRoot); err != nil {
		return fmt.Errorf("sessions root check failed: %w", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		if _, err := url.Parse(cfg.Telemetry.OTLPEndpoint); err != nil {
			return fmt.Errorf("invalid otlp_endpoint: %w", err)
		}
	}

	logger.Info().Msg("ingest startup checks passed")
	return nil
}

func checkListenAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address must not be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid port %q in %q", port, addr)
	}
	return nil
}

// checkWritableDir ensures path exists (creating it if necessary) and
// accepts a throwaway file write, mirroring the data-directory
// preflight a production recording node needs before it can accept an
// arm command.
func checkWritableDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("directory is writable")
	return nil
}
