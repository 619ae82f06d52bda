// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the immutable startup configuration for a node,
// the ingest server, or coordctl. Reload is explicitly out of scope —
// a process restart is the supported way to apply changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticPeer is an admin-entered peer endpoint, the authoritative (highest
// precedence) source of Peer Registry entries.
type StaticPeer struct {
	NodeID   string `yaml:"node_id"`
	Endpoint string `yaml:"endpoint"`
}

// Node is the immutable configuration for a single edge recording node.
type Node struct {
	NodeID   string `yaml:"node_id"`
	Position string `yaml:"position"` // left|center|right
	IsMaster bool   `yaml:"is_master"`
	Endpoint string `yaml:"endpoint"` // this node's own host:port

	RecordingsRoot string `yaml:"recordings_root"`

	MinFreeBytes     int64         `yaml:"min_free_bytes"`
	SyncTolerance    time.Duration `yaml:"sync_tolerance"`
	SyncRTTMax       time.Duration `yaml:"sync_rtt_max"`
	SyncStale        time.Duration `yaml:"sync_stale"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	PeerTimeout      time.Duration `yaml:"peer_timeout"`
	ArmTimeout       time.Duration `yaml:"arm_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	MinParticipants  int           `yaml:"min_participants"`
	TestDuration      time.Duration `yaml:"test_duration"`
	DeleteAfterConfirm bool        `yaml:"delete_after_confirm"`

	StaticPeers    []StaticPeer `yaml:"static_peers"`
	MasterEndpoint string       `yaml:"master_endpoint"` // unused when is_master is true

	IngestEndpoint string `yaml:"ingest_endpoint"`
	ChunkSizeBytes int64  `yaml:"chunk_size_bytes"`

	RateLimit  RateLimit  `yaml:"rate_limit"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	LogLevel   string     `yaml:"log_level"`
}

// RateLimit mirrors internal/ratelimit.Config's tunables.
type RateLimit struct {
	Enabled    bool    `yaml:"enabled"`
	GlobalRPS  float64 `yaml:"global_rps"`
	GlobalBurst int    `yaml:"global_burst"`
}

// Telemetry configures OpenTelemetry tracing export.
type Telemetry struct {
	ServiceName    string `yaml:"service_name"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	OTLPProtocol   string `yaml:"otlp_protocol"` // grpc|http
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// Ingest is the immutable configuration for the ingest server.
type Ingest struct {
	ListenAddr             string        `yaml:"listen_addr"`
	StagingRoot            string        `yaml:"staging_root"`
	SessionsRoot           string        `yaml:"sessions_root"`
	StorePath              string        `yaml:"store_path"` // empty => in-memory store
	SessionCompleteTimeout time.Duration `yaml:"session_complete_timeout"`
	AuditDBPath            string        `yaml:"audit_db_path"` // modernc.org/sqlite file

	SessionCache SessionCache `yaml:"session_cache"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Telemetry Telemetry `yaml:"telemetry"`
	LogLevel  string    `yaml:"log_level"`
}

// SessionCache configures where published-session lookups are cached.
// Left zero-valued, the ingest server caches in its own process memory,
// which is sufficient for a single replica. RedisAddr is set to share
// that cache across replicas running behind a load balancer, so a
// session published on one replica is immediately visible through
// GET /sessions/{sessionID} served by another.
type SessionCache struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

func defaultNode() Node {
	return Node{
		MinFreeBytes:       10 << 30, // 10 GiB
		SyncTolerance:      5 * time.Millisecond,
		SyncRTTMax:         50 * time.Millisecond,
		SyncStale:          60 * time.Second,
		SyncInterval:       10 * time.Second,
		StopGrace:          10 * time.Second,
		ShutdownGrace:      30 * time.Second,
		PeerTimeout:        5 * time.Second,
		ArmTimeout:         3 * time.Second,
		StopTimeout:        20 * time.Second,
		MinParticipants:    2,
		TestDuration:       10 * time.Second,
		DeleteAfterConfirm: false,
		ChunkSizeBytes:     100 << 20, // 100 MiB
		RecordingsRoot:     "./recordings",
		LogLevel:           "info",
	}
}

func defaultIngest() Ingest {
	return Ingest{
		ListenAddr:             ":9090",
		StagingRoot:            "./staging",
		SessionsRoot:           "./sessions",
		SessionCompleteTimeout: 2 * time.Hour,
		LogLevel:               "info",
	}
}

// LoadNode reads and validates a Node configuration from a YAML file.
func LoadNode(path string) (Node, error) {
	cfg := defaultNode()
	if err := loadYAML(path, &cfg); err != nil {
		return Node{}, err
	}
	if cfg.NodeID == "" {
		return Node{}, fmt.Errorf("config: node_id is required")
	}
	if cfg.Endpoint == "" {
		return Node{}, fmt.Errorf("config: endpoint is required")
	}
	if cfg.MinParticipants < 1 {
		return Node{}, fmt.Errorf("config: min_participants must be >= 1")
	}
	return cfg, nil
}

// LoadIngest reads and validates an Ingest configuration from a YAML file.
func LoadIngest(path string) (Ingest, error) {
	cfg := defaultIngest()
	if err := loadYAML(path, &cfg); err != nil {
		return Ingest{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
