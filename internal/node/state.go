// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package node

import "time"

// RecordingState is one of the five bounded states a node's recording
// state machine can occupy. No other value and no transition other than
// the ones in statemachine.go is ever reachable.
type RecordingState string

const (
	StateIdle       RecordingState = "IDLE"
	StateArmed      RecordingState = "ARMED"
	StateRecording  RecordingState = "RECORDING"
	StateFinalizing RecordingState = "FINALIZING"
	StateError      RecordingState = "ERROR"
)

// State is a node's authoritative, locally-owned state. The coordinator
// holds a lazily-replicated copy fetched on query; it never mutates this
// directly.
type State struct {
	CameraDetected    bool           `json:"camera_detected"`
	RecordingState    RecordingState `json:"recording_state"`
	CurrentSessionID  string         `json:"current_session_id,omitempty"`
	StorageFreeBytes  int64          `json:"storage_free_bytes"`
	StorageTotalBytes int64          `json:"storage_total_bytes"`
	SyncOffsetMs      float64        `json:"sync_offset_ms"` // NaN if unknown
	TemperatureC      float64        `json:"temperature_c"`
	LastHeartbeatAt   time.Time      `json:"last_heartbeat_at"`
}

// OffloadState tracks a Recording's progress through the upload protocol.
type OffloadState string

const (
	OffloadLocal      OffloadState = "LOCAL"
	OffloadUploading  OffloadState = "UPLOADING"
	OffloadUploaded   OffloadState = "UPLOADED"
	OffloadConfirmed  OffloadState = "CONFIRMED"
	OffloadFailed     OffloadState = "FAILED"
)

// Recording is the per-node, per-session artifact: a finalized file plus
// its manifest and upload progress.
type Recording struct {
	RecordingID     string       `json:"recording_id"` // {session_id}_{node_id}
	SessionID       string       `json:"session_id"`
	NodeID          string       `json:"node_id"`
	FilePath        string       `json:"file_path"`
	SizeBytes       int64        `json:"size_bytes"`
	DurationSeconds float64      `json:"duration_seconds"`
	Checksum        string       `json:"checksum,omitempty"` // sha256 hex, set only after close
	Manifest        *Manifest    `json:"manifest,omitempty"`
	OffloadState    OffloadState `json:"offload_state"`
}

// RecordingID derives the canonical {session_id}_{node_id} identifier.
func RecordingID(sessionID, nodeID string) string {
	return sessionID + "_" + nodeID
}
