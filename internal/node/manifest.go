// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package node

import "time"

// ManifestVersion is the current schema version. Readers must tolerate
// unknown fields and reject unknown major versions.
const ManifestVersion = "1"

// Manifest is the JSON document accompanying every recording.
type Manifest struct {
	Version   string             `json:"version"`
	Recording ManifestRecording  `json:"recording"`
	File      ManifestFile       `json:"file"`
	Video     ManifestVideo      `json:"video"`
	Timing    ManifestTiming     `json:"timing"`
	Checksum  ManifestChecksum   `json:"checksum"`
	Device    ManifestDevice     `json:"device"`
	Quality   ManifestQuality    `json:"quality"`

	// ExpectedCameras lists every node_id the session was started with;
	// the ingest server uses the first-arriving manifest's list to decide
	// when a session is complete.
	ExpectedCameras []string `json:"expected_cameras"`
}

type ManifestRecording struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	NodeID    string   `json:"node_id"`
	Position  Position `json:"position"`
}

type ManifestFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Container string `json:"container"`
	Codec     string `json:"codec"`
}

type ManifestVideo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	BitrateMbps float64 `json:"bitrate_mbps"`
	DurationSec float64 `json:"duration_sec"`
}

type ManifestTiming struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	SyncOK       bool      `json:"sync_ok"`
	SyncOffsetMs float64   `json:"sync_offset_ms"`
}

type ManifestChecksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type ManifestDevice struct {
	Hostname        string `json:"hostname"`
	Endpoint        string `json:"endpoint"`
	SoftwareVersion string `json:"software_version"`
}

type ManifestQuality struct {
	DroppedFrames     int64   `json:"dropped_frames"`
	TemperatureAvgC   float64 `json:"temperature_avg_c"`
	TemperatureMaxC   float64 `json:"temperature_max_c"`
}

// BuildManifestInput carries everything the Recording State Machine knows
// at FINALIZING time, needed to construct a Manifest.
type BuildManifestInput struct {
	Identity        Identity
	SessionID       string
	ExpectedCameras []string
	File            ManifestFile
	Video           ManifestVideo
	StartTime       time.Time
	EndTime         time.Time
	SyncOK          bool
	SyncOffsetMs    float64
	Checksum        string
	Hostname        string
	SoftwareVersion string
	Quality         ManifestQuality
}

// BuildManifest constructs the manifest for a just-finalized recording.
func BuildManifest(in BuildManifestInput) *Manifest {
	return &Manifest{
		Version: ManifestVersion,
		Recording: ManifestRecording{
			ID:        RecordingID(in.SessionID, in.Identity.NodeID),
			SessionID: in.SessionID,
			NodeID:    in.Identity.NodeID,
			Position:  in.Identity.Position,
		},
		File:  in.File,
		Video: in.Video,
		Timing: ManifestTiming{
			StartTime:    in.StartTime,
			EndTime:      in.EndTime,
			SyncOK:       in.SyncOK,
			SyncOffsetMs: in.SyncOffsetMs,
		},
		Checksum: ManifestChecksum{
			Algorithm: "sha256",
			Value:     in.Checksum,
		},
		Device: ManifestDevice{
			Hostname:        in.Hostname,
			Endpoint:        in.Identity.Endpoint,
			SoftwareVersion: in.SoftwareVersion,
		},
		Quality:         in.Quality,
		ExpectedCameras: in.ExpectedCameras,
	}
}
