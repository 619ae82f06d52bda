// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the
// recording coordinator.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Recording attributes
	RecordingNodeIDKey    = "recording.node_id"
	RecordingSessionIDKey = "recording.session_id"
	RecordingPositionKey  = "recording.position"

	// Upload attributes
	UploadRecordingIDKey = "upload.recording_id"
	UploadChunkIndexKey  = "upload.chunk_index"
	UploadAttemptKey     = "upload.attempt"
	UploadSizeBytesKey   = "upload.size_bytes"

	// Fan-out attributes
	FanoutPeerCountKey   = "fanout.peer_count"
	FanoutSuccessCountKey = "fanout.success_count"

	// Job attributes
	JobTypeKey     = "job.type"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RecordingAttributes creates span attributes describing a recording's
// node and session identity.
func RecordingAttributes(nodeID, sessionID, position string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if nodeID != "" {
		attrs = append(attrs, attribute.String(RecordingNodeIDKey, nodeID))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(RecordingSessionIDKey, sessionID))
	}
	if position != "" {
		attrs = append(attrs, attribute.String(RecordingPositionKey, position))
	}
	return attrs
}

// UploadAttributes creates span attributes for one offload upload
// attempt, identifying the recording, chunk, and attempt number.
func UploadAttributes(recordingID string, chunkIndex, attempt int, sizeBytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UploadRecordingIDKey, recordingID),
		attribute.Int(UploadChunkIndexKey, chunkIndex),
		attribute.Int(UploadAttemptKey, attempt),
		attribute.Int64(UploadSizeBytesKey, sizeBytes),
	}
}

// FanoutAttributes creates span attributes summarizing a coordinator
// fan-out call across the peer cluster.
func FanoutAttributes(peerCount, successCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(FanoutPeerCountKey, peerCount),
		attribute.Int(FanoutSuccessCountKey, successCount),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobType, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
