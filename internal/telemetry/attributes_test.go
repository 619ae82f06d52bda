// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/v1/status", "http://localhost:8080/api/v1/status", 200)

	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/v1/status")
	verifyAttribute(t, attrs, HTTPURLKey, "http://localhost:8080/api/v1/status")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestRecordingAttributes(t *testing.T) {
	tests := []struct {
		name      string
		nodeID    string
		sessionID string
		position  string
		wantLen   int
	}{
		{
			name:      "all fields",
			nodeID:    "CAM_L",
			sessionID: "GAME_20260729_150000",
			position:  "left",
			wantLen:   3,
		},
		{
			name:    "only node_id",
			nodeID:  "CAM_L",
			wantLen: 1,
		},
		{
			name:    "empty fields",
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := RecordingAttributes(tt.nodeID, tt.sessionID, tt.position)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.nodeID != "" {
				verifyAttribute(t, attrs, RecordingNodeIDKey, tt.nodeID)
			}
			if tt.sessionID != "" {
				verifyAttribute(t, attrs, RecordingSessionIDKey, tt.sessionID)
			}
			if tt.position != "" {
				verifyAttribute(t, attrs, RecordingPositionKey, tt.position)
			}
		})
	}
}

func TestUploadAttributes(t *testing.T) {
	attrs := UploadAttributes("GAME_1_CAM_L", 3, 1, 104857600)

	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, UploadRecordingIDKey, "GAME_1_CAM_L")
	verifyIntAttribute(t, attrs, UploadChunkIndexKey, 3)
	verifyIntAttribute(t, attrs, UploadAttemptKey, 1)
	verifyInt64Attribute(t, attrs, UploadSizeBytesKey, 104857600)
}

func TestFanoutAttributes(t *testing.T) {
	attrs := FanoutAttributes(3, 2)

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyIntAttribute(t, attrs, FanoutPeerCountKey, 3)
	verifyIntAttribute(t, attrs, FanoutSuccessCountKey, 2)
}

func TestJobAttributes(t *testing.T) {
	attrs := JobAttributes("epg-refresh", "completed", 45000)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, JobTypeKey, "epg-refresh")
	verifyAttribute(t, attrs, JobStatusKey, "completed")
	verifyInt64Attribute(t, attrs, JobDurationKey, 45000)
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "network_error")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "network_error")
}

func TestAttributeKeys_Consistency(t *testing.T) {
	// Verify attribute keys follow OpenTelemetry conventions
	keys := []string{
		HTTPMethodKey,
		HTTPStatusCodeKey,
		HTTPRouteKey,
		RecordingNodeIDKey,
		UploadRecordingIDKey,
		FanoutPeerCountKey,
		JobTypeKey,
		ErrorKey,
	}

	for _, key := range keys {
		if key == "" {
			t.Errorf("Expected non-empty attribute key")
		}
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyInt64Attribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != expectedValue {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
