// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coordinator implements the fan-out control plane: whichever
// node a client addresses acts as coordinator, orchestrating the node
// control API on every known peer.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/platform/httpx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// classifyStatus maps a node control API HTTP status code to the error
// taxonomy from spec.md §6/§7. Network-level failures (connection
// refused, timeout) never reach here; they are classified by the caller
// as peer_unreachable directly from the transport error.
func classifyStatus(op string, status int) error {
	switch status {
	case http.StatusPreconditionFailed:
		return coreerr.New(coreerr.KindPreconditionFailed, fmt.Sprintf("%s: precondition failed", op))
	case http.StatusServiceUnavailable:
		return coreerr.New(coreerr.KindDriverFailure, fmt.Sprintf("%s: driver unavailable", op))
	case http.StatusConflict:
		return coreerr.New(coreerr.KindInvariantViolation, fmt.Sprintf("%s: unexpected state conflict", op))
	case http.StatusGatewayTimeout:
		return coreerr.New(coreerr.KindTimeout, fmt.Sprintf("%s: timed out", op))
	default:
		return coreerr.New(coreerr.KindPeerUnreachable, fmt.Sprintf("%s: peer returned %d", op, status))
	}
}

// PeerClient issues the node control API's RPCs against a single peer
// endpoint. It is the fan-out primitive used by Coordinator.
type PeerClient struct {
	httpClient *http.Client
}

// NewPeerClient constructs a PeerClient with a hardened, otel-wrapped
// HTTP client. defaultTimeout bounds any call made without an explicit
// context deadline.
func NewPeerClient(defaultTimeout time.Duration) *PeerClient {
	base := httpx.NewClient(defaultTimeout)
	base.Transport = otelhttp.NewTransport(base.Transport)
	return &PeerClient{httpClient: base}
}

func (c *PeerClient) do(ctx context.Context, method, endpoint, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("coordinator: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("coordinator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPeerUnreachable, fmt.Sprintf("%s %s unreachable", method, path), err)
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches a peer's local /status.
func (c *PeerClient) Status(ctx context.Context, endpoint string) (node.State, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, "/status", nil)
	if err != nil {
		return node.State{}, err
	}
	var st node.State
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return node.State{}, classifyStatus("status", resp.StatusCode)
	}
	if err := decodeJSON(resp, &st); err != nil {
		return node.State{}, fmt.Errorf("coordinator: decode status: %w", err)
	}
	return st, nil
}

// ArmRequest/ArmResponse mirror the node control API's POST /arm.
type ArmRequest struct {
	SessionID       string   `json:"session_id"`
	ExpectedCameras []string `json:"expected_cameras,omitempty"`
}

type ArmResponse struct {
	OK bool `json:"ok"`
}

func (c *PeerClient) Arm(ctx context.Context, endpoint string, req ArmRequest) error {
	resp, err := c.do(ctx, http.MethodPost, endpoint, "/arm", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus("arm", resp.StatusCode)
	}
	return nil
}

// StartResponse mirrors POST /start.
type StartResponse struct {
	StartedAt time.Time `json:"started_at"`
}

func (c *PeerClient) Start(ctx context.Context, endpoint string) (StartResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, endpoint, "/start", nil)
	if err != nil {
		return StartResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return StartResponse{}, classifyStatus("start", resp.StatusCode)
	}
	var out StartResponse
	if err := decodeJSON(resp, &out); err != nil {
		return StartResponse{}, fmt.Errorf("coordinator: decode start: %w", err)
	}
	return out, nil
}

func (c *PeerClient) Abort(ctx context.Context, endpoint string) error {
	resp, err := c.do(ctx, http.MethodPost, endpoint, "/abort", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus("abort", resp.StatusCode)
	}
	return nil
}

// StopRequest/StopResponse mirror POST /stop.
type StopRequest struct {
	SessionID string `json:"session_id"`
}

type StopResponse struct {
	Recording *node.Recording `json:"recording,omitempty"`
}

func (c *PeerClient) Stop(ctx context.Context, endpoint string, req StopRequest) (StopResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, endpoint, "/stop", req)
	if err != nil {
		return StopResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return StopResponse{}, classifyStatus("stop", resp.StatusCode)
	}
	var out StopResponse
	if err := decodeJSON(resp, &out); err != nil {
		return StopResponse{}, fmt.Errorf("coordinator: decode stop: %w", err)
	}
	return out, nil
}

// SyncTriggerResponse mirrors POST /sync/trigger.
type SyncTriggerResponse struct {
	OffsetMs float64 `json:"offset_ms"`
}

func (c *PeerClient) SyncTrigger(ctx context.Context, endpoint string) (SyncTriggerResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, endpoint, "/sync/trigger", nil)
	if err != nil {
		return SyncTriggerResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return SyncTriggerResponse{}, classifyStatus("sync_trigger", resp.StatusCode)
	}
	var out SyncTriggerResponse
	if err := decodeJSON(resp, &out); err != nil {
		return SyncTriggerResponse{}, fmt.Errorf("coordinator: decode sync/trigger: %w", err)
	}
	return out, nil
}
