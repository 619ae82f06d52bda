// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package offload implements the node-side chunked, resumable upload
// client that transfers a finalized Recording plus its manifest to the
// ingest server with end-to-end integrity verification.
package offload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/metrics"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/platform/httpx"
	"github.com/pitchsync/coordinator/internal/resilience"
	"github.com/pitchsync/coordinator/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backoffLadder is the retry delay schedule from spec.md §4.5, capped at
// five attempts.
var backoffLadder = []time.Duration{0, 5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}

const maxAttempts = len(backoffLadder)

// Config are the offload client's tunables.
type Config struct {
	IngestEndpoint string
	ChunkSize      int64 // default 100 MiB
	Timeout        time.Duration
}

func DefaultConfig(endpoint string) Config {
	return Config{
		IngestEndpoint: endpoint,
		ChunkSize:      100 << 20,
		Timeout:        30 * time.Second,
	}
}

// Client uploads recordings to a single ingest server. At most one
// upload is active per Client at a time (spec.md §4.5's concurrency
// rule); callers that need per-node serialization should hold one
// Client per node and serialize calls to Upload themselves, or rely on
// the internal uploadMu below when sharing a Client across goroutines.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger

	uploadMu sync.Mutex
}

// NewClient constructs an offload Client targeting a single ingest
// server endpoint, wrapped in a circuit breaker so a sustained run of
// ingest failures stops hammering it.
func NewClient(cfg Config) *Client {
	base := httpx.NewClient(cfg.Timeout)
	base.Transport = otelhttp.NewTransport(base.Transport)
	return &Client{
		cfg:        cfg,
		httpClient: base,
		breaker:    resilience.NewCircuitBreaker("offload:"+cfg.IngestEndpoint, 3, 5, 60*time.Second, 30*time.Second),
		logger:     log.WithComponent("offload.client"),
	}
}

// initResponse mirrors POST /upload/init's response.
type initResponse struct {
	UploadID       string `json:"upload_id"`
	ReceivedChunks []int  `json:"received_chunks"`
}

type finalizeResponse struct {
	ChecksumSHA256 string `json:"checksum_sha256"`
	SizeBytes      int64  `json:"size_bytes"`
}

type confirmResponse struct {
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// Upload transfers rec's file (and, by the caller's convention, its
// sibling manifest) to the ingest server, resuming any chunks already
// present, retrying per spec.md §4.5's backoff ladder, and confirming
// only once the server's computed checksum matches the client's.
func (c *Client) Upload(ctx context.Context, rec *node.Recording) error {
	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()

	ctx, span := telemetry.Tracer("offload").Start(ctx, "offload.upload")
	span.SetAttributes(telemetry.UploadAttributes(rec.RecordingID, -1, 0, rec.SizeBytes)...)
	defer span.End()

	rec.OffloadState = node.OffloadUploading

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := jittered(backoffLadder[attempt])
			metrics.OffloadRetries.WithLabelValues(rec.NodeID, classifyRetryReason(lastErr)).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.breaker.Execute(func() error {
			return c.attemptUpload(ctx, rec)
		})
		if err == nil {
			// Upload is only eligible for deletion once CONFIRMED
			// (spec.md §4.5's deletion policy); attemptUpload already
			// ran the server-side confirm step by the time it returns.
			rec.OffloadState = node.OffloadConfirmed
			metrics.OffloadChunks.WithLabelValues(rec.NodeID, "confirmed").Inc()
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			rec.OffloadState = node.OffloadFailed
			metrics.OffloadChunks.WithLabelValues(rec.NodeID, "failed").Inc()
			return err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Str("recording_id", rec.RecordingID).Msg("upload attempt failed, retrying")
	}
	rec.OffloadState = node.OffloadFailed
	metrics.OffloadChunks.WithLabelValues(rec.NodeID, "exhausted").Inc()
	return fmt.Errorf("offload: exhausted %d attempts: %w", maxAttempts, lastErr)
}

// attemptUpload performs a single init -> resume-chunks -> finalize ->
// compare -> confirm pass. A checksum mismatch at finalize is itself a
// retryable condition (spec.md scenario E): the caller loops back to a
// fresh init.
func (c *Client) attemptUpload(ctx context.Context, rec *node.Recording) error {
	f, err := os.Open(rec.FilePath)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariantViolation, "local recording file missing", err)
	}
	defer f.Close()

	init, err := c.init(ctx, rec)
	if err != nil {
		return err
	}

	received := make(map[int]bool, len(init.ReceivedChunks))
	for _, idx := range init.ReceivedChunks {
		received[idx] = true
	}

	totalChunks := int((rec.SizeBytes + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize)
	if rec.SizeBytes == 0 {
		totalChunks = 0
	}

	for idx := 0; idx < totalChunks; idx++ {
		if received[idx] {
			continue
		}
		offset := int64(idx) * c.cfg.ChunkSize
		size := c.cfg.ChunkSize
		if remaining := rec.SizeBytes - offset; remaining < size {
			size = remaining
		}
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return coreerr.Wrap(coreerr.KindDriverFailure, "read local chunk failed", err)
		}
		if err := c.sendChunk(ctx, init.UploadID, idx, buf); err != nil {
			return err
		}
	}

	final, err := c.finalize(ctx, init.UploadID, totalChunks)
	if err != nil {
		return err
	}
	if final.ChecksumSHA256 != rec.Checksum {
		return coreerr.New(coreerr.KindChecksumMismatch,
			fmt.Sprintf("server checksum %s does not match client checksum %s", final.ChecksumSHA256, rec.Checksum))
	}
	rec.OffloadState = node.OffloadUploaded

	_, err = c.confirm(ctx, rec)
	return err
}

func (c *Client) init(ctx context.Context, rec *node.Recording) (initResponse, error) {
	payload, _ := json.Marshal(map[string]any{
		"node_id":      rec.NodeID,
		"session_id":   rec.SessionID,
		"recording_id": rec.RecordingID,
		"file_size":    rec.SizeBytes,
		"chunk_size":   c.cfg.ChunkSize,
		"checksum":     rec.Checksum,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.cfg.IngestEndpoint+"/upload/init", bytes.NewReader(payload))
	if err != nil {
		return initResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return initResponse{}, coreerr.Wrap(coreerr.KindPeerUnreachable, "init unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return initResponse{}, classifyIngestStatus("init", resp.StatusCode)
	}
	var out initResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return initResponse{}, fmt.Errorf("offload: decode init: %w", err)
	}
	return out, nil
}

func (c *Client) sendChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("upload_id", uploadID)
	_ = mw.WriteField("chunk_index", strconv.Itoa(index))
	part, err := mw.CreateFormFile("bytes", "chunk")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.cfg.IngestEndpoint+"/upload/chunk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coreerr.Wrap(coreerr.KindPeerUnreachable, "chunk unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyIngestStatus("chunk", resp.StatusCode)
	}
	return nil
}

func (c *Client) finalize(ctx context.Context, uploadID string, totalChunks int) (finalizeResponse, error) {
	payload, _ := json.Marshal(map[string]any{"upload_id": uploadID, "total_chunks": totalChunks})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.cfg.IngestEndpoint+"/upload/finalize", bytes.NewReader(payload))
	if err != nil {
		return finalizeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return finalizeResponse{}, coreerr.Wrap(coreerr.KindPeerUnreachable, "finalize unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return finalizeResponse{}, classifyIngestStatus("finalize", resp.StatusCode)
	}
	var out finalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return finalizeResponse{}, fmt.Errorf("offload: decode finalize: %w", err)
	}
	return out, nil
}

func (c *Client) confirm(ctx context.Context, rec *node.Recording) (confirmResponse, error) {
	payload, _ := json.Marshal(map[string]any{
		"session_id":   rec.SessionID,
		"node_id":      rec.NodeID,
		"recording_id": rec.RecordingID,
		"manifest":     rec.Manifest,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.cfg.IngestEndpoint+"/upload/confirm", bytes.NewReader(payload))
	if err != nil {
		return confirmResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return confirmResponse{}, coreerr.Wrap(coreerr.KindPeerUnreachable, "confirm unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return confirmResponse{}, classifyIngestStatus("confirm", resp.StatusCode)
	}
	var out confirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return confirmResponse{}, fmt.Errorf("offload: decode confirm: %w", err)
	}
	return out, nil
}

func classifyIngestStatus(op string, status int) error {
	switch {
	case status >= 500:
		return coreerr.New(coreerr.KindTimeout, fmt.Sprintf("%s: server error %d", op, status))
	case status == http.StatusUnprocessableEntity:
		return coreerr.New(coreerr.KindChecksumMismatch, fmt.Sprintf("%s: checksum rejected", op))
	case status >= 400:
		return coreerr.New(coreerr.KindInvariantViolation, fmt.Sprintf("%s: client error %d", op, status))
	default:
		return coreerr.New(coreerr.KindPeerUnreachable, fmt.Sprintf("%s: unexpected status %d", op, status))
	}
}

// isRetryable implements spec.md §4.5's retry policy: retry on network
// timeout, 5xx, checksum mismatch, dropped connection; never on 4xx,
// missing local file, or malformed manifest.
func isRetryable(err error) bool {
	kind, ok := coreerr.KindOf(err)
	if !ok {
		return true // unclassified transport-level error: assume transient
	}
	switch kind {
	case coreerr.KindPeerUnreachable, coreerr.KindTimeout, coreerr.KindChecksumMismatch:
		return true
	default:
		return false
	}
}

func classifyRetryReason(err error) string {
	kind, ok := coreerr.KindOf(err)
	if !ok {
		return "unknown"
	}
	return string(kind)
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
