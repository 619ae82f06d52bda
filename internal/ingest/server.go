// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pitchsync/coordinator/internal/audit"
	"github.com/pitchsync/coordinator/internal/cache"
	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/fsutil"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/metrics"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/ratelimit"
	"github.com/rs/zerolog"
)

// auditHistory is the slice of internal/audit.Store's API the server
// needs to serve session history lookups.
type auditHistory interface {
	History(ctx context.Context, sessionID string) ([]audit.Event, error)
}

// sessionCacheTTL bounds how long a published session's record is served
// from cache before GetSession falls back to the publisher directly. Only
// terminal statuses (PUBLISHED, PARTIAL) are cached, so staleness never
// hides progress on a session still accepting uploads.
const sessionCacheTTL = 30 * time.Second

// Server exposes the ingest node's chunked upload protocol (spec.md §4.6,
// §6) over HTTP, backed by a Store for upload progress and a Publisher
// for atomic session assembly.
type Server struct {
	store        *Store
	publisher    *Publisher
	dataRoot     string
	chunkLimit   *ratelimit.Limiter
	sessionCache cache.Cache
	audit        auditHistory
	logger       zerolog.Logger
}

// SetAudit attaches the session-history source used by
// GET /sessions/{sessionID}/history. Nil (the default) makes that
// endpoint respond 404, matching an ingest node run without
// cfg.AuditDBPath set.
func (s *Server) SetAudit(a auditHistory) { s.audit = a }

// NewServer wires a Store and Publisher into chi-routable handlers.
// dataRoot is where uploaded recording bytes are written, under
// dataRoot/staging/{session_id}/{node_id}/{upload_id}.part. A per-client-IP
// limiter throttles /upload/chunk independently of the global ingress
// rate limit, since a single misbehaving node streaming chunks too fast
// is a distinct failure mode from a burst of unrelated clients. The
// session cache defaults to an in-memory TTL cache; call SetSessionCache
// to share it across replicas via Redis instead.
func NewServer(store *Store, publisher *Publisher, dataRoot string) *Server {
	return &Server{
		store:        store,
		publisher:    publisher,
		dataRoot:     dataRoot,
		chunkLimit:   ratelimit.New(ratelimit.DefaultConfig()),
		sessionCache: cache.NewMemoryCache(time.Minute),
		logger:       log.WithComponent("ingest.server"),
	}
}

// SetSessionCache replaces the default in-memory session cache, e.g. with
// a Redis-backed one shared across multiple ingest replicas behind a
// load balancer so a session published on one replica is visible to
// GET /sessions/{sessionID} served by another.
func (s *Server) SetSessionCache(c cache.Cache) {
	if stoppable, ok := s.sessionCache.(interface{ Stop() }); ok {
		stoppable.Stop()
	}
	s.sessionCache = c
}

// Close releases resources the server owns, stopping the default
// in-memory session cache's background janitor goroutine (or closing a
// Redis-backed cache's connection pool, when one was swapped in via
// SetSessionCache). Safe to call even if neither exposes a Stop/Close.
func (s *Server) Close() error {
	if stoppable, ok := s.sessionCache.(interface{ Stop() }); ok {
		stoppable.Stop()
	}
	if closer, ok := s.sessionCache.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Routes mounts the upload protocol and health/session inspection
// endpoints onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Post("/upload/init", s.handleInit)
	r.Post("/upload/chunk", s.handleChunk)
	r.Post("/upload/finalize", s.handleFinalize)
	r.Post("/upload/confirm", s.handleConfirm)
	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Get("/sessions/{sessionID}/history", s.handleGetSessionHistory)
}

type healthResponse struct {
	StorageFreeBytes int64 `json:"storage_free_bytes"`
	ActiveUploads    int   `json:"active_uploads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	free, err := diskFreeBytes(s.dataRoot)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.dataRoot).Msg("failed to stat data root")
	}
	active, err := s.store.CountActiveUploads()
	if err != nil {
		coreerr.RespondFromError(w, r, coreerr.Wrap(coreerr.KindDriverFailure, "store unavailable", err))
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, healthResponse{StorageFreeBytes: free, ActiveUploads: active})
}

type initRequest struct {
	NodeID      string `json:"node_id"`
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Checksum    string `json:"checksum"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	if req.NodeID == "" || req.SessionID == "" || req.RecordingID == "" || req.ChunkSize <= 0 {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	if err := s.checkStagingConfinement(req.SessionID, req.NodeID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", req.SessionID).Str("node_id", req.NodeID).Msg("rejected init upload outside staging root")
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}

	rec, err := s.store.InitUpload(req.NodeID, req.SessionID, req.RecordingID, req.FileSize, req.ChunkSize, req.Checksum)
	if err != nil {
		s.logger.Error().Err(err).Str("recording_id", req.RecordingID).Msg("init upload")
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}

	coreerr.WriteJSON(w, http.StatusOK, map[string]any{
		"upload_id":       rec.UploadID,
		"received_chunks": rec.ReceivedIndices(),
	})
}

func (s *Server) stagingFilePath(uploadID string, rec *UploadRecord) string {
	dir := filepath.Join(s.dataRoot, "staging", rec.SessionID, rec.NodeID)
	return filepath.Join(dir, uploadID+".part")
}

// checkStagingConfinement rejects a session_id/node_id pair whose staging
// path would escape dataRoot/staging, closing off path traversal via a
// crafted "../" segment in client-supplied identifiers.
func (s *Server) checkStagingConfinement(sessionID, nodeID string) error {
	root := filepath.Join(s.dataRoot, "staging")
	rel := filepath.Join(sessionID, nodeID)
	_, err := fsutil.ConfineRelPath(root, rel)
	return err
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if !s.chunkLimit.Allow(ratelimit.GetClientIP(r), "upload") {
		coreerr.RespondError(w, r, http.StatusTooManyRequests, coreerr.ErrRateLimited)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	uploadID := r.FormValue("upload_id")
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if uploadID == "" || err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	file, _, err := r.FormFile("bytes")
	if err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	defer file.Close()

	rec, err := s.store.GetByUploadID(uploadID)
	if errors.Is(err, ErrUploadNotFound) {
		coreerr.RespondError(w, r, http.StatusNotFound, coreerr.ErrNotFound)
		return
	}
	if err != nil {
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}

	lock := s.store.lockFor(rec.RecordingID)
	lock.Lock()
	defer lock.Unlock()

	path := s.stagingFilePath(uploadID, rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error().Err(err).Msg("create staging dir")
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}
	if err := s.writeChunkAt(path, int64(index)*rec.ChunkSize, file); err != nil {
		s.logger.Error().Err(err).Msg("write chunk")
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}

	updated, err := s.store.PutChunk(uploadID, index)
	if err != nil {
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}
	metrics.IngestChunksReceived.WithLabelValues("accepted").Inc()
	coreerr.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"received_chunks": updated.ReceivedIndices(),
	})
}

// writeChunkAt writes the chunk body into path at the given byte offset,
// creating the file if absent. Chunks may arrive out of order or be
// replayed (spec.md §4.6's resume semantics), so the file is opened for
// random-access writes rather than append.
func (s *Server) writeChunkAt(path string, offset int64, body io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(f, body)
	return err
}

type finalizeRequest struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	rec, err := s.store.GetByUploadID(req.UploadID)
	if errors.Is(err, ErrUploadNotFound) {
		coreerr.RespondError(w, r, http.StatusNotFound, coreerr.ErrNotFound)
		return
	}
	if err != nil {
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}

	path := s.stagingFilePath(req.UploadID, rec)
	sum, size, err := sha256File(path)
	if err != nil {
		s.logger.Error().Err(err).Msg("checksum staged recording")
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}

	if sum != rec.ClientChecksum {
		metrics.IngestChunksReceived.WithLabelValues("checksum_mismatch").Inc()
		if err := s.store.InvalidateRecording(rec.RecordingID); err != nil {
			s.logger.Error().Err(err).Msg("invalidate recording after checksum mismatch")
		}
		_ = os.Remove(path)
		coreerr.RespondFromError(w, r, coreerr.New(coreerr.KindChecksumMismatch, "uploaded bytes do not match client checksum"))
		return
	}

	if _, err := s.store.Finalize(req.UploadID, sum); err != nil {
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]any{
		"checksum_sha256": sum,
		"size_bytes":      size,
	})
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// diskFreeBytes reports free space on the filesystem backing path. The
// standard library has no portable statfs wrapper and none of the
// example pack's dependencies cover it either, so this uses syscall
// directly.
func diskFreeBytes(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

type confirmRequest struct {
	SessionID   string `json:"session_id"`
	NodeID      string `json:"node_id"`
	RecordingID string `json:"recording_id"`
	Manifest    *node.Manifest `json:"manifest,omitempty"`
}

// handleConfirm finalizes a recording's acceptance and, if the manifest
// accompanying the upload reports every expected camera now CONFIRMED,
// triggers atomic session publication.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}

	rec, err := s.store.Confirm(req.SessionID, req.NodeID, req.RecordingID)
	if errors.Is(err, ErrUploadNotFound) {
		coreerr.RespondError(w, r, http.StatusNotFound, coreerr.ErrNotFound)
		return
	}
	if err != nil {
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}

	if req.Manifest != nil {
		s.publisher.RegisterManifest(req.SessionID, req.Manifest.ExpectedCameras)
		if err := s.publisher.WriteManifest(req.SessionID, req.NodeID, req.Manifest); err != nil {
			s.logger.Error().Err(err).Msg("write manifest")
		}
	}
	if _, ok := s.publisher.Get(req.SessionID); ok {
		status, err := s.publisher.MarkConfirmed(req.SessionID, req.NodeID)
		if err != nil {
			s.logger.Error().Err(err).Msg("mark confirmed")
		} else if status == SessionPublished {
			metrics.IngestPublications.WithLabelValues("published").Inc()
		}
	}

	coreerr.WriteJSON(w, http.StatusOK, map[string]any{
		"checksum_sha256": rec.ServerChecksum,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if cached, ok := s.sessionCache.Get(sessionID); ok {
		// A memory-backed cache hands back the *SessionRecord as stored; a
		// Redis-backed cache round-trips through JSON and hands back a
		// generic map. WriteJSON re-encodes either shape correctly.
		coreerr.WriteJSON(w, http.StatusOK, cached)
		return
	}

	rec, ok := s.publisher.Get(sessionID)
	if !ok {
		coreerr.RespondError(w, r, http.StatusNotFound, coreerr.ErrNotFound)
		return
	}
	if rec.Status == SessionPublished || rec.Status == SessionPartial {
		s.sessionCache.Set(sessionID, rec, sessionCacheTTL)
	}
	coreerr.WriteJSON(w, http.StatusOK, rec)
}

// handleGetSessionHistory serves a session's recorded status-transition
// history from the audit store, when one is configured.
func (s *Server) handleGetSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		coreerr.RespondError(w, r, http.StatusNotFound, coreerr.ErrNotFound)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	events, err := s.audit.History(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("read audit history")
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SweepPartialSessions scans open sessions and publishes any that have
// exceeded the completion timeout as PARTIAL. Intended to be run from a
// ticker in cmd/ingest's main loop.
func (s *Server) SweepPartialSessions(now time.Time) {
	for _, id := range s.publisher.OpenSessionIDs() {
		status, err := s.publisher.ExpirePartial(id, now)
		if err != nil {
			s.logger.Debug().Err(err).Str("session_id", id).Msg("expire partial sweep")
			continue
		}
		if status == SessionPartial {
			metrics.IngestPublications.WithLabelValues("partial").Inc()
		}
	}
}
