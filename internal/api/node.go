// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the node control API and the coordinator fan-out
// API described by the node control protocol, wiring internal/node's
// StateMachine and internal/coordinator's Coordinator to HTTP handlers.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/timesync"
	"github.com/rs/zerolog"
)

// NodeServer exposes one recording node's control API: the endpoints a
// coordinator fans arm/start/stop/abort calls out to.
type NodeServer struct {
	sm          *node.StateMachine
	monitor     *timesync.Monitor
	onFinalized func(*node.Recording)
	logger      zerolog.Logger
}

// NewNodeServer wires a StateMachine and an optional sync Monitor
// (nil on the master node, which has no offset of its own) into
// chi-routable handlers.
func NewNodeServer(sm *node.StateMachine, monitor *timesync.Monitor) *NodeServer {
	return &NodeServer{sm: sm, monitor: monitor, logger: log.WithComponent("api.node")}
}

// SetOnFinalized registers the callback invoked whenever Stop freshly
// finalizes a recording (never on a cached replay of an idempotent
// call), handing the Offload Client its cue to start uploading the
// newly-LOCAL recording — the Camera -> finalize -> Offload -> Ingest
// data flow (spec.md §2). handleStop calls the callback synchronously
// before writing the HTTP response, so the callback must not block.
func (s *NodeServer) SetOnFinalized(fn func(*node.Recording)) {
	s.onFinalized = fn
}

// Routes mounts the node control API onto r.
func (s *NodeServer) Routes(r chi.Router) {
	r.Get("/status", s.handleStatus)
	r.Post("/arm", s.handleArm)
	r.Post("/abort", s.handleAbort)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/reset", s.handleReset)
	r.Post("/sync/trigger", s.handleSyncTrigger)
	r.Post("/sync/query", s.handleSyncQuery)
}

func (s *NodeServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	coreerr.WriteJSON(w, http.StatusOK, s.sm.Snapshot())
}

type armRequest struct {
	SessionID       string   `json:"session_id"`
	ExpectedCameras []string `json:"expected_cameras,omitempty"`
}

func (s *NodeServer) handleArm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	if err := s.sm.Arm(r.Context(), req.SessionID, req.ExpectedCameras); err != nil {
		s.respondTransitionError(w, r, err)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *NodeServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.sm.Abort(r.Context()); err != nil {
		s.respondTransitionError(w, r, err)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *NodeServer) handleStart(w http.ResponseWriter, r *http.Request) {
	startedAt, err := s.sm.Start(r.Context())
	if err != nil {
		s.respondTransitionError(w, r, err)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]any{"started_at": startedAt})
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *NodeServer) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := s.sm.Stop(r.Context(), req.SessionID, s.buildManifest)
	if err != nil {
		s.respondTransitionError(w, r, err)
		return
	}
	if !result.Cached && result.Recording != nil && s.onFinalized != nil {
		s.onFinalized(result.Recording)
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]any{"recording": result.Recording, "cached": result.Cached})
}

func (s *NodeServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sm.Reset(r.Context()); err != nil {
		coreerr.RespondError(w, r, http.StatusConflict, &coreerr.APIError{Code: "invariant_violation", Message: err.Error()})
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *NodeServer) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		coreerr.WriteJSON(w, http.StatusOK, map[string]float64{"offset_ms": 0})
		return
	}
	sample, err := s.monitor.Poll(r.Context())
	if err != nil {
		coreerr.RespondFromError(w, r, coreerr.Wrap(coreerr.KindPeerUnreachable, "sync poll failed", err))
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]float64{"offset_ms": sample.OffsetMs})
}

type syncQueryRequest struct {
	SlaveSendTime time.Time `json:"slave_send_time"`
}

type syncQueryResponse struct {
	MasterRecvTime time.Time `json:"master_recv_time"`
	MasterSendTime time.Time `json:"master_send_time"`
}

// handleSyncQuery is the master's wall-clock endpoint: a slave's
// MasterClock implementation round-trips through this to estimate its
// offset (spec.md §4.4). Any node can serve it; only the master's
// answer is meaningful to callers.
func (s *NodeServer) handleSyncQuery(w http.ResponseWriter, r *http.Request) {
	var req syncQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	_ = req.SlaveSendTime
	coreerr.WriteJSON(w, http.StatusOK, syncQueryResponse{
		MasterRecvTime: time.Now().UTC(),
		MasterSendTime: time.Now().UTC(),
	})
}

// buildManifest assembles a Manifest from the state machine's finalize
// result. identity/expected_cameras are already known to the state
// machine; this wiring only needs to fill in device-reported fields the
// handler layer, not the driver, is responsible for (none currently).
func (s *NodeServer) buildManifest(result node.FinalizeResult, expectedCameras []string) *node.Manifest {
	return &node.Manifest{
		ExpectedCameras: expectedCameras,
		Checksum: node.ManifestChecksum{
			Algorithm: "sha256",
			Value:     result.Checksum,
		},
		File: node.ManifestFile{
			SizeBytes: result.SizeBytes,
		},
		Video: node.ManifestVideo{
			DurationSec: result.DurationSeconds,
		},
	}
}

// respondTransitionError maps the node package's sentinel state-conflict
// errors to HTTP 409, and everything else through the shared coreerr
// taxonomy.
func (s *NodeServer) respondTransitionError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case node.ErrNotIdle, node.ErrNotArmed, node.ErrNotRecording, node.ErrWrongSession:
		coreerr.RespondError(w, r, http.StatusConflict, &coreerr.APIError{Code: "invariant_violation", Message: err.Error()})
	default:
		coreerr.RespondFromError(w, r, err)
	}
}
