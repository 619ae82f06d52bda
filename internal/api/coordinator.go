// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pitchsync/coordinator/internal/coordinator"
	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/peers"
	"github.com/rs/zerolog"
)

// CoordinatorServer exposes the whole-cluster operations a client issues
// against whichever node it addresses, per the node control protocol's
// coordinator surface.
type CoordinatorServer struct {
	coord  *coordinator.Coordinator
	logger zerolog.Logger
}

func NewCoordinatorServer(coord *coordinator.Coordinator) *CoordinatorServer {
	return &CoordinatorServer{coord: coord, logger: log.WithComponent("api.coordinator")}
}

// Routes mounts the coordinator API onto r.
func (s *CoordinatorServer) Routes(r chi.Router) {
	r.Get("/status", s.handleStatus)
	r.Post("/preflight", s.handlePreflight)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/sync", s.handleSync)
	r.Post("/test", s.handleTest)
	r.Get("/peers", s.handleListPeers)
	r.Post("/peers", s.handleAddPeer)
	r.Delete("/peers/{id}", s.handleRemovePeer)
}

func (s *CoordinatorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	coreerr.WriteJSON(w, http.StatusOK, s.coord.Status(r.Context()))
}

func (s *CoordinatorServer) handlePreflight(w http.ResponseWriter, r *http.Request) {
	coreerr.WriteJSON(w, http.StatusOK, s.coord.Preflight(r.Context()))
}

type startRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (s *CoordinatorServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := s.coord.Start(r.Context(), req.SessionID)
	if err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusPreconditionFailed
	}
	coreerr.WriteJSON(w, status, result)
}

type stopRequestAPI struct {
	SessionID string `json:"session_id"`
}

func (s *CoordinatorServer) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequestAPI
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, s.coord.Stop(r.Context(), req.SessionID))
}

func (s *CoordinatorServer) handleSync(w http.ResponseWriter, r *http.Request) {
	coreerr.WriteJSON(w, http.StatusOK, s.coord.Sync(r.Context()))
}

func (s *CoordinatorServer) handleTest(w http.ResponseWriter, r *http.Request) {
	startResult, stopResult, err := s.coord.Test(r.Context())
	if err != nil {
		coreerr.RespondError(w, r, http.StatusInternalServerError, coreerr.ErrInternalServer, err.Error())
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]any{"start": startResult, "stop": stopResult})
}

// handleListPeers serves the full known peer set, the only externally
// driven mutation surface of the Peer Registry being the two handlers
// below it (spec.md §4.3).
func (s *CoordinatorServer) handleListPeers(w http.ResponseWriter, r *http.Request) {
	coreerr.WriteJSON(w, http.StatusOK, map[string][]peers.Peer{"peers": s.coord.Registry().List()})
}

type addPeerRequest struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// handleAddPeer registers an admin-entered static peer. Static entries
// take precedence over anything discovery or reverse-learning records
// for the same node_id.
func (s *CoordinatorServer) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.Endpoint == "" {
		coreerr.RespondError(w, r, http.StatusBadRequest, coreerr.ErrBadRequest)
		return
	}
	s.coord.Registry().AddStatic(req.NodeID, req.Endpoint)
	coreerr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRemovePeer removes an admin-entered static peer. Peers learned
// via discovery or reverse-learning are not removable this way; they
// age out on their own once they stop being heard from.
func (s *CoordinatorServer) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if !s.coord.Registry().RemoveStatic(nodeID) {
		coreerr.RespondError(w, r, http.StatusNotFound, coreerr.ErrNotFound)
		return
	}
	coreerr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
