// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pitchsync/coordinator/internal/control/middleware"
	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig bundles the pieces routes.go wires together: the
// canonical middleware stack, plus the node and coordinator servers
// this node exposes. Coordinator may be nil, in which case only the
// node's own API is served. Health is
// optional; when nil, /health degrades to a bare liveness ping.
type RouterConfig struct {
	Stack       middleware.StackConfig
	Node        *NodeServer
	Coordinator *CoordinatorServer
	Health      *health.Manager
}

// NewRouter builds the full HTTP surface for a recording node: its own
// control API at the root, and, when present, the coordinator fan-out
// API under /coordinator.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	middleware.ApplyStack(r, cfg.Stack)

	r.Handle("/metrics", promhttp.Handler())

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.ServeHealth)
		r.Get("/ready", cfg.Health.ServeReady)
	} else {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			coreerr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	if cfg.Node != nil {
		cfg.Node.Routes(r)
	}
	if cfg.Coordinator != nil {
		r.Route("/coordinator", func(cr chi.Router) {
			cfg.Coordinator.Routes(cr)
		})
	}
	return r
}
