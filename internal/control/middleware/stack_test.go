// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStack_AppliesRecovererAndRequestID(t *testing.T) {
	r := NewRouter(StackConfig{
		EnableCORS:            false,
		EnableSecurityHeaders: false,
		EnableMetrics:         false,
		EnableLogging:         false,
		EnableRateLimit:       false,
	})

	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("synthetic failure")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from recoverer, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID to be set by the stack")
	}
}

func TestStack_CORSReflectsAllowedOrigin(t *testing.T) {
	r := NewRouter(StackConfig{
		EnableCORS:     true,
		AllowedOrigins: []string{"http://dashboard.local"},
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Fatalf("expected CORS origin to be reflected, got %q", got)
	}
}
