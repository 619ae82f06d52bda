// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePeerServer simulates a node control API for coordinator fan-out
// tests. Each handler can be toggled to fail, allowing scenario B/C's
// peer-unreachable and driver-failure paths to be reproduced exactly.
type fakePeerServer struct {
	mu           sync.Mutex
	armFails     bool
	recordingErr bool
	srv          *httptest.Server
}

func newFakePeerServer() *fakePeerServer {
	f := &fakePeerServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		state := node.State{CameraDetected: true, RecordingState: node.StateIdle, StorageFreeBytes: 20 << 30}
		if f.recordingErr {
			state.RecordingState = node.StateError
		}
		json.NewEncoder(w).Encode(state)
	})
	mux.HandleFunc("/arm", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.armFails
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		json.NewEncoder(w).Encode(ArmResponse{OK: true})
	})
	mux.HandleFunc("/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StartResponse{StartedAt: time.Now()})
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		recErr := f.recordingErr
		f.mu.Unlock()
		if recErr {
			w.WriteHeader(http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(StopResponse{Recording: &node.Recording{
			RecordingID: "TEST_node", OffloadState: node.OffloadLocal,
		}})
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakePeerServer) endpoint() string {
	return f.srv.Listener.Addr().String()
}

func (f *fakePeerServer) setArmFails(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armFails = v
}

func (f *fakePeerServer) setRecordingErr(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordingErr = v
}

func (f *fakePeerServer) close() { f.srv.Close() }

func newTestCoordinator(t *testing.T, names ...string) (*Coordinator, map[string]*fakePeerServer) {
	t.Helper()
	reg := peers.NewRegistry(5 * time.Second)
	servers := make(map[string]*fakePeerServer, len(names))
	for _, n := range names {
		f := newFakePeerServer()
		t.Cleanup(f.close)
		servers[n] = f
		reg.AddStatic(n, f.endpoint())
	}
	client := NewPeerClient(2 * time.Second)
	cfg := DefaultConfig()
	cfg.ArmTimeout = 2 * time.Second
	cfg.StopTimeout = 2 * time.Second
	return New("CAM_C", reg, client, cfg), servers
}

func TestCoordinator_StartHappyPathAllThreeRecording(t *testing.T) {
	c, _ := newTestCoordinator(t, "CAM_L", "CAM_C", "CAM_R")

	result, err := c.Start(t.Context(), "GAME_20240315_140000")
	require.NoError(t, err)
	assert.True(t, result.Success)
	for _, n := range []string{"CAM_L", "CAM_C", "CAM_R"} {
		assert.True(t, result.Nodes[n].Started, "node %s should have started", n)
	}
}

func TestCoordinator_StartPeerOfflineAbortsOthers(t *testing.T) {
	c, servers := newTestCoordinator(t, "CAM_L", "CAM_C", "CAM_R")
	servers["CAM_R"].close() // simulate CAM_R powered off

	result, err := c.Start(t.Context(), "TEST_B")
	require.NoError(t, err)
	assert.False(t, result.Success)

	assert.True(t, result.Nodes["CAM_L"].Armed)
	assert.True(t, result.Nodes["CAM_L"].Aborted)
	assert.True(t, result.Nodes["CAM_C"].Armed)
	assert.True(t, result.Nodes["CAM_C"].Aborted)
	assert.Equal(t, "peer_unreachable", result.Nodes["CAM_R"].Error)
}

func TestCoordinator_StopReportsPerPeerDriverFailure(t *testing.T) {
	c, servers := newTestCoordinator(t, "CAM_L", "CAM_C", "CAM_R")

	started, err := c.Start(t.Context(), "TEST_C")
	require.NoError(t, err)
	require.True(t, started.Success)

	// CAM_C's driver fails mid-recording.
	servers["CAM_C"].setRecordingErr(true)

	stopResult := c.Stop(t.Context(), "TEST_C")
	assert.NotNil(t, stopResult.Nodes["CAM_L"].Recording)
	assert.NotNil(t, stopResult.Nodes["CAM_R"].Recording)
	assert.NotEmpty(t, stopResult.Nodes["CAM_C"].Error)
}

func TestCoordinator_PreflightFailsOnLowStorage(t *testing.T) {
	reg := peers.NewRegistry(5 * time.Second)
	low := newFakePeerServer()
	t.Cleanup(low.close)
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(node.State{CameraDetected: true, RecordingState: node.StateIdle, StorageFreeBytes: 5 << 30})
	})
	lowSrv := httptest.NewServer(mux)
	t.Cleanup(lowSrv.Close)
	reg.AddStatic("CAM_L", lowSrv.Listener.Addr().String())

	client := NewPeerClient(2 * time.Second)
	c := New("CAM_L", reg, client, DefaultConfig())

	result := c.Preflight(t.Context())
	assert.False(t, result.Passed)
	require.Len(t, result.Nodes, 1)
	var storageCheck PreflightCheck
	for _, chk := range result.Nodes[0].Checks {
		if chk.Name == "storage" {
			storageCheck = chk
		}
	}
	assert.False(t, storageCheck.Passed)
}

func TestCoordinator_PreflightIsPure(t *testing.T) {
	c, servers := newTestCoordinator(t, "CAM_L", "CAM_C")

	first := c.Preflight(t.Context())
	second := c.Preflight(t.Context())
	assert.Equal(t, first.Passed, second.Passed)

	for _, s := range servers {
		st, err := NewPeerClient(time.Second).Status(t.Context(), s.endpoint())
		require.NoError(t, err)
		assert.Equal(t, node.StateIdle, st.RecordingState)
	}
}

func TestCoordinator_StatusReportsOfflinePeerWithoutFailing(t *testing.T) {
	c, servers := newTestCoordinator(t, "CAM_L", "CAM_R")
	servers["CAM_R"].close()

	result := c.Status(t.Context())
	require.Len(t, result.Nodes, 2)
	for _, n := range result.Nodes {
		if n.NodeID == "CAM_R" {
			assert.False(t, n.Online)
		} else {
			assert.True(t, n.Online)
		}
	}
}
