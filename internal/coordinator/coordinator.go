// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/metrics"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/pitchsync/coordinator/internal/peers"
	"golang.org/x/sync/errgroup"
)

// sessionIDPattern mirrors node.SessionIDPattern; duplicated to avoid a
// needless dependency edge for a one-line regex.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,64}$`)

// Config are the coordinator-wide tunables from spec.md §4.2.
type Config struct {
	StatusTimeout   time.Duration // default 1s
	ArmTimeout      time.Duration // default 3s
	StopTimeout     time.Duration // default 20s
	MinParticipants int           // default 2
	TestDuration    time.Duration // default 10s
}

func DefaultConfig() Config {
	return Config{
		StatusTimeout:   1 * time.Second,
		ArmTimeout:      3 * time.Second,
		StopTimeout:     20 * time.Second,
		MinParticipants: 2,
		TestDuration:    10 * time.Second,
	}
}

// Coordinator is the fan-out control plane running on every node. It is
// stateless with respect to cluster decisions: it orchestrates peer RPCs
// and aggregates results, never replicating state of its own.
type Coordinator struct {
	selfID   string
	registry *peers.Registry
	client   *PeerClient
	cfg      Config
}

// New constructs a Coordinator. registry supplies the known peer set;
// client issues the node control API RPCs against each peer's endpoint.
func New(selfID string, registry *peers.Registry, client *PeerClient, cfg Config) *Coordinator {
	return &Coordinator{selfID: selfID, registry: registry, client: client, cfg: cfg}
}

// Registry exposes the Coordinator's Peer Registry so the admin peer
// endpoints (spec.md §4.3, §6) can list/add/remove entries without the
// api package needing its own reference to it.
func (c *Coordinator) Registry() *peers.Registry { return c.registry }

// NodeStatus is one peer's contribution to an aggregate status response.
type NodeStatus struct {
	NodeID string      `json:"node_id"`
	Online bool        `json:"online"`
	State  *node.State `json:"state,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// StatusResult is the aggregate GET /coordinator/status response.
type StatusResult struct {
	Nodes []NodeStatus `json:"nodes"`
}

// Status polls every known peer with a short per-peer timeout; unreachable
// peers are reported offline without failing the overall call.
func (c *Coordinator) Status(ctx context.Context) StatusResult {
	all := c.registry.List()
	results := make([]NodeStatus, len(all))

	var wg sync.WaitGroup
	for i, p := range all {
		wg.Add(1)
		go func(i int, p peers.Peer) {
			defer wg.Done()
			results[i] = c.peerStatus(ctx, p)
		}(i, p)
	}
	wg.Wait()

	return StatusResult{Nodes: results}
}

func (c *Coordinator) peerStatus(ctx context.Context, p peers.Peer) NodeStatus {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	st, err := c.client.Status(callCtx, p.Endpoint)
	if err != nil {
		c.registry.MarkUnreachable(p.NodeID)
		metrics.CoordinatorFanout.WithLabelValues("status", p.NodeID, "unreachable").Inc()
		return NodeStatus{NodeID: p.NodeID, Online: false, Error: err.Error()}
	}
	c.registry.MarkSeen(p.NodeID)
	metrics.CoordinatorFanout.WithLabelValues("status", p.NodeID, "ok").Inc()
	stCopy := st
	return NodeStatus{NodeID: p.NodeID, Online: true, State: &stCopy}
}

// PreflightCheck is one named admission check's outcome for a peer.
type PreflightCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// PreflightNodeResult is a single peer's preflight outcome.
type PreflightNodeResult struct {
	NodeID string           `json:"node_id"`
	Passed bool             `json:"passed"`
	Checks []PreflightCheck `json:"checks"`
	Error  string           `json:"error,omitempty"`
}

// PreflightResult is the aggregate POST /coordinator/preflight response.
type PreflightResult struct {
	Passed bool                  `json:"passed"`
	Nodes  []PreflightNodeResult `json:"nodes"`
}

// minFreeBytesDefault mirrors spec.md §4.1's MIN_FREE default (10 GiB);
// used only to render a human-readable preflight message.
const minFreeBytesDefault = 10 << 30

// Preflight runs read-only admission checks against every known peer in
// parallel. It never mutates peer or local state (spec.md §8 property 5).
func (c *Coordinator) Preflight(ctx context.Context) PreflightResult {
	all := c.registry.List()
	results := make([]PreflightNodeResult, len(all))

	var wg sync.WaitGroup
	for i, p := range all {
		wg.Add(1)
		go func(i int, p peers.Peer) {
			defer wg.Done()
			results[i] = c.preflightPeer(ctx, p)
		}(i, p)
	}
	wg.Wait()

	overall := true
	for _, r := range results {
		if !r.Passed {
			overall = false
		}
	}
	return PreflightResult{Passed: overall, Nodes: results}
}

func (c *Coordinator) preflightPeer(ctx context.Context, p peers.Peer) PreflightNodeResult {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	st, err := c.client.Status(callCtx, p.Endpoint)
	if err != nil {
		metrics.CoordinatorFanout.WithLabelValues("preflight", p.NodeID, "unreachable").Inc()
		return PreflightNodeResult{NodeID: p.NodeID, Passed: false, Error: err.Error()}
	}

	checks := []PreflightCheck{
		{Name: "camera", Passed: st.CameraDetected, Message: cameraMessage(st.CameraDetected)},
		{Name: "storage", Passed: st.StorageFreeBytes >= minFreeBytesDefault, Message: storageMessage(st.StorageFreeBytes)},
		{Name: "idle", Passed: st.RecordingState == node.StateIdle, Message: string(st.RecordingState)},
	}
	passed := true
	for _, chk := range checks {
		if !chk.Passed {
			passed = false
		}
	}
	metrics.CoordinatorFanout.WithLabelValues("preflight", p.NodeID, "ok").Inc()
	return PreflightNodeResult{NodeID: p.NodeID, Passed: passed, Checks: checks}
}

func cameraMessage(ok bool) string {
	if ok {
		return "camera detected"
	}
	return "camera not detected"
}

func storageMessage(freeBytes int64) string {
	if freeBytes >= minFreeBytesDefault {
		return fmt.Sprintf("%.1f GiB free", float64(freeBytes)/(1<<30))
	}
	return fmt.Sprintf("%.1f GiB free, need %.0f", float64(freeBytes)/(1<<30), float64(minFreeBytesDefault)/(1<<30))
}

// StartNodeResult records one peer's outcome during a cluster start.
type StartNodeResult struct {
	NodeID  string `json:"node_id"`
	Armed   bool   `json:"armed,omitempty"`
	Started bool   `json:"started,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartResult is the POST /coordinator/start aggregate response.
type StartResult struct {
	SessionID string                     `json:"session_id"`
	Success   bool                       `json:"success"`
	Nodes     map[string]StartNodeResult `json:"cameras"`
}

// Start runs the two-phase cluster start: fan out arm (aborting all on
// any failure), then fan out start, succeeding overall iff at least
// MinParticipants entered RECORDING.
func (c *Coordinator) Start(ctx context.Context, sessionID string) (StartResult, error) {
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return StartResult{}, fmt.Errorf("coordinator: session_id %q does not match required grammar", sessionID)
	}

	all := c.registry.List()
	expectedCameras := make([]string, len(all))
	for i, p := range all {
		expectedCameras[i] = p.NodeID
	}

	results := make(map[string]StartNodeResult, len(all))
	var mu sync.Mutex
	setResult := func(r StartNodeResult) {
		mu.Lock()
		results[r.NodeID] = r
		mu.Unlock()
	}

	armCtx, cancel := context.WithTimeout(ctx, c.cfg.ArmTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(armCtx)
	armedOK := make(map[string]bool)
	var armedMu sync.Mutex
	for _, p := range all {
		p := p
		g.Go(func() error {
			err := c.client.Arm(gctx, p.Endpoint, ArmRequest{SessionID: sessionID, ExpectedCameras: expectedCameras})
			if err != nil {
				c.registry.MarkUnreachable(p.NodeID)
				metrics.CoordinatorFanout.WithLabelValues("arm", p.NodeID, "failed").Inc()
				setResult(StartNodeResult{NodeID: p.NodeID, Error: classifyArmError(err)})
				return nil // per-peer failure does not cancel the arm fan-out early
			}
			c.registry.MarkSeen(p.NodeID)
			metrics.CoordinatorFanout.WithLabelValues("arm", p.NodeID, "ok").Inc()
			armedMu.Lock()
			armedOK[p.NodeID] = true
			armedMu.Unlock()
			setResult(StartNodeResult{NodeID: p.NodeID, Armed: true})
			return nil
		})
	}
	_ = g.Wait()

	anyArmFailed := len(armedOK) != len(all)
	if anyArmFailed {
		// Abort every node that succeeded; this is not itself a
		// rollback guarantee (spec.md §4.2), only best-effort cleanup.
		var abortWg sync.WaitGroup
		for nodeID := range armedOK {
			p := mustFind(all, nodeID)
			abortWg.Add(1)
			go func(p peers.Peer) {
				defer abortWg.Done()
				abortCtx, cancel := context.WithTimeout(ctx, c.cfg.ArmTimeout)
				defer cancel()
				err := c.client.Abort(abortCtx, p.Endpoint)
				r := results[p.NodeID]
				r.Aborted = err == nil
				setResult(r)
				metrics.CoordinatorFanout.WithLabelValues("abort", p.NodeID, outcome(err)).Inc()
			}(p)
		}
		abortWg.Wait()
		return StartResult{SessionID: sessionID, Success: false, Nodes: results}, nil
	}

	startCtx, startCancel := context.WithTimeout(ctx, c.cfg.ArmTimeout)
	defer startCancel()
	var startWg sync.WaitGroup
	startedCount := 0
	var startedMu sync.Mutex
	for nodeID := range armedOK {
		p := mustFind(all, nodeID)
		startWg.Add(1)
		go func(p peers.Peer) {
			defer startWg.Done()
			_, err := c.client.Start(startCtx, p.Endpoint)
			r := results[p.NodeID]
			if err != nil {
				r.Error = err.Error()
				metrics.CoordinatorFanout.WithLabelValues("start", p.NodeID, "failed").Inc()
			} else {
				r.Started = true
				metrics.CoordinatorFanout.WithLabelValues("start", p.NodeID, "ok").Inc()
				startedMu.Lock()
				startedCount++
				startedMu.Unlock()
			}
			setResult(r)
		}(p)
	}
	startWg.Wait()

	success := startedCount >= c.cfg.MinParticipants
	return StartResult{SessionID: sessionID, Success: success, Nodes: results}, nil
}

func classifyArmError(err error) string {
	if err == nil {
		return ""
	}
	if kind, ok := coreerr.KindOf(err); ok {
		return string(kind)
	}
	return string(coreerr.KindPeerUnreachable)
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func mustFind(all []peers.Peer, nodeID string) peers.Peer {
	for _, p := range all {
		if p.NodeID == nodeID {
			return p
		}
	}
	return peers.Peer{NodeID: nodeID}
}

// StopNodeResult records one peer's outcome during a cluster stop.
type StopNodeResult struct {
	NodeID    string          `json:"node_id"`
	Recording *node.Recording `json:"recording,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StopResult is the POST /coordinator/stop aggregate response.
type StopResult struct {
	Nodes map[string]StopNodeResult `json:"cameras"`
}

// Stop fans out stop to every known peer, waiting up to StopTimeout for
// all to reach IDLE or ERROR.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) StopResult {
	all := c.registry.List()
	results := make(map[string]StopNodeResult, len(all))
	var mu sync.Mutex

	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range all {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.client.Stop(stopCtx, p.Endpoint, StopRequest{SessionID: sessionID})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[p.NodeID] = StopNodeResult{NodeID: p.NodeID, Error: err.Error()}
				metrics.CoordinatorFanout.WithLabelValues("stop", p.NodeID, "failed").Inc()
				return
			}
			results[p.NodeID] = StopNodeResult{NodeID: p.NodeID, Recording: resp.Recording}
			metrics.CoordinatorFanout.WithLabelValues("stop", p.NodeID, "ok").Inc()
		}()
	}
	wg.Wait()

	return StopResult{Nodes: results}
}

// SyncNodeResult is one peer's sync/trigger outcome.
type SyncNodeResult struct {
	NodeID   string  `json:"node_id"`
	OffsetMs float64 `json:"offset_ms,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Sync instructs every known peer to trigger a time-sync pass.
func (c *Coordinator) Sync(ctx context.Context) []SyncNodeResult {
	all := c.registry.List()
	results := make([]SyncNodeResult, len(all))

	var wg sync.WaitGroup
	for i, p := range all {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
			defer cancel()
			resp, err := c.client.SyncTrigger(callCtx, p.Endpoint)
			if err != nil {
				results[i] = SyncNodeResult{NodeID: p.NodeID, Error: err.Error()}
				return
			}
			results[i] = SyncNodeResult{NodeID: p.NodeID, OffsetMs: resp.OffsetMs}
		}()
	}
	wg.Wait()
	return results
}

// Test runs a short, fixed-duration self-check cycle: start, wait
// TestDuration, stop. Per spec.md §9's resolved open question, the test
// recording is never uploaded — it exists purely to exercise the
// start/stop path end-to-end.
func (c *Coordinator) Test(ctx context.Context) (StartResult, StopResult, error) {
	startResult, err := c.Start(ctx, "TEST_"+generateTimestampSuffix())
	if err != nil {
		return StartResult{}, StopResult{}, err
	}
	select {
	case <-ctx.Done():
		return startResult, StopResult{}, ctx.Err()
	case <-time.After(c.cfg.TestDuration):
	}
	stopResult := c.Stop(ctx, startResult.SessionID)
	return startResult, stopResult, nil
}

func generateSessionID() string {
	return "GAME_" + generateTimestampSuffix()
}

func generateTimestampSuffix() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%04d%02d%02d_%02d%02d%02d", now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second())
}

