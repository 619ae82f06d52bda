// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/pitchsync/coordinator/internal/coreerr"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/metrics"
	"github.com/rs/zerolog"
)

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// SessionIDPattern is the wire grammar for session_id, spec.md §3/§6.
var SessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,64}$`)

// Sentinel errors for state-conflict transitions (HTTP 409 at the API
// layer), distinct from the coreerr taxonomy which covers recoverable
// vs. logical failures.
var (
	ErrNotIdle      = errors.New("node: recording_state is not IDLE")
	ErrNotArmed     = errors.New("node: recording_state is not ARMED")
	ErrNotRecording = errors.New("node: recording_state is not RECORDING")
	ErrWrongSession = errors.New("node: session_id does not match current session")
)

// Params are the tunables a StateMachine enforces, sourced from config.
type Params struct {
	MinFreeBytes   int64
	SyncTolerance  time.Duration
	StopGrace      time.Duration
	RecordingsRoot string
}

// SyncStatusFunc reports the node's current offset from the sync master,
// for non-master nodes. stale is true once the master has been
// unreachable beyond SYNC_STALE, and Arm then fails its sync
// precondition; a momentarily unreachable master within SYNC_STALE does
// not block arming (spec.md §9's resolved open question).
type SyncStatusFunc func() (offsetMs float64, stale bool)

// StateMachine is the per-node recording lifecycle: arm -> start ->
// stop -> (finalize) -> idle, or -> error -> reset. All transitions are
// serialized behind a single mutex (spec.md §5): only one transition at
// a time, and status reads observe a consistent snapshot under the same
// lock.
type StateMachine struct {
	mu sync.Mutex

	identity Identity
	params   Params
	driver   Driver
	syncFn   SyncStatusFunc
	now      func() time.Time
	logger   zerolog.Logger

	state State

	handle               Handle
	handleDone           chan struct{}
	currentSessionID     string
	armedExpectedCameras []string
	armedFilePath        string
	startedAtMono        time.Time

	lastFinalizedSessionID string
	lastFinalized          *Recording
}

// NewStateMachine constructs a StateMachine for the given node identity.
// syncFn may be nil for the master node (sync tolerance is only checked
// for non-master nodes).
func NewStateMachine(identity Identity, params Params, driver Driver, syncFn SyncStatusFunc) *StateMachine {
	return &StateMachine{
		identity: identity,
		params:   params,
		driver:   driver,
		syncFn:   syncFn,
		now:      time.Now,
		logger:   log.WithComponent("node.statemachine").With().Str("node_id", identity.NodeID).Logger(),
		state: State{
			RecordingState: StateIdle,
			SyncOffsetMs:   math.NaN(),
		},
	}
}

// Identity returns the node's immutable identity.
func (sm *StateMachine) Identity() Identity { return sm.identity }

// Snapshot returns a copy of the current state under lock.
func (sm *StateMachine) Snapshot() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// UpdateTelemetry merges ambient sensor readings (storage, temperature,
// sync offset, heartbeat) into the state without touching recording_state.
// Called periodically by background monitors; does not contend with
// transitions beyond the brief lock hold.
func (sm *StateMachine) UpdateTelemetry(storageFree, storageTotal int64, tempC float64, syncOffsetMs float64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.StorageFreeBytes = storageFree
	sm.state.StorageTotalBytes = storageTotal
	sm.state.TemperatureC = tempC
	sm.state.SyncOffsetMs = syncOffsetMs
	sm.state.CameraDetected = sm.driver.CameraDetected()
	sm.state.LastHeartbeatAt = sm.now()
}

func (sm *StateMachine) transition(from, to RecordingState) {
	sm.state.RecordingState = to
	metrics.StateTransitions.WithLabelValues(sm.identity.NodeID, string(from), string(to)).Inc()
	for _, s := range []RecordingState{StateIdle, StateArmed, StateRecording, StateFinalizing, StateError} {
		v := 0.0
		if s == to {
			v = 1.0
		}
		metrics.NodeState.WithLabelValues(sm.identity.NodeID, string(s)).Set(v)
	}
	sm.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("recording state transition")
}

// Arm validates preconditions, reserves the recording file path, opens
// the driver, and enters ARMED. expectedCameras is carried through to the
// manifest produced at finalize time.
func (sm *StateMachine) Arm(ctx context.Context, sessionID string, expectedCameras []string) error {
	if !SessionIDPattern.MatchString(sessionID) {
		return coreerr.New(coreerr.KindPreconditionFailed, "session_id does not match required grammar")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.RecordingState != StateIdle {
		return ErrNotIdle
	}
	if !sm.driver.CameraDetected() {
		return coreerr.New(coreerr.KindPreconditionFailed, "camera not detected")
	}
	if sm.state.StorageFreeBytes < sm.params.MinFreeBytes {
		return coreerr.New(coreerr.KindPreconditionFailed,
			fmt.Sprintf("insufficient storage: %d bytes free, need %d", sm.state.StorageFreeBytes, sm.params.MinFreeBytes))
	}
	if !sm.identity.IsMaster && sm.syncFn != nil {
		offsetMs, stale := sm.syncFn()
		// A momentarily unreachable master does not block arming as long
		// as the last-known offset is not yet stale (spec.md §9 resolved
		// open question); once stale, treat sync as failed.
		if stale {
			return coreerr.New(coreerr.KindPreconditionFailed, "sync status stale: master unreachable beyond SYNC_STALE")
		}
		if math.Abs(offsetMs) > sm.params.SyncTolerance.Seconds()*1000 {
			return coreerr.New(coreerr.KindPreconditionFailed,
				fmt.Sprintf("sync offset %.2fms exceeds tolerance %s", offsetMs, sm.params.SyncTolerance))
		}
	}

	path := filepath.Join(sm.params.RecordingsRoot, sessionID, sm.identity.NodeID, RecordingID(sessionID, sm.identity.NodeID)+".dat")
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return coreerr.Wrap(coreerr.KindDriverFailure, "failed to prepare recording directory", err)
	}
	handle, err := sm.driver.Open(ctx, path)
	if err != nil {
		return coreerr.Wrap(coreerr.KindDriverFailure, "driver open failed", err)
	}

	sm.handle = handle
	sm.currentSessionID = sessionID
	sm.state.CurrentSessionID = sessionID
	sm.armedExpectedCameras = expectedCameras
	sm.armedFilePath = path
	sm.transition(StateIdle, StateArmed)
	return nil
}

// Abort reverses Arm: ARMED -> IDLE, discarding the reserved file.
func (sm *StateMachine) Abort(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.RecordingState != StateArmed {
		return ErrNotArmed
	}
	if sm.handle != nil {
		_ = sm.handle.Abort()
	}
	sm.handle = nil
	sm.currentSessionID = ""
	sm.state.CurrentSessionID = ""
	sm.transition(StateArmed, StateIdle)
	return nil
}

// Start enters RECORDING, recording both monotonic and wall-clock start
// times.
func (sm *StateMachine) Start(ctx context.Context) (time.Time, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.RecordingState != StateArmed {
		return time.Time{}, ErrNotArmed
	}
	sm.startedAtMono = time.Now()
	startedAtWall := sm.now()
	sm.transition(StateArmed, StateRecording)

	done := make(chan struct{})
	sm.handleDone = done
	go sm.watchFaults(sm.handle, sm.currentSessionID, done)

	return startedAtWall, nil
}

// watchFaults transitions RECORDING -> ERROR if the driver reports a
// fault, without affecting peers (spec.md §4.1, §4.2 failure semantics).
func (sm *StateMachine) watchFaults(handle Handle, sessionID string, done chan struct{}) {
	select {
	case err, ok := <-handle.Faults():
		if !ok || err == nil {
			return
		}
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if sm.state.RecordingState == StateRecording && sm.currentSessionID == sessionID {
			sm.logger.Error().Err(err).Str("session_id", sessionID).Msg("camera driver fault during recording")
			sm.transition(StateRecording, StateError)
		}
	case <-done:
	}
}

// StopResult is returned by Stop: either a freshly finalized Recording or
// a cached one from an earlier idempotent call for the same session.
type StopResult struct {
	Recording *Recording
	Cached    bool
}

// Stop signals the driver to stop, waits up to StopGrace for a clean
// finalize, computes the checksum, builds the manifest, and returns to
// IDLE. Calling Stop twice for the same session_id is idempotent: the
// second call returns the cached result without re-finalizing.
func (sm *StateMachine) Stop(ctx context.Context, sessionID string, manifestFn func(FinalizeResult, []string) *Manifest) (StopResult, error) {
	sm.mu.Lock()

	if sm.state.RecordingState == StateIdle && sm.lastFinalizedSessionID == sessionID && sessionID != "" {
		cached := sm.lastFinalized
		sm.mu.Unlock()
		return StopResult{Recording: cached, Cached: true}, nil
	}
	if sm.state.RecordingState != StateRecording {
		sm.mu.Unlock()
		return StopResult{}, ErrNotRecording
	}
	if sessionID != "" && sessionID != sm.currentSessionID {
		sm.mu.Unlock()
		return StopResult{}, ErrWrongSession
	}

	handle := sm.handle
	sid := sm.currentSessionID
	filePath := sm.armedFilePath
	expectedCameras := sm.armedExpectedCameras
	sm.transition(StateRecording, StateFinalizing)
	sm.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sm.params.StopGrace)
	defer cancel()
	result, err := handle.Stop(stopCtx)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.handleDone != nil {
		close(sm.handleDone)
		sm.handleDone = nil
	}

	if err != nil {
		sm.transition(StateFinalizing, StateError)
		return StopResult{}, coreerr.Wrap(coreerr.KindDriverFailure, "finalize failed", err)
	}

	var manifest *Manifest
	if manifestFn != nil {
		manifest = manifestFn(result, expectedCameras)
	}

	rec := &Recording{
		RecordingID:     RecordingID(sid, sm.identity.NodeID),
		SessionID:       sid,
		NodeID:          sm.identity.NodeID,
		FilePath:        filePath,
		SizeBytes:       result.SizeBytes,
		DurationSeconds: result.DurationSeconds,
		Checksum:        result.Checksum,
		Manifest:        manifest,
		OffloadState:    OffloadLocal,
	}

	sm.handle = nil
	sm.currentSessionID = ""
	sm.state.CurrentSessionID = ""
	sm.lastFinalizedSessionID = sid
	sm.lastFinalized = rec
	sm.transition(StateFinalizing, StateIdle)

	return StopResult{Recording: rec}, nil
}

// Reset clears an ERROR state back to IDLE. The failed recording file, if
// any, is preserved on disk but the state machine no longer tracks it as
// current.
func (sm *StateMachine) Reset(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.RecordingState != StateError {
		return fmt.Errorf("node: recording_state is not ERROR")
	}
	sm.handle = nil
	sm.currentSessionID = ""
	sm.state.CurrentSessionID = ""
	sm.transition(StateError, StateIdle)
	return nil
}
