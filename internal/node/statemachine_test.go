// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package node

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() Identity {
	return Identity{NodeID: "CAM_L", Position: PositionLeft, IsMaster: false, Endpoint: "127.0.0.1:9001"}
}

func testParams(t *testing.T) Params {
	dir := t.TempDir()
	return Params{
		MinFreeBytes:   0,
		SyncTolerance:  5 * time.Millisecond,
		StopGrace:      2 * time.Second,
		RecordingsRoot: dir,
	}
}

func alwaysInSync() (float64, bool) { return 0, false }

func TestStateMachine_HappyPath(t *testing.T) {
	driver := NewTestFixtureDriver()
	driver.StopResult = FinalizeResult{SizeBytes: 1024, DurationSeconds: 1.5, Checksum: "deadbeef"}
	sm := NewStateMachine(testIdentity(), testParams(t), driver, alwaysInSync)
	sm.UpdateTelemetry(100<<30, 200<<30, 40.0, 0)

	require.Equal(t, StateIdle, sm.Snapshot().RecordingState)

	require.NoError(t, sm.Arm(context.Background(), "GAME_20240315_140000", []string{"CAM_L", "CAM_C", "CAM_R"}))
	assert.Equal(t, StateArmed, sm.Snapshot().RecordingState)

	startedAt, err := sm.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, startedAt.IsZero())
	assert.Equal(t, StateRecording, sm.Snapshot().RecordingState)

	res, err := sm.Stop(context.Background(), "GAME_20240315_140000", func(fr FinalizeResult, expected []string) *Manifest {
		return BuildManifest(BuildManifestInput{
			Identity:        sm.Identity(),
			SessionID:       "GAME_20240315_140000",
			ExpectedCameras: expected,
			Checksum:        fr.Checksum,
		})
	})
	require.NoError(t, err)
	require.NotNil(t, res.Recording)
	assert.False(t, res.Cached)
	assert.Equal(t, "deadbeef", res.Recording.Checksum)
	assert.Equal(t, OffloadLocal, res.Recording.OffloadState)
	assert.Equal(t, StateIdle, sm.Snapshot().RecordingState)
}

func TestStateMachine_IdempotentStop(t *testing.T) {
	driver := NewTestFixtureDriver()
	driver.StopResult = FinalizeResult{SizeBytes: 10, DurationSeconds: 0.1, Checksum: "abc123"}
	sm := NewStateMachine(testIdentity(), testParams(t), driver, alwaysInSync)
	sm.UpdateTelemetry(100<<30, 200<<30, 30.0, 0)

	require.NoError(t, sm.Arm(context.Background(), "TEST_IDEMP", nil))
	_, err := sm.Start(context.Background())
	require.NoError(t, err)

	manifestFn := func(fr FinalizeResult, expected []string) *Manifest { return nil }

	first, err := sm.Stop(context.Background(), "TEST_IDEMP", manifestFn)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := sm.Stop(context.Background(), "TEST_IDEMP", manifestFn)
	require.NoError(t, err)
	require.True(t, second.Cached)
	assert.Same(t, first.Recording, second.Recording)
}

func TestStateMachine_ArmRejectsLowStorage(t *testing.T) {
	driver := NewTestFixtureDriver()
	params := testParams(t)
	params.MinFreeBytes = 10 << 30
	sm := NewStateMachine(testIdentity(), params, driver, alwaysInSync)
	sm.UpdateTelemetry(5<<30, 20<<30, 30.0, 0)

	err := sm.Arm(context.Background(), "TEST_STORAGE", nil)
	require.Error(t, err)
	assert.Equal(t, StateIdle, sm.Snapshot().RecordingState)
}

func TestStateMachine_ArmRejectsOutOfSyncTolerance(t *testing.T) {
	driver := NewTestFixtureDriver()
	identity := testIdentity()
	identity.IsMaster = false
	sm := NewStateMachine(identity, testParams(t), driver, func() (float64, bool) { return 50, false })
	sm.UpdateTelemetry(100<<30, 200<<30, 30.0, 50)

	err := sm.Arm(context.Background(), "TEST_SYNC", nil)
	require.Error(t, err)
	assert.Equal(t, StateIdle, sm.Snapshot().RecordingState)
}

func TestStateMachine_DriverFaultDuringRecordingEntersError(t *testing.T) {
	driver := NewTestFixtureDriver()
	sm := NewStateMachine(testIdentity(), testParams(t), driver, alwaysInSync)
	sm.UpdateTelemetry(100<<30, 200<<30, 30.0, 0)

	require.NoError(t, sm.Arm(context.Background(), "TEST_FAULT", nil))
	_, err := sm.Start(context.Background())
	require.NoError(t, err)

	sm.mu.Lock()
	h := sm.handle.(*testFixtureHandle)
	sm.mu.Unlock()
	h.Fault(os.ErrClosed)

	require.Eventually(t, func() bool {
		return sm.Snapshot().RecordingState == StateError
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sm.Reset(context.Background()))
	assert.Equal(t, StateIdle, sm.Snapshot().RecordingState)
}

func TestStateMachine_AbortFromArmed(t *testing.T) {
	driver := NewTestFixtureDriver()
	sm := NewStateMachine(testIdentity(), testParams(t), driver, alwaysInSync)
	sm.UpdateTelemetry(100<<30, 200<<30, 30.0, 0)

	require.NoError(t, sm.Arm(context.Background(), "TEST_ABORT", nil))
	require.NoError(t, sm.Abort(context.Background()))
	assert.Equal(t, StateIdle, sm.Snapshot().RecordingState)

	require.ErrorIs(t, sm.Abort(context.Background()), ErrNotArmed)
}
