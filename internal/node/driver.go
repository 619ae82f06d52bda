// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ErrDriverFault is returned by a Handle when the underlying camera or
// filesystem faults mid-recording (device disconnect, write error).
var ErrDriverFault = errors.New("node: camera driver fault")

// FinalizeResult carries the outcome of closing a recording file.
type FinalizeResult struct {
	SizeBytes       int64
	DurationSeconds float64
	Checksum        string // sha256 hex
}

// Handle is an open recording session on a driver; Stop and Abort are the
// only operations permitted on it.
type Handle interface {
	// Stop signals the driver to stop recording. It must honor the grace
	// period passed via ctx's deadline and return a FinalizeResult once
	// the file is closed and its checksum computed.
	Stop(ctx context.Context) (FinalizeResult, error)
	// Abort discards the handle without finalizing (used on ARMED->IDLE).
	Abort() error
	// Faults returns a channel that is closed (or receives a value) when
	// the driver detects an unrecoverable fault during RECORDING.
	Faults() <-chan error
}

// Driver is the camera driver contract: open a file, get back a handle
// that can be stopped or aborted. Implementations are selected at
// startup from configuration: {real_driver, simulated_driver,
// test_fixture}. Only the simulated and test-fixture variants live in
// this module; the real driver is an external collaborator per the
// out-of-scope list.
type Driver interface {
	Open(ctx context.Context, path string) (Handle, error)
	// CameraDetected reports whether a camera is currently present.
	CameraDetected() bool
}

// SimulatedDriver models a camera by writing synthetic bytes to disk at a
// steady rate until stopped. It is the default driver for demos and
// integration tests that want a real (if tiny) file on disk with a real
// checksum.
type SimulatedDriver struct {
	mu       sync.Mutex
	detected bool
	// WriteRateBytesPerSec controls how fast synthetic frames accumulate;
	// zero means nothing is written and the file stays empty until Stop.
	WriteRateBytesPerSec int64
}

// NewSimulatedDriver returns a driver that reports a camera as present.
func NewSimulatedDriver() *SimulatedDriver {
	return &SimulatedDriver{detected: true}
}

func (d *SimulatedDriver) CameraDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// SetCameraDetected lets tests and the test-fixture driver flip presence.
func (d *SimulatedDriver) SetCameraDetected(v bool) {
	d.mu.Lock()
	d.detected = v
	d.mu.Unlock()
}

func (d *SimulatedDriver) Open(ctx context.Context, path string) (Handle, error) {
	if !d.CameraDetected() {
		return nil, fmt.Errorf("node: camera not detected")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("node: create recording file: %w", err)
	}
	h := &simulatedHandle{
		file:      f,
		path:      path,
		startedAt: time.Now(),
		rate:      d.WriteRateBytesPerSec,
		faults:    make(chan error, 1),
		stop:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h, nil
}

type simulatedHandle struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
	rate      int64
	faults    chan error
	stop      chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

func (h *simulatedHandle) run() {
	defer h.wg.Done()
	if h.rate <= 0 {
		<-h.stop
		return
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, h.rate/5+1)
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			_, err := h.file.Write(buf)
			h.mu.Unlock()
			if err != nil {
				select {
				case h.faults <- fmt.Errorf("%w: %v", ErrDriverFault, err):
				default:
				}
				return
			}
		}
	}
}

func (h *simulatedHandle) Faults() <-chan error { return h.faults }

func (h *simulatedHandle) Stop(ctx context.Context) (FinalizeResult, error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return FinalizeResult{}, fmt.Errorf("node: handle already stopped")
	}
	h.stopped = true
	h.mu.Unlock()

	close(h.stop)

	done := make(chan struct{})
	go func() { h.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		// Caller's grace period elapsed; force close below regardless.
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.file.Stat()
	if err != nil {
		_ = h.file.Close()
		return FinalizeResult{}, fmt.Errorf("node: stat recording file: %w", err)
	}
	if err := h.file.Sync(); err != nil {
		_ = h.file.Close()
		return FinalizeResult{}, fmt.Errorf("node: sync recording file: %w", err)
	}
	if err := h.file.Close(); err != nil {
		return FinalizeResult{}, fmt.Errorf("node: close recording file: %w", err)
	}

	checksum, err := sha256File(h.path)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("node: checksum recording file: %w", err)
	}

	return FinalizeResult{
		SizeBytes:       info.Size(),
		DurationSeconds: time.Since(h.startedAt).Seconds(),
		Checksum:        checksum,
	}, nil
}

func (h *simulatedHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.stopped = true
		close(h.stop)
	}
	_ = h.file.Close()
	return os.Remove(h.path)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// TestFixtureDriver is a deterministic, zero-I/O driver for unit tests of
// the state machine: Open always succeeds (unless forced to fail), Stop
// returns a caller-supplied FinalizeResult immediately.
type TestFixtureDriver struct {
	mu           sync.Mutex
	Detected     bool
	OpenErr      error
	StopResult   FinalizeResult
	StopErr      error
	OpenedPaths  []string
}

func NewTestFixtureDriver() *TestFixtureDriver {
	return &TestFixtureDriver{Detected: true}
}

func (d *TestFixtureDriver) CameraDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Detected
}

func (d *TestFixtureDriver) Open(ctx context.Context, path string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.OpenedPaths = append(d.OpenedPaths, path)
	return &testFixtureHandle{driver: d}, nil
}

type testFixtureHandle struct {
	driver  *TestFixtureDriver
	faulted bool
	faults  chan error
}

func (h *testFixtureHandle) Faults() <-chan error {
	if h.faults == nil {
		h.faults = make(chan error, 1)
	}
	return h.faults
}

func (h *testFixtureHandle) Stop(ctx context.Context) (FinalizeResult, error) {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	return h.driver.StopResult, h.driver.StopErr
}

func (h *testFixtureHandle) Abort() error { return nil }

// Fault injects a driver fault visible on the handle's Faults channel.
func (h *testFixtureHandle) Fault(err error) {
	if h.faulted {
		return
	}
	h.faulted = true
	if h.faults == nil {
		h.faults = make(chan error, 1)
	}
	select {
	case h.faults <- err:
	default:
	}
}
