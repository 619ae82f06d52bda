// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package timesync implements the slave-side time-sync discipline: a
// simple round-trip offset estimator against the designated master,
// periodic polling, and ok/warn/fail classification.
package timesync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/metrics"
	"github.com/rs/zerolog"
)

// Classification is the result of comparing an observed offset/RTT
// against the configured tolerances.
type Classification string

const (
	ClassOK   Classification = "ok"
	ClassWarn Classification = "warn"
	ClassFail Classification = "fail"
)

// MasterClock is queried by the monitor to obtain a round trip sample.
// HTTPMasterClock performs an HTTP round trip against the master node's
// `POST /sync/query` wall-clock endpoint; Query receives the
// slave's send timestamp and must return the master's receive and send
// timestamps from its own clock.
type MasterClock interface {
	Query(ctx context.Context, slaveSendTime time.Time) (masterRecv, masterSend time.Time, err error)
}

// Sample is one completed round-trip offset measurement.
type Sample struct {
	OffsetMs       float64
	RTTMs          float64
	Classification Classification
	At             time.Time
}

// Config are the tunables from spec.md §4.4.
type Config struct {
	SyncTolerance time.Duration // default 5ms
	SyncRTTMax    time.Duration // default 50ms
	SyncStale     time.Duration // default 60s
	Interval      time.Duration // default 10s
}

func DefaultConfig() Config {
	return Config{
		SyncTolerance: 5 * time.Millisecond,
		SyncRTTMax:    50 * time.Millisecond,
		SyncStale:     60 * time.Second,
		Interval:      10 * time.Second,
	}
}

// Monitor runs the periodic time-sync loop for a single slave node. It
// exposes the latest sample and a Status() call gating Arm preconditions.
type Monitor struct {
	nodeID string
	clock  MasterClock
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.RWMutex
	last       *Sample
	lastOKAt   time.Time
	masterDown bool
}

// NewMonitor constructs a Monitor for nodeID, querying master via clock.
func NewMonitor(nodeID string, clock MasterClock, cfg Config) *Monitor {
	return &Monitor{
		nodeID: nodeID,
		clock:  clock,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("timesync.monitor").With().Str("node_id", nodeID).Logger(),
	}
}

// Run executes the periodic sync loop until ctx is cancelled. It is
// intended to be launched as a background goroutine at node startup; a
// newer in-flight query abandons an older one naturally since each tick
// runs a fresh, independently-cancellable round trip (spec.md §4.4
// cancellation rule).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs a single round-trip sample immediately, independent of
// the periodic loop, and updates the monitor's latest sample.
func (m *Monitor) Poll(ctx context.Context) (Sample, error) {
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SyncRTTMax*4)
	defer cancel()

	slaveSend := m.now()
	masterRecv, masterSend, err := m.clock.Query(sendCtx, slaveSend)
	slaveRecv := m.now()

	if err != nil {
		m.mu.Lock()
		m.masterDown = true
		m.mu.Unlock()
		m.logger.Warn().Err(err).Msg("time-sync query failed")
		metrics.SyncClassification.WithLabelValues(m.nodeID, string(ClassFail)).Inc()
		return Sample{}, fmt.Errorf("timesync: query master: %w", err)
	}

	offsetMs := (masterRecv.Add(masterSend.Sub(masterRecv) / 2).Sub(
		slaveSend.Add(slaveRecv.Sub(slaveSend) / 2))).Seconds() * 1000
	rttMs := slaveRecv.Sub(slaveSend).Seconds() * 1000

	class := m.classify(offsetMs, rttMs)

	sample := Sample{OffsetMs: offsetMs, RTTMs: rttMs, Classification: class, At: m.now()}

	m.mu.Lock()
	m.last = &sample
	m.masterDown = false
	if class == ClassOK {
		m.lastOKAt = sample.At
	}
	m.mu.Unlock()

	metrics.SyncOffsetMillis.WithLabelValues(m.nodeID).Set(offsetMs)
	metrics.SyncClassification.WithLabelValues(m.nodeID, string(class)).Inc()

	return sample, nil
}

func (m *Monitor) classify(offsetMs, rttMs float64) Classification {
	tol := m.cfg.SyncTolerance.Seconds() * 1000
	rttMax := m.cfg.SyncRTTMax.Seconds() * 1000
	abs := math.Abs(offsetMs)
	switch {
	case abs <= tol && rttMs <= rttMax:
		return ClassOK
	case abs <= 2*tol:
		return ClassWarn
	default:
		return ClassFail
	}
}

// Status reports the current offset (NaN if never measured) and whether
// it should be considered stale for arming purposes: stale if the master
// has not answered an ok classification within SyncStale.
func (m *Monitor) Status() (offsetMs float64, stale bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return math.NaN(), true
	}
	stale = m.masterDown && m.now().Sub(m.lastOKAt) > m.cfg.SyncStale
	return m.last.OffsetMs, stale
}

// LastSample returns the most recent completed sample, or nil if none.
func (m *Monitor) LastSample() *Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
