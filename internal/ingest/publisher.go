// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pitchsync/coordinator/internal/log"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

// AuditRecorder persists a session's status transitions for later
// inspection. Publisher works without one; Server wires a concrete
// implementation (internal/audit.Store) when cfg.AuditDBPath is set.
type AuditRecorder interface {
	Record(ctx context.Context, sessionID, status string, cameras []string) error
}

// SessionStatus mirrors spec.md §3's session status enum as observed on
// the ingest server.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "OPEN"
	SessionClosed    SessionStatus = "CLOSED"
	SessionPublished SessionStatus = "PUBLISHED"
	SessionPartial   SessionStatus = "PARTIAL"
)

// SessionRecord tracks a session's publication progress on the server.
type SessionRecord struct {
	SessionID       string              `json:"session_id"`
	ExpectedCameras []string            `json:"expected_cameras"`
	Confirmed       map[string]bool     `json:"confirmed"` // node_id -> confirmed
	Status          SessionStatus       `json:"status"`
	FirstUploadAt   time.Time           `json:"first_upload_at"`
	PublishedAt     time.Time           `json:"published_at,omitempty"`
}

// Cameras returns the sorted set of node_ids confirmed so far.
func (s *SessionRecord) Cameras() []string {
	out := make([]string, 0, len(s.Confirmed))
	for nodeID, ok := range s.Confirmed {
		if ok {
			out = append(out, nodeID)
		}
	}
	sort.Strings(out)
	return out
}

// Publisher owns the on-disk session layout: staging directories while
// a session is in progress, atomically renamed to their final path once
// every expected camera has a CONFIRMED recording and manifest.
type Publisher struct {
	stagingRoot     string
	sessionsRoot    string
	completeTimeout time.Duration
	logger          zerolog.Logger
	audit           AuditRecorder

	mu       sync.Mutex
	sessions map[string]*SessionRecord
}

// SetAudit attaches an AuditRecorder that every future publish() call
// reports to. Nil disables auditing (the default).
func (p *Publisher) SetAudit(a AuditRecorder) { p.audit = a }

// NewPublisher constructs a Publisher rooted at the given staging and
// final session directories. completeTimeout is SESSION_COMPLETE_TIMEOUT
// (spec.md §4.6, default 2h) after which an incomplete session is
// published as PARTIAL.
func NewPublisher(stagingRoot, sessionsRoot string, completeTimeout time.Duration) *Publisher {
	return &Publisher{
		stagingRoot:     stagingRoot,
		sessionsRoot:    sessionsRoot,
		completeTimeout: completeTimeout,
		logger:          log.WithComponent("ingest.publisher"),
		sessions:        make(map[string]*SessionRecord),
	}
}

// normalizeName applies Unicode NFC normalization to a node/session
// identifier before it is used as a path component, so that visually
// identical node_ids arriving with different Unicode representations
// never create two distinct directories on disk.
func normalizeName(s string) string {
	return norm.NFC.String(s)
}

// StagingPath returns the per-node staging directory for a recording.
func (p *Publisher) StagingPath(sessionID, nodeID string) string {
	return filepath.Join(p.stagingRoot, normalizeName(sessionID), normalizeName(nodeID))
}

// WriteManifest durably writes manifest.json inside a recording's
// staging directory, using an atomic temp-file-then-rename write so a
// crash mid-write never leaves a half-written manifest on disk.
func (p *Publisher) WriteManifest(sessionID, nodeID string, manifest *node.Manifest) error {
	dir := p.StagingPath(sessionID, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ingest: create staging dir: %w", err)
	}
	path := stagingManifestPath(dir)
	buf, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("ingest: create pending manifest: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			p.logger.Debug().Err(err).Msg("cleanup pending manifest")
		}
	}()
	if _, err := pending.Write(buf); err != nil {
		return fmt.Errorf("ingest: write manifest: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("ingest: replace manifest: %w", err)
	}
	return nil
}

// RegisterManifest records the expected_cameras list the first time a
// manifest arrives for a session; subsequent manifests only contribute
// their own node_id to the confirmed set.
func (p *Publisher) RegisterManifest(sessionID string, expectedCameras []string) *SessionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.sessions[sessionID]
	if !ok {
		rec = &SessionRecord{
			SessionID:       sessionID,
			ExpectedCameras: expectedCameras,
			Confirmed:       make(map[string]bool),
			Status:          SessionOpen,
			FirstUploadAt:   time.Now(),
		}
		p.sessions[sessionID] = rec
	}
	return rec
}

// MarkConfirmed records nodeID as CONFIRMED for sessionID and attempts
// publication if every expected camera is now present. Returns the
// session's status after the attempt.
func (p *Publisher) MarkConfirmed(sessionID, nodeID string) (SessionStatus, error) {
	p.mu.Lock()
	rec, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("ingest: unknown session %q", sessionID)
	}
	rec.Confirmed[nodeID] = true
	complete := len(rec.ExpectedCameras) > 0 && allConfirmed(rec)
	p.mu.Unlock()

	if !complete {
		return SessionOpen, nil
	}
	return p.publish(sessionID, SessionPublished)
}

func allConfirmed(rec *SessionRecord) bool {
	for _, cam := range rec.ExpectedCameras {
		if !rec.Confirmed[cam] {
			return false
		}
	}
	return true
}

// ExpirePartial publishes sessionID as PARTIAL if it has exceeded
// completeTimeout without every expected camera confirming. Intended to
// be called periodically by a background sweep.
func (p *Publisher) ExpirePartial(sessionID string, now time.Time) (SessionStatus, error) {
	p.mu.Lock()
	rec, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("ingest: unknown session %q", sessionID)
	}
	if rec.Status != SessionOpen {
		status := rec.Status
		p.mu.Unlock()
		return status, nil
	}
	expired := now.Sub(rec.FirstUploadAt) > p.completeTimeout
	p.mu.Unlock()

	if !expired {
		return SessionOpen, nil
	}
	return p.publish(sessionID, SessionPartial)
}

// publish performs the atomic staging -> final directory rename and
// updates the session's in-memory status. Between these two steps no
// external reader can observe a sessions/{id}/ directory that is
// missing a confirmed camera (spec.md §8 property 7): the directory
// simply does not exist at its final path until rename completes.
func (p *Publisher) publish(sessionID string, status SessionStatus) (SessionStatus, error) {
	p.mu.Lock()
	rec := p.sessions[sessionID]
	if rec == nil {
		p.mu.Unlock()
		return "", fmt.Errorf("ingest: unknown session %q", sessionID)
	}
	if rec.Status == SessionPublished || rec.Status == SessionPartial {
		already := rec.Status
		p.mu.Unlock()
		return already, nil
	}
	p.mu.Unlock()

	src := filepath.Join(p.stagingRoot, normalizeName(sessionID))
	dst := filepath.Join(p.sessionsRoot, normalizeName(sessionID))
	if err := os.MkdirAll(p.sessionsRoot, 0o755); err != nil {
		return "", fmt.Errorf("ingest: prepare sessions root: %w", err)
	}
	if err := os.Rename(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ingest: publish rename: %w", err)
	}

	p.mu.Lock()
	rec.Status = status
	rec.PublishedAt = time.Now()
	cameras := rec.Cameras()
	p.mu.Unlock()

	p.logger.Info().Str("session_id", sessionID).Str("status", string(status)).Msg("session published")

	if p.audit != nil {
		if err := p.audit.Record(context.Background(), sessionID, string(status), cameras); err != nil {
			p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("record audit event")
		}
	}
	return status, nil
}

// Get returns a session's current record, if known.
func (p *Publisher) Get(sessionID string) (*SessionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.sessions[sessionID]
	return rec, ok
}

// OpenSessionIDs returns the session_ids still awaiting publication,
// for periodic PARTIAL-timeout sweeps.
func (p *Publisher) OpenSessionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for id, rec := range p.sessions {
		if rec.Status == SessionOpen {
			out = append(out, id)
		}
	}
	return out
}
