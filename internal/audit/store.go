// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package audit persists session publication history to SQLite: an
// append-only trail of every OPEN/PUBLISHED/PARTIAL transition a session
// passed through on an ingest node, independent of the Badger upload
// progress store (which tracks in-flight chunks, not finished history).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitchsync/coordinator/internal/persistence/sqlite"
)

const schemaVersion = 1

// Event is one recorded session status transition.
type Event struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Cameras    []string  `json:"cameras"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is a SQLite-backed append-only log of session status transitions.
type Store struct {
	db *sql.DB
}

// Open initializes (or migrates) the audit database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		cameras_json TEXT NOT NULL,
		recorded_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// Record appends a session status transition.
func (s *Store) Record(ctx context.Context, sessionID, status string, cameras []string) error {
	camerasJSON, err := json.Marshal(cameras)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, status, cameras_json, recorded_at_ms) VALUES (?, ?, ?, ?)`,
		sessionID, status, string(camerasJSON), time.Now().UnixMilli(),
	)
	return err
}

// History returns every recorded transition for sessionID, oldest first.
func (s *Store) History(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, status, cameras_json, recorded_at_ms FROM session_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var camerasJSON string
		var recordedAtMs int64
		if err := rows.Scan(&ev.SessionID, &ev.Status, &camerasJSON, &recordedAtMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(camerasJSON), &ev.Cameras); err != nil {
			return nil, err
		}
		ev.RecordedAt = time.UnixMilli(recordedAtMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ping verifies the database answers a trivial query, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
