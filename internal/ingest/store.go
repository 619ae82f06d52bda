// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ingest implements the ingest server: chunked upload acceptance,
// per-recording upload progress tracking, checksum verification, and
// atomic session publication.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrUploadNotFound is returned when an operation references an
// upload_id the store has no record of.
var ErrUploadNotFound = errors.New("ingest: unknown upload_id")

// UploadRecord tracks one in-progress or completed upload for a single
// recording_id. The server keeps exactly one open UploadRecord per
// recording_id at a time (spec.md §4.6's idempotent-init rule).
type UploadRecord struct {
	UploadID       string       `json:"upload_id"`
	NodeID         string       `json:"node_id"`
	SessionID      string       `json:"session_id"`
	RecordingID    string       `json:"recording_id"`
	FileSize       int64        `json:"file_size"`
	ChunkSize      int64        `json:"chunk_size"`
	ClientChecksum string       `json:"client_checksum"`
	ReceivedChunks map[int]bool `json:"received_chunks"`
	Finalized      bool         `json:"finalized"`
	ServerChecksum string       `json:"server_checksum,omitempty"`
	Confirmed      bool         `json:"confirmed"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ReceivedIndices returns the chunk indices already persisted for this
// upload, in no particular order.
func (u *UploadRecord) ReceivedIndices() []int {
	out := make([]int, 0, len(u.ReceivedChunks))
	for idx := range u.ReceivedChunks {
		out = append(out, idx)
	}
	return out
}

// Store persists upload progress keyed by recording_id (for idempotent
// init/dedup) and by upload_id (for chunk/finalize/confirm lookups). It
// is backed by an embedded Badger KV store, mirroring the node cluster's
// own resumable-session store pattern: JSON-encoded records keyed by a
// short string prefix. Entries carry no TTL; they stay until deleted.
type Store struct {
	db *badger.DB

	mu            sync.Mutex
	recordingLock map[string]*sync.Mutex // per-recording_id serialization for chunk writes
}

// OpenStore opens (or creates) a Badger database at dir for upload
// progress tracking.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ingest: open store: %w", err)
	}
	return &Store{db: db, recordingLock: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the underlying database answers a trivial read, for use
// by health checks.
func (s *Store) Ping(context.Context) error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

// CountActiveUploads returns the number of uploads that have been
// initiated but not yet finalized, for the ingest health endpoint.
func (s *Store) CountActiveUploads() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("upload:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			var rec UploadRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if !rec.Finalized {
				count++
			}
		}
		return nil
	})
	return count, err
}

func recordingKey(recordingID string) []byte { return []byte("recording:" + recordingID) }
func uploadKey(uploadID string) []byte        { return []byte("upload:" + uploadID) }

// lockFor returns a per-recording_id mutex, creating it on first use.
// This gives concurrent chunk writes for distinct recordings true
// independence while serializing writes for the same recording
// (spec.md §4.6, §5's per-recording_id lock).
func (s *Store) lockFor(recordingID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.recordingLock[recordingID]
	if !ok {
		l = &sync.Mutex{}
		s.recordingLock[recordingID] = l
	}
	return l
}

// InitUpload returns the existing open UploadRecord for recordingID if
// one is present (idempotent resume, spec.md §8 property 8), otherwise
// creates a fresh one.
func (s *Store) InitUpload(nodeID, sessionID, recordingID string, fileSize, chunkSize int64, checksum string) (*UploadRecord, error) {
	lock := s.lockFor(recordingID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.getByRecording(recordingID)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}
	if existing != nil && !existing.Finalized {
		return existing, nil
	}

	rec := &UploadRecord{
		UploadID:       uuid.NewString(),
		NodeID:         nodeID,
		SessionID:      sessionID,
		RecordingID:    recordingID,
		FileSize:       fileSize,
		ChunkSize:      chunkSize,
		ClientChecksum: checksum,
		ReceivedChunks: make(map[int]bool),
		CreatedAt:      time.Now(),
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) getByRecording(recordingID string) (*UploadRecord, error) {
	var out *UploadRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordingKey(recordingID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var uploadID string
			if err := json.Unmarshal(val, &uploadID); err != nil {
				return err
			}
			rec, err := s.getByUploadTxn(txn, uploadID)
			if err != nil {
				return err
			}
			out = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getByUploadTxn(txn *badger.Txn, uploadID string) (*UploadRecord, error) {
	item, err := txn.Get(uploadKey(uploadID))
	if err != nil {
		return nil, err
	}
	var rec UploadRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByUploadID fetches a record by upload_id.
func (s *Store) GetByUploadID(uploadID string) (*UploadRecord, error) {
	var out *UploadRecord
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := s.getByUploadTxn(txn, uploadID)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) put(rec *UploadRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	idBuf, err := json.Marshal(rec.UploadID)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(uploadKey(rec.UploadID), buf); err != nil {
			return err
		}
		return txn.Set(recordingKey(rec.RecordingID), idBuf)
	})
}

// PutChunk records that chunk index has been persisted for uploadID.
// Chunks already recorded are accepted as no-ops (spec.md §4.6).
func (s *Store) PutChunk(uploadID string, index int) (*UploadRecord, error) {
	var out *UploadRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := s.getByUploadTxn(txn, uploadID)
		if err != nil {
			return err
		}
		if rec.ReceivedChunks == nil {
			rec.ReceivedChunks = make(map[int]bool)
		}
		rec.ReceivedChunks[index] = true
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(uploadKey(uploadID), buf); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUploadNotFound
	}
	return out, err
}

// Finalize marks the upload finalized with the server-computed checksum.
func (s *Store) Finalize(uploadID, serverChecksum string) (*UploadRecord, error) {
	var out *UploadRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := s.getByUploadTxn(txn, uploadID)
		if err != nil {
			return err
		}
		rec.Finalized = true
		rec.ServerChecksum = serverChecksum
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(uploadKey(uploadID), buf); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUploadNotFound
	}
	return out, err
}

// Confirm marks the recording CONFIRMED, idempotently: calling it twice
// is safe and returns the same checksum both times.
func (s *Store) Confirm(sessionID, nodeID, recordingID string) (*UploadRecord, error) {
	lock := s.lockFor(recordingID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.getByRecording(recordingID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUploadNotFound
	}
	if rec.Confirmed {
		return rec, nil
	}
	rec.Confirmed = true
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// InvalidateRecording discards the open upload for recordingID, used
// after a checksum mismatch forces the client to restart from a fresh
// init (spec.md scenario E).
func (s *Store) InvalidateRecording(recordingID string) error {
	lock := s.lockFor(recordingID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordingKey(recordingID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var uploadID string
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &uploadID) }); err != nil {
			return err
		}
		if err := txn.Delete(uploadKey(uploadID)); err != nil {
			return err
		}
		return txn.Delete(recordingKey(recordingID))
	})
}

// stagingManifestPath is a small helper shared with the publisher: the
// manifest sidecar's well-known name within a staging recording dir.
func stagingManifestPath(root string) string {
	return filepath.Join(root, "manifest.json")
}
