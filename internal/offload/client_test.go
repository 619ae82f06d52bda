// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package offload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pitchsync/coordinator/internal/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeIngestServer is a minimal in-memory stand-in for the ingest
// server's upload endpoints, enough to drive the offload client through
// resume (scenario D) and checksum-mismatch (scenario E) paths.
type fakeIngestServer struct {
	mu             sync.Mutex
	chunks         map[int][]byte
	uploadID       string
	corruptOnce    bool
	finalizeCalls  int
	srv            *httptest.Server
}

func newFakeIngestServer(preReceived map[int][]byte) *fakeIngestServer {
	f := &fakeIngestServer{chunks: preReceived, uploadID: "up-1"}
	if f.chunks == nil {
		f.chunks = map[int][]byte{}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		received := make([]int, 0, len(f.chunks))
		for idx := range f.chunks {
			received = append(received, idx)
		}
		json.NewEncoder(w).Encode(map[string]any{"upload_id": f.uploadID, "received_chunks": received})
	})
	mux.HandleFunc("/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(200 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		idx, _ := strconv.Atoi(r.FormValue("chunk_index"))
		file, _, err := r.FormFile("bytes")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.chunks[idx] = data
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/upload/finalize", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.finalizeCalls++
		corrupt := f.corruptOnce
		f.corruptOnce = false
		total := 0
		for idx := range f.chunks {
			if idx+1 > total {
				total = idx + 1
			}
		}
		h := sha256.New()
		for i := 0; i < total; i++ {
			h.Write(f.chunks[i])
		}
		f.mu.Unlock()
		sum := hex.EncodeToString(h.Sum(nil))
		if corrupt {
			sum = "deadbeef"
		}
		var size int64
		for _, c := range f.chunks {
			size += int64(len(c))
		}
		json.NewEncoder(w).Encode(map[string]any{"checksum_sha256": sum, "size_bytes": size})
	})
	mux.HandleFunc("/upload/confirm", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		h := sha256.New()
		total := 0
		for idx := range f.chunks {
			if idx+1 > total {
				total = idx + 1
			}
		}
		for i := 0; i < total; i++ {
			h.Write(f.chunks[i])
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"checksum_sha256": hex.EncodeToString(h.Sum(nil))})
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeIngestServer) endpoint() string { return f.srv.Listener.Addr().String() }
func (f *fakeIngestServer) close()           { f.srv.Close() }

func writeTempRecording(t *testing.T, size int) *node.Recording {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.dat")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	sum := sha256.Sum256(data)
	return &node.Recording{
		RecordingID: "TEST_CAM_L",
		SessionID:   "TEST",
		NodeID:      "CAM_L",
		FilePath:    path,
		SizeBytes:   int64(size),
		Checksum:    hex.EncodeToString(sum[:]),
	}
}

func TestClient_UploadResumesAfterPartialChunks(t *testing.T) {
	rec := writeTempRecording(t, 250) // small file, chunk_size below forces multiple chunks
	// Pre-seed chunk 0 as if a previous attempt already landed it.
	full, err := os.ReadFile(rec.FilePath)
	require.NoError(t, err)

	srv := newFakeIngestServer(map[int][]byte{0: full[:100]})
	t.Cleanup(srv.close)

	cfg := DefaultConfig(srv.endpoint())
	cfg.ChunkSize = 100
	client := NewClient(cfg)

	err = client.Upload(t.Context(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.finalizeCalls)
}

func TestClient_ChecksumMismatchRetriesFromScratch(t *testing.T) {
	rec := writeTempRecording(t, 100)
	srv := newFakeIngestServer(nil)
	srv.corruptOnce = true
	t.Cleanup(srv.close)

	cfg := DefaultConfig(srv.endpoint())
	cfg.ChunkSize = 100
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	err := client.Upload(ctx, rec)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, srv.finalizeCalls, 2, "first finalize should be rejected for bad checksum, second should succeed")
}

func TestClient_MissingLocalFileIsNotRetried(t *testing.T) {
	rec := &node.Recording{RecordingID: "X", NodeID: "CAM_L", SessionID: "T", FilePath: "/nonexistent/path", SizeBytes: 10, Checksum: "abc"}
	srv := newFakeIngestServer(nil)
	t.Cleanup(srv.close)

	client := NewClient(DefaultConfig(srv.endpoint()))
	start := time.Now()
	err := client.Upload(t.Context(), rec)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "non-retryable failure should not wait through the backoff ladder")
}
