// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/pitchsync/coordinator/internal/audit"
	"github.com/pitchsync/coordinator/internal/cache"
	"github.com/pitchsync/coordinator/internal/node"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, r := newTestServerAndRouter(t)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newTestServerAndRouter(t *testing.T) (*Server, *chi.Mux) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := NewPublisher(filepath.Join(dir, "staging"), filepath.Join(dir, "sessions"), 2*time.Hour)
	srv := NewServer(store, pub, dir)
	t.Cleanup(func() { srv.Close() })

	r := chi.NewRouter()
	srv.Routes(r)
	return srv, r
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any, out any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postChunk(t *testing.T, ts *httptest.Server, uploadID string, index int, data []byte) int {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("upload_id", uploadID))
	require.NoError(t, w.WriteField("chunk_index", strconv.Itoa(index)))
	fw, err := w.CreateFormFile("bytes", "chunk")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload/chunk", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestServer_FullUploadFlowPublishesSession(t *testing.T) {
	_, ts := newTestServer(t)

	data := bytes.Repeat([]byte("a"), 300)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	var initResp struct {
		UploadID       string `json:"upload_id"`
		ReceivedChunks []int  `json:"received_chunks"`
	}
	status := postJSON(t, ts, "/upload/init", initRequest{
		NodeID: "CAM_L", SessionID: "GAME_1", RecordingID: "GAME_1_CAM_L",
		FileSize: int64(len(data)), ChunkSize: 100, Checksum: checksum,
	}, &initResp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, initResp.UploadID)

	for i := 0; i < 3; i++ {
		chunk := data[i*100 : (i+1)*100]
		require.Equal(t, http.StatusOK, postChunk(t, ts, initResp.UploadID, i, chunk))
	}

	var finalizeResp struct {
		ChecksumSHA256 string `json:"checksum_sha256"`
	}
	status = postJSON(t, ts, "/upload/finalize", finalizeRequest{UploadID: initResp.UploadID, TotalChunks: 3}, &finalizeResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, checksum, finalizeResp.ChecksumSHA256)

	manifest := &node.Manifest{ExpectedCameras: []string{"CAM_L"}}
	manifest.Recording.ID = "GAME_1_CAM_L"
	manifest.Recording.SessionID = "GAME_1"
	manifest.Recording.NodeID = "CAM_L"

	var confirmResp struct {
		ChecksumSHA256 string `json:"checksum_sha256"`
	}
	status = postJSON(t, ts, "/upload/confirm", confirmRequest{
		SessionID: "GAME_1", NodeID: "CAM_L", RecordingID: "GAME_1_CAM_L", Manifest: manifest,
	}, &confirmResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, checksum, confirmResp.ChecksumSHA256)

	resp, err := http.Get(ts.URL + "/sessions/GAME_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sessResp SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessResp))
	require.Equal(t, SessionPublished, sessResp.Status)
}

func TestServer_FinalizeRejectsChecksumMismatch(t *testing.T) {
	_, ts := newTestServer(t)

	var initResp struct {
		UploadID string `json:"upload_id"`
	}
	postJSON(t, ts, "/upload/init", initRequest{
		NodeID: "CAM_L", SessionID: "GAME_2", RecordingID: "GAME_2_CAM_L",
		FileSize: 100, ChunkSize: 100, Checksum: "deadbeef",
	}, &initResp)

	require.Equal(t, http.StatusOK, postChunk(t, ts, initResp.UploadID, 0, bytes.Repeat([]byte("b"), 100)))

	status := postJSON(t, ts, "/upload/finalize", finalizeRequest{UploadID: initResp.UploadID, TotalChunks: 1}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestServer_HealthOK(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 0, body.ActiveUploads)
}

func TestServer_InitRejectsPathTraversal(t *testing.T) {
	_, ts := newTestServer(t)
	status := postJSON(t, ts, "/upload/init", initRequest{
		NodeID: "../../etc", SessionID: "GAME_1", RecordingID: "GAME_1_CAM_L",
		FileSize: 100, ChunkSize: 100, Checksum: "deadbeef",
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestServer_SessionHistoryRequiresAudit(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/sessions/GAME_1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SessionHistoryServesAuditEvents(t *testing.T) {
	srv, ts := newTestServer(t)

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Record(context.Background(), "GAME_1", "PUBLISHED", []string{"CAM_L"}))
	srv.SetAudit(store)

	resp, err := http.Get(ts.URL + "/sessions/GAME_1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	require.Equal(t, "PUBLISHED", body.Events[0].Status)
}

func TestServer_GetSessionUsesRedisBackedCache(t *testing.T) {
	srv, ts := newTestServer(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisCache, err := cache.NewRedisCache(cache.RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	srv.SetSessionCache(redisCache)

	data := bytes.Repeat([]byte("d"), 100)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	var initResp struct {
		UploadID string `json:"upload_id"`
	}
	status := postJSON(t, ts, "/upload/init", initRequest{
		NodeID: "CAM_L", SessionID: "GAME_4", RecordingID: "GAME_4_CAM_L",
		FileSize: int64(len(data)), ChunkSize: 100, Checksum: checksum,
	}, &initResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, http.StatusOK, postChunk(t, ts, initResp.UploadID, 0, data))
	status = postJSON(t, ts, "/upload/finalize", finalizeRequest{UploadID: initResp.UploadID, TotalChunks: 1}, nil)
	require.Equal(t, http.StatusOK, status)

	manifest := &node.Manifest{ExpectedCameras: []string{"CAM_L"}}
	manifest.Recording.ID = "GAME_4_CAM_L"
	manifest.Recording.SessionID = "GAME_4"
	manifest.Recording.NodeID = "CAM_L"
	status = postJSON(t, ts, "/upload/confirm", confirmRequest{
		SessionID: "GAME_4", NodeID: "CAM_L", RecordingID: "GAME_4_CAM_L", Manifest: manifest,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	// First request populates the Redis cache; the second is served from
	// it, exercising the JSON-roundtrip path distinct from the in-memory
	// cache's direct *SessionRecord passthrough.
	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/sessions/GAME_4")
		require.NoError(t, err)
		var sessResp SessionRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessResp))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, SessionPublished, sessResp.Status)
	}
}

func TestServer_ChunkUploadRateLimited(t *testing.T) {
	_, ts := newTestServer(t)

	data := bytes.Repeat([]byte("c"), 3000)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	var initResp struct {
		UploadID string `json:"upload_id"`
	}
	status := postJSON(t, ts, "/upload/init", initRequest{
		NodeID: "CAM_L", SessionID: "GAME_3", RecordingID: "GAME_3_CAM_L",
		FileSize: int64(len(data)), ChunkSize: 100, Checksum: checksum,
	}, &initResp)
	require.Equal(t, http.StatusOK, status)

	var sawTooManyRequests bool
	for i := 0; i < 30; i++ {
		chunk := data[i*100 : (i+1)*100]
		code := postChunk(t, ts, initResp.UploadID, i, chunk)
		if code == http.StatusTooManyRequests {
			sawTooManyRequests = true
			break
		}
		require.Equal(t, http.StatusOK, code)
	}
	require.True(t, sawTooManyRequests, "expected per-IP burst limit to eventually reject a chunk upload")
}
