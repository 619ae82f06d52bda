// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package timesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pitchsync/coordinator/internal/platform/httpx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMasterClock implements MasterClock by round-tripping through a
// master node's POST /sync/query endpoint.
type HTTPMasterClock struct {
	endpoint string
	client   *http.Client
}

// NewHTTPMasterClock constructs a MasterClock querying the master at
// endpoint (host:port, no scheme).
func NewHTTPMasterClock(endpoint string, timeout time.Duration) *HTTPMasterClock {
	base := httpx.NewClient(timeout)
	base.Transport = otelhttp.NewTransport(base.Transport)
	return &HTTPMasterClock{endpoint: endpoint, client: base}
}

type syncQueryRequest struct {
	SlaveSendTime time.Time `json:"slave_send_time"`
}

type syncQueryResponse struct {
	MasterRecvTime time.Time `json:"master_recv_time"`
	MasterSendTime time.Time `json:"master_send_time"`
}

// Query performs the round-trip described by spec.md §4.4.
func (c *HTTPMasterClock) Query(ctx context.Context, slaveSendTime time.Time) (masterRecv, masterSend time.Time, err error) {
	body, err := json.Marshal(syncQueryRequest{SlaveSendTime: slaveSendTime})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	url := fmt.Sprintf("http://%s/sync/query", c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, time.Time{}, fmt.Errorf("timesync: master returned %d", resp.StatusCode)
	}

	var out syncQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return out.MasterRecvTime, out.MasterSendTime, nil
}
