// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command coordctl is a thin HTTP client standing in for a dashboard:
// it issues the coordinator fan-out operations against a single node's
// /coordinator API and maps the result to a process exit code.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pitchsync/coordinator/internal/coreerr"
)

// Exit codes per the node control protocol's CLI contract.
const (
	exitSuccess            = 0
	exitGenericError       = 1
	exitPreconditionFailed = 2
	exitPeerUnreachable    = 3
	exitChecksumMismatch   = 4
)

func main() {
	addr := flag.String("addr", "localhost:8080", "node endpoint (host:port)")
	sessionID := flag.String("session", "", "session_id (omit to auto-generate on start)")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: coordctl [-addr host:port] [-session id] <preflight|start|stop|sync|test>")
		os.Exit(exitGenericError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{Timeout: *timeout}
	code, err := run(ctx, client, *addr, flag.Arg(0), *sessionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordctl:", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, client *http.Client, addr, cmd, sessionID string) (int, error) {
	base := fmt.Sprintf("http://%s/coordinator", addr)

	switch cmd {
	case "preflight":
		return doRequest(ctx, client, http.MethodPost, base+"/preflight", nil)
	case "start":
		body, _ := json.Marshal(map[string]string{"session_id": sessionID})
		return doRequest(ctx, client, http.MethodPost, base+"/start", body)
	case "stop":
		body, _ := json.Marshal(map[string]string{"session_id": sessionID})
		return doRequest(ctx, client, http.MethodPost, base+"/stop", body)
	case "sync":
		return doRequest(ctx, client, http.MethodPost, base+"/sync", nil)
	case "test":
		return doRequest(ctx, client, http.MethodPost, base+"/test", nil)
	default:
		return exitGenericError, fmt.Errorf("unknown command %q", cmd)
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return exitGenericError, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return exitPeerUnreachable, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exitGenericError, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		fmt.Println(string(raw))
		return exitSuccess, nil
	}

	var apiErr coreerr.APIError
	_ = json.Unmarshal(raw, &apiErr)

	switch resp.StatusCode {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return exitPreconditionFailed, fmt.Errorf("%s", describeFailure(apiErr, raw))
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return exitPeerUnreachable, fmt.Errorf("%s", describeFailure(apiErr, raw))
	case http.StatusUnprocessableEntity:
		return exitChecksumMismatch, fmt.Errorf("%s", describeFailure(apiErr, raw))
	default:
		return exitGenericError, fmt.Errorf("%s", describeFailure(apiErr, raw))
	}
}

func describeFailure(apiErr coreerr.APIError, raw []byte) string {
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return string(raw)
}
