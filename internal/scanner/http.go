package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a scan gateway that fronts the actual reputation
// vendor. The gateway accepts POST /v1/scan with a Target body and answers
//
//	{"state": "completed" | "queued", "stats": {...}}
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client for the gateway at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayResponse struct {
	State string `json:"state"`
	Stats *Stats `json:"stats"`
}

// Scan implements Scanner. Transport errors and 5xx answers wrap
// ErrUnavailable; a malformed body is an error the caller must not treat as
// clean.
func (c *HTTPClient) Scan(ctx context.Context, t Target) (Result, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return Result{}, fmt.Errorf("scanner: marshal target: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scan", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("scanner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: gateway status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("scanner: gateway status %d", resp.StatusCode)
	}

	var gr gatewayResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return Result{}, fmt.Errorf("scanner: decode response: %w", err)
	}
	switch gr.State {
	case "queued":
		return Result{Status: StatusScanning, Summary: "submitted for analysis"}, nil
	case "completed":
		if gr.Stats == nil {
			return Result{}, fmt.Errorf("scanner: completed response without stats")
		}
		return Classify(*gr.Stats), nil
	default:
		return Result{}, fmt.Errorf("scanner: unknown state %q", gr.State)
	}
}

// New returns the gateway client at baseURL wrapped in retries, or the
// offline heuristics when baseURL is empty.
func New(baseURL string, timeout time.Duration, retries uint64) Scanner {
	if baseURL == "" {
		return NewOffline()
	}
	return WithRetry(NewHTTPClient(baseURL, timeout), retries, 200*time.Millisecond)
}
