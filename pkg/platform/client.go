// Package platform implements the HTTP client for the out-of-scope
// platform API (spec §6.1): job claim, telemetry upload, lifecycle events
// and the agent webhooks. This package only ever plays the client role —
// the platform itself, its database, and its auth are external
// collaborators this repository never implements.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/vm0core/runtime/pkg/errs"
	"github.com/vm0core/runtime/pkg/execctx"
)

// Config points the client at the platform API.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a thin wrapper over net/http, matching every example repo in
// the retrieved pack that talks to an HTTP API directly rather than
// through a generated SDK.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New builds a Client, defaulting to a 30s-timeout http.Client if none is given.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: cfg.BaseURL, hc: hc}
}

// ClaimRequest is the body of POST /runners/claim.
type ClaimRequest struct {
	RunnerGroup string `json:"runnerGroup"`
}

// Claim long-polls for the next job assigned to runnerGroup. A 204
// response (no job available) returns (nil, nil); the Poller's caller
// loops on that, not an error.
func (c *Client) Claim(ctx context.Context, bearer, runnerGroup string) (*execctx.ExecutionContext, error) {
	var out execctx.ExecutionContext
	status, err := c.doJSON(ctx, bearer, http.MethodPost, "/runners/claim", ClaimRequest{RunnerGroup: runnerGroup}, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// SandboxOpMetric is one entry of the batched POST /telemetry/ops upload,
// the wire shape spec.md names but never types.
type SandboxOpMetric struct {
	ActionType string `json:"actionType"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
}

// UploadOpsMetrics gzip-compresses and POSTs a batch of sandbox-op metrics.
func (c *Client) UploadOpsMetrics(ctx context.Context, bearer string, metrics []SandboxOpMetric) error {
	return c.postGzipJSON(ctx, bearer, "/telemetry/ops", metrics)
}

// NetworkLogRecord mirrors pkg/proxy.NetworkLogRecord's wire shape; kept
// as its own type here so this package doesn't import pkg/proxy.
type NetworkLogRecord struct {
	RunID     string    `json:"runId"`
	Mode      string    `json:"mode"`
	Action    string    `json:"action"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Method    string    `json:"method,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    int       `json:"status,omitempty"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
	BytesIn   int64     `json:"bytesIn"`
	BytesOut  int64     `json:"bytesOut"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadNetworkLogs gzip-compresses and POSTs a batch of network log records.
func (c *Client) UploadNetworkLogs(ctx context.Context, bearer string, records []NetworkLogRecord) error {
	return c.postGzipJSON(ctx, bearer, "/telemetry/network", records)
}

// Event is the body of POST /events.
type Event struct {
	RunID   string `json:"runId"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// EmitEvent reports a run lifecycle event.
func (c *Client) EmitEvent(ctx context.Context, bearer string, ev Event) error {
	_, err := c.doJSON(ctx, bearer, http.MethodPost, "/events", ev, nil)
	return err
}

// CheckpointRequest is the body of POST /webhooks/agent/checkpoints.
type CheckpointRequest struct {
	RunID                  string `json:"runId"`
	CLIAgentType           string `json:"cliAgentType"`
	CLIAgentSessionID      string `json:"cliAgentSessionId"`
	CLIAgentSessionHistory []byte `json:"cliAgentSessionHistory"`
	ArtifactSnapshot       string `json:"artifactSnapshot,omitempty"`
	VolumeVersionsSnapshot map[string]string `json:"volumeVersionsSnapshot,omitempty"`
}

// ReportCheckpoint uploads a mid-run checkpoint.
func (c *Client) ReportCheckpoint(ctx context.Context, bearer string, req CheckpointRequest) error {
	_, err := c.doJSON(ctx, bearer, http.MethodPost, "/webhooks/agent/checkpoints", req, nil)
	return err
}

// CompleteRequest is the body of POST /webhooks/agent/complete.
type CompleteRequest struct {
	RunID    string `json:"runId"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// CompleteResponse is the body spec.md's S7 names: idempotent across
// repeated completion reports for the same runId.
type CompleteResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// ReportCompletion reports the job's terminal result. Safe to call more
// than once for the same runId (spec.md S7): the platform, not this
// client, is responsible for the idempotence.
func (c *Client) ReportCompletion(ctx context.Context, bearer string, req CompleteRequest) (*CompleteResponse, error) {
	var out CompleteResponse
	if _, err := c.doJSON(ctx, bearer, http.MethodPost, "/webhooks/agent/complete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, bearer, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", errs.ErrStorageFetch, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) postGzipJSON(ctx context.Context, bearer, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return fmt.Errorf("gzip batch: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %v", errs.ErrStorageFetch, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, string(data))
	}
	return nil
}
