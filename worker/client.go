package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geoforge/chunk-processing-service/common/protocol"
	"github.com/geoforge/chunk-processing-service/partition"
)

// Client is the worker-side coordinator client: plain JSON over HTTP against
// the coordinator's /v1 routes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the coordinator at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// envelope mirrors the coordinator's JSON response wrappers.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Msg   string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, env.Msg)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Register announces the worker and returns its coordinator-issued identity.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/workers/register", req, &resp)
	return resp, err
}

// RequestWork asks for the next unit; nil means nothing is pending.
func (c *Client) RequestWork(ctx context.Context, workerID string) (*partition.WorkUnit, error) {
	var resp protocol.WorkResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/work/request", protocol.WorkRequest{WorkerID: workerID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.WorkUnit, nil
}

// StartWork reports that processing of the assigned unit has begun.
func (c *Client) StartWork(ctx context.Context, workerID, unitID string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/work/start", protocol.StartRequest{WorkerID: workerID, UnitID: unitID}, nil)
	return err
}

// SubmitResult reports a unit outcome. A stale submit comes back with
// Accepted=false rather than an error: rejection means the unit was
// reclaimed and reassigned, and the worker just moves on.
func (c *Client) SubmitResult(ctx context.Context, workerID string, result protocol.WorkResult) (protocol.SubmitResponse, error) {
	var resp protocol.SubmitResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/work/submit", protocol.SubmitRequest{WorkerID: workerID, Result: result}, &resp)
	if status == http.StatusConflict {
		return protocol.SubmitResponse{Accepted: false, Reason: "assignment conflict"}, nil
	}
	return resp, err
}

// Status fetches the coordinator's job snapshot.
func (c *Client) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp)
	return resp, err
}
