// Package devcrew provides a small Go client for the DevCrew HTTP API.
package devcrew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Agent mirrors the registry's agent representation.
type Agent struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at"`
}

// ExecutionResult holds the output of a completed subtask.
type ExecutionResult struct {
	Output string `json:"output"`
	Notes  string `json:"notes,omitempty"`
}

// ExecutionError describes why a subtask failed.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Subtask mirrors the server-side subtask record.
type Subtask struct {
	ID          string           `json:"id"`
	TaskText    string           `json:"task_text"`
	Role        string           `json:"role"`
	Filename    string           `json:"filename,omitempty"`
	IsRework    bool             `json:"is_rework"`
	Status      string           `json:"status"`
	AgentID     string           `json:"agent_id,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       *ExecutionError  `json:"error,omitempty"`
	SubmittedAt int64            `json:"submitted_at"`
	StartedAt   int64            `json:"started_at,omitempty"`
	CompletedAt int64            `json:"completed_at,omitempty"`
}

// SubmitRequest is the payload for submitting a subtask.
type SubmitRequest struct {
	SubtaskID string `json:"subtask_id,omitempty"`
	TaskText  string `json:"task_text"`
	Role      string `json:"role,omitempty"`
	Filename  string `json:"filename,omitempty"`
	IsRework  bool   `json:"is_rework,omitempty"`
}

// ExecuteRequest is the payload for the synchronous execute endpoint.
type ExecuteRequest struct {
	Task    string            `json:"task"`
	Context map[string]string `json:"context,omitempty"`
}

// ExecuteResponse is the result of a synchronous execute call.
type ExecuteResponse struct {
	SubtaskID string           `json:"subtask_id"`
	Role      string           `json:"role"`
	Status    string           `json:"status"`
	Result    *ExecutionResult `json:"result,omitempty"`
	Error     *ExecutionError  `json:"error,omitempty"`
}

// APIError is returned when the server responds with an error payload.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("devcrew: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

// IsTerminal reports whether the subtask has reached a final state.
func (s *Subtask) IsTerminal() bool {
	return s != nil && (s.Status == "completed" || s.Status == "failed")
}

// Client talks to a DevCrew server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates a client for the given base URL, e.g. "http://localhost:8080".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("devcrew: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// CreateAgent registers a new agent with the given role.
func (c *Client) CreateAgent(ctx context.Context, role string) (*Agent, error) {
	var out Agent
	payload := map[string]string{"role": role}
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]*Agent, error) {
	var out struct {
		Agents []*Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// SubmitSubtask enqueues a subtask and returns its queued record.
func (c *Client) SubmitSubtask(ctx context.Context, req SubmitRequest) (*Subtask, error) {
	var out Subtask
	if err := c.do(ctx, http.MethodPost, "/api/v1/subtasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubtask fetches the current state of a subtask.
func (c *Client) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	var out Subtask
	path := "/api/v1/subtasks/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute performs a synchronous submit-and-wait call.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var out ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForSubtask polls until the subtask reaches a terminal state or ctx is done.
func (c *Client) WaitForSubtask(ctx context.Context, id string, interval time.Duration) (*Subtask, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sub, err := c.GetSubtask(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.IsTerminal() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return sub, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("devcrew: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("devcrew: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("devcrew: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("devcrew: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("devcrew: decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, data []byte) error {
	var wrapped struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Error.Code == "" {
		return &APIError{
			StatusCode: status,
			Code:       "UNKNOWN",
			Message:    strings.TrimSpace(string(data)),
		}
	}
	return &APIError{
		StatusCode: status,
		Code:       wrapped.Error.Code,
		Message:    wrapped.Error.Message,
		Details:    wrapped.Error.Details,
	}
}
