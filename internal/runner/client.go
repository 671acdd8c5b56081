package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forge/internal/models"
)

// Client is the runner side of the forge HTTP API. Runners are untrusted
// remotes: everything they see goes through these endpoints, authenticated
// by the registration bearer token (and per-claim task tokens for task
// scoped calls).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterResponse is returned once; the raw token is never shown again
type RegisterResponse struct {
	Runner models.Runner `json:"runner"`
	Token  string        `json:"token"`
}

// ClaimedTask is a claimable unit of work with its parent job's name, so
// the runner knows which part of the embedded definition to execute. The
// per-claim token is delivered here and nowhere else.
type ClaimedTask struct {
	models.WorkflowTask
	Token   string `json:"token"`
	JobName string `json:"job_name"`
}

// Register obtains a runner credential. It does not require a token.
func (c *Client) Register(ctx context.Context, name, version string, labels []string) (*RegisterResponse, error) {
	var resp RegisterResponse
	err := c.post(ctx, "/api/runners/register", map[string]any{
		"name":    name,
		"version": version,
		"labels":  labels,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat refreshes liveness
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "/api/runners/heartbeat", nil, nil)
}

// Claim asks for the next available task. Returns nil when the queue is
// empty.
func (c *Client) Claim(ctx context.Context) (*ClaimedTask, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/runners/claim", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var task ClaimedTask
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return nil, fmt.Errorf("could not decode claimed task: %w", err)
		}
		return &task, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, httpError(resp)
	}
}

// ReportStatus reports a task transition using the per-claim task token
func (c *Client) ReportStatus(ctx context.Context, taskToken string, status models.RunStatus) error {
	return c.post(ctx, "/api/tasks/status", map[string]any{
		"token":  taskToken,
		"status": status,
	}, nil)
}

// AppendLogs uploads a batch of output lines for one step
func (c *Client) AppendLogs(ctx context.Context, taskToken string, stepIndex int, lines []string) error {
	return c.post(ctx, "/api/tasks/logs", map[string]any{
		"token":      taskToken,
		"step_index": stepIndex,
		"lines":      lines,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("could not decode response from %s: %w", path, err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
}

func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
