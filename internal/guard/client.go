package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/teamd-project/teamd/internal/store"
)

// Reasons the guard produces itself, before the daemon is ever reached.
const (
	ReasonMissingDiscovery = "missing_teamd_discovery"
	ReasonCheckFailed      = "can_write_check_failed"
)

// Client talks to one discovered daemon.
type Client struct {
	d    *Discovery
	http *http.Client
}

// NewClient wraps a discovery in a client with a short request timeout; a
// hung daemon must not hang the host agent's tool loop.
func NewClient(d *Discovery) *Client {
	return &Client{d: d, http: &http.Client{Timeout: 10 * time.Second}}
}

// Discovery returns the identity this client operates as.
func (c *Client) Discovery() *Discovery { return c.d }

// apiError mirrors the daemon's {error:{code,message}} body.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body, out interface{}) error {
	u := c.d.URL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.d.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("teamd request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error.Code != "" {
			return &store.Error{Status: resp.StatusCode, Code: ae.Error.Code, Message: ae.Error.Message}
		}
		return fmt.Errorf("teamd returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) teamQuery() url.Values {
	q := url.Values{}
	if c.d.TeamID != "" {
		q.Set("teamId", c.d.TeamID)
	}
	return q
}

// CanWrite asks the daemon whether this agent may mutate path. Any failure
// is a deny, never a spurious allow.
func (c *Client) CanWrite(ctx context.Context, path string) store.Decision {
	if c == nil || c.d == nil {
		return store.Decision{Allow: false, Reason: ReasonMissingDiscovery}
	}
	q := c.teamQuery()
	q.Set("agentId", c.d.AgentID)
	q.Set("path", path)
	var decision store.Decision
	if err := c.do(ctx, http.MethodGet, "/v1/can-write", q, nil, nil, &decision); err != nil {
		return store.Decision{Allow: false, Reason: ReasonCheckFailed}
	}
	return decision
}

// TaskResponse is the task-bearing response envelope.
type TaskResponse struct {
	Task    *store.Task  `json:"task"`
	Lease   *store.Lease `json:"lease,omitempty"`
	Created bool         `json:"created,omitempty"`
}

// CreateTaskRequest carries a task creation.
type CreateTaskRequest struct {
	Title          string
	Description    string
	Deps           []string
	Resources      []string
	IdempotencyKey string
}

// CreateTask creates a task through the daemon. The idempotency key, when
// set, travels in the Idempotency-Key header per the HTTP contract.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskResponse, error) {
	body := map[string]interface{}{
		"teamId":      c.d.TeamID,
		"title":       req.Title,
		"description": req.Description,
		"deps":        req.Deps,
		"resources":   req.Resources,
	}
	var header http.Header
	if req.IdempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var out TaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, header, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimTask claims a pending task for this agent.
func (c *Client) ClaimTask(ctx context.Context, taskID string, ttl time.Duration) (*TaskResponse, error) {
	var out TaskResponse
	body := map[string]interface{}{"teamId": c.d.TeamID, "agentId": c.d.AgentID, "ttlMs": ttl.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/claim", nil, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewTask extends this agent's lease on a task.
func (c *Client) RenewTask(ctx context.Context, taskID string, epoch int64, ttl time.Duration) (*TaskResponse, error) {
	var out TaskResponse
	body := map[string]interface{}{"teamId": c.d.TeamID, "agentId": c.d.AgentID, "epoch": epoch, "ttlMs": ttl.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/renew", nil, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteTask finalizes a task as completed.
func (c *Client) CompleteTask(ctx context.Context, taskID string, epoch int64) (*TaskResponse, error) {
	return c.finalize(ctx, taskID, "complete", epoch)
}

// FailTask finalizes a task as failed.
func (c *Client) FailTask(ctx context.Context, taskID string, epoch int64) (*TaskResponse, error) {
	return c.finalize(ctx, taskID, "fail", epoch)
}

func (c *Client) finalize(ctx context.Context, taskID, verb string, epoch int64) (*TaskResponse, error) {
	var out TaskResponse
	body := map[string]interface{}{"teamId": c.d.TeamID, "agentId": c.d.AgentID, "epoch": epoch}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/"+verb, nil, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ThreadResponse is the thread-bearing response envelope.
type ThreadResponse struct {
	Thread *store.Thread `json:"thread"`
}

// StartThread opens a discussion thread originated by this agent.
func (c *Client) StartThread(ctx context.Context, title string, participants []string, taskID string) (*ThreadResponse, error) {
	var out ThreadResponse
	body := map[string]interface{}{
		"teamId":       c.d.TeamID,
		"title":        title,
		"participants": participants,
		"taskId":       taskID,
		"agentId":      c.d.AgentID,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/threads", nil, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage appends a message to a thread as this agent.
func (c *Client) PostMessage(ctx context.Context, threadID, body string) (*store.Message, error) {
	var out struct {
		Message *store.Message `json:"message"`
	}
	payload := map[string]interface{}{"teamId": c.d.TeamID, "agentId": c.d.AgentID, "body": body}
	if err := c.do(ctx, http.MethodPost, "/v1/threads/"+threadID+"/messages", nil, nil, payload, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

// LinkThread attaches a thread to a task.
func (c *Client) LinkThread(ctx context.Context, threadID, taskID string) (*ThreadResponse, error) {
	var out ThreadResponse
	body := map[string]interface{}{"teamId": c.d.TeamID, "taskId": taskID}
	if err := c.do(ctx, http.MethodPost, "/v1/threads/"+threadID+"/link", nil, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns the team's tasks, sorted by id.
func (c *Client) ListTasks(ctx context.Context) ([]*store.Task, error) {
	var out struct {
		Tasks []*store.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", c.teamQuery(), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// InboxPage is one inbox fetch result.
type InboxPage struct {
	Events    []store.InboxEvent `json:"events"`
	NextSince int64              `json:"nextSince"`
}

// FetchInbox returns this agent's events after the given cursor.
func (c *Client) FetchInbox(ctx context.Context, since int64) (*InboxPage, error) {
	q := c.teamQuery()
	q.Set("agentId", c.d.AgentID)
	q.Set("since", fmt.Sprintf("%d", since))
	var out InboxPage
	if err := c.do(ctx, http.MethodGet, "/v1/inbox", q, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes /healthz without the credential.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.d.URL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return out, nil
}
