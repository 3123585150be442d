package veriflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Veriflow HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

type Session struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

type Actor struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
	IsActive    bool   `json:"is_active"`
}

type LoginResult struct {
	Token   string  `json:"token"`
	Session Session `json:"session"`
	Actor   Actor   `json:"actor"`
}

type Me struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id,omitempty"`
	ActorKind string `json:"actor_kind"`
}

type Instance struct {
	ID            string `json:"id"`
	DefinitionID  string `json:"definition_id"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	CurrentStepID string `json:"current_step_id"`
	StartedAt     string `json:"started_at"`
	UpdatedAt     string `json:"updated_at"`
	TenantID      string `json:"tenant_id"`
}

type Decision struct {
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
	ActorID       string `json:"actor_id"`
	DecidedAt     string `json:"decided_at"`
}

type Task struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	StepID       string    `json:"step_id"`
	StepType     string    `json:"step_type"`
	Status       string    `json:"status"`
	AssignedRole *string   `json:"assigned_role,omitempty"`
	CreatedAt    string    `json:"created_at"`
	CompletedAt  *string   `json:"completed_at,omitempty"`
	Decision     *Decision `json:"decision,omitempty"`
}

type JournalEntry struct {
	ID            string `json:"id"`
	InstanceID    string `json:"instance_id"`
	TaskID        string `json:"task_id"`
	StepID        string `json:"step_id"`
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges a contact for a session token and stores it on the client.
func (c *Client) Login(ctx context.Context, contact, displayName string) (LoginResult, error) {
	body := map[string]any{
		"tenant_id":    c.TenantID,
		"contact":      contact,
		"display_name": displayName,
	}
	var resp LoginResult
	if err := c.do(ctx, http.MethodPost, "v0/auth/login", body, &resp); err != nil {
		return resp, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Logout revokes the current session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/auth/logout", nil, nil)
}

// Me returns the resolved actor context for the current credentials.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// StartInstance starts a workflow instance from a definition.
func (c *Client) StartInstance(ctx context.Context, definitionID string, snapshot map[string]any) (Instance, error) {
	body := map[string]any{
		"definition_id": definitionID,
		"snapshot":      snapshot,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/instances", body, &resp)
	return resp, err
}

// Instances lists instances, most recently updated first.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var resp []Instance
	err := c.do(ctx, http.MethodGet, "v0/instances", nil, &resp)
	return resp, err
}

// InstanceTasks lists the tasks of an instance, oldest first.
func (c *Client) InstanceTasks(ctx context.Context, instanceID string) ([]Task, error) {
	var resp []Task
	endpoint := fmt.Sprintf("v0/instances/%s/tasks", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PendingTasks lists pending tasks visible to the caller.
func (c *Client) PendingTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/pending", nil, &resp)
	return resp, err
}

// DecideTask approves or rejects a pending task.
func (c *Client) DecideTask(ctx context.Context, taskID, decision, justification string) (Task, error) {
	body := map[string]any{
		"decision":      decision,
		"justification": justification,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/decision", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Journal lists decision journal entries, newest first.
func (c *Client) Journal(ctx context.Context, instanceID string, limit int) ([]JournalEntry, error) {
	endpoint := "v0/journal"
	params := url.Values{}
	if instanceID != "" {
		params.Set("instance_id", instanceID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []JournalEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events lists tenant events after a cursor, oldest first.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.TenantID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
