// Package chatops provides a typed client for the ChatOps Relay admin API:
// plugin lifecycle operations and the read-only task view. Chat-driven
// operation does not go through this API; the client exists for automation
// and tooling that needs the same surface operators reach over HTTP.
package chatops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChatOps Relay admin API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// PluginStatus describes one managed plugin as reported by the daemon.
type PluginStatus struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Type        string         `json:"type"`
	Category    string         `json:"category,omitempty"`
	State       string         `json:"state"`
	Enabled     bool           `json:"enabled"`
	Reason      string         `json:"reason,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Task describes one tracked job as reported by the daemon.
type Task struct {
	TaskID      string    `json:"task_id"`
	ProjectID   string    `json:"project_id"`
	TemplateID  string    `json:"template_id,omitempty"`
	RoomID      string    `json:"room_id"`
	RequesterID string    `json:"requester_id"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("chatops api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChatOps Relay admin API. The token
// is the shared operations token; leave it empty when the server runs open.
// When httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL, token string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, token: token}
}

// ListPlugins returns every managed plugin with its lifecycle state.
func (c *Client) ListPlugins(ctx context.Context) ([]PluginStatus, error) {
	var out struct {
		Plugins []PluginStatus `json:"plugins"`
	}
	if err := c.get(ctx, "/api/v1/plugins", &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// EnablePlugin enables and starts a plugin.
func (c *Client) EnablePlugin(ctx context.Context, name string) error {
	return c.lifecycle(ctx, name, "enable")
}

// DisablePlugin stops a plugin and marks it disabled.
func (c *Client) DisablePlugin(ctx context.Context, name string) error {
	return c.lifecycle(ctx, name, "disable")
}

// ReloadPlugin rebuilds a plugin from its manifest.
func (c *Client) ReloadPlugin(ctx context.Context, name string) error {
	return c.lifecycle(ctx, name, "reload")
}

// ListTasks returns every task the daemon currently tracks.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	return c.listTasks(ctx, "")
}

// ListRoomTasks returns the tracked tasks scoped to one chat room.
func (c *Client) ListRoomTasks(ctx context.Context, roomID string) ([]Task, error) {
	return c.listTasks(ctx, roomID)
}

func (c *Client) listTasks(ctx context.Context, roomID string) ([]Task, error) {
	endpoint := "/api/v1/tasks"
	if roomID != "" {
		endpoint += "?room=" + url.QueryEscape(roomID)
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) lifecycle(ctx context.Context, name, op string) error {
	if name == "" {
		return fmt.Errorf("chatops: plugin name is required")
	}
	endpoint := "/api/v1/plugins/" + url.PathEscape(name) + "/" + op
	return c.post(ctx, endpoint, nil, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var decoded struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
			apiErr.Message = decoded.Error
		} else {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
