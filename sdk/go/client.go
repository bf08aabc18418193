package tracelinesdk

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

// Client is a minimal Traceline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Contributor represents the API contributor model.
type Contributor struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Role      string  `json:"role"`
	IsActive  bool    `json:"is_active"`
	LastLogin *string `json:"last_login,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// AuthResult is returned by register and login.
type AuthResult struct {
	Contributor Contributor `json:"contributor"`
	Token       string      `json:"token"`
}

// State represents a workflow state.
type State struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Label     string `json:"label"`
	Color     string `json:"color,omitempty"`
	Order     int    `json:"order"`
	IsInitial bool   `json:"is_initial"`
	IsFinal   bool   `json:"is_final"`
}

// Entity represents the API entity model.
type Entity struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Type           string   `json:"type"`
	Priority       string   `json:"priority"`
	DueDate        *string  `json:"due_date,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	CurrentStateID string   `json:"current_state_id"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// Version is an immutable entity snapshot.
type Version struct {
	ID        int64  `json:"id"`
	EntityID  string `json:"entity_id"`
	Name      string `json:"name"`
	Priority  string `json:"priority"`
	StateID   string `json:"state_id"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at"`
}

// TimelineEvent is one audit log entry.
type TimelineEvent struct {
	ID       int64          `json:"id"`
	EntityID string         `json:"entity_id"`
	Kind     string         `json:"kind"`
	ActorID  string         `json:"actor_id"`
	TS       string         `json:"ts"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates a contributor account and stores the returned token
// on the client.
func (c *Client) Register(ctx context.Context, name, email, password string) (AuthResult, error) {
	body := map[string]any{
		"name":     name,
		"email":    email,
		"password": password,
	}
	var resp AuthResult
	err := c.do(ctx, http.MethodPost, "v0/auth/register", body, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	var resp AuthResult
	err := c.do(ctx, http.MethodPost, "v0/auth/login", body, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// States lists the workflow state catalog.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var resp []State
	err := c.do(ctx, http.MethodGet, "v0/states", nil, &resp)
	return resp, err
}

// CreateEntity creates an entity in the initial workflow state.
func (c *Client) CreateEntity(ctx context.Context, name, entityType string) (Entity, error) {
	body := map[string]any{
		"name": name,
		"type": entityType,
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, "v0/entities", body, &resp)
	return resp, err
}

// GetEntity fetches an entity by id.
func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, "v0/entities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateEntity edits entity fields. Nil map values are omitted.
func (c *Client) UpdateEntity(ctx context.Context, id string, fields map[string]any) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPut, "v0/entities/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// ChangeState moves an entity to another workflow state.
func (c *Client) ChangeState(ctx context.Context, id, stateID, comment string) (Entity, error) {
	body := map[string]any{"state_id": stateID}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Entity
	endpoint := fmt.Sprintf("v0/entities/%s/state", url.PathEscape(id))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// DeleteEntity removes an entity and its history.
func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/entities/"+url.PathEscape(id), nil, nil)
}

// Timeline returns the ordered event sequence for an entity.
func (c *Client) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	var resp []TimelineEvent
	endpoint := fmt.Sprintf("v0/entities/%s/timeline", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Versions returns the ordered version history for an entity.
func (c *Client) Versions(ctx context.Context, id string) ([]Version, error) {
	var resp []Version
	endpoint := fmt.Sprintf("v0/entities/%s/versions", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddContributor grants a role on an entity.
func (c *Client) AddContributor(ctx context.Context, entityID, contributorID, role string) error {
	body := map[string]any{
		"contributor_id": contributorID,
		"role":           role,
	}
	endpoint := fmt.Sprintf("v0/entities/%s/contributors", url.PathEscape(entityID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// RemoveContributor removes a contributor from an entity roster.
func (c *Client) RemoveContributor(ctx context.Context, entityID, contributorID string) error {
	endpoint := fmt.Sprintf("v0/entities/%s/contributors/%s", url.PathEscape(entityID), url.PathEscape(contributorID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
