// Package syncclient is the Go client for the diagramsync API: the HTTP
// workspace endpoints and the realtime websocket channel.
//
// The session lives in an HTTP-only cookie, so a Client keeps its own cookie
// jar and every call after Signup or Login is made as that user. Any non-2xx
// response becomes an *APIError carrying the status and the server's message;
// callers tell failures apart by status, e.g.
//
//	ws, err := c.GetWorkspace(ctx, "w1")
//	if syncclient.IsStatus(err, http.StatusNotFound) {
//		// missing, or not shared with this user
//	}
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// APIError is returned for every non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d, message=%s", e.Status, e.Message)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type WorkspaceSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Workspace struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Document  json.RawMessage `json:"document"`
	Role      string          `json:"role"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// WorkspaceUpdate carries the fields to change; nil fields are left alone.
type WorkspaceUpdate struct {
	Name     *string         `json:"name,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`
}

type Member struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type SearchResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

// WithTimeout sets the per-request timeout of the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the API at baseURL, e.g. "http://localhost:8787".
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Jar: jar, Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api call")
	return resp, nil
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp, body)}
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func errorMessage(resp *http.Response, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func (c *Client) call(ctx context.Context, method, path string, body, target any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, target)
}

func workspacePath(id string, rest ...string) string {
	path := "/api/workspaces/" + url.PathEscape(id)
	for _, part := range rest {
		path += "/" + part
	}
	return path
}

// Auth

func (c *Client) Signup(ctx context.Context, email, password string) (User, error) {
	var user User
	err := c.call(ctx, http.MethodPost, "/api/auth/signup", map[string]string{"email": email, "password": password}, &user)
	return user, err
}

func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var user User
	err := c.call(ctx, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, &user)
	return user, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// Session returns the signed-in user, or nil when there is none.
func (c *Client) Session(ctx context.Context) (*User, error) {
	var payload struct {
		User *User `json:"user"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/session", nil, &payload); err != nil {
		return nil, err
	}
	return payload.User, nil
}

// Workspaces

func (c *Client) ListWorkspaces(ctx context.Context) ([]WorkspaceSummary, error) {
	var items []WorkspaceSummary
	err := c.call(ctx, http.MethodGet, "/api/workspaces", nil, &items)
	return items, err
}

func (c *Client) CreateWorkspace(ctx context.Context, id, name string, document json.RawMessage) error {
	body := map[string]any{"id": id, "name": name}
	if document != nil {
		body["document"] = document
	}
	return c.call(ctx, http.MethodPost, "/api/workspaces", body, nil)
}

func (c *Client) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	var ws Workspace
	err := c.call(ctx, http.MethodGet, workspacePath(id), nil, &ws)
	return ws, err
}

// UpdateWorkspace persists the update and returns the server's updatedAt.
func (c *Client) UpdateWorkspace(ctx context.Context, id string, update WorkspaceUpdate) (time.Time, error) {
	var result struct {
		UpdatedAt time.Time `json:"updatedAt"`
	}
	err := c.call(ctx, http.MethodPut, workspacePath(id), update, &result)
	return result.UpdatedAt, err
}

func (c *Client) ListMembers(ctx context.Context, id string) ([]Member, error) {
	var members []Member
	err := c.call(ctx, http.MethodGet, workspacePath(id, "members"), nil, &members)
	return members, err
}

func (c *Client) AddMember(ctx context.Context, id, email, role string) (Member, error) {
	var member Member
	err := c.call(ctx, http.MethodPost, workspacePath(id, "members"), map[string]string{"email": email, "role": role}, &member)
	return member, err
}

func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var payload struct {
		Results []SearchResult `json:"results"`
	}
	err := c.call(ctx, http.MethodGet, "/api/search?q="+url.QueryEscape(query), nil, &payload)
	return payload.Results, err
}
