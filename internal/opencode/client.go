// ABOUTME: HTTP client for the OpenCode server: session CRUD, prompts, transcripts, health
// ABOUTME: Maps 404 to ErrNotFound and other non-2xx responses to *APIError

package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is where a local `opencode serve` listens.
const DefaultBaseURL = "http://localhost:4096"

// ErrNotFound is returned when the server does not know the referenced session.
var ErrNotFound = errors.New("opencode: not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("opencode %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("opencode %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Client talks to one OpenCode server.
type Client struct {
	baseURL        string
	directory      string
	http           *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDirectory scopes every call to a project directory on the server.
func WithDirectory(dir string) Option {
	return func(c *Client) { c.directory = dir }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestTimeout bounds short calls. Prompts and the event stream are
// bounded only by their context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		http:           &http.Client{},
		requestTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "opencode")
	return c
}

// ListSessions returns every session the server knows.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.call(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	var s Session
	body := map[string]string{"title": title}
	if err := c.call(ctx, http.MethodPost, "/session", body, &s); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	if s.ID == "" {
		return Session{}, fmt.Errorf("creating session: server returned no id")
	}
	return s, nil
}

// GetSession fetches one session. Unknown ids return ErrNotFound.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	if err := c.call(ctx, http.MethodGet, "/session/"+url.PathEscape(id), nil, &s); err != nil {
		return Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	if s.ID == "" {
		return Session{}, fmt.Errorf("getting session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, "/session/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// SubmitPrompt sends a text prompt into a session. The server may hold the
// request open until the reply completes, so ctx should carry the turn deadline.
func (c *Client) SubmitPrompt(ctx context.Context, sessionID, text string, opts PromptOptions) error {
	body := promptBody{
		Parts:   []Part{{Type: PartText, Text: text}},
		Model:   splitModel(opts.Model),
		Agent:   opts.Agent,
		NoReply: opts.NoReply,
	}
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("submitting prompt: %w", err)
	}
	return nil
}

// Messages returns a session transcript, oldest first.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.call(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return msgs, nil
}

// ListProviders returns the configured providers and their models.
func (c *Client) ListProviders(ctx context.Context) ([]Provider, error) {
	var resp providersResponse
	if err := c.call(ctx, http.MethodGet, "/config/providers", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	return resp.Providers, nil
}

// ListAgents returns the server's agent profiles.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.call(ctx, http.MethodGet, "/agent", nil, &agents); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// Health reports whether the server answers and considers itself healthy.
func (c *Client) Health(ctx context.Context) (HealthInfo, error) {
	var info HealthInfo
	if err := c.call(ctx, http.MethodGet, "/global/health", nil, &info); err != nil {
		return HealthInfo{}, fmt.Errorf("health check: %w", err)
	}
	return info, nil
}

// call is do with the short-call timeout applied.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return c.do(ctx, method, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// send issues a request and returns the response if it is 2xx. The caller
// owns the body.
func (c *Client) send(ctx context.Context, method, path string, in any, accept string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
}

func (c *Client) endpoint(path string) string {
	u := c.baseURL + path
	if c.directory != "" {
		u += "?directory=" + url.QueryEscape(c.directory)
	}
	return u
}
