package client

import (
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

// ErrSessionNotFound is returned when the server does not know a session id.
var ErrSessionNotFound = errors.New("session not found")

// APIError is a non-2xx response. Detail carries the server's "detail" field
// when present, otherwise the raw body.
type APIError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Detail)
}

// HTTPClient makes REST calls to the terminal server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL
// (e.g. "http://127.0.0.1:8000").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Health fetches /health.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Sessions fetches the live and recently closed sessions.
func (c *HTTPClient) Sessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/terminal/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// CloseSession terminates a session on the server.
func (c *HTTPClient) CloseSession(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/terminal/sessions/"+url.PathEscape(id), nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return err
}

// TerminalURL returns the WebSocket URL for a new terminal of the given
// size. Non-positive sizes are left for the server to default.
func (c *HTTPClient) TerminalURL(cols, rows int) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/terminal/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if cols > 0 {
		q.Set("cols", fmt.Sprint(cols))
	}
	if rows > 0 {
		q.Set("rows", fmt.Sprint(rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(body))
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &e) == nil && e.Detail != "" {
			detail = e.Detail
		}
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Detail: detail}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
