// Package api is the HTTP client for the fleet backend.
//
// Request is the single primitive the sync engine consumes: it returns the
// parsed JSON body or fails with a typed *Error carrying the HTTP status.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Config holds API client configuration
type Config struct {
	BaseURL string        // e.g. https://api.energyflow.dev
	Token   string        // optional bearer token
	Timeout time.Duration // per request, including body read
}

// DefaultConfig returns default API client configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 15 * time.Second,
	}
}

// Error is returned for any non-2xx response.
type Error struct {
	Status  int
	Message string
	Body    json.RawMessage
}

func (e *Error) Error() string {
	return e.Message
}

// Client talks to the REST API. Cookies set by the backend are kept in a jar
// and sent back, like a browser with credentials included.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	inflight   singleflight.Group
}

// New creates an API client.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("api base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Jar:     jar,
		},
		logger: logger.With("component", "api"),
	}, nil
}

// BaseURL returns the configured API root without a trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.config.BaseURL, "/")
}

// HTTPClient exposes the underlying client so the SSE stream shares its
// cookie jar.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Request performs method on path and returns the parsed body. An empty body
// yields JSON null; a body that is not JSON is returned as a JSON string.
//
// Concurrent GETs of the same path share a single round trip.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet || body != nil {
		return c.do(ctx, method, path, body)
	}

	ch := c.inflight.DoChan(path, func() (any, error) {
		// detached so one caller giving up does not fail the others
		return c.do(context.WithoutCancel(ctx), method, path, nil)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// only declare JSON when a body is actually sent
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	data := parseBody(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{
			Status:  resp.StatusCode,
			Message: errorMessage(data, resp.StatusCode),
			Body:    data,
		}
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		return nil, apiErr
	}

	return data, nil
}

func parseBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	text, _ := json.Marshal(string(raw))
	return json.RawMessage(text)
}

// errorMessage picks the human readable message out of an error body:
// "message", then "error", joined with ", " when it is a list.
func errorMessage(data json.RawMessage, status int) string {
	var body struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		for _, field := range []json.RawMessage{body.Message, body.Error} {
			if msg := messageText(field); msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("Request failed: %d", status)
}

func messageText(field json.RawMessage) string {
	if len(field) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return s
	}
	var list []any
	if err := json.Unmarshal(field, &list); err == nil {
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = fmt.Sprint(v)
		}
		return strings.Join(parts, ", ")
	}
	var other any
	if err := json.Unmarshal(field, &other); err == nil && other != nil {
		if b, ok := other.(bool); ok && !b {
			return ""
		}
		return fmt.Sprint(other)
	}
	return ""
}
