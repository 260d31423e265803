package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig holds configuration for the HTTP runtime client.
type ClientConfig struct {
	BaseURL             string
	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	PromptHeaderTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:      5 * time.Second,
		RequestTimeout:      30 * time.Second,
		PromptHeaderTimeout: 120 * time.Second,
	}
}

// Client implements Runtime over HTTP/JSON against a long-running agent
// server. Prompt uses a dedicated http.Client whose only deadline is on
// response headers, because a turn can legitimately run for a long time while
// events stream over the separate push feed.
type Client struct {
	baseURL      string
	http         *http.Client
	promptClient *http.Client
	logger       *slog.Logger
}

// NewClient creates a runtime client and verifies the agent server is
// reachable so we fail fast on bad endpoints.
func NewClient(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("runtime base URL is required")
	}
	def := DefaultClientConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PromptHeaderTimeout <= 0 {
		cfg.PromptHeaderTimeout = def.PromptHeaderTimeout
	}

	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		promptClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.PromptHeaderTimeout,
			},
		},
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := c.ping(pingCtx); err != nil {
		return nil, fmt.Errorf("agent server at %s not ready: %w", cfg.BaseURL, err)
	}

	logger.Info("Connected to agent server", "base_url", cfg.BaseURL)
	return c, nil
}

func (c *Client) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(directory, path string) string {
	return c.baseURL + path + "?directory=" + url.QueryEscape(directory)
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, directory, sessionID string) (*Session, error) {
	var out Session
	err := c.doJSON(ctx, c.http, http.MethodGet, c.endpoint(directory, "/session/"+url.PathEscape(sessionID)), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession creates a fresh session bound to a working directory.
func (c *Client) CreateSession(ctx context.Context, directory string) (*Session, error) {
	var out Session
	err := c.doJSON(ctx, c.http, http.MethodPost, c.endpoint(directory, "/session"), map[string]any{}, &out)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &out, nil
}

// AbortSession cancels whatever the session is currently doing.
func (c *Client) AbortSession(ctx context.Context, directory, sessionID string) error {
	err := c.doJSON(ctx, c.http, http.MethodPost, c.endpoint(directory, "/session/"+url.PathEscape(sessionID)+"/abort"), map[string]any{}, nil)
	if err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return nil
}

// Prompt sends one user turn and blocks until the backend replies with the
// enumerated parts. Transport-level header timeouts are wrapped as
// ErrHeaderTimeout so the scheduler can apply its grace-period policy.
func (c *Client) Prompt(ctx context.Context, directory, sessionID string, input PromptInput) (*PromptResult, error) {
	var out PromptResult
	err := c.doJSON(ctx, c.promptClient, http.MethodPost, c.endpoint(directory, "/session/"+url.PathEscape(sessionID)+"/message"), input, &out)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("prompt session %s: %w", sessionID, ErrHeaderTimeout)
		}
		return nil, fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	return &out, nil
}

// ReplyQuestion answers a question interruption.
func (c *Client) ReplyQuestion(ctx context.Context, directory, requestID string, answers [][]string) error {
	body := map[string]any{"answers": answers}
	err := c.doJSON(ctx, c.http, http.MethodPost, c.endpoint(directory, "/question/"+url.PathEscape(requestID)+"/reply"), body, nil)
	if err != nil {
		return fmt.Errorf("reply question %s: %w", requestID, err)
	}
	return nil
}

// ReplyPermission resolves a permission interruption.
func (c *Client) ReplyPermission(ctx context.Context, directory, requestID string, reply PermissionReply) error {
	body := map[string]any{"reply": string(reply)}
	err := c.doJSON(ctx, c.http, http.MethodPost, c.endpoint(directory, "/permission/"+url.PathEscape(requestID)+"/reply"), body, nil)
	if err != nil {
		return fmt.Errorf("reply permission %s: %w", requestID, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionNotFound
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	if err := body.Close(); err != nil {
		slog.Debug("failed to close response body", "error", err)
	}
}
