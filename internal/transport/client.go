// Package transport performs authenticated JSON calls against the todo API
// and maps failures to typed errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultTimeout bounds a single request when no other timeout is configured.
const DefaultTimeout = 10 * time.Second

const maxBodyBytes = 1 << 20

// TokenSource returns the bearer token to attach to the next request.
// An empty token means there is no session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Client wraps every call with a freshly retrieved bearer token.
// It never retries.
type Client struct {
	base   *url.URL
	tokens TokenSource
	http   *http.Client
	conn   *Connectivity
	logger *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithConnectivity reports online/offline transitions to conn.
func WithConnectivity(conn *Connectivity) Option {
	return func(c *Client) { c.conn = conn }
}

// WithLogger sets the request logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing scheme or host", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("token source is nil")
	}
	c := &Client{
		base:   u,
		tokens: tokens,
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connectivity returns the tracker the client reports to, or nil.
func (c *Client) Connectivity() *Connectivity { return c.conn }

// Do sends body (if non-nil) as JSON to endpoint and decodes a JSON
// response into out (if non-nil). 204 and empty bodies decode nothing.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	if err != nil || strings.TrimSpace(token) == "" {
		return &Error{Kind: Unauthenticated, Status: http.StatusUnauthorized, Message: "No active session", Err: err}
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+endpoint, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		terr := classify(ctx, err)
		if terr == nil {
			return err
		}
		if terr.Kind == NetworkUnavailable {
			c.conn.markOffline()
		}
		c.logger.Debug("request failed", "method", method, "path", endpoint, "err", err)
		return terr
	}
	defer resp.Body.Close()
	c.conn.markOnline()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: ServerError, Status: resp.StatusCode, Message: "read response", Err: err}
	}
	c.logger.Debug("request", "method", method, "path", endpoint, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: ServerError, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

// classify maps a failed round-trip to a transport error. Caller
// cancellation is returned as-is (nil).
func classify(ctx context.Context, err error) *Error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ServerError, Message: "request timed out", Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &Error{Kind: ServerError, Message: "request timed out", Err: err}
	}
	return &Error{Kind: NetworkUnavailable, Err: err}
}
