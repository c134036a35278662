// Package auth talks to the Better Auth service and keeps the session
// between runs.
//
// The service issues a session cookie on sign-in. The todo API wants a
// short-lived JWT instead, which Client.Token exchanges the cookie for and
// caches until shortly before it expires.
package auth

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
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Makepad-fr/tada/internal/transport"
)

// Session cookie names. Production deployments behind HTTPS use the
// __Secure- variant.
const (
	CookieName       = "better-auth.session_token"
	SecureCookieName = "__Secure-" + CookieName
)

// MinPasswordLength matches the service's email/password policy.
const MinPasswordLength = 8

// tokenSkew renews a cached JWT this long before it expires.
const tokenSkew = 30 * time.Second

// ErrNoSession means nobody is signed in.
var ErrNoSession = errors.New("no active session")

// User is the account behind a session.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Session describes the server-side session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionInfo is the get-session payload.
type SessionInfo struct {
	Session Session `json:"session"`
	User    User    `json:"user"`
}

// Error is a failure reported by the authentication service.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth: %s (%d)", e.Message, e.Status)
	}
	return fmt.Sprintf("auth: request failed (%d)", e.Status)
}

// Client is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	store  *Store
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	creds  *Credentials
	loaded bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock injects the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client for the service at baseURL persisting to store.
func New(baseURL string, store *Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("auth url %q: missing scheme or host", baseURL)
	}
	if store == nil {
		return nil, errors.New("credential store is nil")
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: transport.DefaultTimeout},
		store:  store,
		logger: log.New(io.Discard),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// -------------- session state ----------------

func (c *Client) credsLocked() *Credentials {
	if !c.loaded {
		creds, err := c.store.Load()
		if err != nil {
			c.logger.Warn("ignoring unreadable credentials", "path", c.store.Path(), "err", err)
		}
		c.creds, c.loaded = creds, true
	}
	return c.creds
}

// Current returns a copy of the stored credentials, or nil.
func (c *Client) Current() *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds := c.credsLocked()
	if creds == nil {
		return nil
	}
	cp := *creds
	return &cp
}

// HasSession reports whether a session cookie or a token override is
// present. It does not contact the service.
func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds := c.credsLocked()
	return creds != nil && (creds.Cookie != "" || creds.Source == "env")
}

func (c *Client) persistLocked(creds *Credentials) {
	c.creds = creds
	if creds == nil || creds.Source == "env" {
		return
	}
	if err := c.store.Save(*creds); err != nil {
		c.logger.Warn("could not save credentials", "err", err)
	}
}

// -------------- operations ----------------

// ValidateSignUp checks the form locally.
func ValidateSignUp(email, password, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name is required")
	}
	return ValidateSignIn(email, password, true)
}

// ValidateSignIn checks the form locally. strict applies the password policy.
func ValidateSignIn(email, password string, strict bool) error {
	if !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return fmt.Errorf("invalid email address %q", email)
	}
	if password == "" {
		return errors.New("password is required")
	}
	if strict && len([]rune(password)) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// SignUp creates an account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password, name string) (User, error) {
	if err := ValidateSignUp(email, password, name); err != nil {
		return User{}, err
	}
	body := map[string]string{"email": email, "password": password, "name": name}
	return c.authenticate(ctx, "/api/auth/sign-up/email", body)
}

// SignIn starts a session with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (User, error) {
	if err := ValidateSignIn(email, password, false); err != nil {
		return User{}, err
	}
	body := map[string]string{"email": email, "password": password}
	return c.authenticate(ctx, "/api/auth/sign-in/email", body)
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (User, error) {
	var out authResponse
	cookie, err := c.do(ctx, http.MethodPost, path, "", body, &out)
	if err != nil {
		return User{}, err
	}
	if cookie == "" {
		return User{}, errors.New("auth: service did not set a session cookie")
	}

	c.mu.Lock()
	c.loaded = true
	c.persistLocked(&Credentials{
		Email:     out.User.Email,
		Name:      out.User.Name,
		Cookie:    cookie,
		CreatedAt: c.now(),
	})
	c.mu.Unlock()
	c.logger.Info("signed in", "email", out.User.Email)
	return out.User, nil
}

// SignOut ends the session on the service and forgets it locally. The
// local state is dropped even when the service call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	creds := c.credsLocked()
	c.creds = nil
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Delete(); err != nil {
		c.logger.Warn("could not remove credentials", "err", err)
	}
	if creds == nil || creds.Cookie == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/api/auth/sign-out", creds.Cookie, struct{}{}, nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Session asks the service who is signed in.
func (c *Client) Session(ctx context.Context) (*SessionInfo, error) {
	cookie := c.cookie()
	if cookie == "" {
		return nil, ErrNoSession
	}
	var out *SessionInfo
	if _, err := c.do(ctx, http.MethodGet, "/api/auth/get-session", cookie, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNoSession
	}
	return out, nil
}

func (c *Client) cookie() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if creds := c.credsLocked(); creds != nil {
		return creds.Cookie
	}
	return ""
}

// Token returns a JWT for the todo API. A cached token is reused until
// shortly before it expires.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	creds := c.credsLocked()
	switch {
	case creds == nil:
		c.mu.Unlock()
		return "", ErrNoSession
	case creds.Source == "env":
		c.mu.Unlock()
		return creds.Token, nil
	case creds.Token != "" && creds.ExpiresAt != nil && c.now().Add(tokenSkew).Before(*creds.ExpiresAt):
		tok := creds.Token
		c.mu.Unlock()
		return tok, nil
	}
	cookie := creds.Cookie
	c.mu.Unlock()
	if cookie == "" {
		return "", ErrNoSession
	}

	var out struct {
		Token string `json:"token"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/auth/token", cookie, nil, &out); err != nil {
		var aerr *Error
		if errors.As(err, &aerr) && aerr.Status == http.StatusUnauthorized {
			return "", ErrNoSession
		}
		return "", err
	}
	if out.Token == "" {
		return "", ErrNoSession
	}
	exp, err := ExpiresAt(out.Token)
	if err != nil {
		c.logger.Debug("token without readable expiry", "err", err)
	}

	c.mu.Lock()
	if cur := c.credsLocked(); cur != nil && cur.Cookie == cookie {
		next := *cur
		next.Token, next.ExpiresAt = out.Token, exp
		c.persistLocked(&next)
	}
	c.mu.Unlock()
	return out.Token, nil
}

// Claims decodes a JWT without verifying it. The todo API verifies.
func Claims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(stripBearer(token), claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of token, or nil if it has none.
func ExpiresAt(token string) (*time.Time, error) {
	claims, err := Claims(token)
	if err != nil {
		return nil, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, err
	}
	t := exp.Time
	return &t, nil
}

// -------------- http ----------------

// do sends one request and returns the session cookie the response set,
// if any.
func (c *Client) do(ctx context.Context, method, path, cookie string, body, out any) (string, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("marshal body: %w", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, payload)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", c.base.Scheme+"://"+c.base.Host)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Debug("auth request failed", "method", method, "path", path, "err", err)
		return "", &transport.Error{Kind: transport.NetworkUnavailable, Message: "auth service unreachable", Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("auth request", "method", method, "path", path, "status", resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		aerr := &Error{Status: resp.StatusCode}
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &body) == nil {
			aerr.Code, aerr.Message = body.Code, body.Message
		}
		if aerr.Message == "" {
			aerr.Message = http.StatusText(resp.StatusCode)
		}
		return "", aerr
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
	}
	return sessionCookie(resp), nil
}

func sessionCookie(resp *http.Response) string {
	for _, ck := range resp.Cookies() {
		if ck.Name != CookieName && ck.Name != SecureCookieName {
			continue
		}
		if ck.Value == "" || ck.MaxAge < 0 {
			return ""
		}
		return ck.Name + "=" + ck.Value
	}
	return ""
}
