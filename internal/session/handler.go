// Package session reacts to an expired session anywhere in the process.
package session

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Makepad-fr/tada/internal/cache"
	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/transport"
)

// ExpiredTTL is how long the expiry notice stays visible.
const ExpiredTTL = 5 * time.Second

// Route is a navigation target.
type Route string

// SignIn is the sign-in entry point.
const SignIn Route = "signin"

// Navigator moves the user to another screen.
type Navigator interface {
	Navigate(r Route)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Route)

func (f NavigatorFunc) Navigate(r Route) { f(r) }

// SignOuter ends the session on the authentication service.
type SignOuter interface {
	SignOut(ctx context.Context) error
}

// Handler runs the expiry sequence at most once until it is re-armed.
type Handler struct {
	store    *cache.Store
	auth     SignOuter
	notifier notice.Notifier
	nav      Navigator
	logger   *log.Logger
	timeout  time.Duration

	fired atomic.Bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithSignOutTimeout bounds the best-effort sign-out call.
func WithSignOutTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler returns an armed handler. auth and nav may be nil.
func NewHandler(store *cache.Store, auth SignOuter, n notice.Notifier, nav Navigator, opts ...Option) *Handler {
	if n == nil {
		n = notice.Discard
	}
	h := &Handler{
		store:    store,
		auth:     auth,
		notifier: n,
		nav:      nav,
		logger:   log.New(io.Discard),
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Observe is registered with the mutation coordinator. Only
// unauthenticated errors start the sequence.
func (h *Handler) Observe(err error) {
	if !transport.IsUnauthenticated(err) {
		return
	}
	if !h.fired.CompareAndSwap(false, true) {
		h.logger.Debug("session expiry already handled", "err", err)
		return
	}
	h.logger.Info("session expired", "err", err)

	if h.auth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := h.auth.SignOut(ctx); err != nil {
			h.logger.Warn("sign out after expiry failed", "err", err)
		}
		cancel()
	}
	h.store.Clear()
	h.notifier.Notify(notice.Notice{
		Level: notice.Warning,
		Text:  transport.MsgSessionExpired,
		TTL:   ExpiredTTL,
	})
	if h.nav != nil {
		h.nav.Navigate(SignIn)
	}
}

// Fired reports whether the sequence ran since the last Rearm.
func (h *Handler) Fired() bool { return h.fired.Load() }

// Rearm lets the next expiry start the sequence again. Call it once the
// user signed in again.
func (h *Handler) Rearm() { h.fired.Store(false) }
