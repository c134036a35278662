// Package app wires one cache store, its clients and the session handler
// into a running client. The CLI and the dashboard both start here.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/Makepad-fr/tada/internal/auth"
	"github.com/Makepad-fr/tada/internal/cache"
	"github.com/Makepad-fr/tada/internal/config"
	"github.com/Makepad-fr/tada/internal/logging"
	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/mutation"
	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/session"
	"github.com/Makepad-fr/tada/internal/todoapi"
	"github.com/Makepad-fr/tada/internal/transport"
)

// App owns the process-wide state. Close it when done.
type App struct {
	Config    *config.Config
	Logger    *log.Logger
	Auth      *auth.Client
	Conn      *transport.Connectivity
	Store     *cache.Store
	API       *todoapi.API
	Mutations *mutation.Coordinator
	Session   *session.Handler

	out           *relay
	stopReconnect func()
}

type options struct {
	logger   *log.Logger
	notifier notice.Notifier
	nav      session.Navigator
	http     *http.Client
}

// Option configures New.
type Option func(*options)

// WithLogger overrides the logger built from the config.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNotifier receives every user-facing notice.
func WithNotifier(n notice.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithNavigator receives the sign-in redirect after a session expired.
func WithNavigator(n session.Navigator) Option {
	return func(o *options) { o.nav = n }
}

// WithHTTPClient is shared by the API and auth clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// New builds the client graph from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{notifier: notice.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	out := &relay{n: o.notifier, nav: o.nav}
	logger := o.logger
	if logger == nil {
		logger = logging.FromConfig(nil, cfg.LogLevel, cfg.LogFormat)
	}

	dir := cfg.Dir
	if dir == "" {
		d, err := auth.DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	authOpts := []auth.Option{auth.WithLogger(logger.WithPrefix("auth"))}
	if o.http != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(o.http))
	}
	authClient, err := auth.New(cfg.AuthURL, auth.NewStore(dir), authOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth client: %w", err)
	}

	conn := transport.NewConnectivity()
	trOpts := []transport.Option{
		transport.WithConnectivity(conn),
		transport.WithLogger(logger.WithPrefix("api")),
	}
	if o.http != nil {
		trOpts = append(trOpts, transport.WithHTTPClient(o.http))
	}
	trOpts = append(trOpts, transport.WithTimeout(cfg.Timeout))
	client, err := transport.New(cfg.APIURL, authClient, trOpts...)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	api := todoapi.New(client)

	store := cache.New(
		cache.WithStaleTime(cfg.StaleTime),
		cache.WithRetry(cfg.Retries, transport.Retryable),
		cache.WithLogger(logger.WithPrefix("cache")),
	)
	coord := mutation.New(store, api,
		mutation.WithNotifier(out),
		mutation.WithLogger(logger.WithPrefix("mutation")),
		mutation.WithRetry(cfg.Retries, nil),
	)
	handler := session.NewHandler(store, authClient, out, out,
		session.WithLogger(logger.WithPrefix("session")),
		session.WithSignOutTimeout(cfg.Timeout),
	)
	coord.OnError(handler.Observe)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Auth:      authClient,
		Conn:      conn,
		Store:     store,
		API:       api,
		Mutations: coord,
		Session:   handler,
		out:       out,
	}
	a.stopReconnect = conn.OnReconnect(func() {
		logger.Info("back online, refetching")
		store.RefetchActive()
	})
	return a, nil
}

// Close stops background refetches.
func (a *App) Close() {
	a.stopReconnect()
	a.Store.Close()
}

// Redirect sends notices and sign-in redirects to n and nav until the
// returned func is called.
func (a *App) Redirect(n notice.Notifier, nav session.Navigator) (restore func()) {
	return a.out.swap(n, nav)
}

// Todos returns the list through the cache.
func (a *App) Todos(ctx context.Context) ([]model.Todo, error) {
	todos, err := cache.FetchList(ctx, a.Store, a.API.List)
	if err != nil {
		return nil, err
	}
	if todos == nil {
		todos = []model.Todo{}
	}
	return todos, nil
}

// Todo returns one todo through the cache.
func (a *App) Todo(ctx context.Context, id string) (model.Todo, error) {
	return cache.FetchTodo(ctx, a.Store, id, a.API.Get)
}

// Refresh marks the list stale. Subscribers receive the reloaded list; the
// returned one may still be the cached copy.
func (a *App) Refresh(ctx context.Context) ([]model.Todo, error) {
	a.Store.Invalidate(cache.ListKey)
	return a.Todos(ctx)
}

// SignIn starts a new session. Data cached for a previous user is dropped
// and the expiry handler is re-armed.
func (a *App) SignIn(ctx context.Context, email, password string) (auth.User, error) {
	u, err := a.Auth.SignIn(ctx, email, password)
	if err != nil {
		return auth.User{}, err
	}
	a.started()
	return u, nil
}

// SignUp creates an account and starts its session.
func (a *App) SignUp(ctx context.Context, email, password, name string) (auth.User, error) {
	u, err := a.Auth.SignUp(ctx, email, password, name)
	if err != nil {
		return auth.User{}, err
	}
	a.started()
	return u, nil
}

func (a *App) started() {
	a.Store.Clear()
	a.Session.Rearm()
}

// SignOut ends the session and forgets every cached todo.
func (a *App) SignOut(ctx context.Context) error {
	err := a.Auth.SignOut(ctx)
	a.Store.Clear()
	return err
}

type relay struct {
	mu  sync.RWMutex
	n   notice.Notifier
	nav session.Navigator
}

func (r *relay) Notify(n notice.Notice) {
	r.mu.RLock()
	to := r.n
	r.mu.RUnlock()
	if to != nil {
		to.Notify(n)
	}
}

func (r *relay) Navigate(route session.Route) {
	r.mu.RLock()
	to := r.nav
	r.mu.RUnlock()
	if to != nil {
		to.Navigate(route)
	}
}

func (r *relay) swap(n notice.Notifier, nav session.Navigator) func() {
	r.mu.Lock()
	prevN, prevNav := r.n, r.nav
	r.n, r.nav = n, nav
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.n, r.nav = prevN, prevNav
		r.mu.Unlock()
	}
}
