package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Makepad-fr/tada/internal/auth"
	"github.com/Makepad-fr/tada/internal/cache"
	"github.com/Makepad-fr/tada/internal/config"
	"github.com/Makepad-fr/tada/internal/logging"
	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/session"
	"github.com/Makepad-fr/tada/internal/todoapi/todoapitest"
	"github.com/Makepad-fr/tada/internal/transport"
)

// flakyTransport fails every request while down is set.
type flakyTransport struct {
	down   atomic.Bool
	failed atomic.Int32
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.down.Load() {
		f.failed.Add(1)
		return nil, errors.New("dial tcp: connection refused")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func newApp(t *testing.T, srv *todoapitest.Server, token string, opts ...Option) *App {
	t.Helper()
	t.Setenv(auth.TokenEnv, token)
	cfg := config.Default()
	cfg.APIURL = srv.URL
	cfg.Dir = t.TempDir()
	cfg.Retries = 0
	a, err := New(cfg, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestListAndCreate(t *testing.T) {
	srv := todoapitest.New(t)
	srv.Seed(model.Todo{ID: "a", Title: "Existing"})
	notes := &notice.Recorder{}
	a := newApp(t, srv, todoapitest.Token, WithNotifier(notes))

	todos, err := a.Todos(context.Background())
	if err != nil || len(todos) != 1 {
		t.Fatalf("todos = %v, %v", todos, err)
	}
	// second read is served from the cache
	if _, err := a.Todos(context.Background()); err != nil || srv.Hits(http.MethodGet) != 1 {
		t.Fatalf("list fetched %d times, err=%v", srv.Hits(http.MethodGet), err)
	}

	created, err := a.Mutations.Create(context.Background(), model.Draft{Title: "Buy milk"})
	if err != nil {
		t.Fatal(err)
	}
	list, _ := cache.ReadList(a.Store)
	if len(list) != 2 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}
	if ns := notes.Notices(); len(ns) != 1 || ns[0].Text != "Todo created" {
		t.Fatalf("notices = %+v", ns)
	}
}

func TestExpiredSessionRedirects(t *testing.T) {
	srv := todoapitest.New(t)
	srv.Seed(model.Todo{ID: "a", Title: "Existing"})
	var mu sync.Mutex
	var routes []session.Route
	nav := session.NavigatorFunc(func(r session.Route) {
		mu.Lock()
		routes = append(routes, r)
		mu.Unlock()
	})
	a := newApp(t, srv, "revoked", WithNavigator(nav))
	a.Store.Write(cache.ListKey, []model.Todo{{ID: "a", Title: "Existing"}})

	_, err := a.Mutations.Toggle(context.Background(), "a", true)
	if !transport.IsUnauthenticated(err) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := a.Store.Read(cache.ListKey); ok {
		t.Fatal("cache survived session expiry")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(routes) != 1 || routes[0] != session.SignIn {
		t.Fatalf("routes = %v", routes)
	}
}

func TestReconnectRefetchesActiveQueries(t *testing.T) {
	srv := todoapitest.New(t)
	srv.Seed(model.Todo{ID: "a", Title: "Existing"})
	flaky := &flakyTransport{}
	a := newApp(t, srv, todoapitest.Token, WithHTTPClient(&http.Client{Transport: flaky}))

	updates := make(chan []model.Todo, 4)
	unsub := a.Store.Subscribe(cache.ListKey, func(v any) {
		if l, ok := v.([]model.Todo); ok {
			updates <- l
		}
	})
	defer unsub()

	if _, err := a.Todos(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-updates

	flaky.down.Store(true)
	_, err := a.Mutations.Create(context.Background(), model.Draft{Title: "offline"})
	if !transport.IsOffline(err) {
		t.Fatalf("err = %v", err)
	}
	if a.Conn.Online() {
		t.Fatal("connectivity still online")
	}
	for len(updates) > 0 {
		<-updates // optimistic entry and its rollback
	}
	// the rollback revalidates the list in the background; let it fail first
	deadline := time.Now().Add(2 * time.Second)
	for flaky.failed.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	srv.Seed(model.Todo{ID: "b", Title: "Added elsewhere"}, model.Todo{ID: "a", Title: "Existing"})
	flaky.down.Store(false)
	before := srv.Hits(http.MethodGet)
	if _, err := a.API.Get(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	select {
	case l := <-updates:
		if len(l) != 2 || l[0].ID != "b" {
			t.Fatalf("refetched list = %+v", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not refetch the list")
	}
	if srv.Hits(http.MethodGet) < before+2 {
		t.Fatalf("expected a refetch, GET hits=%d", srv.Hits(http.MethodGet))
	}
}

func TestSignOutClearsCache(t *testing.T) {
	srv := todoapitest.New(t)
	a := newApp(t, srv, todoapitest.Token)
	a.Store.Write(cache.ListKey, []model.Todo{{ID: "a"}})
	if err := a.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Store.Read(cache.ListKey); ok {
		t.Fatal("cache survived sign out")
	}
}

func TestRedirectSwapsOutputs(t *testing.T) {
	srv := todoapitest.New(t)
	printed := &notice.Recorder{}
	a := newApp(t, srv, todoapitest.Token, WithNotifier(printed))

	shown := &notice.Recorder{}
	var navigated atomic.Int32
	restore := a.Redirect(shown, session.NavigatorFunc(func(session.Route) { navigated.Add(1) }))
	if _, err := a.Mutations.Create(context.Background(), model.Draft{Title: "Buy milk"}); err != nil {
		t.Fatal(err)
	}
	a.Session.Observe(&transport.Error{Kind: transport.Unauthenticated, Status: http.StatusUnauthorized})
	restore()

	if a.Auth.HasSession() {
		t.Fatal("session survived expiry")
	}
	// rejected locally, so it is reported without a session
	if _, err := a.Mutations.Create(context.Background(), model.Draft{Title: ""}); !transport.IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
	if ns := shown.Notices(); len(ns) != 2 || ns[0].Text != "Todo created" || ns[1].Text != transport.MsgSessionExpired {
		t.Fatalf("redirected notices = %+v", ns)
	}
	if navigated.Load() != 1 {
		t.Fatalf("navigated %d times", navigated.Load())
	}
	if ns := printed.Notices(); len(ns) != 1 || ns[0].Text != transport.MsgInvalidInput {
		t.Fatalf("restored notices = %+v", ns)
	}
}
