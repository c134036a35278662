package mutation

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"pgregory.net/rapid"

	"github.com/Makepad-fr/tada/internal/cache"
	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/todoapi/todoapitest"
	"github.com/Makepad-fr/tada/internal/transport"
)

var day = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func todo(id, title string, done bool) model.Todo {
	return model.Todo{ID: id, Title: title, IsCompleted: done, CreatedAt: day, UpdatedAt: day}
}

type harness struct {
	srv    *todoapitest.Server
	store  *cache.Store
	coord  *Coordinator
	notes  *notice.Recorder
	errors []error
}

func newHarness(t *testing.T, seed ...model.Todo) *harness {
	t.Helper()
	srv := todoapitest.New(t)
	srv.Seed(seed...)
	store := cache.New()
	t.Cleanup(store.Close)
	h := &harness{srv: srv, store: store, notes: &notice.Recorder{}}
	h.coord = New(store, srv.API(t), WithNotifier(h.notes))
	h.coord.OnError(func(err error) { h.errors = append(h.errors, err) })
	store.Write(cache.ListKey, append([]model.Todo{}, seed...))
	return h
}

func (h *harness) list(t *testing.T) []model.Todo {
	t.Helper()
	list, ok := cache.ReadList(h.store)
	if !ok {
		t.Fatal("list not cached")
	}
	return list
}

// awaitRequest blocks until the fake server saw want.
func awaitRequest(t *testing.T, srv *todoapitest.Server, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-srv.Arrived():
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("request %q never arrived", want)
		}
	}
}

func TestCreateScenario(t *testing.T) {
	h := newHarness(t, todo("old", "Existing", false))
	h.srv.SetNextID("abc123")
	h.srv.Hold()

	type result struct {
		todo model.Todo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		td, err := h.coord.Create(context.Background(), model.Draft{Title: "Buy milk"})
		done <- result{td, err}
	}()
	awaitRequest(t, h.srv, "POST /api/todos")

	list := h.list(t)
	if len(list) != 2 || list[0].Title != "Buy milk" || !model.IsProvisional(list[0].ID) {
		t.Fatalf("optimistic entry missing before the server answered: %+v", list)
	}
	if !h.coord.Pending(list[0].ID) {
		t.Fatal("create should be pending")
	}

	h.srv.Release()
	res := <-done
	if res.err != nil {
		t.Fatalf("create: %v", res.err)
	}
	if res.todo.ID != "abc123" {
		t.Fatalf("server todo id = %q", res.todo.ID)
	}

	list = h.list(t)
	count := 0
	for _, td := range list {
		if model.IsProvisional(td.ID) {
			t.Fatalf("provisional entry survived: %+v", td)
		}
		if td.ID == "abc123" {
			count++
		}
	}
	if count != 1 || len(list) != 2 || list[0].ID != "abc123" {
		t.Fatalf("unexpected list after reconcile: %+v", list)
	}
	if !list[0].CreatedAt.Equal(res.todo.CreatedAt) {
		t.Fatal("provisional timestamps were not replaced by server values")
	}
	if d, ok := cache.ReadTodo(h.store, "abc123"); !ok || d.Title != "Buy milk" {
		t.Fatalf("detail entry not written: %+v %v", d, ok)
	}
	if notes := h.notes.Notices(); len(notes) != 1 || notes[0].Text != "Todo created" {
		t.Fatalf("notices = %+v", notes)
	}
}

func TestCreateFailureRemovesProvisional(t *testing.T) {
	h := newHarness(t, todo("old", "Existing", false))
	before := h.list(t)
	h.srv.FailNext(http.MethodPost, http.StatusInternalServerError, `{"detail":"db down"}`)

	_, err := h.coord.Create(context.Background(), model.Draft{Title: "Buy milk"})
	if kind, _ := transport.KindOf(err); kind != transport.ServerError {
		t.Fatalf("expected server error, got %v", err)
	}
	if after := h.list(t); !reflect.DeepEqual(after, before) {
		t.Fatalf("rollback mismatch:\nbefore %+v\nafter  %+v", before, after)
	}
	if len(h.errors) != 1 {
		t.Fatalf("observers saw %d errors", len(h.errors))
	}
	if notes := h.notes.Notices(); len(notes) != 1 || notes[0].Text != transport.MsgServerError {
		t.Fatalf("notices = %+v", notes)
	}
}

func TestCreateRejectsInvalidDraftLocally(t *testing.T) {
	h := newHarness(t)
	v := h.store.Version(cache.ListKey)

	_, err := h.coord.Create(context.Background(), model.Draft{Title: "   "})
	if !transport.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := transport.ValidationFields(err)["title"]; !ok {
		t.Fatalf("expected title field error, got %v", transport.ValidationFields(err))
	}
	if h.store.Version(cache.ListKey) != v {
		t.Fatal("invalid draft touched the cache")
	}
	if h.srv.Hits(http.MethodPost) != 0 {
		t.Fatal("invalid draft reached the server")
	}
}

func TestUpdateOfflineRollsBack(t *testing.T) {
	store := cache.New()
	defer store.Close()
	original := todo("abc123", "Buy milk", false)
	store.Write(cache.ListKey, []model.Todo{original})

	srv := todoapitest.New(t)
	addr := srv.URL
	srv.Close()
	client, err := transport.New(addr, transport.TokenFunc(func(context.Context) (string, error) { return "tok", nil }))
	if err != nil {
		t.Fatalf("transport: %v", err)
	}

	var seen []string
	unsub := store.Subscribe(cache.ListKey, func(v any) {
		if l, ok := v.([]model.Todo); ok && len(l) == 1 {
			seen = append(seen, l[0].Title)
		}
	})
	defer unsub()

	coord := New(store, remoteFunc{update: func(ctx context.Context, id string, p model.Patch) (model.Todo, error) {
		var out model.Todo
		err := client.Do(ctx, http.MethodPatch, "/api/todos/"+id, p, &out)
		return out, err
	}})
	_, err = coord.Update(context.Background(), "abc123", model.Patch{Title: model.Ptr("Buy oat milk")})
	if !transport.IsOffline(err) {
		t.Fatalf("expected network unavailable, got %v", err)
	}
	if transport.UserMessage(err) != transport.MsgOffline {
		t.Fatalf("message = %q", transport.UserMessage(err))
	}

	list, _ := cache.ReadList(store)
	if list[0].Title != "Buy milk" {
		t.Fatalf("title not reverted: %q", list[0].Title)
	}
	if _, ok := cache.ReadTodo(store, "abc123"); ok {
		t.Fatal("optimistic detail entry left behind")
	}
	if want := []string{"Buy oat milk", "Buy milk"}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("subscribers saw %v, want %v", seen, want)
	}
}

func TestUpdateReconcilesWithServer(t *testing.T) {
	h := newHarness(t, todo("abc123", "Buy milk", false))
	got, err := h.coord.Update(context.Background(), "abc123", model.Patch{Title: model.Ptr("Buy oat milk")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	list := h.list(t)
	if !reflect.DeepEqual(list[0], got) {
		t.Fatalf("list entry %+v != server %+v", list[0], got)
	}
	if d, _ := cache.ReadTodo(h.store, "abc123"); !reflect.DeepEqual(d, got) {
		t.Fatalf("detail entry %+v != server %+v", d, got)
	}
}

func TestUpdateNotFoundForgetsEntity(t *testing.T) {
	h := newHarness(t)
	h.store.Write(cache.ListKey, []model.Todo{todo("gone", "Ghost", false)})

	_, err := h.coord.Update(context.Background(), "gone", model.Patch{Title: model.Ptr("x")})
	if !transport.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if l := h.list(t); len(l) != 0 {
		t.Fatalf("entity the server does not know is still listed: %+v", l)
	}
}

func TestDeleteScenario(t *testing.T) {
	seed := todo("abc123", "Buy milk", false)
	h := newHarness(t, seed)
	h.store.Write(cache.DetailKey("abc123"), seed)
	h.srv.Seed() // already deleted elsewhere -> 404
	h.srv.Hold()

	done := make(chan error, 1)
	go func() { done <- h.coord.Delete(context.Background(), "abc123") }()
	awaitRequest(t, h.srv, "DELETE /api/todos/abc123")

	if l := h.list(t); len(l) != 0 {
		t.Fatalf("entry still listed during delete: %+v", l)
	}
	if _, ok := cache.ReadTodo(h.store, "abc123"); !ok {
		t.Fatal("detail entry must survive until the server confirms")
	}

	h.srv.Release()
	if err := <-done; err != nil {
		t.Fatalf("404 on delete should count as success, got %v", err)
	}
	if l := h.list(t); len(l) != 0 {
		t.Fatalf("entry restored after 404: %+v", l)
	}
	if _, ok := cache.ReadTodo(h.store, "abc123"); ok {
		t.Fatal("detail entry not evicted")
	}
}

func TestDeleteFailureReinserts(t *testing.T) {
	h := newHarness(t, todo("a", "A", false), todo("b", "B", false))
	before := h.list(t)
	h.srv.FailNext(http.MethodDelete, http.StatusServiceUnavailable, "")

	err := h.coord.Delete(context.Background(), "b")
	if err == nil {
		t.Fatal("expected error")
	}
	if after := h.list(t); !reflect.DeepEqual(after, before) {
		t.Fatalf("delete rollback mismatch: %+v", after)
	}
}

func TestToggleRollbackAndProvisionalGuard(t *testing.T) {
	h := newHarness(t, todo("abc123", "Buy milk", false))
	h.srv.FailNext(http.MethodPatch, http.StatusUnprocessableEntity, `{"detail":[{"loc":["body","is_completed"],"msg":"bad","type":"x"}]}`)

	_, err := h.coord.Toggle(context.Background(), "abc123", true)
	if !transport.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.list(t)[0].IsCompleted {
		t.Fatal("toggle not rolled back")
	}

	if _, err := h.coord.Toggle(context.Background(), model.NewProvisionalID(), true); !errors.Is(err, transport.ErrProvisional) {
		t.Fatalf("expected ErrProvisional, got %v", err)
	}
	if err := h.coord.Delete(context.Background(), model.NewProvisionalID()); !errors.Is(err, transport.ErrProvisional) {
		t.Fatalf("expected ErrProvisional, got %v", err)
	}
	notes := h.notes.Notices()
	if len(notes) != 3 {
		t.Fatalf("notices = %+v", notes)
	}
	for _, n := range notes[1:] {
		if n.Level != notice.Error || n.Text != transport.UserMessage(transport.ErrProvisional) {
			t.Fatalf("provisional guard notice = %+v", n)
		}
	}
	if h.srv.Hits(http.MethodDelete) != 0 {
		t.Fatal("provisional id reached the server")
	}
}

func TestCreateFailureOnUnloadedList(t *testing.T) {
	h := newHarness(t)
	h.store.Remove(cache.ListKey)
	h.srv.FailNext(http.MethodPost, http.StatusServiceUnavailable, "")

	if _, err := h.coord.Create(context.Background(), model.Draft{Title: "Buy milk"}); err == nil {
		t.Fatal("expected an error")
	}
	if v, ok := h.store.Read(cache.ListKey); ok {
		t.Fatalf("rollback left a list behind: %+v", v)
	}
}

func TestConcurrentMutationsSurviveRollback(t *testing.T) {
	h := newHarness(t, todo("a", "A", false), todo("b", "B", false))
	h.srv.SetNextID("c")

	release := make(chan struct{})
	failing := New(h.store, remoteFunc{update: func(context.Context, string, model.Patch) (model.Todo, error) {
		<-release
		return model.Todo{}, &transport.Error{Kind: transport.ServerError, Status: 500}
	}})
	toggled := make(chan error, 1)
	go func() {
		_, err := failing.Toggle(context.Background(), "a", true)
		toggled <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !failing.Pending("a") {
		if time.Now().After(deadline) {
			t.Fatal("toggle never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A create lands while the toggle is still waiting for the server.
	if _, err := h.coord.Create(context.Background(), model.Draft{Title: "C"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	close(release)
	if err := <-toggled; err == nil {
		t.Fatal("expected toggle to fail")
	}

	list := h.list(t)
	if len(list) != 3 || list[0].ID != "c" {
		t.Fatalf("rollback clobbered the concurrent create: %+v", list)
	}
	if list[1].ID != "a" || list[1].IsCompleted {
		t.Fatalf("toggle not reverted: %+v", list[1])
	}
	for _, td := range list {
		if model.IsProvisional(td.ID) {
			t.Fatalf("provisional entry survived: %+v", td)
		}
	}
}

func TestMutationRetriesServerErrors(t *testing.T) {
	h := newHarness(t, todo("abc123", "Buy milk", false))
	h.coord = New(h.store, h.srv.API(t), WithRetry(3, func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))
	h.srv.FailNext(http.MethodPatch, http.StatusServiceUnavailable, "")
	h.srv.FailNext(http.MethodPatch, http.StatusBadGateway, "")

	if _, err := h.coord.Toggle(context.Background(), "abc123", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if hits := h.srv.Hits(http.MethodPatch); hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}

	h.srv.FailNext(http.MethodPatch, http.StatusUnprocessableEntity, `{"detail":"nope"}`)
	if _, err := h.coord.Toggle(context.Background(), "abc123", false); !transport.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if hits := h.srv.Hits(http.MethodPatch); hits != 4 {
		t.Fatalf("client errors must not be retried, hits=%d", hits)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := cache.New()
	defer store.Close()
	c := New(store, remoteFunc{})
	temp := model.NewProvisionalID()
	store.Write(cache.ListKey, []model.Todo{todo(temp, "Buy milk", false), todo("x", "X", false)})

	server := todo("abc123", "Buy milk", false)
	mc := &Context{Op: OpCreate, ID: temp}
	c.reconcile(mc, server)
	once, _ := cache.ReadList(store)
	c.reconcile(mc, server)
	twice, _ := cache.ReadList(store)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second reconcile changed the list:\n%+v\n%+v", once, twice)
	}

	up := &Context{Op: OpToggle, ID: "abc123"}
	done := server
	done.IsCompleted = true
	c.reconcile(up, done)
	a, _ := cache.ReadList(store)
	c.reconcile(up, done)
	b, _ := cache.ReadList(store)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("second update reconcile changed the list")
	}
}

// -------------- properties ----------------

type remoteFunc struct {
	create func(context.Context, model.Draft) (model.Todo, error)
	update func(context.Context, string, model.Patch) (model.Todo, error)
	del    func(context.Context, string) error
}

func (r remoteFunc) Create(ctx context.Context, d model.Draft) (model.Todo, error) {
	return r.create(ctx, d)
}

func (r remoteFunc) Update(ctx context.Context, id string, p model.Patch) (model.Todo, error) {
	return r.update(ctx, id, p)
}

func (r remoteFunc) Delete(ctx context.Context, id string) error { return r.del(ctx, id) }

func todosGen() *rapid.Generator[[]model.Todo] {
	return rapid.Custom(func(t *rapid.T) []model.Todo {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		out := make([]model.Todo, n)
		for i := range out {
			out[i] = model.Todo{
				ID:          "id-" + string(rune('a'+i)),
				Title:       rapid.StringMatching(`[A-Za-z ]{1,20}`).Draw(t, "title"),
				IsCompleted: rapid.Bool().Draw(t, "done"),
				CreatedAt:   day.Add(time.Duration(i) * time.Hour),
				UpdatedAt:   day,
			}
		}
		return out
	})
}

func testRollbackRestoresSnapshot(t *rapid.T) {
	todos := todosGen().Draw(t, "todos")
	target := todos[rapid.IntRange(0, len(todos)-1).Draw(t, "target")]
	op := rapid.SampledFrom([]Op{OpCreate, OpUpdate, OpDelete, OpToggle}).Draw(t, "op")
	// creates also run against a store that never loaded the list
	withList := op != OpCreate || rapid.Bool().Draw(t, "withList")
	withDetail := rapid.Bool().Draw(t, "withDetail")
	status := rapid.SampledFrom([]int{401, 409, 422, 500, 503}).Draw(t, "status")
	failure := &transport.Error{Kind: transport.KindFor(status), Status: status}

	store := cache.New()
	defer store.Close()
	if withList {
		store.Write(cache.ListKey, todos)
	}
	if withDetail {
		store.Write(cache.DetailKey(target.ID), target)
	}
	beforeList, hadList := cache.ReadList(store)
	beforeDetail, hadDetail := cache.ReadTodo(store, target.ID)

	c := New(store, remoteFunc{
		create: func(context.Context, model.Draft) (model.Todo, error) { return model.Todo{}, failure },
		update: func(context.Context, string, model.Patch) (model.Todo, error) { return model.Todo{}, failure },
		del:    func(context.Context, string) error { return failure },
	})

	var err error
	switch op {
	case OpCreate:
		_, err = c.Create(context.Background(), model.Draft{Title: "new"})
	case OpUpdate:
		_, err = c.Update(context.Background(), target.ID, model.Patch{Title: model.Ptr("changed")})
	case OpToggle:
		_, err = c.Toggle(context.Background(), target.ID, !target.IsCompleted)
	case OpDelete:
		err = c.Delete(context.Background(), target.ID)
	}
	if !errors.Is(err, failure) {
		t.Fatalf("expected the server error, got %v", err)
	}

	afterList, hasList := cache.ReadList(store)
	if hasList != hadList || !reflect.DeepEqual(afterList, beforeList) {
		t.Fatalf("%s rollback list mismatch:\nbefore %+v\nafter  %+v", op, beforeList, afterList)
	}
	afterDetail, hasDetail := cache.ReadTodo(store, target.ID)
	if hasDetail != hadDetail || !reflect.DeepEqual(afterDetail, beforeDetail) {
		t.Fatalf("%s rollback detail mismatch: %+v/%v vs %+v/%v", op, beforeDetail, hadDetail, afterDetail, hasDetail)
	}
	if c.InFlight() != 0 {
		t.Fatalf("pending mutations left: %d", c.InFlight())
	}
}

func TestRollbackRestoresSnapshot_Properties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testRollbackRestoresSnapshot)
}

func TestPendingTracksInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	store := cache.New()
	defer store.Close()
	store.Write(cache.ListKey, []model.Todo{todo("abc123", "Buy milk", false)})
	c := New(store, remoteFunc{update: func(ctx context.Context, id string, p model.Patch) (model.Todo, error) {
		calls.Add(1)
		<-release
		return p.Apply(todo(id, "Buy milk", false)), nil
	}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Toggle(context.Background(), "abc123", true)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Pending("abc123") || calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("toggle never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	<-done
	if c.Pending("abc123") {
		t.Fatal("still pending after completion")
	}
}
