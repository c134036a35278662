package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Makepad-fr/tada/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := New(append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(s.Close)
	return s, clock
}

// notifications collects subscriber calls for one key.
func notifications(s *Store, key Key) (<-chan any, func()) {
	ch := make(chan any, 16)
	return ch, s.Subscribe(key, func(v any) { ch <- v })
}

func waitFor(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestFetchLoadsOnceWhileFresh(t *testing.T) {
	s, clock := newTestStore(t)
	var loads atomic.Int32
	loader := func(context.Context) (any, error) {
		loads.Add(1)
		return []model.Todo{{ID: "abc123"}}, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Fetch(context.Background(), ListKey, loader); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		clock.Advance(10 * time.Second)
	}
	if loads.Load() != 1 {
		t.Fatalf("expected 1 load within stale time, got %d", loads.Load())
	}
}

func TestFetchCoalescesConcurrentLoads(t *testing.T) {
	s, _ := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var loads atomic.Int32
	loader := func(context.Context) (any, error) {
		loads.Add(1)
		started <- struct{}{}
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Fetch(context.Background(), ListKey, loader)
			if err != nil {
				t.Errorf("fetch %d: %v", i, err)
			}
			results[i] = v
		}(i)
	}
	<-started
	// Give the second caller time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads.Load() != 1 {
		t.Fatalf("expected exactly one network call, got %d", loads.Load())
	}
	for i, v := range results {
		if v != "value" {
			t.Fatalf("result %d = %v", i, v)
		}
	}
}

func TestFetchStaleWhileRevalidate(t *testing.T) {
	s, clock := newTestStore(t)
	var n atomic.Int32
	loader := func(context.Context) (any, error) {
		return int(n.Add(1)), nil
	}
	if v, _ := s.Fetch(context.Background(), ListKey, loader); v != 1 {
		t.Fatalf("first fetch = %v", v)
	}
	ch, unsub := notifications(s, ListKey)
	defer unsub()

	clock.Advance(DefaultStaleTime + time.Second)
	v, err := s.Fetch(context.Background(), ListKey, loader)
	if err != nil || v != 1 {
		t.Fatalf("stale fetch should return cached value immediately, got %v %v", v, err)
	}
	if got := waitFor(t, ch); got != 2 {
		t.Fatalf("background revalidation stored %v", got)
	}
	if v, _ := s.Read(ListKey); v != 2 {
		t.Fatalf("read after revalidation = %v", v)
	}
}

func TestCancelPendingDiscardsLateResponse(t *testing.T) {
	s, _ := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "stale server list", nil
	}

	done := make(chan struct{})
	var got any
	var gotErr error
	go func() {
		defer close(done)
		got, gotErr = s.Fetch(context.Background(), ListKey, loader)
	}()
	<-started

	s.CancelPending(ListKey)
	s.Write(ListKey, "optimistic")
	close(release)
	<-done

	if v, _ := s.Read(ListKey); v != "optimistic" {
		t.Fatalf("late response overwrote optimistic state: %v", v)
	}
	if gotErr != nil || got != "optimistic" {
		t.Fatalf("waiter got %v %v, want latest state", got, gotErr)
	}
}

func TestWriteSupersedesInFlightLoad(t *testing.T) {
	s, _ := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{})
	s.Write(ListKey, "v1")
	s.Invalidate(ListKey)

	go s.Fetch(context.Background(), ListKey, func(context.Context) (any, error) {
		close(started)
		<-release
		return "from server", nil
	})
	<-started
	s.Write(ListKey, "v2")
	close(release)
	s.Close()

	if v, _ := s.Read(ListKey); v != "v2" {
		t.Fatalf("expected later write to win, got %v", v)
	}
}

func TestFetchErrorKeepsValue(t *testing.T) {
	s, clock := newTestStore(t)
	s.Write(ListKey, "cached")
	clock.Advance(2 * DefaultStaleTime)

	boom := errors.New("boom")
	ch, unsub := notifications(s, ListKey)
	defer unsub()
	v, err := s.Fetch(context.Background(), ListKey, func(context.Context) (any, error) { return nil, boom })
	if err != nil || v != "cached" {
		t.Fatalf("stale fetch = %v %v", v, err)
	}
	s.Close()
	select {
	case got := <-ch:
		t.Fatalf("failed load must not notify, got %v", got)
	default:
	}
	if v, _ := s.Read(ListKey); v != "cached" {
		t.Fatalf("failed load replaced value: %v", v)
	}
}

func TestFetchRetriesWhenAllowed(t *testing.T) {
	retryable := errors.New("unavailable")
	s, _ := newTestStore(t,
		WithRetry(3, func(err error) bool { return errors.Is(err, retryable) }),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	)
	var calls atomic.Int32
	v, err := s.Fetch(context.Background(), ListKey, func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, retryable
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("fetch = %v %v", v, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}

	final := errors.New("forbidden")
	calls.Store(0)
	_, err = s.Fetch(context.Background(), DetailKey("x"), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, final
	})
	if !errors.Is(err, final) || calls.Load() != 1 {
		t.Fatalf("non-retryable error: err=%v calls=%d", err, calls.Load())
	}
}

func TestInvalidateRefetchesSubscribedKeys(t *testing.T) {
	s, _ := newTestStore(t)
	var n atomic.Int32
	loader := func(context.Context) (any, error) { return int(n.Add(1)), nil }
	if _, err := s.Fetch(context.Background(), ListKey, loader); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	ch, unsub := notifications(s, ListKey)
	defer unsub()
	s.Invalidate(ListKey)
	if v, _ := s.Read(ListKey); v != 1 {
		t.Fatalf("invalidate must keep cached data, got %v", v)
	}
	if got := waitFor(t, ch); got != 2 {
		t.Fatalf("revalidated value = %v", got)
	}
}

func TestRefetchActiveIgnoresStaleness(t *testing.T) {
	s, _ := newTestStore(t)
	var n atomic.Int32
	loader := func(context.Context) (any, error) { return int(n.Add(1)), nil }
	s.Fetch(context.Background(), ListKey, loader)
	s.Fetch(context.Background(), DetailKey("unwatched"), loader)

	ch, unsub := notifications(s, ListKey)
	defer unsub()
	s.RefetchActive()
	waitFor(t, ch)
	s.Close()
	if n.Load() != 3 {
		t.Fatalf("expected only the subscribed key to reload, loads=%d", n.Load())
	}
}

func TestSubscribeWriteRemoveClear(t *testing.T) {
	s, _ := newTestStore(t)
	ch, unsub := notifications(s, DetailKey("abc123"))

	s.Write(DetailKey("abc123"), model.Todo{ID: "abc123"})
	if got := waitFor(t, ch).(model.Todo); got.ID != "abc123" {
		t.Fatalf("notified with %+v", got)
	}
	s.Remove(DetailKey("abc123"))
	if got := waitFor(t, ch); got != nil {
		t.Fatalf("remove should notify nil, got %v", got)
	}
	if _, ok := ReadTodo(s, "abc123"); ok {
		t.Fatal("entry still present after remove")
	}

	s.Write(DetailKey("abc123"), model.Todo{ID: "abc123"})
	waitFor(t, ch)
	s.Write(ListKey, []model.Todo{{ID: "abc123"}})
	s.Clear()
	if got := waitFor(t, ch); got != nil {
		t.Fatalf("clear should notify nil, got %v", got)
	}
	if _, ok := ReadList(s); ok {
		t.Fatal("list survived clear")
	}

	unsub()
	s.Write(DetailKey("abc123"), model.Todo{ID: "abc123"})
	select {
	case v := <-ch:
		t.Fatalf("notified after unsubscribe: %v", v)
	default:
	}
}

func TestRemoveAtChecksVersion(t *testing.T) {
	s, _ := newTestStore(t)
	s.Write(ListKey, []model.Todo{{ID: "a"}})
	stale := s.Version(ListKey)
	s.Write(ListKey, []model.Todo{{ID: "a"}, {ID: "b"}})

	if s.RemoveAt(ListKey, stale) {
		t.Fatal("removed a newer write")
	}
	if list, _ := ReadList(s); len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if !s.RemoveAt(ListKey, s.Version(ListKey)) {
		t.Fatal("current version not removed")
	}
	if _, ok := ReadList(s); ok {
		t.Fatal("list still cached")
	}
	if s.RemoveAt(ListKey, 0) {
		t.Fatal("removed a missing key")
	}
}

func TestMutateIsAtomicAndVersioned(t *testing.T) {
	s, _ := newTestStore(t)
	v0 := s.Version(ListKey)
	v1 := s.Mutate(ListKey, func(cur any, ok bool, version uint64) (any, bool) {
		if ok || version != v0 {
			t.Errorf("unexpected state ok=%v version=%d", ok, version)
		}
		return []model.Todo{{ID: "a"}}, true
	})
	if v1 == v0 {
		t.Fatal("version did not change on write")
	}
	v2 := s.Mutate(ListKey, func(any, bool, uint64) (any, bool) { return nil, false })
	if v2 != v1 {
		t.Fatal("version changed without a write")
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Mutate(ListKey, func(cur any, _ bool, _ uint64) (any, bool) {
				list := cur.([]model.Todo)
				next := append([]model.Todo{{ID: "x"}}, list...)
				return next, true
			})
		}()
	}
	wg.Wait()
	if list, _ := ReadList(s); len(list) != 51 {
		t.Fatalf("lost updates: len=%d", len(list))
	}
}

func TestDetailKey(t *testing.T) {
	id, ok := DetailKey("abc123").DetailID()
	if !ok || id != "abc123" {
		t.Fatalf("DetailID = %q %v", id, ok)
	}
	if _, ok := ListKey.DetailID(); ok {
		t.Fatal("list key reported as detail key")
	}
}
