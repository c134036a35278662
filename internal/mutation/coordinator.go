// Package mutation applies todo changes optimistically.
//
// Every operation cancels in-flight loads of the keys it touches, snapshots
// them, writes the expected result into the cache, calls the server and
// then either reconciles the cache with the server's answer or restores the
// snapshot. Errors are returned only after the cache is consistent again.
package mutation

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"github.com/Makepad-fr/tada/internal/cache"
	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/transport"
)

// Remote is the server side of the mutations.
type Remote interface {
	Create(ctx context.Context, d model.Draft) (model.Todo, error)
	Update(ctx context.Context, id string, p model.Patch) (model.Todo, error)
	Delete(ctx context.Context, id string) error
}

// Coordinator runs create, update, delete and toggle against one Store.
type Coordinator struct {
	store    *cache.Store
	remote   Remote
	notifier notice.Notifier
	logger   *log.Logger
	now      func() time.Time
	retries  uint
	backoff  func() backoff.BackOff

	mu        sync.Mutex
	pending   map[string]int
	observers []func(error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier receives success and failure notices.
func WithNotifier(n notice.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock injects the time source used for provisional timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRetry retries the server call up to n extra times on network and
// server errors. Client errors are never retried.
func WithRetry(n uint, b func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		c.retries = n
		if b != nil {
			c.backoff = b
		}
	}
}

// New returns a coordinator writing through store.
func New(store *cache.Store, remote Remote, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		remote:   remote,
		notifier: notice.Discard,
		logger:   log.New(io.Discard),
		now:      time.Now,
		backoff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		pending:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnError registers fn to observe every failed mutation after its rollback.
func (c *Coordinator) OnError(fn func(error)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Pending reports whether a mutation of id is in flight.
func (c *Coordinator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id] > 0
}

// InFlight returns the number of mutations in flight.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.pending {
		n += v
	}
	return n
}

func (c *Coordinator) begin(id string) {
	c.mu.Lock()
	c.pending[id]++
	c.mu.Unlock()
}

func (c *Coordinator) end(id string) {
	c.mu.Lock()
	if c.pending[id]--; c.pending[id] <= 0 {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// -------------- operations ----------------

// Create adds a todo. The provisional entry is visible to subscribers
// before the request is sent.
func (c *Coordinator) Create(ctx context.Context, d model.Draft) (model.Todo, error) {
	if err := ValidateDraft(d); err != nil {
		c.notifyFailure(err)
		return model.Todo{}, err
	}

	mc := &Context{Op: OpCreate, ID: model.NewProvisionalID(), PrevIndex: -1}
	c.begin(mc.ID)
	defer c.end(mc.ID)

	c.store.CancelPending(cache.ListKey)
	mc.Optimistic = d.Provisional(mc.ID, c.now().UTC())
	mc.AppliedListVersion = c.store.Mutate(cache.ListKey, func(cur any, ok bool, _ uint64) (any, bool) {
		mc.PrevList, mc.HadList = listOf(cur), ok
		return prepend(mc.PrevList, mc.Optimistic), true
	})
	mc.Applied, mc.ListApplied = true, true
	mc.State = OptimisticApplied

	mc.State = ServerPending
	server, err := withRetry(ctx, c, func() (model.Todo, error) { return c.remote.Create(ctx, d) })
	if err != nil {
		c.rollback(mc)
		return model.Todo{}, c.fail(mc, err)
	}
	c.reconcile(mc, server)
	c.notifier.Notify(notice.Notice{Level: notice.Success, Text: "Todo created", TTL: notice.DefaultTTL})
	return server, nil
}

// Update applies a partial change to the todo with the given id.
func (c *Coordinator) Update(ctx context.Context, id string, p model.Patch) (model.Todo, error) {
	return c.change(ctx, OpUpdate, id, p)
}

// Toggle sets the completion flag of a todo.
func (c *Coordinator) Toggle(ctx context.Context, id string, done bool) (model.Todo, error) {
	return c.change(ctx, OpToggle, id, model.Completion(done))
}

func (c *Coordinator) change(ctx context.Context, op Op, id string, p model.Patch) (model.Todo, error) {
	if model.IsProvisional(id) {
		c.notifyFailure(transport.ErrProvisional)
		return model.Todo{}, transport.ErrProvisional
	}
	if err := ValidatePatch(p); err != nil {
		c.notifyFailure(err)
		return model.Todo{}, err
	}

	mc := &Context{Op: op, ID: id, PrevIndex: -1}
	c.begin(id)
	defer c.end(id)

	detailKey := cache.DetailKey(id)
	c.store.CancelPending(detailKey)
	c.store.CancelPending(cache.ListKey)

	mc.PrevDetail, mc.HadDetail = cache.ReadTodo(c.store, id)
	mc.AppliedListVersion = c.store.Mutate(cache.ListKey, func(cur any, ok bool, version uint64) (any, bool) {
		mc.PrevList, mc.HadList = listOf(cur), ok
		mc.PrevIndex = indexOf(mc.PrevList, id)
		switch {
		case mc.HadDetail:
			mc.Prev, mc.HadPrev = mc.PrevDetail, true
		case mc.PrevIndex >= 0:
			mc.Prev, mc.HadPrev = mc.PrevList[mc.PrevIndex], true
		default:
			return nil, false
		}
		mc.Optimistic = p.Apply(mc.Prev)
		mc.Optimistic.UpdatedAt = c.now().UTC()
		mc.Applied = true
		if !ok || mc.PrevIndex < 0 {
			return nil, false
		}
		mc.ListApplied = true
		next, _ := replace(mc.PrevList, id, mc.Optimistic)
		return next, true
	})
	if mc.Applied {
		c.store.Write(detailKey, mc.Optimistic)
		mc.State = OptimisticApplied
	}

	mc.State = ServerPending
	server, err := withRetry(ctx, c, func() (model.Todo, error) { return c.remote.Update(ctx, id, p) })
	if err != nil {
		if transport.IsNotFound(err) {
			c.forget(mc)
		} else {
			c.rollback(mc)
		}
		return model.Todo{}, c.fail(mc, err)
	}
	c.reconcile(mc, server)
	if op == OpUpdate {
		c.notifier.Notify(notice.Notice{Level: notice.Success, Text: "Todo updated", TTL: notice.DefaultTTL})
	}
	return server, nil
}

// Delete removes a todo. The list entry disappears before the request is
// sent; the detail entry is kept until the server confirms. A 404 means the
// todo is already gone and counts as success.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if model.IsProvisional(id) {
		c.notifyFailure(transport.ErrProvisional)
		return transport.ErrProvisional
	}

	mc := &Context{Op: OpDelete, ID: id, PrevIndex: -1}
	c.begin(id)
	defer c.end(id)

	c.store.CancelPending(cache.ListKey)
	c.store.CancelPending(cache.DetailKey(id))
	mc.PrevDetail, mc.HadDetail = cache.ReadTodo(c.store, id)
	mc.AppliedListVersion = c.store.Mutate(cache.ListKey, func(cur any, ok bool, _ uint64) (any, bool) {
		mc.PrevList, mc.HadList = listOf(cur), ok
		mc.PrevIndex = indexOf(mc.PrevList, id)
		if mc.PrevIndex >= 0 {
			mc.Prev, mc.HadPrev = mc.PrevList[mc.PrevIndex], true
		} else if mc.HadDetail {
			mc.Prev, mc.HadPrev = mc.PrevDetail, true
		}
		next, removed := remove(mc.PrevList, id)
		mc.Applied, mc.ListApplied = removed, removed
		return next, removed
	})
	if mc.ListApplied {
		mc.State = OptimisticApplied
	}

	mc.State = ServerPending
	_, err := withRetry(ctx, c, func() (struct{}, error) { return struct{}{}, c.remote.Delete(ctx, id) })
	if err != nil && !transport.IsNotFound(err) {
		c.rollback(mc)
		return c.fail(mc, err)
	}
	if err != nil {
		c.logger.Info("todo already deleted on server", "id", id)
	}
	c.reconcile(mc, model.Todo{})
	c.notifier.Notify(notice.Notice{Level: notice.Success, Text: "Todo deleted", TTL: notice.DefaultTTL})
	return nil
}

// -------------- reconcile / rollback ----------------

// reconcile replaces optimistic state with the server's answer. Applying
// the same answer twice leaves the cache unchanged.
func (c *Coordinator) reconcile(mc *Context, server model.Todo) {
	switch mc.Op {
	case OpCreate:
		c.store.Mutate(cache.ListKey, func(cur any, _ bool, _ uint64) (any, bool) {
			list := listOf(cur)
			next, ok := replace(list, mc.ID, server)
			if !ok {
				if next, ok = replace(list, server.ID, server); !ok {
					next = prepend(list, server)
				}
			}
			return dedupe(next), true
		})
		c.store.Write(cache.DetailKey(server.ID), server)
	case OpUpdate, OpToggle:
		c.store.Write(cache.DetailKey(server.ID), server)
		c.store.Mutate(cache.ListKey, func(cur any, ok bool, _ uint64) (any, bool) {
			if !ok {
				return nil, false
			}
			next, replaced := replace(listOf(cur), server.ID, server)
			return next, replaced
		})
		c.store.Invalidate(cache.DetailKey(server.ID))
	case OpDelete:
		c.store.Remove(cache.DetailKey(mc.ID))
		c.store.Mutate(cache.ListKey, func(cur any, ok bool, _ uint64) (any, bool) {
			if !ok {
				return nil, false
			}
			return remove(listOf(cur), mc.ID)
		})
	}
	mc.State = Reconciled
	c.store.Invalidate(cache.ListKey)
}

// rollback restores the snapshot. When another write reached the list after
// the optimistic one, only this mutation's entity is reverted so that
// concurrent mutations survive.
func (c *Coordinator) rollback(mc *Context) {
	// A list that did not exist before goes away again unless another write
	// reached it since.
	absent := mc.ListApplied && !mc.HadList && c.store.RemoveAt(cache.ListKey, mc.AppliedListVersion)
	if mc.ListApplied && !absent {
		c.store.Mutate(cache.ListKey, func(cur any, _ bool, version uint64) (any, bool) {
			if version == mc.AppliedListVersion {
				return mc.PrevList, true
			}
			list := listOf(cur)
			switch mc.Op {
			case OpCreate:
				return remove(list, mc.ID)
			case OpDelete:
				if indexOf(list, mc.ID) >= 0 || !mc.HadPrev {
					return nil, false
				}
				return insertAt(list, mc.PrevIndex, mc.Prev), true
			default:
				if !mc.HadPrev {
					return nil, false
				}
				return replace(list, mc.ID, mc.Prev)
			}
		})
	}
	if mc.Op == OpUpdate || mc.Op == OpToggle {
		if mc.HadDetail {
			c.store.Write(cache.DetailKey(mc.ID), mc.PrevDetail)
		} else if mc.Applied {
			c.store.Remove(cache.DetailKey(mc.ID))
		}
	}
	mc.State = RolledBack
	c.store.Invalidate(cache.ListKey)
}

// forget drops an entity the server no longer knows.
func (c *Coordinator) forget(mc *Context) {
	c.store.Remove(cache.DetailKey(mc.ID))
	c.store.Mutate(cache.ListKey, func(cur any, ok bool, _ uint64) (any, bool) {
		if !ok {
			return nil, false
		}
		return remove(listOf(cur), mc.ID)
	})
	mc.State = RolledBack
	c.store.Invalidate(cache.ListKey)
}

// fail surfaces err once the cache is consistent.
func (c *Coordinator) fail(mc *Context, err error) error {
	c.logger.Warn("mutation failed", "op", mc.Op, "id", mc.ID, "state", mc.State, "err", err)
	c.notifyFailure(err)

	c.mu.Lock()
	observers := append([]func(error){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
	return err
}

// notifyFailure shows the user message. Session expiry has its own notice.
func (c *Coordinator) notifyFailure(err error) {
	if transport.IsUnauthenticated(err) {
		return
	}
	c.notifier.Notify(notice.Notice{Level: notice.Error, Text: transport.UserMessage(err), TTL: notice.DefaultTTL})
}

func withRetry[T any](ctx context.Context, c *Coordinator, op func() (T, error)) (T, error) {
	if c.retries == 0 {
		return op()
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !transport.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.retries+1))
}

func listOf(v any) []model.Todo {
	list, _ := v.([]model.Todo)
	if list == nil {
		return []model.Todo{}
	}
	return list
}
