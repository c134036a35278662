// Package cache holds the in-memory copy of the todo dataset.
//
// A Store maps keys to values with reactive subscriptions. Concurrent
// fetches of one key share a single load, entries go stale after a fixed
// age and are revalidated in the background, and any write supersedes a
// load that is still in flight so late responses never clobber newer state.
//
// Values are shared with every reader and subscriber and must be treated as
// immutable: replace them with Write or Mutate, never modify them in place.
package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

// DefaultStaleTime is how long a loaded value is served without refetching.
const DefaultStaleTime = 60 * time.Second

// ErrSuperseded is returned to fetchers whose load was cancelled or
// overwritten before any value was cached.
var ErrSuperseded = errors.New("cache: load superseded")

// Loader produces the value for a key.
type Loader func(ctx context.Context) (any, error)

// Subscriber is called after every change of a key. value is nil when the
// entry was removed.
type Subscriber func(value any)

type entry struct {
	value     any
	has       bool
	updatedAt time.Time
	invalid   bool
	version   uint64
	loader    Loader
	call      *call
}

type call struct {
	done      chan struct{}
	version   uint64
	cancel    context.CancelFunc
	discarded bool
	val       any
	err       error
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	subs    map[Key]map[int]Subscriber
	nextSub int

	staleTime time.Duration
	now       func() time.Time
	retries   uint
	retryIf   func(error) bool
	backoff   func() backoff.BackOff
	logger    *log.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithStaleTime overrides DefaultStaleTime.
func WithStaleTime(d time.Duration) Option {
	return func(s *Store) { s.staleTime = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetry retries failed loads up to n extra times when retryIf accepts
// the error.
func WithRetry(n uint, retryIf func(error) bool) Option {
	return func(s *Store) {
		s.retries = n
		s.retryIf = retryIf
	}
}

// WithBackOff sets the delay policy between load retries.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Store) { s.backoff = fn }
}

// WithLogger sets the logger for background failures.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns an empty store. Close releases its background work.
func New(opts ...Option) *Store {
	s := &Store{
		entries:   make(map[Key]*entry),
		subs:      make(map[Key]map[int]Subscriber),
		staleTime: DefaultStaleTime,
		now:       time.Now,
		backoff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close cancels in-flight loads and waits for them to return.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

// Read returns the last-known value without triggering a load.
func (s *Store) Read(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.has {
		return nil, false
	}
	return e.value, true
}

// Version returns a counter that changes on every write to key.
func (s *Store) Version(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.version
	}
	return 0
}

// Stale reports whether key would be revalidated by the next Fetch.
func (s *Store) Stale(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return !ok || !e.has || s.staleLocked(e)
}

func (s *Store) staleLocked(e *entry) bool {
	return e.invalid || s.now().Sub(e.updatedAt) > s.staleTime
}

func (s *Store) entryLocked(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// Fetch returns the cached value while it is fresh. A stale value is
// returned immediately and revalidated in the background. Without a value
// the caller waits for the load, sharing it with any concurrent Fetch of the
// same key.
func (s *Store) Fetch(ctx context.Context, key Key, loader Loader) (any, error) {
	s.mu.Lock()
	e := s.entryLocked(key)
	e.loader = loader

	if e.has && !s.staleLocked(e) {
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	if e.has {
		if e.call == nil {
			s.startLocked(key, e)
		}
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	c := e.call
	if c == nil {
		c = s.startLocked(key, e)
	}
	s.mu.Unlock()

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startLocked launches the loader of e. The caller holds s.mu.
func (s *Store) startLocked(key Key, e *entry) *call {
	ctx, cancel := context.WithCancel(s.base)
	c := &call{
		done:    make(chan struct{}),
		version: e.version,
		cancel:  cancel,
	}
	e.call = c
	loader := e.loader

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		v, err := s.load(ctx, loader)
		s.finish(key, e, c, v, err)
	}()
	return c
}

func (s *Store) load(ctx context.Context, loader Loader) (any, error) {
	if s.retries == 0 || s.retryIf == nil {
		return loader(ctx)
	}
	return backoff.Retry(ctx, func() (any, error) {
		v, err := loader(ctx)
		if err != nil && !s.retryIf(err) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(s.backoff()), backoff.WithMaxTries(s.retries+1))
}

func (s *Store) finish(key Key, e *entry, c *call, v any, err error) {
	s.mu.Lock()
	if e.call == c {
		e.call = nil
	}
	current := s.entries[key] == e
	var notify []Subscriber
	switch {
	case c.discarded || !current || e.version != c.version:
		// A newer write or a cancel won; hand waiters the latest state.
		if current && e.has {
			c.val, c.err = e.value, nil
		} else {
			c.val, c.err = nil, ErrSuperseded
		}
	case err != nil:
		c.val, c.err = nil, err
		s.logger.Warn("cache load failed", "key", key, "err", err)
	default:
		s.storeLocked(e, v)
		c.val = v
		notify = s.subscribersLocked(key)
	}
	s.mu.Unlock()

	close(c.done)
	for _, fn := range notify {
		fn(v)
	}
}

func (s *Store) storeLocked(e *entry, v any) {
	e.value = v
	e.has = true
	e.updatedAt = s.now()
	e.invalid = false
	e.version++
}

func (s *Store) subscribersLocked(key Key) []Subscriber {
	m := s.subs[key]
	out := make([]Subscriber, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// Write replaces the value of key and notifies its subscribers before
// returning. An in-flight load of key is superseded.
func (s *Store) Write(key Key, value any) {
	s.mu.Lock()
	s.storeLocked(s.entryLocked(key), value)
	notify := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(value)
	}
}

// Mutate atomically derives the next value of key from the current one.
// fn runs under the store lock and must not call back into the store; it
// returns the new value and whether to write it. Mutate returns the version
// after the call.
func (s *Store) Mutate(key Key, fn func(cur any, ok bool, version uint64) (any, bool)) uint64 {
	s.mu.Lock()
	e := s.entryLocked(key)
	next, write := fn(e.value, e.has, e.version)
	if !write {
		v := e.version
		s.mu.Unlock()
		return v
	}
	s.storeLocked(e, next)
	version := e.version
	notify := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, sub := range notify {
		sub(next)
	}
	return version
}

// CancelPending discards the result of any in-flight load of key.
func (s *Store) CancelPending(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.call == nil {
		return
	}
	e.call.discarded = true
	e.call.cancel()
	e.call = nil
}

// Invalidate marks key stale. Keys with subscribers are revalidated in the
// background right away; others on their next Fetch. Cached data is kept.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.invalid = true
	if len(s.subs[key]) > 0 && e.loader != nil && e.call == nil {
		s.startLocked(key, e)
	}
}

// Remove evicts key and notifies its subscribers with nil.
func (s *Store) Remove(key Key) {
	s.remove(key, func(*entry) bool { return true })
}

// RemoveAt evicts key only while its version is still version, and reports
// whether it did.
func (s *Store) RemoveAt(key Key, version uint64) bool {
	return s.remove(key, func(e *entry) bool { return e.version == version })
}

func (s *Store) remove(key Key, cond func(*entry) bool) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || !cond(e) {
		s.mu.Unlock()
		return false
	}
	if e.call != nil {
		e.call.discarded = true
		e.call.cancel()
	}
	delete(s.entries, key)
	notify := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(nil)
	}
	return true
}

// Clear drops every entry. Subscriptions survive and are notified with nil.
func (s *Store) Clear() {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.call != nil {
			e.call.discarded = true
			e.call.cancel()
		}
	}
	s.entries = make(map[Key]*entry)
	var notify []Subscriber
	for key := range s.subs {
		notify = append(notify, s.subscribersLocked(key)...)
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn(nil)
	}
}

// Subscribe registers fn for changes of key and returns its cancel func.
func (s *Store) Subscribe(key Key, fn Subscriber) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]Subscriber)
	}
	s.subs[key][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[key], id)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
			s.mu.Unlock()
		})
	}
}

// RefetchActive reloads every subscribed key that has a loader, regardless
// of staleness. It is driven by focus and reconnect events.
func (s *Store) RefetchActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.subs {
		e, ok := s.entries[key]
		if !ok || e.loader == nil || e.call != nil {
			continue
		}
		s.startLocked(key, e)
	}
}
