package cache

import (
	"context"
	"strings"

	"github.com/Makepad-fr/tada/internal/model"
)

// Key addresses one cache entry.
type Key string

// ListKey holds every todo of the current user, newest first.
const ListKey Key = "todos"

const detailPrefix = "todos/detail/"

// DetailKey holds the todo with the given id.
func DetailKey(id string) Key { return Key(detailPrefix + id) }

// DetailID returns the todo id addressed by a detail key.
func (k Key) DetailID() (string, bool) {
	s := string(k)
	if !strings.HasPrefix(s, detailPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, detailPrefix), true
}

// ReadList returns the cached list.
func ReadList(s *Store) ([]model.Todo, bool) {
	v, ok := s.Read(ListKey)
	if !ok {
		return nil, false
	}
	todos, ok := v.([]model.Todo)
	return todos, ok
}

// ReadTodo returns the cached detail entry for id.
func ReadTodo(s *Store, id string) (model.Todo, bool) {
	v, ok := s.Read(DetailKey(id))
	if !ok {
		return model.Todo{}, false
	}
	t, ok := v.(model.Todo)
	return t, ok
}

// FetchList fetches ListKey with list as its loader.
func FetchList(ctx context.Context, s *Store, list func(context.Context) ([]model.Todo, error)) ([]model.Todo, error) {
	return fetchAs(ctx, s, ListKey, list)
}

// FetchTodo fetches the detail entry for id with get as its loader.
func FetchTodo(ctx context.Context, s *Store, id string, get func(context.Context, string) (model.Todo, error)) (model.Todo, error) {
	return fetchAs(ctx, s, DetailKey(id), func(ctx context.Context) (model.Todo, error) {
		return get(ctx, id)
	})
}

func fetchAs[T any](ctx context.Context, s *Store, key Key, load func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := s.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}
