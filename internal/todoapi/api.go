// Package todoapi is the client for the remote /api/todos resource.
package todoapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/transport"
)

const basePath = "/api/todos"

// Doer is the subset of transport.Client the API needs.
type Doer interface {
	Do(ctx context.Context, method, endpoint string, body, out any) error
}

// API exposes list/get/create/update/delete over Todo entities.
type API struct {
	t Doer
}

// New returns an API bound to t.
func New(t Doer) *API { return &API{t: t} }

func itemPath(id string) (string, error) {
	if model.IsProvisional(id) {
		return "", transport.ErrProvisional
	}
	return basePath + "/" + url.PathEscape(id), nil
}

// List returns every todo of the current user.
func (a *API) List(ctx context.Context) ([]model.Todo, error) {
	var out []model.Todo
	if err := a.t.Do(ctx, http.MethodGet, basePath, nil, &out); err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	if out == nil {
		out = []model.Todo{}
	}
	return out, nil
}

// Get returns one todo.
func (a *API) Get(ctx context.Context, id string) (model.Todo, error) {
	p, err := itemPath(id)
	if err != nil {
		return model.Todo{}, err
	}
	var out model.Todo
	if err := a.t.Do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return model.Todo{}, fmt.Errorf("get todo %s: %w", id, err)
	}
	return out, nil
}

// Create stores a new todo and returns it with its server id.
func (a *API) Create(ctx context.Context, d model.Draft) (model.Todo, error) {
	var out model.Todo
	if err := a.t.Do(ctx, http.MethodPost, basePath, d, &out); err != nil {
		return model.Todo{}, fmt.Errorf("create todo: %w", err)
	}
	return out, nil
}

// Update applies a partial update.
func (a *API) Update(ctx context.Context, id string, p model.Patch) (model.Todo, error) {
	path, err := itemPath(id)
	if err != nil {
		return model.Todo{}, err
	}
	var out model.Todo
	if err := a.t.Do(ctx, http.MethodPatch, path, p, &out); err != nil {
		return model.Todo{}, fmt.Errorf("update todo %s: %w", id, err)
	}
	return out, nil
}

// Toggle sets the completion flag.
func (a *API) Toggle(ctx context.Context, id string, done bool) (model.Todo, error) {
	return a.Update(ctx, id, model.Completion(done))
}

// Delete removes a todo. The server answers 204.
func (a *API) Delete(ctx context.Context, id string) error {
	p, err := itemPath(id)
	if err != nil {
		return err
	}
	if err := a.t.Do(ctx, http.MethodDelete, p, nil, nil); err != nil {
		return fmt.Errorf("delete todo %s: %w", id, err)
	}
	return nil
}
