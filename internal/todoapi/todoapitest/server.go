// Package todoapitest runs an in-memory /api/todos resource for tests.
package todoapitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Makepad-fr/tada/internal/model"
	"github.com/Makepad-fr/tada/internal/todoapi"
	"github.com/Makepad-fr/tada/internal/transport"
)

// Token is the only bearer token the server accepts.
const Token = "test-token"

// Failure is a canned error response.
type Failure struct {
	Status int
	Body   string
}

// Server is a fake todo resource. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	todos    []model.Todo // newest first
	seq      int
	nextIDs  []string
	hits     map[string]int
	failures map[string][]Failure
	hold     chan struct{}
	arrived  chan string
	now      func() time.Time
}

// New starts a server that is closed when t finishes.
func New(t testing.TB) *Server {
	s := &Server{
		hits:     make(map[string]int),
		failures: make(map[string][]Failure),
		arrived:  make(chan string, 64),
		now:      func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/todos", s.list)
	mux.HandleFunc("POST /api/todos", s.create)
	mux.HandleFunc("GET /api/todos/{id}", s.get)
	mux.HandleFunc("PATCH /api/todos/{id}", s.update)
	mux.HandleFunc("DELETE /api/todos/{id}", s.delete)
	s.Server = httptest.NewServer(s.middleware(mux))
	t.Cleanup(func() {
		s.Release()
		s.Close()
	})
	return s
}

// Client returns a transport client authenticated with Token.
func (s *Server) Client(t testing.TB, opts ...transport.Option) *transport.Client {
	t.Helper()
	c, err := transport.New(s.URL, transport.TokenFunc(func(context.Context) (string, error) {
		return Token, nil
	}), opts...)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	return c
}

// API returns a todoapi.API bound to the server.
func (s *Server) API(t testing.TB) *todoapi.API {
	return todoapi.New(s.Client(t))
}

// Seed replaces the stored todos. The first argument is the newest.
func (s *Server) Seed(todos ...model.Todo) {
	s.mu.Lock()
	s.todos = append([]model.Todo(nil), todos...)
	s.mu.Unlock()
}

// Todos returns the stored todos.
func (s *Server) Todos() []model.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Todo(nil), s.todos...)
}

// SetNextID makes the next create return id.
func (s *Server) SetNextID(id string) {
	s.mu.Lock()
	s.nextIDs = append(s.nextIDs, id)
	s.mu.Unlock()
}

// FailNext queues a failure for the next request with the given method.
func (s *Server) FailNext(method string, status int, body string) {
	s.mu.Lock()
	s.failures[method] = append(s.failures[method], Failure{Status: status, Body: body})
	s.mu.Unlock()
}

// Hits returns how many requests with method reached the server.
func (s *Server) Hits(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method]
}

// Hold makes requests block until Release. Arrived reports each held request.
func (s *Server) Hold() {
	s.mu.Lock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
	s.mu.Unlock()
}

// Release unblocks held requests.
func (s *Server) Release() {
	s.mu.Lock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
	s.mu.Unlock()
}

// Arrived receives "METHOD path" for every request once it reached the server.
func (s *Server) Arrived() <-chan string { return s.arrived }

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method]++
		hold := s.hold
		var fail *Failure
		if q := s.failures[r.Method]; len(q) > 0 {
			fail = &q[0]
			s.failures[r.Method] = q[1:]
		}
		s.mu.Unlock()

		select {
		case s.arrived <- r.Method + " " + r.URL.Path:
		default:
		}
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}

		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"})
			return
		}
		if fail != nil {
			w.WriteHeader(fail.Status)
			w.Write([]byte(fail.Body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Todo not found"})
}

func invalid(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{{"loc": []string{"body", field}, "msg": msg, "type": "value_error"}},
	})
}

// -------------- handlers ----------------

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]model.Todo{}, s.todos...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.todos {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	notFound(w)
}

func (s *Server) nextIDLocked() string {
	if len(s.nextIDs) > 0 {
		id := s.nextIDs[0]
		s.nextIDs = s.nextIDs[1:]
		return id
	}
	s.seq++
	return fmt.Sprintf("srv-%d", s.seq)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var d model.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		invalid(w, "body", "invalid JSON")
		return
	}
	if n := utf8.RuneCountInString(d.Title); n == 0 || n > model.MaxTitleLen {
		invalid(w, "title", "String should have between 1 and 500 characters")
		return
	}
	s.mu.Lock()
	now := s.now()
	t := model.Todo{
		ID:          s.nextIDLocked(),
		Title:       d.Title,
		Description: d.Description,
		IsCompleted: d.IsCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.todos = append([]model.Todo{t}, s.todos...)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		invalid(w, "body", "invalid JSON")
		return
	}
	var p model.Patch
	if raw, ok := body["title"]; ok {
		var title string
		json.Unmarshal(raw, &title)
		if n := utf8.RuneCountInString(title); n == 0 || n > model.MaxTitleLen {
			invalid(w, "title", "String should have between 1 and 500 characters")
			return
		}
		p.Title = &title
	}
	if raw, ok := body["description"]; ok {
		if string(raw) == "null" {
			p.ClearDescription = true
		} else {
			var d string
			json.Unmarshal(raw, &d)
			p.Description = &d
		}
	}
	if raw, ok := body["is_completed"]; ok {
		var done bool
		json.Unmarshal(raw, &done)
		p.IsCompleted = &done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.todos {
		if t.ID == id {
			next := p.Apply(t)
			next.UpdatedAt = s.now().Add(time.Minute)
			s.todos[i] = next
			writeJSON(w, http.StatusOK, next)
			return
		}
	}
	notFound(w)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.todos {
		if t.ID == id {
			s.todos = append(s.todos[:i], s.todos[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	notFound(w)
}
