// Package notice carries short, time-limited messages to the user.
package notice

import (
	"sync"
	"time"
)

// Level is the severity of a notice.
type Level int

const (
	Info Level = iota
	Success
	Warning
	Error
)

// DefaultTTL is how long a notice stays visible unless it says otherwise.
const DefaultTTL = 4 * time.Second

// Notice is a dismissible message.
type Notice struct {
	Level Level
	Text  string
	TTL   time.Duration
}

// Notifier shows notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(Notice)
}

// Func adapts a function to Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// Recorder keeps every notice it receives; handy in tests and for CLI
// commands that print notices after the fact.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
