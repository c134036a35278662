package transport

import "sync"

// Connectivity tracks whether the API was reachable on the last call and
// fires reconnect listeners on the offline -> online edge.
type Connectivity struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func()
}

// NewConnectivity starts in the online state.
func NewConnectivity() *Connectivity {
	return &Connectivity{online: true, listeners: make(map[int]func())}
}

// Online reports the last observed state.
func (c *Connectivity) Online() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// OnReconnect registers fn and returns a function that removes it.
func (c *Connectivity) OnReconnect(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Connectivity) markOffline() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
}

func (c *Connectivity) markOnline() {
	if c == nil {
		return
	}
	c.mu.Lock()
	was := c.online
	c.online = true
	var fns []func()
	if !was {
		fns = make([]func(), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
