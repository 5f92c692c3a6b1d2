package session

import (
	"sync"
)

// Fanout is the set of clients a Broadcaster delivers to.
type Fanout interface {
	Members() []*Client
	Remove(id string) bool
}

// Registry tracks attached clients in join order.
type Registry struct {
	mu      sync.RWMutex
	clients []*Client
	byID    map[string]*Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Client),
	}
}

// Add registers a client. Adding a client twice is a no-op.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.id]; ok {
		return
	}
	r.byID[c.id] = c
	r.clients = append(r.clients, c)
}

// Remove unregisters the client with the given id and reports whether it
// was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, c := range r.clients {
		if c.id == id {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the client with the given id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Members returns the registered clients in join order. The slice is a
// copy; later registry changes do not affect it.
func (r *Registry) Members() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, len(r.clients))
	copy(out, r.clients)
	return out
}

// ForEach calls fn for every client registered when ForEach was called.
// fn may add or remove clients.
func (r *Registry) ForEach(fn func(*Client)) {
	for _, c := range r.Members() {
		fn(c)
	}
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
