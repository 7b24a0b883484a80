package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/p42r/pkg/platform"
)

// ClientRegistry holds every open connection. Authenticated connections are
// also indexed by identity so replies fan out to all sockets of one client
// name.
type ClientRegistry struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	routes map[platform.Identity][]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		conns:  make(map[string]*Client),
		routes: make(map[platform.Identity][]*Client),
	}
}

// Track records a freshly upgraded connection.
func (r *ClientRegistry) Track(c *Client) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Bind makes an authenticated connection reachable under its identity.
func (r *ClientRegistry) Bind(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.Identity()
	for _, existing := range r.routes[id] {
		if existing == c {
			return
		}
	}
	r.routes[id] = append(r.routes[id], c)
}

// Drop forgets a connection and its route, if any.
func (r *ClientRegistry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if c.Name == "" {
		return
	}

	id := c.Identity()
	kept := r.routes[id][:0]
	for _, other := range r.routes[id] {
		if other != c {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(r.routes, id)
		return
	}
	r.routes[id] = kept
}

// Route returns the authenticated connections of id, oldest first.
func (r *ClientRegistry) Route(id platform.Identity) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Client(nil), r.routes[id]...)
}

// All returns every open connection in no particular order.
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch stamps activity on a connection.
func (r *ClientRegistry) Touch(connID string, at time.Time) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.LastActivity = at
	}
	r.mu.Unlock()
}

// Infos describes open connections for the admin API, oldest first.
func (r *ClientRegistry) Infos() []ClientInfo {
	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Name:          c.Name,
			Authenticated: c.Authenticated(),
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
