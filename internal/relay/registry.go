package relay

import "sync"

// Conn is the write side of a relay connection. Implementations must be
// safe for concurrent writes.
type Conn interface {
	WriteText(data []byte) error
	Close() error
}

// Registry maps peer identifiers to their live relay connection. A later
// register for an existing identifier silently replaces the former handle;
// the prior socket is not closed by the registry.
type Registry struct {
	mu    sync.Mutex
	peers map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]Conn),
	}
}

func (r *Registry) Register(id string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = conn
}

func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.peers[id]
	return conn, ok
}

// RemoveConn drops every identifier bound to exactly this connection. A
// replaced socket closing later must not evict its replacement, hence the
// identity check.
func (r *Registry) RemoveConn(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.peers {
		if c == conn {
			delete(r.peers, id)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
