package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReasonTrustRevoked is the close reason for connections of a removed peer.
const ReasonTrustRevoked = "trust revoked"

// ConnInfo is a snapshot of a registered connection.
type ConnInfo struct {
	ID          string
	Fingerprint string
	RemoteAddr  string
	Since       time.Time
}

type registryEntry struct {
	conn  Conn
	since time.Time
}

// Registry tracks live control connections so they can be closed when a
// peer's trust is revoked. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]registryEntry

	// OnChange is called with the new count after every change, outside the lock.
	OnChange func(count int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]registryEntry)}
}

// Register adds c under its own ID and returns that id. A connection
// without an id, or whose id is already registered, gets a fresh UUID.
func (r *Registry) Register(c Conn) string {
	id := c.ID()
	r.mu.Lock()
	if _, taken := r.conns[id]; id == "" || taken {
		id = uuid.NewString()
	}
	r.conns[id] = registryEntry{conn: c, since: time.Now()}
	n := len(r.conns)
	r.mu.Unlock()
	r.notify(n)
	return id
}

// Unregister removes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		r.notify(n)
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DisconnectByFingerprint closes every connection whose peer has the given
// fingerprint and returns how many were closed.
func (r *Registry) DisconnectByFingerprint(fingerprint string) int {
	r.mu.Lock()
	var victims []Conn
	for id, e := range r.conns {
		if e.conn.Fingerprint() == fingerprint {
			victims = append(victims, e.conn)
			delete(r.conns, id)
		}
	}
	n := len(r.conns)
	r.mu.Unlock()

	for _, c := range victims {
		_ = c.Disconnect(ReasonTrustRevoked)
	}
	if len(victims) > 0 {
		r.notify(n)
	}
	return len(victims)
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	victims := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		victims = append(victims, e.conn)
	}
	r.conns = make(map[string]registryEntry)
	r.mu.Unlock()

	for _, c := range victims {
		_ = c.Disconnect(reason)
	}
	if len(victims) > 0 {
		r.notify(0)
	}
	return len(victims)
}

// Each calls fn for every registered connection. fn runs outside the lock
// and may unregister connections.
func (r *Registry) Each(fn func(id string, c Conn)) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	conns := make([]Conn, 0, len(r.conns))
	for id, e := range r.conns {
		ids = append(ids, id)
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for i, c := range conns {
		fn(ids[i], c)
	}
}

// Snapshot returns the registered connections ordered by registration time.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, ConnInfo{
			ID:          id,
			Fingerprint: e.conn.Fingerprint(),
			RemoteAddr:  e.conn.RemoteAddr(),
			Since:       e.since,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (r *Registry) notify(n int) {
	if r.OnChange != nil {
		r.OnChange(n)
	}
}
