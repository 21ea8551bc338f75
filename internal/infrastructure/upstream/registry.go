package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"tickrelay/internal/infrastructure/session"
	"tickrelay/internal/infrastructure/svc"
)

// Registry is the process-wide directory of session key to connection.
// Connect is asynchronous: it registers the connection, launches Start
// in the background and returns immediately; callers poll Status.
type Registry struct {
	ctx  context.Context
	deps ConnDeps

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewRegistry(ctx context.Context, deps ConnDeps) *Registry {
	return &Registry{
		ctx:   ctx,
		deps:  deps,
		conns: make(map[string]*Connection),
	}
}

// Connect registers a new connection for key. A key that is already
// present is a conflict, never a silent replace.
func (r *Registry) Connect(key string, creds session.Credentials, instruments []string, backendURL string) (*Connection, error) {
	r.mu.Lock()
	if _, exists := r.conns[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", svc.ErrConflict, key)
	}
	conn := NewConnection(key, creds, instruments, backendURL, r.deps)
	r.conns[key] = conn
	r.mu.Unlock()

	go conn.Start(r.ctx)

	log.Info().Str("key", key).Int("instruments", len(instruments)).Msg("connection accepted")
	return conn, nil
}

// Disconnect stops and removes the connection for key. Unknown keys are
// a no-op, not an error.
func (r *Registry) Disconnect(key string) bool {
	r.mu.Lock()
	conn, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()

	if !ok {
		return false
	}
	conn.Stop()
	return true
}

// DisconnectAll stops every registered connection and returns the count.
func (r *Registry) DisconnectAll() int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.Stop()
	}
	return len(conns)
}

// Get returns the connection for key.
func (r *Registry) Get(key string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	return c, ok
}

// StatusAll snapshots the status of every registered connection.
func (r *Registry) StatusAll() map[string]Status {
	r.mu.Lock()
	conns := make(map[string]*Connection, len(r.conns))
	for k, c := range r.conns {
		conns[k] = c
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(conns))
	for k, c := range conns {
		out[k] = c.Status()
	}
	return out
}

// ActiveCount returns the number of currently streaming connections.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, st := range r.StatusAll() {
		if st.Active {
			n++
		}
	}
	return n
}
