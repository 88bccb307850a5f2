package ws

import (
	"sync"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// Registry implements port.ConnectionRegistry. The map is never handed out.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]port.Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.UserID]port.Connection)}
}

func (r *Registry) Register(id domain.UserID, conn port.Connection) port.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[id]
	r.conns[id] = conn
	log.Debug().Str("user_id", id.String()).Str("conn_id", conn.ID()).Msg("Connection registered")
	return old
}

func (r *Registry) Lookup(id domain.UserID) (port.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Deregister(id domain.UserID, conn port.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; !ok || cur != conn {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection, for shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]port.Connection, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(reason); err != nil {
			log.Debug().Err(err).Str("conn_id", c.ID()).Msg("Error closing connection")
		}
	}
}
