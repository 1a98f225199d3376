package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mconnect/mconnect/internal/database"
)

// Registry is the single owner of connected-client records. Records
// are mirrored to the store so an operator can inspect them, but the
// in-memory map is authoritative for the life of the daemon.
type Registry struct {
	store            *database.Store
	heartbeatTimeout time.Duration
	log              *slog.Logger

	mu      sync.RWMutex
	clients map[string]*database.ConnectedClient
}

// New creates an empty registry. Client rows left over from a previous
// daemon run are purged: a restart drops all connections.
func New(store *database.Store, heartbeatTimeout time.Duration, log *slog.Logger) (*Registry, error) {
	if _, err := store.RemoveStaleClients(0); err != nil {
		return nil, fmt.Errorf("purge stale clients: %w", err)
	}
	return &Registry{
		store:            store,
		heartbeatTimeout: heartbeatTimeout,
		log:              log,
		clients:          make(map[string]*database.ConnectedClient),
	}, nil
}

// Register creates a record for a freshly connected client and returns
// its server-issued id.
func (r *Registry) Register(clientType, priority, userAgent string) (string, error) {
	id := uuid.New().String()
	c := &database.ConnectedClient{
		ID:         id,
		ClientType: clientType,
		Priority:   priority,
		UserAgent:  userAgent,
	}
	if err := r.store.AddClient(c); err != nil {
		return "", fmt.Errorf("register client: %w", err)
	}

	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()

	r.log.Debug("client registered", "client", id, "type", clientType)
	return id, nil
}

// Unregister drops the client record.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()

	if err := r.store.RemoveClient(clientID); err != nil && err != database.ErrNotFound {
		r.log.Warn("remove client row", "client", clientID, "error", err)
	}
}

// Get returns a copy of the client record.
func (r *Registry) Get(clientID string) (database.ConnectedClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return database.ConnectedClient{}, false
	}
	return *c, true
}

// BySession returns copies of all clients attached to sessionID.
func (r *Registry) BySession(sessionID string) []database.ConnectedClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []database.ConnectedClient
	for _, c := range r.clients {
		if c.SessionID != nil && *c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	return out
}

// Attach binds the client to a session.
func (r *Registry) Attach(clientID, sessionID string) error {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		sid := sessionID
		c.SessionID = &sid
	}
	r.mu.Unlock()
	if !ok {
		return database.ErrNotFound
	}
	return r.store.UpdateClientSession(clientID, &sessionID)
}

// Detach unbinds the client from whatever session it is attached to.
func (r *Registry) Detach(clientID string) error {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		c.SessionID = nil
	}
	r.mu.Unlock()
	if !ok {
		return database.ErrNotFound
	}
	return r.store.UpdateClientSession(clientID, nil)
}

// Heartbeat refreshes the client's liveness clock.
func (r *Registry) Heartbeat(clientID string) error {
	now := time.Now()
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		c.LastHeartbeat = now
	}
	r.mu.Unlock()
	if !ok {
		return database.ErrNotFound
	}
	return r.store.UpdateClientHeartbeat(clientID)
}

// SetPriority updates the client's arbitration priority.
func (r *Registry) SetPriority(clientID, priority string) error {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		c.Priority = priority
	}
	r.mu.Unlock()
	if !ok {
		return database.ErrNotFound
	}
	return r.store.UpdateClientPriority(clientID, priority)
}

// EvictStale removes every client whose last heartbeat is older than
// the timeout and returns their ids so the hub can close the sockets.
func (r *Registry) EvictStale() []string {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []string
	for id, c := range r.clients {
		if c.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.store.RemoveClient(id); err != nil && err != database.ErrNotFound {
			r.log.Warn("remove stale client row", "client", id, "error", err)
		}
		r.log.Info("evicted stale client", "client", id)
	}
	return stale
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
