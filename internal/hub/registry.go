// ABOUTME: Registry of live connections with idempotent unregister cascade
// ABOUTME: Notifies membership observers so rooms and channels drop closed connections

package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRegistryFull indicates the connection table hit its configured cap.
// This is the one accept-path condition that is surfaced to the operator.
var ErrRegistryFull = errors.New("connection registry full")

// ErrConnectionNotFound indicates the requested connection id is unknown.
var ErrConnectionNotFound = errors.New("connection not found")

// CloseObserver is notified as part of the unregister cascade, after the
// connection is marked closed and before Unregister returns. Observers
// remove the connection from whatever membership sets they own.
type CloseObserver interface {
	ConnectionClosed(connID string)
}

// RegistrySnapshot is a point-in-time summary of the connection table.
type RegistrySnapshot struct {
	Count         int
	OldestAge     time.Duration
	NewestAge     time.Duration
	TotalMessages int64
}

// Registry owns the set of live connections. Unregister runs the full
// close cascade as one logical step: the connection is marked closed
// (all further deliveries fail fast), removed from the table, and every
// observer tears down its memberships before Unregister returns.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	max       int
	observers []CloseObserver
	logger    *slog.Logger
}

// NewRegistry creates a connection registry capped at max connections.
func NewRegistry(max int, logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		max:    max,
		logger: logger,
	}
}

// AddObserver registers a cascade observer. Observers are fixed at hub
// construction, before any connection is accepted.
func (r *Registry) AddObserver(o CloseObserver) {
	r.observers = append(r.observers, o)
}

// Register adds a connection to the table.
// Returns ErrRegistryFull when the table is at capacity.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.conns) >= r.max {
		return ErrRegistryFull
	}

	r.conns[conn.ID] = conn
	r.logger.Info("connection registered",
		"connection_id", conn.ID,
		"remote_addr", conn.metadata["remote_addr"],
		"total_connections", len(r.conns),
	)
	return nil
}

// Unregister removes a connection and runs the close cascade. It is
// idempotent: the second and later calls for the same id are no-ops.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, exists := r.conns[connID]
	if exists {
		delete(r.conns, connID)
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return
	}

	// Marking closed before observer teardown means no observer-side
	// broadcast can deliver to this connection mid-cascade.
	if !conn.markClosed() {
		return
	}

	for _, o := range r.observers {
		o.ConnectionClosed(connID)
	}

	r.logger.Info("connection unregistered",
		"connection_id", connID,
		"total_connections", remaining,
	)
}

// Get retrieves a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// Touch updates the last-activity timestamp for a connection.
// Unknown ids are ignored.
func (r *Registry) Touch(connID string) {
	if conn, ok := r.Get(connID); ok {
		conn.Touch()
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns all live connections.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Snapshot summarizes the connection table for monitoring.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RegistrySnapshot{Count: len(r.conns)}
	now := time.Now()
	for _, conn := range r.conns {
		age := now.Sub(conn.CreatedAt)
		if snap.OldestAge == 0 || age > snap.OldestAge {
			snap.OldestAge = age
		}
		if snap.NewestAge == 0 || age < snap.NewestAge {
			snap.NewestAge = age
		}
		snap.TotalMessages += conn.MessageCount()
	}
	return snap
}

// CloseIdle unregisters every connection whose last activity is older
// than the timeout. Returns the number of connections closed.
func (r *Registry) CloseIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-timeout)
	var idle []string

	r.mu.RLock()
	for id, conn := range r.conns {
		if conn.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.logger.Info("closing idle connection", "connection_id", id)
		r.Unregister(id)
	}
	return len(idle)
}
