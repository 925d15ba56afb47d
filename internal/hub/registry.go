// Package hub is the realtime core: it tracks which identities have an open
// connection, broadcasts presence, and routes point-to-point signaling
// events between connected parties.
package hub

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/marska/chatline/internal/events"
)

// Registry maps each identity to at most one live connection and is the
// source of truth for who is online. Every mutation runs under one mutex;
// disconnect cleanup (ending the user's active calls) runs under the same
// lock so no new event for that identity can be admitted in between.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn // userID -> connection

	// onDisconnect runs while the registry lock is held, immediately after
	// an identity is removed, so no new event for that identity can be
	// admitted before its calls are cleaned up. It must not block and must
	// not call back into the registry; peer notifications go into the
	// returned follow-up, which runs after the lock is released.
	onDisconnect func(userID string) (after func())

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// OnDisconnect installs the cleanup hook invoked when an identity goes
// offline. Set once during wiring, before any connection is accepted.
func (r *Registry) OnDisconnect(fn func(userID string) (after func())) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Register binds conn to its identity. An existing open connection for the
// same identity is superseded: closed first, never silently duplicated. The
// presence broadcast fires only on a net change; on supersede the new
// connection alone receives the current online set.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	old := r.conns[conn.userID]
	if old != nil {
		old.Close()
	}
	r.conns[conn.userID] = conn
	frame, targets := r.presenceFrameLocked()
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		"user_id", conn.userID, "conn_id", conn.id, "superseded", old != nil)

	if old != nil {
		conn.TrySend(frame)
		return
	}
	deliverAll(targets, frame)
}

// Unregister removes the identity bound to connID, but only if that exact
// connection instance is still the one registered — a stale unregister
// racing a newer registration is ignored. On removal the disconnect hook
// runs under the lock, then the new presence set is broadcast.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	var removed *Conn
	for userID, conn := range r.conns {
		if conn.id == connID {
			removed = conn
			delete(r.conns, userID)
			break
		}
	}
	if removed == nil {
		r.mu.Unlock()
		return
	}
	var after func()
	if r.onDisconnect != nil {
		after = r.onDisconnect(removed.userID)
	}
	frame, targets := r.presenceFrameLocked()
	r.mu.Unlock()

	removed.Close()
	if after != nil {
		after()
	}
	r.logger.Debug("connection unregistered", "user_id", removed.userID, "conn_id", connID)
	deliverAll(targets, frame)
}

// Lookup returns the open connection for userID, if any.
func (r *Registry) Lookup(userID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Online returns the sorted set of identities with an open connection.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// presenceFrameLocked snapshots the full online set and the connections it
// should go to. The frame is computed while the mutation is still committed
// under the lock, so a broadcast can never carry an immediately stale set.
func (r *Registry) presenceFrameLocked() ([]byte, []*Conn) {
	frame := events.Marshal(events.TypeOnlineUsers, "", events.OnlineUsers{OnlineUsers: r.onlineLocked()})
	targets := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	return frame, targets
}

func deliverAll(targets []*Conn, frame []byte) {
	for _, conn := range targets {
		conn.TrySend(frame)
	}
}
