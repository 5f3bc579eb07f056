// Package registry owns the in-process connection and room bookkeeping.
// All operations are in-memory and lock-guarded; nothing here blocks on
// network I/O.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/session"
	"github.com/rapidaid/dispatch-gateway/pkg/metrics"
)

var (
	// ErrDuplicateConnection is returned when a connection id is already
	// registered.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrAlreadyAuthenticated is returned when Authenticate is called
	// twice for the same connection.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
	// ErrUnknownConnection is returned for operations on ids that are not
	// registered.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrConnectionClosed reports a send on a closed transport. The
	// dispatcher treats it as proof of death.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull reports a send queue that cannot accept another
	// frame. The frame is dropped; the connection stays alive.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the narrow transport handle the gateway core needs. Send must
// enqueue without blocking; per-connection delivery order follows enqueue
// order.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Store mirrors connection records into a shared store so sibling
// instances can see them. All calls are best-effort.
type Store interface {
	SaveConnection(ctx context.Context, rec ConnectionRecord) error
	DeleteConnection(ctx context.Context, connID, userID string) error
}

// ConnectionRecord is the cross-instance view of one live connection.
type ConnectionRecord struct {
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName,omitempty"`
	Role        string    `json:"role,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
}

type entry struct {
	conn          Conn
	identity      session.Identity
	authenticated bool
	connectedAt   time.Time
	remoteAddr    string
}

// Registry tracks live connections and the user -> connections index.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	byUser map[string]map[string]struct{}

	rooms   *Rooms
	store   Store // optional
	metrics metrics.Sink
	log     *zap.Logger
}

// New creates a registry. store may be nil when the deployment is a
// single instance.
func New(rooms *Rooms, store Store, sink metrics.Sink, log *zap.Logger) *Registry {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Registry{
		conns:   make(map[string]*entry),
		byUser:  make(map[string]map[string]struct{}),
		rooms:   rooms,
		store:   store,
		metrics: sink,
		log:     log.With(zap.String("component", "registry")),
	}
}

// Register stores the connection handle under its id.
func (r *Registry) Register(conn Conn, remoteAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &entry{
		conn:        conn,
		connectedAt: time.Now().UTC(),
		remoteAddr:  remoteAddr,
	}
	r.metrics.ConnectionOpened()
	r.log.Info("connection registered", zap.String("conn_id", id), zap.Int("total", len(r.conns)))
	return nil
}

// Authenticate binds the identity snapshot to a registered connection and
// indexes it under the user id.
func (r *Registry) Authenticate(connID string, ident session.Identity) error {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if e.authenticated {
		r.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	e.identity = ident
	e.authenticated = true

	set, ok := r.byUser[ident.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[ident.UserID] = set
	}
	set[connID] = struct{}{}
	rec := ConnectionRecord{
		ConnID:      connID,
		UserID:      ident.UserID,
		UserName:    ident.Name,
		Role:        ident.Role,
		ConnectedAt: e.connectedAt,
		RemoteAddr:  e.remoteAddr,
	}
	r.mu.Unlock()

	r.mirrorSave(rec)
	r.log.Info("connection authenticated",
		zap.String("conn_id", connID),
		zap.String("user_id", ident.UserID),
		zap.String("role", ident.Role),
	)
	return nil
}

// Unregister removes the connection everywhere: rooms, user index, store.
// Idempotent; concurrent calls for the same id are safe.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	userID := ""
	if e.authenticated {
		userID = e.identity.UserID
		if set, ok := r.byUser[userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	r.rooms.DropConn(connID)
	_ = e.conn.Close()
	r.metrics.ConnectionClosed()
	r.mirrorDelete(connID, userID)
	r.log.Info("connection unregistered",
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.Int("remaining", remaining),
	)
}

// Get returns the live handle for an id.
func (r *Registry) Get(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Identity returns the identity snapshot bound to the connection.
func (r *Registry) Identity(connID string) (session.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || !e.authenticated {
		return session.Identity{}, false
	}
	return e.identity, true
}

// IsLive reports whether the connection is registered.
func (r *Registry) IsLive(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// ConnectionsForUser returns a snapshot of the user's connection ids.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// All returns a snapshot of every registered connection id.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Records returns connection records for the stats endpoint.
func (r *Registry) Records() []ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionRecord, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, ConnectionRecord{
			ConnID:      id,
			UserID:      e.identity.UserID,
			UserName:    e.identity.Name,
			Role:        e.identity.Role,
			ConnectedAt: e.connectedAt,
			RemoteAddr:  e.remoteAddr,
		})
	}
	return out
}

// mirrorSave writes the record to the shared store off the hot path.
func (r *Registry) mirrorSave(rec ConnectionRecord) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.SaveConnection(ctx, rec); err != nil {
			r.log.Warn("failed to mirror connection record", zap.Error(err), zap.String("conn_id", rec.ConnID))
		}
	}()
}

func (r *Registry) mirrorDelete(connID, userID string) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.DeleteConnection(ctx, connID, userID); err != nil {
			r.log.Warn("failed to delete mirrored connection record", zap.Error(err), zap.String("conn_id", connID))
		}
	}()
}
