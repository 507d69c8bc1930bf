package gateway

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/pingme/gateway/pkg/protocol"
)

// ErrAlreadyRegistered is returned when a connection id is registered twice.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Registry tracks live connections, the user -> connections mapping and
// conversation subscriptions. It maintains forward (conversation -> conns)
// and reverse (conn -> conversations) indices so both broadcast and
// unregister are O(memberships of the party involved).
//
// Presence callbacks fire outside the lock, exactly once per edge: OnUserOnline
// when a user's first connection registers, OnUserOffline when their last
// connection unregisters.
type Registry struct {
	mu          sync.RWMutex
	byConn      map[uuid.UUID]*Conn
	byUser      map[uuid.UUID]map[uuid.UUID]*Conn    // userID -> connID -> conn
	byConv      map[uuid.UUID]map[uuid.UUID]*Conn    // convID -> connID -> conn
	convsByConn map[uuid.UUID]map[uuid.UUID]struct{} // connID -> convID set

	OnUserOnline  func(userID uuid.UUID)
	OnUserOffline func(userID uuid.UUID)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:      make(map[uuid.UUID]*Conn),
		byUser:      make(map[uuid.UUID]map[uuid.UUID]*Conn),
		byConv:      make(map[uuid.UUID]map[uuid.UUID]*Conn),
		convsByConn: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Register adds an authenticated connection. The conn's UserID must be set.
func (r *Registry) Register(conn *Conn) error {
	r.mu.Lock()
	if _, exists := r.byConn[conn.ID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.byConn[conn.ID] = conn
	conns := r.byUser[conn.UserID]
	if conns == nil {
		conns = make(map[uuid.UUID]*Conn)
		r.byUser[conn.UserID] = conns
	}
	wentOnline := len(conns) == 0
	conns[conn.ID] = conn
	r.convsByConn[conn.ID] = make(map[uuid.UUID]struct{})
	onOnline := r.OnUserOnline
	r.mu.Unlock()

	if wentOnline && onOnline != nil {
		onOnline(conn.UserID)
	}
	return nil
}

// Unregister removes a connection and all its subscriptions. Unknown ids are
// a no-op. Returns the removed conn (nil if unknown) and whether this was the
// user's last connection.
func (r *Registry) Unregister(connID uuid.UUID) (*Conn, bool) {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.byConn, connID)

	for convID := range r.convsByConn[connID] {
		delete(r.byConv[convID], connID)
		if len(r.byConv[convID]) == 0 {
			delete(r.byConv, convID)
		}
	}
	delete(r.convsByConn, connID)

	wentOffline := false
	if conns := r.byUser[conn.UserID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, conn.UserID)
			wentOffline = true
		}
	}
	onOffline := r.OnUserOffline
	r.mu.Unlock()

	if wentOffline && onOffline != nil {
		onOffline(conn.UserID)
	}
	return conn, wentOffline
}

// Subscribe adds a connection to a conversation's broadcast set. Idempotent.
func (r *Registry) Subscribe(connID, convID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[connID]
	if !ok {
		return
	}
	if r.byConv[convID] == nil {
		r.byConv[convID] = make(map[uuid.UUID]*Conn)
	}
	r.byConv[convID][connID] = conn
	r.convsByConn[connID][convID] = struct{}{}
}

// Unsubscribe removes a connection from a conversation's broadcast set.
// Idempotent; unknown pairs are a no-op.
func (r *Registry) Unsubscribe(connID, convID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID]; !ok {
		return
	}
	delete(r.byConv[convID], connID)
	if len(r.byConv[convID]) == 0 {
		delete(r.byConv, convID)
	}
	delete(r.convsByConn[connID], convID)
}

// SubscribeUser subscribes every live connection of a user to a conversation.
// Used for implicit subscription of message recipients.
func (r *Registry) SubscribeUser(userID, convID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID, conn := range r.byUser[userID] {
		if r.byConv[convID] == nil {
			r.byConv[convID] = make(map[uuid.UUID]*Conn)
		}
		r.byConv[convID][connID] = conn
		r.convsByConn[connID][convID] = struct{}{}
	}
}

// ConversationConns returns a snapshot of the connections subscribed to a
// conversation. Callers send outside the registry lock.
func (r *Registry) ConversationConns(convID uuid.UUID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.byConv[convID]))
	for _, conn := range r.byConv[convID] {
		conns = append(conns, conn)
	}
	return conns
}

// UserConns returns a snapshot of a user's live connections.
func (r *Registry) UserConns(userID uuid.UUID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// AllConns returns a snapshot of every registered connection.
func (r *Registry) AllConns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.byConn))
	for _, conn := range r.byConn {
		conns = append(conns, conn)
	}
	return conns
}

// BroadcastToConversation sends a frame to every connection subscribed to the
// conversation for which exclude returns false. Returns the number of
// successful sends. Failed sends are skipped; the failing connection's own
// read loop handles teardown.
func (r *Registry) BroadcastToConversation(convID uuid.UUID, frame protocol.Outbound, exclude func(*Conn) bool) int {
	sent := 0
	for _, conn := range r.ConversationConns(convID) {
		if exclude != nil && exclude(conn) {
			continue
		}
		if err := conn.WriteFrame(frame); err == nil {
			sent++
		}
	}
	return sent
}

// SendToUser sends a frame to every live connection of a user. Returns the
// number of successful sends.
func (r *Registry) SendToUser(userID uuid.UUID, frame protocol.Outbound) int {
	sent := 0
	for _, conn := range r.UserConns(userID) {
		if err := conn.WriteFrame(frame); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastToAll sends a frame to every registered connection for which
// exclude returns false. Used for presence edges.
func (r *Registry) BroadcastToAll(frame protocol.Outbound, exclude func(*Conn) bool) int {
	sent := 0
	for _, conn := range r.AllConns() {
		if exclude != nil && exclude(conn) {
			continue
		}
		if err := conn.WriteFrame(frame); err == nil {
			sent++
		}
	}
	return sent
}

// IsUserOnline reports whether the user has at least one live connection.
func (r *Registry) IsUserOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// CountConnections returns the number of registered connections.
func (r *Registry) CountConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// CountOnlineUsers returns the number of users with live connections.
func (r *Registry) CountOnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
