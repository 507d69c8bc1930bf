package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newRegistryConn(userID uuid.UUID) *Conn {
	conn := NewConn(nil, time.Second)
	conn.UserID = userID
	return conn
}

func TestRegistryRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	conn := newRegistryConn(user)

	require.NoError(t, r.Register(conn))
	require.ErrorIs(t, r.Register(conn), ErrAlreadyRegistered)
	require.True(t, r.IsUserOnline(user))
	require.Equal(t, 1, r.CountConnections())
	require.Equal(t, 1, r.CountOnlineUsers())

	removed, wentOffline := r.Unregister(conn.ID)
	require.Same(t, conn, removed)
	require.True(t, wentOffline)
	require.False(t, r.IsUserOnline(user))

	// Unknown ids are a no-op.
	removed, wentOffline = r.Unregister(conn.ID)
	require.Nil(t, removed)
	require.False(t, wentOffline)
}

func TestRegistryPresenceEdgesFireOncePerEdge(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()

	var online, offline []uuid.UUID
	r.OnUserOnline = func(id uuid.UUID) { online = append(online, id) }
	r.OnUserOffline = func(id uuid.UUID) { offline = append(offline, id) }

	first := newRegistryConn(user)
	second := newRegistryConn(user)

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))
	require.Equal(t, []uuid.UUID{user}, online, "second connection is not an online edge")

	r.Unregister(first.ID)
	require.Empty(t, offline, "user still has a live connection")

	r.Unregister(second.ID)
	require.Equal(t, []uuid.UUID{user}, offline)
}

func TestRegistrySubscriptions(t *testing.T) {
	r := NewRegistry()
	conn := newRegistryConn(uuid.New())
	conv := uuid.New()
	require.NoError(t, r.Register(conn))

	r.Subscribe(conn.ID, conv)
	r.Subscribe(conn.ID, conv) // idempotent
	require.Len(t, r.ConversationConns(conv), 1)

	r.Unsubscribe(conn.ID, conv)
	r.Unsubscribe(conn.ID, conv) // idempotent
	require.Empty(t, r.ConversationConns(conv))

	// Subscribing an unregistered connection is a no-op.
	stranger := newRegistryConn(uuid.New())
	r.Subscribe(stranger.ID, conv)
	require.Empty(t, r.ConversationConns(conv))
}

func TestRegistryUnregisterDropsSubscriptions(t *testing.T) {
	r := NewRegistry()
	conn := newRegistryConn(uuid.New())
	convA, convB := uuid.New(), uuid.New()
	require.NoError(t, r.Register(conn))

	r.Subscribe(conn.ID, convA)
	r.Subscribe(conn.ID, convB)
	r.Unregister(conn.ID)

	require.Empty(t, r.ConversationConns(convA))
	require.Empty(t, r.ConversationConns(convB))
}

func TestRegistrySubscribeUser(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	conv := uuid.New()
	first := newRegistryConn(user)
	second := newRegistryConn(user)
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	r.SubscribeUser(user, conv)
	require.Len(t, r.ConversationConns(conv), 2, "every live connection of the user is subscribed")

	// Offline users have no connections to subscribe.
	r.SubscribeUser(uuid.New(), conv)
	require.Len(t, r.ConversationConns(conv), 2)
}

func TestRegistrySnapshots(t *testing.T) {
	r := NewRegistry()
	alice, bob := uuid.New(), uuid.New()
	a1 := newRegistryConn(alice)
	a2 := newRegistryConn(alice)
	b1 := newRegistryConn(bob)
	for _, c := range []*Conn{a1, a2, b1} {
		require.NoError(t, r.Register(c))
	}

	require.Len(t, r.UserConns(alice), 2)
	require.Len(t, r.UserConns(bob), 1)
	require.Len(t, r.AllConns(), 3)
	require.Equal(t, 2, r.CountOnlineUsers())
}
