package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/session"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestRegistry() (*Registry, *Rooms) {
	rooms := NewRooms()
	return New(rooms, nil, nil, zap.NewNop()), rooms
}

func TestRegisterDuplicate(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := newFakeConn("c1")

	require.NoError(t, reg.Register(conn, "127.0.0.1"))
	assert.ErrorIs(t, reg.Register(conn, "127.0.0.1"), ErrDuplicateConnection)
}

func TestAuthenticateOnce(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(newFakeConn("c1"), ""))

	ident := session.Identity{UserID: "u1", Role: "dispatcher"}
	require.NoError(t, reg.Authenticate("c1", ident))
	assert.ErrorIs(t, reg.Authenticate("c1", ident), ErrAlreadyAuthenticated)

	got, ok := reg.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
}

func TestAuthenticateUnknown(t *testing.T) {
	reg, _ := newTestRegistry()
	assert.ErrorIs(t, reg.Authenticate("nope", session.Identity{UserID: "u1"}), ErrUnknownConnection)
}

func TestConnectionsForUser(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(newFakeConn("c1"), ""))
	require.NoError(t, reg.Register(newFakeConn("c2"), ""))
	require.NoError(t, reg.Register(newFakeConn("c3"), ""))

	require.NoError(t, reg.Authenticate("c1", session.Identity{UserID: "u1"}))
	require.NoError(t, reg.Authenticate("c2", session.Identity{UserID: "u1"}))
	require.NoError(t, reg.Authenticate("c3", session.Identity{UserID: "u2"}))

	assert.ElementsMatch(t, []string{"c1", "c2"}, reg.ConnectionsForUser("u1"))
	assert.ElementsMatch(t, []string{"c3"}, reg.ConnectionsForUser("u2"))
	assert.Empty(t, reg.ConnectionsForUser("u3"))
}

// After Unregister the connection must be gone from the registry, the
// user index and every room.
func TestUnregisterCleanup(t *testing.T) {
	reg, rooms := newTestRegistry()
	conn := newFakeConn("c1")
	require.NoError(t, reg.Register(conn, ""))
	require.NoError(t, reg.Authenticate("c1", session.Identity{UserID: "u1"}))

	rooms.Join("dispatch:42", "c1")
	rooms.Join("ambulancia:7", "c1")

	reg.Unregister("c1")

	assert.False(t, reg.IsLive("c1"))
	assert.Empty(t, reg.ConnectionsForUser("u1"))
	assert.Empty(t, rooms.RoomsOf("c1"))
	assert.Empty(t, rooms.MembersOf("dispatch:42"))
	assert.Empty(t, rooms.MembersOf("ambulancia:7"))
	assert.True(t, conn.closed)
}

func TestUnregisterIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(newFakeConn("c1"), ""))

	reg.Unregister("c1")
	reg.Unregister("c1")

	assert.Equal(t, 0, reg.Count())
}

func TestUnregisterConcurrent(t *testing.T) {
	reg, rooms := newTestRegistry()
	require.NoError(t, reg.Register(newFakeConn("c1"), ""))
	require.NoError(t, reg.Authenticate("c1", session.Identity{UserID: "u1"}))
	rooms.Join("dispatch:1", "c1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Unregister("c1")
		}()
	}
	wg.Wait()

	assert.False(t, reg.IsLive("c1"))
	assert.Empty(t, rooms.MembersOf("dispatch:1"))
}

func TestRecords(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(newFakeConn("c1"), "10.0.0.1:1234"))
	require.NoError(t, reg.Authenticate("c1", session.Identity{UserID: "u1", Name: "Ana"}))

	recs := reg.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].ConnID)
	assert.Equal(t, "u1", recs[0].UserID)
	assert.Equal(t, "10.0.0.1:1234", recs[0].RemoteAddr)
	assert.False(t, recs[0].ConnectedAt.IsZero())
}
