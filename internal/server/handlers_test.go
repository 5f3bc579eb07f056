package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/dispatch"
	"github.com/rapidaid/dispatch-gateway/internal/events"
	"github.com/rapidaid/dispatch-gateway/internal/history"
	"github.com/rapidaid/dispatch-gateway/internal/ratelimit"
	"github.com/rapidaid/dispatch-gateway/internal/registry"
	"github.com/rapidaid/dispatch-gateway/internal/session"
	"github.com/rapidaid/dispatch-gateway/internal/upstream"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) pushTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, raw := range f.sent {
		var p events.Push
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p.Type)
	}
	return out
}

type fakeBus struct {
	mu       sync.Mutex
	channels []string
	types    []string
}

func (f *fakeBus) Publish(_ context.Context, channel, eventType string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.types = append(f.types, eventType)
	return nil
}

type fakeUpstream struct {
	mu       sync.Mutex
	created  []upstream.CreateDespachoRequest
	updates  []string
	rastreos []upstream.Rastreo
	historia []upstream.Rastreo
	err      error
}

func (f *fakeUpstream) CreateDespacho(ctx context.Context, _ string, req upstream.CreateDespachoRequest) (*upstream.Despacho, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &upstream.Despacho{ID: 42, TipoIncidente: req.TipoIncidente, Estado: "pendiente"}, nil
}

func (f *fakeUpstream) UpdateDespachoEstado(ctx context.Context, _ string, id int64, estado string) (*upstream.Despacho, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, estado)
	return &upstream.Despacho{ID: id, Estado: estado}, nil
}

func (f *fakeUpstream) AddRastreo(ctx context.Context, _ string, r upstream.Rastreo) (*upstream.Rastreo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.rastreos = append(f.rastreos, r)
	return &r, nil
}

func (f *fakeUpstream) GetRastreoHistoria(ctx context.Context, _ string, despachoID int64) ([]upstream.Rastreo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]upstream.Rastreo, 0, len(f.historia))
	for _, r := range f.historia {
		if r.DespachoID == despachoID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries map[string][]history.Entry
	err     error
}

func (f *fakeHistory) Recent(_ context.Context, eventType string, limit int64) ([]history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	entries := f.entries[eventType]
	if int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memCounter) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounter) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

func (m *memCounter) TTL(_ context.Context, _ string) (time.Duration, error) {
	return 30 * time.Second, nil
}

type testEnv struct {
	srv      *Server
	reg      *registry.Registry
	rooms    *registry.Rooms
	bus      *fakeBus
	upstream *fakeUpstream
	history  *fakeHistory
}

func newTestEnv(t *testing.T, limits map[string]int) *testEnv {
	t.Helper()
	rooms := registry.NewRooms()
	reg := registry.New(rooms, nil, nil, zap.NewNop())
	bus := &fakeBus{}
	up := &fakeUpstream{}
	hist := &fakeHistory{entries: make(map[string][]history.Entry)}
	limiter := ratelimit.New(&memCounter{}, ratelimit.Config{
		Window:       time.Minute,
		DefaultLimit: 100,
		Overrides:    limits,
	}, zap.NewNop())

	srv := New(Options{
		Addr:            ":0",
		AllowedOrigins:  []string{"*"},
		SendBufferSize:  16,
		UpstreamTimeout: time.Second,
		Registry:        reg,
		Rooms:           rooms,
		Dispatcher:      dispatch.New(reg, rooms, nil, zap.NewNop()),
		Bridge:          bus,
		Limiter:         limiter,
		Upstream:        up,
		History:         hist,
		Log:             zap.NewNop(),
	})
	return &testEnv{srv: srv, reg: reg, rooms: rooms, bus: bus, upstream: up, history: hist}
}

func (e *testEnv) register(t *testing.T, connID, userID, role string, perms ...string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: connID}
	require.NoError(t, e.reg.Register(conn, ""))
	require.NoError(t, e.reg.Authenticate(connID, session.Identity{
		UserID: userID, Role: role, Permissions: perms,
	}))
	return conn
}

func inbound(t *testing.T, eventType string, payload any) events.Inbound {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Inbound{Type: eventType, Payload: raw}
}

func state(connID, userID, role string, perms ...string) *connState {
	return &connState{
		connID:   connID,
		identity: session.Identity{UserID: userID, Role: role, Permissions: perms},
		token:    "tok",
	}
}

func TestUnknownEventType(t *testing.T) {
	env := newTestEnv(t, nil)
	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		events.Inbound{Type: "bogus:event"})
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeUnknownEvent, errBody.Code)
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, nil)
	result, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "guest"),
		events.Inbound{Type: "ping"})
	require.Nil(t, errBody)
	assert.Equal(t, map[string]string{"status": "pong"}, result)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "c1", "u1", "paramedico")
	st := state("c1", "u1", "paramedico")

	_, errBody := env.srv.dispatchEvent(context.Background(), st,
		inbound(t, "dispatch:subscribe", map[string]any{"despachoId": 42}))
	require.Nil(t, errBody)
	assert.True(t, env.rooms.Contains("dispatch:42", "c1"))

	_, errBody = env.srv.dispatchEvent(context.Background(), st,
		inbound(t, "dispatch:unsubscribe", map[string]any{"despachoId": 42}))
	require.Nil(t, errBody)
	assert.False(t, env.rooms.Contains("dispatch:42", "c1"))
}

func TestCreateRequiresAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "guest"),
		inbound(t, "dispatch:create", map[string]any{
			"ubicacion_origen_lat": 4.6,
			"ubicacion_origen_lng": -74.08,
			"incidente":            "accidente",
			"prioridad":            "alta",
		}))
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeAuthorization, errBody.Code)
	assert.Empty(t, env.upstream.created, "unauthorized create must not reach the upstream")
}

func TestCreateBroadcastsAndPublishes(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher := env.register(t, "c2", "u2", "paramedico")

	result, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "dispatch:create", map[string]any{
			"ubicacion_origen_lat": 4.6,
			"ubicacion_origen_lng": -74.08,
			"incidente":            "emergencia_medica",
			"prioridad":            "critica",
		}))
	require.Nil(t, errBody)

	despacho, ok := result.(*upstream.Despacho)
	require.True(t, ok)
	assert.Equal(t, int64(42), despacho.ID)

	require.Len(t, env.upstream.created, 1)
	assert.Equal(t, "emergencia_medica", env.upstream.created[0].TipoIncidente)
	assert.Contains(t, watcher.pushTypes(t), "despacho:nuevo")
	assert.Contains(t, env.bus.channels, "despachos")
}

// A payload that fails validation produces one error and zero side
// effects.
func TestValidationGate(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher := env.register(t, "c2", "u2", "operador")

	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "dispatch:create", map[string]any{
			"ubicacion_origen_lat": 123.0, // out of range
			"ubicacion_origen_lng": -74.08,
			"incidente":            "accidente",
			"prioridad":            "alta",
		}))
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeValidation, errBody.Code)
	assert.Empty(t, env.upstream.created)
	assert.Empty(t, env.bus.channels)
	assert.Empty(t, watcher.pushTypes(t))
}

func TestStatusUpdateReachesRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	member := env.register(t, "c2", "u2", "paramedico")
	outsider := env.register(t, "c3", "u3", "paramedico")
	env.rooms.Join("dispatch:42", "c2")

	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "dispatch:status-update", map[string]any{
			"despachoId": 42,
			"estado":     "en_camino",
		}))
	require.Nil(t, errBody)

	assert.Equal(t, []string{"en_camino"}, env.upstream.updates)
	assert.Contains(t, member.pushTypes(t), "dispatch:status-changed")
	assert.Empty(t, outsider.pushTypes(t))
	assert.Contains(t, env.bus.channels, "dispatches")
}

func TestLocationUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	member := env.register(t, "c2", "u2", "operador")
	env.rooms.Join("dispatch:42", "c2")

	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "paramedico"),
		inbound(t, "dispatch:location-update", map[string]any{
			"despachoId": 42,
			"latitud":    4.61,
			"longitud":   -74.07,
		}))
	require.Nil(t, errBody)

	require.Len(t, env.upstream.rastreos, 1)
	assert.Equal(t, int64(42), env.upstream.rastreos[0].DespachoID)
	assert.Contains(t, member.pushTypes(t), "dispatch:location")
}

func TestRateLimitScopeOverride(t *testing.T) {
	env := newTestEnv(t, map[string]int{"dispatch:location-update": 3})
	st := state("c1", "u1", "paramedico")
	payload := map[string]any{"despachoId": 42, "latitud": 4.6, "longitud": -74.0}

	for i := 0; i < 3; i++ {
		_, errBody := env.srv.dispatchEvent(context.Background(), st,
			inbound(t, "dispatch:location-update", payload))
		require.Nil(t, errBody, "update %d should pass", i+1)
	}

	_, errBody := env.srv.dispatchEvent(context.Background(), st,
		inbound(t, "dispatch:location-update", payload))
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeRateLimit, errBody.Code)
	assert.Equal(t, int64(30), errBody.RetryAfter)
	assert.Len(t, env.upstream.rastreos, 3, "denied update must not reach the upstream")
}

func TestAmbulanciaSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "c1", "u1", "operador")
	st := state("c1", "u1", "operador")

	_, errBody := env.srv.dispatchEvent(context.Background(), st,
		inbound(t, "ambulancia:subscribe", map[string]any{"ambulanciaId": 7}))
	require.Nil(t, errBody)
	assert.True(t, env.rooms.Contains("ambulancia:7", "c1"))
}

func TestDispatchHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.historia = []upstream.Rastreo{
		{DespachoID: 42, Latitud: 4.60, Longitud: -74.08},
		{DespachoID: 42, Latitud: 4.61, Longitud: -74.07},
		{DespachoID: 7, Latitud: 4.70, Longitud: -74.00},
	}

	result, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "paramedico"),
		inbound(t, "dispatch:history", map[string]any{"despachoId": 42}))
	require.Nil(t, errBody)

	body, ok := result.(map[string]any)
	require.True(t, ok)
	rastreos, ok := body["rastreos"].([]upstream.Rastreo)
	require.True(t, ok)
	assert.Len(t, rastreos, 2)
}

func TestEventHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.history.entries["dispatch:status-changed"] = []history.Entry{
		{Type: "dispatch:status-changed", Data: json.RawMessage(`{"despacho_id":2}`)},
		{Type: "dispatch:status-changed", Data: json.RawMessage(`{"despacho_id":1}`)},
	}

	result, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "events:history", map[string]any{"eventType": "dispatch:status-changed"}))
	require.Nil(t, errBody)

	body, ok := result.(map[string]any)
	require.True(t, ok)
	entries, ok := body["events"].([]history.Entry)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}

func TestEventHistoryLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 5; i++ {
		env.history.entries["dispatch:location"] = append(env.history.entries["dispatch:location"],
			history.Entry{Type: "dispatch:location"})
	}

	result, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "events:history", map[string]any{"eventType": "dispatch:location", "limit": 2}))
	require.Nil(t, errBody)
	assert.Len(t, result.(map[string]any)["events"].([]history.Entry), 2)

	_, errBody = env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "events:history", map[string]any{"eventType": "dispatch:location", "limit": 500}))
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeValidation, errBody.Code)
}

func TestEventHistoryStoreOutage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.history.err = errors.New("connection refused")

	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "operador"),
		inbound(t, "events:history", map[string]any{"eventType": "despacho:nuevo"}))
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeUpstream, errBody.Code)
}

// A connection going away cancels its in-flight upstream calls.
func TestUpstreamCallCancelledWithConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, errBody := env.srv.dispatchEvent(ctx, state("c1", "u1", "operador"),
		inbound(t, "dispatch:create", map[string]any{
			"ubicacion_origen_lat": 4.6,
			"ubicacion_origen_lng": -74.08,
			"incidente":            "accidente",
			"prioridad":            "alta",
		}))
	require.NotNil(t, errBody)
	assert.Equal(t, events.CodeUpstream, errBody.Code)
	assert.Empty(t, env.upstream.created)
}

func TestUserStatusBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher := env.register(t, "c2", "u2", "operador")

	_, errBody := env.srv.dispatchEvent(context.Background(), state("c1", "u1", "paramedico"),
		inbound(t, "user:status", map[string]any{"status": "online"}))
	require.Nil(t, errBody)
	assert.Contains(t, watcher.pushTypes(t), "user:status-changed")
}
