package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"pulse/config"
	"pulse/internal/auth"
	"pulse/internal/fanout"
	"pulse/internal/graph"
	"pulse/internal/models"
	"pulse/internal/registry"
	"pulse/internal/store"
	"pulse/internal/ws"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type outFrame struct {
	Event string
	ID    string
	Data  map[string]interface{}
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []outFrame
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, payload interface{}) error {
	return c.Reply("", event, payload)
}

func (c *fakeConn) Reply(id, event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ws.ErrClientClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var data map[string]interface{}
	_ = json.Unmarshal(raw, &data)
	c.frames = append(c.frames, outFrame{Event: event, ID: id, Data: data})
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(name string) []outFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []outFrame
	for _, f := range c.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) last() outFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return outFrame{}
	}
	return c.frames[len(c.frames)-1]
}

// harness wires real stores, graph and fanout over the in-memory backend and
// routes fanout sends to fake connections.
type harness struct {
	t        *testing.T
	kv       *store.Memory
	presence *store.PresenceStore
	services *store.ServiceStore
	graph    *graph.KV
	registry *registry.Registry
	engine   *fanout.Engine
	jwt      *config.JWTConfig
	users    *UserGateway
	svc      *ServiceGateway

	mu    sync.Mutex
	conns map[string]*fakeConn
	seq   int
}

func (h *harness) Send(_ context.Context, connID, event string, payload interface{}) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return ws.ErrUnknownConnection
	}
	return c.Emit(event, payload)
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	kv := store.NewMemory()
	h := &harness{
		t:        t,
		kv:       kv,
		presence: store.NewPresenceStore(kv, time.Hour, zap.NewNop()),
		services: store.NewServiceStore(kv, zap.NewNop()),
		graph:    graph.NewKV(kv, false, zap.NewNop()),
		jwt:      &config.JWTConfig{AccessSecret: "test-secret", AccessExpiry: time.Hour, Issuer: "pulse-test"},
		conns:    map[string]*fakeConn{},
	}
	h.registry = registry.New(h.services, registry.Options{MaxServices: 5, BcryptCost: bcrypt.MinCost}, zap.NewNop())
	h.engine = fanout.New(h.presence, h.graph, h, 4, nil, zap.NewNop())
	h.users = NewUserGateway(h.presence, h.engine, auth.NewVerifier(h.jwt), opts, nil, zap.NewNop())
	h.svc = NewServiceGateway(h.registry, h.services, h.engine, 30*time.Minute, opts, nil, zap.NewNop())
	return h
}

func (h *harness) newConn() *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	c := &fakeConn{id: fmt.Sprintf("conn-%d", h.seq)}
	h.conns[c.id] = c
	return c
}

func (h *harness) token(userID string) string {
	h.t.Helper()
	tok, err := auth.GenerateAccessToken(h.jwt, userID, userID+"@example.com", time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) relate(userID string, contacts ...string) {
	h.t.Helper()
	list := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		list = append(list, models.Contact{ID: c, Email: c + "@example.com"})
	}
	require.NoError(h.t, h.graph.SetRelated(context.Background(), userID, list))
}

func frame(t *testing.T, event, id string, data interface{}) *ws.Frame {
	t.Helper()
	raw, err := ws.Encode(event, id, data)
	require.NoError(t, err)
	f, err := ws.Decode(raw)
	require.NoError(t, err)
	return f
}

func (h *harness) mustRegister(name, key string) {
	h.t.Helper()
	_, err := h.registry.Register(context.Background(), registry.RegisterRequest{
		Name: name, Key: key, Type: "notifier", Description: "push notifications",
	})
	require.NoError(h.t, err)
}
