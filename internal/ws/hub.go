package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pulse/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrClientClosed      = errors.New("ws: client closed")
	ErrSendBufferFull    = errors.New("ws: send buffer full")
	ErrUnknownConnection = errors.New("ws: unknown connection")
)

// Client represents a single WebSocket connection.
type Client struct {
	id      string
	channel string
	send    chan []byte
	hub     *Hub // set so Close() can unregister; nil until registered
	mu      sync.Mutex
	closed  bool
}

func NewClient(channel string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:      uuid.NewString(),
		channel: channel,
		send:    make(chan []byte, buffer),
	}
}

func (c *Client) ID() string { return c.id }

// enqueue never blocks; a slow reader loses frames rather than stalling the
// sender.
func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Emit pushes an event with no request id.
func (c *Client) Emit(event string, payload interface{}) error {
	return c.Reply("", event, payload)
}

// Reply answers the request identified by id.
func (c *Client) Reply(id, event string, payload interface{}) error {
	data, err := Encode(event, id, payload)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// Close stops the write pump after it has flushed queued frames. Safe to call
// more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	hub := c.hub
	c.mu.Unlock()
	if hub != nil {
		hub.unregister(c)
	}
}

// Broker is the cross-instance publish/subscribe the hub relays through.
type Broker interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (store.Subscription, error)
}

type relayEnvelope struct {
	Node         string          `json:"node"`
	ConnectionID string          `json:"connectionId"`
	Frame        json.RawMessage `json:"frame,omitempty"`
	Kick         bool            `json:"kick,omitempty"`
}

// Hub maintains the set of active clients of this instance, keyed by
// connection id, and relays frames for connections held elsewhere.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nodeID  string
	broker  Broker
	log     *zap.Logger
}

// NewHub returns a hub. A nil broker confines delivery to local clients.
func NewHub(nodeID string, broker Broker, log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		nodeID:  nodeID,
		broker:  broker,
		log:     log,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	c.hub = h
	c.mu.Unlock()
	h.clients[c.id] = c
	h.log.Debug("client registered", zap.String("connection_id", c.id), zap.String("channel", c.channel))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
}

func (h *Hub) Get(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Send delivers event to connID. Connections not held by this instance are
// reached through the broker; that path is best effort and reports success
// once the frame is published.
func (h *Hub) Send(ctx context.Context, connID, event string, payload interface{}) error {
	if c, ok := h.Get(connID); ok {
		return c.Emit(event, payload)
	}
	if h.broker == nil {
		return ErrUnknownConnection
	}
	frame, err := Encode(event, "", payload)
	if err != nil {
		return err
	}
	return h.publish(ctx, relayEnvelope{Node: h.nodeID, ConnectionID: connID, Frame: frame})
}

// CloseConnection closes connID wherever it is held.
func (h *Hub) CloseConnection(ctx context.Context, connID string) error {
	if c, ok := h.Get(connID); ok {
		c.Close()
		return nil
	}
	if h.broker == nil {
		return ErrUnknownConnection
	}
	return h.publish(ctx, relayEnvelope{Node: h.nodeID, ConnectionID: connID, Kick: true})
}

func (h *Hub) publish(ctx context.Context, env relayEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, store.RelayChannel, string(data))
}

// Start subscribes to the relay channel and delivers relayed frames to local
// clients until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if h.broker == nil {
		return nil
	}
	sub, err := h.broker.Subscribe(ctx, store.RelayChannel)
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					h.log.Warn("relay subscription ended")
					return
				}
				h.deliverRelayed(msg)
			}
		}
	}()
	return nil
}

func (h *Hub) deliverRelayed(msg string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		h.log.Warn("dropping malformed relay frame", zap.Error(err))
		return
	}
	if env.Node == h.nodeID {
		return
	}
	c, ok := h.Get(env.ConnectionID)
	if !ok {
		return
	}
	if env.Kick {
		c.Close()
		return
	}
	if err := c.enqueue(env.Frame); err != nil {
		h.log.Debug("relayed frame dropped", zap.String("connection_id", env.ConnectionID), zap.Error(err))
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every local client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}
