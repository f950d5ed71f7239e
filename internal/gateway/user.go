package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"pulse/internal/auth"
	"pulse/internal/domain"
	"pulse/internal/fanout"
	"pulse/internal/metrics"
	"pulse/internal/models"
	"pulse/internal/ws"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type State int

const (
	StateConnected State = iota
	StateAuthPending
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// UserGateway drives end-user connections.
type UserGateway struct {
	presence Presence
	fanout   Fanout
	verifier TokenVerifier
	opts     Options
	metrics  metrics.Recorder
	now      func() time.Time
	log      *zap.Logger
}

func NewUserGateway(presence Presence, fan Fanout, verifier TokenVerifier, opts Options, rec metrics.Recorder, log *zap.Logger) *UserGateway {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &UserGateway{
		presence: presence,
		fanout:   fan,
		verifier: verifier,
		opts:     opts,
		metrics:  rec,
		now:      time.Now,
		log:      log,
	}
}

func (g *UserGateway) SetClock(now func() time.Time) {
	g.now = now
}

// Connection is one user socket.
type Connection struct {
	g       *UserGateway
	conn    Conn
	meta    ConnMeta
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	log     *zap.Logger

	mu       sync.Mutex
	state    State
	identity *models.Identity
	claims   *auth.Claims
	timer    *time.Timer
	torn     bool
}

// Open starts the state machine for a new socket. A token presented at the
// handshake is verified right away; otherwise the connection waits for an
// authenticate event for at most the configured auth timeout.
func (g *UserGateway) Open(conn Conn, meta ConnMeta) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		g:       g,
		conn:    conn,
		meta:    meta,
		ctx:     ctx,
		cancel:  cancel,
		limiter: g.opts.limiter(),
		log:     g.log.With(zap.String("connection_id", conn.ID())),
		state:   StateConnected,
	}
	g.metrics.ConnectionOpened(domain.ChannelUser)

	c.mu.Lock()
	c.state = StateAuthPending
	if g.opts.AuthTimeout > 0 {
		c.timer = time.AfterFunc(g.opts.AuthTimeout, c.authTimedOut)
	}
	c.mu.Unlock()

	if meta.Token != "" {
		c.authenticate("", meta.Token)
	}
	return c
}

func (c *Connection) authTimedOut() {
	c.mu.Lock()
	pending := c.state == StateAuthPending
	c.mu.Unlock()
	if !pending {
		return
	}
	c.log.Info("closing connection that never authenticated")
	c.conn.Close()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the bound identity, or nil before authentication.
func (c *Connection) Identity() *models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Handle processes one inbound event.
func (c *Connection) Handle(f *ws.Frame) {
	c.g.metrics.EventHandled(domain.ChannelUser, f.Event)
	state := c.State()
	if state == StateClosed {
		return
	}
	// Ping is answered in every open state and does not spend rate budget.
	if f.Event == domain.EventPing {
		_ = c.conn.Reply(f.ID, domain.EventPing, pingReply{Timestamp: c.g.now().UTC()})
		return
	}
	if !c.limiter.Allow() {
		_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: "rate limit exceeded", Code: domain.CodeValidation})
		return
	}

	switch f.Event {
	case domain.EventAuthenticate:
		if state == StateAuthenticated {
			_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: "already authenticated", Code: domain.CodeValidation})
			return
		}
		var req struct {
			Token string `json:"token"`
		}
		_ = f.Bind(&req)
		c.authenticate(f.ID, req.Token)
		return
	}

	if state != StateAuthenticated {
		c.log.Debug("ignoring event before authentication", zap.String("event", f.Event))
		return
	}
	c.touch()

	switch f.Event {
	case domain.EventGetOnlineUsers:
		c.getOnlineUsers(f)
	case domain.EventSendMessage:
		c.sendMessage(f)
	default:
		_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: "unknown event " + f.Event, Code: domain.CodeValidation})
	}
}

func (c *Connection) authenticate(replyID, token string) {
	claims, err := c.g.verifier.Verify(auth.StripBearer(token))
	if err != nil {
		c.g.metrics.AuthAttempt(domain.ChannelUser, false)
		c.log.Info("authentication failed", zap.Error(err))
		c.fail(replyID, err)
		return
	}
	id := claims.Identity()
	now := c.g.now()

	c.mu.Lock()
	if c.state != StateAuthPending {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.identity = &id
	c.claims = claims
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	sess := &models.Session{
		UserID:       id.UserID,
		ConnectionID: c.conn.ID(),
		Email:        id.Email,
		NodeID:       c.g.opts.NodeID,
		DeviceInfo:   firstNonEmpty(claims.DeviceInfo, c.meta.UserAgent),
		IPAddress:    firstNonEmpty(claims.IPAddress, c.meta.IPAddress),
		CreatedAt:    now,
	}
	// The session goes first: a concurrent teardown of the user's last other
	// session then sees it and leaves the status alone.
	if err := c.g.presence.CreateSession(c.ctx, sess); err != nil {
		c.log.Error("could not create session", zap.Error(err))
		c.fail(replyID, err)
		return
	}
	if err := c.g.presence.SetStatus(c.ctx, id.UserID, domain.StatusOnline, now); err != nil {
		c.log.Error("could not record online status", zap.Error(err))
		c.fail(replyID, err)
		return
	}
	c.g.metrics.AuthAttempt(domain.ChannelUser, true)

	_ = c.conn.Reply(replyID, domain.EventConnected, map[string]interface{}{
		"user": map[string]string{
			"userId":   id.UserID,
			"email":    id.Email,
			"socketId": c.conn.ID(),
		},
	})
	c.log.Info("user authenticated", zap.String("user_id", id.UserID), zap.String("email", id.Email))

	if _, err := c.g.fanout.NotifyStatusChange(c.ctx, id.UserID, domain.StatusOnline, id.Email); err != nil {
		c.log.Warn("online notification incomplete", zap.Error(err))
	}
}

// fail reports err and closes the connection. Disconnect still runs when the
// transport notices the close.
func (c *Connection) fail(replyID string, err error) {
	c.mu.Lock()
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	_ = c.conn.Reply(replyID, domain.EventError, errorPayload{Error: domain.PublicMessage(err), Code: domain.Code(err)})
	c.conn.Close()
}

// touch refreshes the session. If a teardown elsewhere marked the user
// offline while this session was live, the status is restored and related
// users hear about it.
func (c *Connection) touch() {
	id := c.Identity()
	restored, err := c.g.presence.TouchSession(c.ctx, id.UserID, c.conn.ID())
	if err != nil {
		c.log.Warn("session refresh failed", zap.Error(err))
		return
	}
	if !restored {
		return
	}
	if _, err := c.g.fanout.NotifyStatusChange(c.ctx, id.UserID, domain.StatusOnline, id.Email); err != nil {
		c.log.Warn("online notification incomplete", zap.Error(err))
	}
}

func (c *Connection) getOnlineUsers(f *ws.Frame) {
	users, err := c.g.fanout.ListOnlineRelated(c.ctx, c.Identity().UserID)
	if err != nil {
		c.log.Error("list online related failed", zap.Error(err))
		_ = c.conn.Reply(f.ID, domain.EventGetOnlineUsers, map[string]interface{}{
			"users": []fanout.OnlineContact{},
			"error": domain.PublicMessage(err),
		})
		return
	}
	_ = c.conn.Reply(f.ID, domain.EventGetOnlineUsers, map[string]interface{}{"users": users})
}

type sendMessageRequest struct {
	RecipientID string                 `json:"recipientId"`
	Message     string                 `json:"message"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type sendMessageReply struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Connection) sendMessage(f *ws.Frame) {
	reply := func(err error) {
		r := sendMessageReply{Status: domain.DeliverySent, Timestamp: c.g.now().UTC()}
		if err != nil {
			r.Status = domain.DeliveryError
			r.Error = domain.PublicMessage(err)
			r.Code = domain.Code(err)
		}
		_ = c.conn.Reply(f.ID, domain.EventSendMessage, r)
	}

	var req sendMessageRequest
	if err := f.Bind(&req); err != nil {
		reply(domain.NewValidationError("data", "malformed payload"))
		return
	}
	id := c.Identity()
	from := fanout.SenderContext{ID: id.UserID, Type: domain.SenderUser, Email: id.Email}
	d, err := c.g.fanout.DeliverMessage(c.ctx, req.RecipientID, req.Message, req.Metadata, from)
	if err != nil {
		if !errors.Is(err, domain.ErrRecipientOffline) && !errors.Is(err, domain.ErrValidation) {
			c.log.Error("message delivery failed", zap.String("recipient_id", req.RecipientID), zap.Error(err))
		}
		reply(err)
		return
	}
	if !d.Delivered {
		reply(errors.New("delivery failed"))
		return
	}
	reply(nil)
}

// Disconnect tears the connection down. Calling it again is a no-op.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	id := c.identity
	c.mu.Unlock()
	c.cancel()
	c.g.metrics.ConnectionClosed(domain.ChannelUser)

	if id == nil {
		c.log.Debug("unauthenticated connection closed")
		return
	}
	// The connection context is gone; teardown runs on its own, still bounded
	// per store call.
	ctx := context.Background()
	if err := c.g.presence.RemoveSession(ctx, id.UserID, c.conn.ID()); err != nil {
		c.log.Error("could not remove session", zap.Error(err))
	}
	remaining, err := c.g.presence.ListSessions(ctx, id.UserID)
	if err != nil {
		c.log.Error("could not count remaining sessions", zap.Error(err))
		return
	}
	if len(remaining) > 0 {
		c.log.Info("user disconnected, other sessions remain", zap.String("user_id", id.UserID), zap.Int("sessions", len(remaining)))
		return
	}
	st, err := c.g.presence.GetStatus(ctx, id.UserID)
	if err != nil {
		c.log.Error("could not read status", zap.Error(err))
		return
	}
	if st != nil && st.Status == domain.StatusOffline {
		return
	}
	if err := c.g.presence.SetStatus(ctx, id.UserID, domain.StatusOffline, c.g.now()); err != nil {
		c.log.Error("could not record offline status", zap.Error(err))
		return
	}
	if _, err := c.g.fanout.NotifyStatusChange(ctx, id.UserID, domain.StatusOffline, id.Email); err != nil {
		c.log.Warn("offline notification incomplete", zap.Error(err))
	}
	c.log.Info("user disconnected", zap.String("user_id", id.UserID))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
