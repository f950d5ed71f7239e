package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulse/internal/auth"
	"pulse/internal/domain"
	"pulse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (h *harness) login(userID string) (*fakeConn, *Connection) {
	h.t.Helper()
	fc := h.newConn()
	c := h.users.Open(fc, ConnMeta{})
	c.Handle(frame(h.t, domain.EventAuthenticate, "a1", map[string]string{"token": h.token(userID)}))
	require.Equal(h.t, StateAuthenticated, c.State())
	return fc, c
}

func statusUpdates(c *fakeConn, userID, status string) int {
	n := 0
	for _, f := range c.events(domain.EventUserStatusUpdate) {
		if f.Data["userId"] == userID && f.Data["status"] == status {
			n++
		}
	}
	return n
}

func TestAuthenticate_BindsIdentity(t *testing.T) {
	h := newHarness(t, Options{NodeID: "n1"})
	fc, c := h.login("u1")

	connected := fc.events(domain.EventConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "a1", connected[0].ID)
	user := connected[0].Data["user"].(map[string]interface{})
	assert.Equal(t, "u1", user["userId"])
	assert.Equal(t, "u1@example.com", user["email"])
	assert.Equal(t, fc.id, user["socketId"])
	assert.Equal(t, "u1", c.Identity().UserID)

	ctx := context.Background()
	st, err := h.presence.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, st.Status)
	sess, err := h.presence.GetSession(ctx, "u1", fc.id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "n1", sess.NodeID)
}

func TestAuthenticate_BearerPrefixAndHandshakeToken(t *testing.T) {
	h := newHarness(t, Options{})
	fc := h.newConn()
	c := h.users.Open(fc, ConnMeta{Token: "Bearer " + h.token("u1"), IPAddress: "10.0.0.1"})
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Len(t, fc.events(domain.EventConnected), 1)

	sess, err := h.presence.GetSession(context.Background(), "u1", fc.id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", sess.IPAddress)
}

func TestAuthenticate_InvalidTokenCloses(t *testing.T) {
	h := newHarness(t, Options{})
	for _, tok := range []string{"", "garbage", "Bearer "} {
		fc := h.newConn()
		c := h.users.Open(fc, ConnMeta{})
		c.Handle(frame(t, domain.EventAuthenticate, "", map[string]string{"token": tok}))
		assert.True(t, fc.isClosed(), "token %q", tok)
		assert.Equal(t, StateClosed, c.State())
		errs := fc.events(domain.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, domain.CodeAuthentication, errs[0].Data["code"])
		c.Disconnect()
	}
	keys, err := h.kv.Keys(context.Background(), "session:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUnauthenticatedEventsIgnoredExceptPing(t *testing.T) {
	h := newHarness(t, Options{})
	fc := h.newConn()
	c := h.users.Open(fc, ConnMeta{})

	c.Handle(frame(t, domain.EventGetOnlineUsers, "1", nil))
	c.Handle(frame(t, domain.EventSendMessage, "2", map[string]string{"recipientId": "u2", "message": "hi"}))
	assert.Empty(t, fc.frames)
	assert.Equal(t, StateAuthPending, c.State())

	c.Handle(frame(t, domain.EventPing, "3", nil))
	pong := fc.last()
	assert.Equal(t, domain.EventPing, pong.Event)
	assert.Equal(t, "3", pong.ID)
	assert.NotEmpty(t, pong.Data["timestamp"])
	assert.False(t, fc.isClosed())
}

func TestAuthTimeoutClosesPendingConnection(t *testing.T) {
	h := newHarness(t, Options{AuthTimeout: 20 * time.Millisecond})
	fc := h.newConn()
	h.users.Open(fc, ConnMeta{})
	assert.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)

	// An authenticated connection outlives the timeout.
	fc2, _ := h.login("u1")
	time.Sleep(60 * time.Millisecond)
	assert.False(t, fc2.isClosed())
}

func TestScenario_MutualFriendsDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	h.relate("u1", "u2")
	h.relate("u2", "u1")

	connA, a := h.login("u1")
	connB, _ := h.login("u2")
	connC, _ := h.login("u3")

	assert.Equal(t, 1, statusUpdates(connA, "u2", domain.StatusOnline))
	assert.Zero(t, len(connC.events(domain.EventUserStatusUpdate)))

	a.Disconnect()
	a.Disconnect()

	assert.Equal(t, 1, statusUpdates(connB, "u1", domain.StatusOffline))
	assert.Len(t, connB.events(domain.EventUserStatusUpdate), 1)
	assert.Empty(t, connC.events(domain.EventUserStatusUpdate))

	st, err := h.presence.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, st.Status)
}

func TestMultiSessionPresence(t *testing.T) {
	h := newHarness(t, Options{})
	h.relate("u2", "u1")
	watcher, _ := h.login("u2")
	_, first := h.login("u1")
	_, second := h.login("u1")
	ctx := context.Background()

	first.Disconnect()
	st, err := h.presence.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, st.Status)
	assert.Zero(t, statusUpdates(watcher, "u1", domain.StatusOffline))

	second.Disconnect()
	st, err = h.presence.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, st.Status)
	assert.Equal(t, 1, statusUpdates(watcher, "u1", domain.StatusOffline))
}

// hookedPresence runs beforeCreate once, right before the next session is
// written, to interleave another connection's teardown with a login.
type hookedPresence struct {
	Presence
	beforeCreate func()
}

func (p *hookedPresence) CreateSession(ctx context.Context, sess *models.Session) error {
	if hook := p.beforeCreate; hook != nil {
		p.beforeCreate = nil
		hook()
	}
	return p.Presence.CreateSession(ctx, sess)
}

func TestLoginRacingLastTeardownStaysOnline(t *testing.T) {
	h := newHarness(t, Options{})
	h.relate("u1", "u2")
	h.relate("u2", "u1")
	friendConn, friend := h.login("u1")
	_, first := h.login("u2")

	hooked := &hookedPresence{Presence: h.presence, beforeCreate: first.Disconnect}
	g := NewUserGateway(hooked, h.engine, auth.NewVerifier(h.jwt), Options{}, nil, zap.NewNop())
	second := h.newConn()
	c := g.Open(second, ConnMeta{Token: h.token("u2")})
	require.Equal(t, StateAuthenticated, c.State())

	ctx := context.Background()
	ids, err := h.presence.ListSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{second.id}, ids)
	st, err := h.presence.GetStatus(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, st.Status)

	friend.Handle(frame(t, domain.EventGetOnlineUsers, "q", nil))
	users := friendConn.last().Data["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].(map[string]interface{})["userId"])
}

func TestActivityRestoresStaleOfflineStatus(t *testing.T) {
	h := newHarness(t, Options{})
	h.relate("u1", "u2")
	watcherConn, watcher := h.login("u1")
	_, c := h.login("u2")
	ctx := context.Background()

	// A teardown on another instance wrote offline while u2 was still connected.
	require.NoError(t, h.presence.SetStatus(ctx, "u2", domain.StatusOffline, time.Now()))
	before := statusUpdates(watcherConn, "u2", domain.StatusOnline)

	c.Handle(frame(t, domain.EventGetOnlineUsers, "a", nil))
	st, err := h.presence.GetStatus(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, st.Status)
	assert.Equal(t, before+1, statusUpdates(watcherConn, "u2", domain.StatusOnline))

	// Further activity does not repeat the announcement.
	c.Handle(frame(t, domain.EventGetOnlineUsers, "b", nil))
	assert.Equal(t, before+1, statusUpdates(watcherConn, "u2", domain.StatusOnline))

	watcher.Handle(frame(t, domain.EventGetOnlineUsers, "w", nil))
	users := watcherConn.last().Data["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].(map[string]interface{})["userId"])
}

func TestStoreFailure_AuthenticateRepliesAndCloses(t *testing.T) {
	h := newHarness(t, Options{})
	fc := h.newConn()
	c := h.users.Open(fc, ConnMeta{})
	h.kv.InjectFailure(errors.New("connection refused"))

	c.Handle(frame(t, domain.EventAuthenticate, "a1", map[string]string{"token": h.token("u1")}))
	errs := fc.events(domain.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "a1", errs[0].ID)
	assert.Equal(t, domain.CodeStoreUnavailable, errs[0].Data["code"])
	assert.True(t, fc.isClosed())
	assert.Equal(t, StateClosed, c.State())
	assert.NotPanics(t, c.Disconnect)

	h.kv.InjectFailure(nil)
	keys, err := h.kv.Keys(context.Background(), "session:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreFailure_SendMessageReported(t *testing.T) {
	h := newHarness(t, Options{})
	sender, s := h.login("u1")
	recipient, _ := h.login("u2")
	h.kv.InjectFailure(errors.New("connection refused"))

	s.Handle(frame(t, domain.EventSendMessage, "m1", map[string]string{"recipientId": "u2", "message": "hi"}))
	ack := sender.last()
	assert.Equal(t, domain.EventSendMessage, ack.Event)
	assert.Equal(t, "m1", ack.ID)
	assert.Equal(t, domain.DeliveryError, ack.Data["status"])
	assert.Equal(t, domain.CodeStoreUnavailable, ack.Data["code"])
	assert.Empty(t, recipient.events(domain.EventMessage))
	assert.False(t, sender.isClosed())
	assert.Equal(t, StateAuthenticated, s.State())

	h.kv.InjectFailure(nil)
	s.Handle(frame(t, domain.EventSendMessage, "m2", map[string]string{"recipientId": "u2", "message": "hi"}))
	assert.Equal(t, domain.DeliverySent, sender.last().Data["status"])
	assert.Len(t, recipient.events(domain.EventMessage), 1)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, Options{})
	sender, s := h.login("u1")
	r1, _ := h.login("u2")
	r2, _ := h.login("u2")

	s.Handle(frame(t, domain.EventSendMessage, "m1", map[string]interface{}{
		"recipientId": "u2", "message": "hello", "metadata": map[string]string{"thread": "t1"},
	}))
	ack := sender.last()
	assert.Equal(t, domain.EventSendMessage, ack.Event)
	assert.Equal(t, "m1", ack.ID)
	assert.Equal(t, domain.DeliverySent, ack.Data["status"])

	for _, rc := range []*fakeConn{r1, r2} {
		msgs := rc.events(domain.EventMessage)
		require.Len(t, msgs, 1)
		assert.Equal(t, "u1", msgs[0].Data["senderId"])
		assert.Equal(t, domain.SenderUser, msgs[0].Data["senderType"])
		assert.Equal(t, "hello", msgs[0].Data["message"])
	}

	s.Handle(frame(t, domain.EventSendMessage, "m2", map[string]string{"recipientId": "ghost", "message": "hi"}))
	ack = sender.last()
	assert.Equal(t, domain.DeliveryError, ack.Data["status"])
	assert.Equal(t, domain.CodeRecipientOffline, ack.Data["code"])

	s.Handle(frame(t, domain.EventSendMessage, "m3", map[string]string{"recipientId": "u2"}))
	ack = sender.last()
	assert.Equal(t, domain.CodeValidation, ack.Data["code"])
	assert.False(t, sender.isClosed())
}

func TestGetOnlineUsers_OwnRelatedSetOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.relate("u1", "u2", "u3")
	h.login("u2")
	h.login("u4")
	fc, c := h.login("u1")

	c.Handle(frame(t, domain.EventGetOnlineUsers, "q", map[string]string{"userId": "u4"}))
	reply := fc.last()
	require.Equal(t, domain.EventGetOnlineUsers, reply.Event)
	users := reply.Data["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].(map[string]interface{})["userId"])
}

func TestActivityRefreshesSession(t *testing.T) {
	h := newHarness(t, Options{})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h.presence.SetClock(clock)
	fc, c := h.login("u1")

	now = now.Add(10 * time.Minute)
	c.Handle(frame(t, domain.EventGetOnlineUsers, "", nil))
	sess, err := h.presence.GetSession(context.Background(), "u1", fc.id)
	require.NoError(t, err)
	assert.True(t, sess.LastActivityAt.Equal(now))
}

func TestRateLimit_PingStillAnswered(t *testing.T) {
	h := newHarness(t, Options{EventRate: 0.001, EventBurst: 3})
	fc, c := h.login("u1")
	c.Handle(frame(t, domain.EventGetOnlineUsers, "1", nil))
	c.Handle(frame(t, domain.EventGetOnlineUsers, "2", nil))
	c.Handle(frame(t, domain.EventGetOnlineUsers, "3", nil))

	last := fc.last()
	assert.Equal(t, domain.EventError, last.Event)
	assert.Equal(t, "3", last.ID)
	assert.Len(t, fc.events(domain.EventGetOnlineUsers), 2)

	for _, id := range []string{"p1", "p2", "p3"} {
		c.Handle(frame(t, domain.EventPing, id, nil))
		pong := fc.last()
		assert.Equal(t, domain.EventPing, pong.Event)
		assert.Equal(t, id, pong.ID)
		assert.NotEmpty(t, pong.Data["timestamp"])
	}
	assert.False(t, fc.isClosed())
}
