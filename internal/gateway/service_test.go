package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulse/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerPayload(name, key string) map[string]interface{} {
	return map[string]interface{}{
		"serviceName": name,
		"serviceKey":  key,
		"serviceType": "notifier",
		"description": "push notifications",
	}
}

func (h *harness) authService(name, key string) (*fakeConn, *ServiceConnection) {
	h.t.Helper()
	fc := h.newConn()
	c := h.svc.Open(fc)
	c.Handle(frame(h.t, domain.EventAuthenticateService, "auth", map[string]string{"serviceName": name, "serviceKey": key}))
	return fc, c
}

func TestServiceOpenAnnouncesSocket(t *testing.T) {
	h := newHarness(t, Options{})
	fc := h.newConn()
	c := h.svc.Open(fc)
	hello := fc.events(domain.EventConnected)
	require.Len(t, hello, 1)
	assert.Equal(t, fc.id, hello[0].Data["socketId"])
	assert.Equal(t, ServiceUnregistered, c.State())
}

func TestScenario_RegisterThenAuthenticate(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	regConn := h.newConn()
	rc := h.svc.Open(regConn)
	rc.Handle(frame(t, domain.EventRegisterService, "r1", registerPayload("svc1", "K")))
	ack := regConn.last()
	require.Equal(t, domain.EventServiceRegistered, ack.Event)
	assert.Equal(t, "r1", ack.ID)
	assert.Equal(t, "svc1", ack.Data["serviceName"])
	assert.Equal(t, "notifier", ack.Data["serviceType"])
	assert.Equal(t, ServiceRegistered, rc.State())

	good, gc := h.authService("svc1", "K")
	authed := good.last()
	require.Equal(t, domain.EventServiceAuthenticated, authed.Event)
	assert.Equal(t, "svc1", authed.Data["serviceName"])
	assert.Equal(t, good.id, authed.Data["socketId"])
	assert.EqualValues(t, 1800, authed.Data["expiresIn"])
	assert.Equal(t, ServiceAuthenticated, gc.State())
	sess, err := h.services.GetSession(ctx, "svc1", good.id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "notifier", sess.Type)

	bad, bc := h.authService("svc1", "WRONG")
	failed := bad.last()
	assert.Equal(t, domain.EventAuthenticationError, failed.Event)
	assert.Equal(t, domain.CodeAuthentication, failed.Data["code"])
	assert.True(t, bad.isClosed())
	assert.Equal(t, ServiceClosed, bc.State())
	sess, err = h.services.GetSession(ctx, "svc1", bad.id)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestServiceAuthenticate_UnknownAndDisabled(t *testing.T) {
	h := newHarness(t, Options{})
	fc, _ := h.authService("ghost", "K")
	assert.Equal(t, domain.EventAuthenticationError, fc.last().Event)
	assert.True(t, fc.isClosed())

	h.mustRegister("svc2", "K")
	_, err := h.registry.SetEnabled(context.Background(), "svc2", false)
	require.NoError(t, err)
	fc, _ = h.authService("svc2", "K")
	assert.Equal(t, domain.EventAuthenticationError, fc.last().Event)
	assert.True(t, fc.isClosed())
}

func TestServiceRegister_DuplicateKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, Options{})
	fc := h.newConn()
	c := h.svc.Open(fc)
	c.Handle(frame(t, domain.EventRegisterService, "1", registerPayload("svc1", "K")))
	c.Handle(frame(t, domain.EventRegisterService, "2", registerPayload("svc1", "K2")))

	last := fc.last()
	assert.Equal(t, domain.EventRegistrationError, last.Event)
	assert.Equal(t, "2", last.ID)
	assert.Equal(t, domain.CodeDuplicate, last.Data["code"])
	assert.False(t, fc.isClosed())

	c.Handle(frame(t, domain.EventRegisterService, "3", registerPayload("bad name", "K")))
	assert.Equal(t, domain.CodeValidation, fc.last().Data["code"])
}

func TestServicePrivilegedOpsRequireAuthentication(t *testing.T) {
	h := newHarness(t, Options{})
	fc := h.newConn()
	c := h.svc.Open(fc)
	for _, ev := range []string{domain.EventPing, domain.EventListServices, domain.EventSendMessage} {
		c.Handle(frame(t, ev, ev, nil))
		last := fc.last()
		assert.Equal(t, domain.EventError, last.Event, ev)
		assert.Equal(t, domain.CodeAuthentication, last.Data["code"], ev)
	}
	assert.False(t, fc.isClosed())
}

func TestServiceCatalogue(t *testing.T) {
	h := newHarness(t, Options{})
	h.mustRegister("svc1", "K")
	fc, c := h.authService("svc1", "K")

	c.Handle(frame(t, domain.EventPing, "p", nil))
	pong := fc.last()
	assert.Equal(t, domain.EventPing, pong.Event)
	assert.Equal(t, "svc1", pong.Data["serviceName"])

	c.Handle(frame(t, domain.EventListServices, "l", nil))
	list := fc.last()
	require.Equal(t, domain.EventListServices, list.Event)
	services := list.Data["services"].([]interface{})
	require.Len(t, services, 1)
	entry := services[0].(map[string]interface{})
	assert.Equal(t, "svc1", entry["name"])
	assert.NotContains(t, entry, "keyHash")

	c.Handle(frame(t, domain.EventListServiceTypes, "t", nil))
	types := fc.last().Data["types"].([]interface{})
	assert.Contains(t, types, "notifier")
}

func TestServiceSendMessage(t *testing.T) {
	h := newHarness(t, Options{})
	h.mustRegister("svc1", "K")
	userConn, _ := h.login("u1")
	fc, c := h.authService("svc1", "K")

	c.Handle(frame(t, domain.EventSendMessage, "s1", map[string]interface{}{
		"recipientIds": []string{"u1", "offline-user"},
		"message":      "build finished",
		"metadata":     map[string]string{"source": "spoofed", "job": "42"},
	}))
	ack := fc.last()
	require.Equal(t, domain.EventSendMessage, ack.Event)
	assert.Equal(t, "partial", ack.Data["status"])
	counts := ack.Data["recipients"].(map[string]interface{})
	assert.EqualValues(t, 2, counts["total"])
	assert.EqualValues(t, 1, counts["sent"])
	assert.EqualValues(t, 1, counts["failed"])

	msgs := userConn.events(domain.EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "svc1", msgs[0].Data["senderId"])
	assert.Equal(t, domain.SenderService, msgs[0].Data["senderType"])
	meta := msgs[0].Data["metadata"].(map[string]interface{})
	assert.Equal(t, domain.MessageSourceInternal, meta["source"])
	assert.Equal(t, "svc1", meta["serviceName"])
	assert.Equal(t, "notifier", meta["serviceType"])
	assert.Equal(t, fc.id, meta["internalClientId"])
	assert.Equal(t, "42", meta["job"])

	c.Handle(frame(t, domain.EventSendMessage, "s2", map[string]interface{}{"recipientIds": []string{"u1"}}))
	assert.Equal(t, domain.DeliveryError, fc.last().Data["status"])
	c.Handle(frame(t, domain.EventSendMessage, "s3", map[string]interface{}{"recipientIds": []string{"nobody"}, "message": "x"}))
	assert.Equal(t, domain.DeliveryError, fc.last().Data["status"])
}

func TestServiceRevalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled registration", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.mustRegister("svc1", "K")
		fc, c := h.authService("svc1", "K")
		_, err := h.registry.SetEnabled(ctx, "svc1", false)
		require.NoError(t, err)

		c.Handle(frame(t, domain.EventPing, "p", nil))
		assert.Equal(t, domain.EventAuthenticationError, fc.last().Event)
		assert.True(t, fc.isClosed())
	})

	t.Run("expired session", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.mustRegister("svc1", "K")
		fc, c := h.authService("svc1", "K")
		require.NoError(t, h.services.RemoveSession(ctx, "svc1", fc.id))

		c.Handle(frame(t, domain.EventListServices, "l", nil))
		assert.Equal(t, domain.EventAuthenticationError, fc.last().Event)
		assert.True(t, fc.isClosed())
	})

	t.Run("activity extends session", func(t *testing.T) {
		h := newHarness(t, Options{})
		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		h.services.SetClock(func() time.Time { return now })
		h.mustRegister("svc1", "K")
		fc, c := h.authService("svc1", "K")

		now = now.Add(5 * time.Minute)
		c.Handle(frame(t, domain.EventPing, "p", nil))
		sess, err := h.services.GetSession(ctx, "svc1", fc.id)
		require.NoError(t, err)
		assert.True(t, sess.LastActivityAt.Equal(now))
	})
}

func TestServiceDisconnectRemovesSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.mustRegister("svc1", "K")
	fc, c := h.authService("svc1", "K")

	c.Disconnect()
	c.Disconnect()
	sess, err := h.services.GetSession(ctx, "svc1", fc.id)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, ServiceClosed, c.State())
}

func TestServiceAuthTimeout(t *testing.T) {
	h := newHarness(t, Options{AuthTimeout: 20 * time.Millisecond})
	fc := h.newConn()
	h.svc.Open(fc)
	assert.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
}

func TestServiceStoreFailureReportedWithoutClosing(t *testing.T) {
	h := newHarness(t, Options{})
	h.mustRegister("svc1", "K")
	fc, c := h.authService("svc1", "K")
	h.kv.InjectFailure(errors.New("connection refused"))

	for _, ev := range []string{domain.EventPing, domain.EventSendMessage} {
		c.Handle(frame(t, ev, ev, map[string]interface{}{"recipientIds": []string{"u1"}, "message": "x"}))
		last := fc.last()
		assert.Equal(t, domain.EventError, last.Event, ev)
		assert.Equal(t, ev, last.ID)
		assert.Equal(t, domain.CodeStoreUnavailable, last.Data["code"], ev)
	}
	assert.False(t, fc.isClosed())
	assert.Equal(t, ServiceAuthenticated, c.State())

	h.kv.InjectFailure(nil)
	c.Handle(frame(t, domain.EventPing, "p", nil))
	assert.Equal(t, domain.EventPing, fc.last().Event)
}

func TestServiceAuthenticate_StoreFailureCloses(t *testing.T) {
	h := newHarness(t, Options{})
	h.mustRegister("svc1", "K")
	h.kv.InjectFailure(errors.New("connection refused"))

	fc, c := h.authService("svc1", "K")
	last := fc.last()
	assert.Equal(t, domain.EventAuthenticationError, last.Event)
	assert.Equal(t, domain.CodeStoreUnavailable, last.Data["code"])
	assert.True(t, fc.isClosed())
	assert.NotPanics(t, c.Disconnect)
}
