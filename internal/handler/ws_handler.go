package handler

import (
	"pulse/internal/domain"
	"pulse/internal/gateway"
	"pulse/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSOptions configures both websocket endpoints.
type WSOptions struct {
	Pump       ws.Options
	SendBuffer int
}

// UserWSHandler serves GET /ws on the public listener. A token may be given
// as ?token= or an Authorization header; otherwise the client must send an
// authenticate event.
type UserWSHandler struct {
	hub      *ws.Hub
	users    *gateway.UserGateway
	upgrader *websocket.Upgrader
	opts     WSOptions
	log      *zap.Logger
}

func NewUserWSHandler(hub *ws.Hub, users *gateway.UserGateway, upgrader *websocket.Upgrader, opts WSOptions, log *zap.Logger) *UserWSHandler {
	return &UserWSHandler{hub: hub, users: users, upgrader: upgrader, opts: opts, log: log}
}

func (h *UserWSHandler) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("user websocket upgrade failed", zap.Error(err))
		return
	}
	client := ws.NewClient(domain.ChannelUser, h.opts.SendBuffer)
	h.hub.Register(client)
	session := h.users.Open(client, gateway.ConnMeta{
		Token:     token,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	ws.Serve(conn, client, h.opts.Pump, session.Handle, h.log)
	session.Disconnect()
}

// ServiceWSHandler serves GET /ws on the internal listener.
type ServiceWSHandler struct {
	hub      *ws.Hub
	services *gateway.ServiceGateway
	upgrader *websocket.Upgrader
	opts     WSOptions
	log      *zap.Logger
}

func NewServiceWSHandler(hub *ws.Hub, services *gateway.ServiceGateway, upgrader *websocket.Upgrader, opts WSOptions, log *zap.Logger) *ServiceWSHandler {
	return &ServiceWSHandler{hub: hub, services: services, upgrader: upgrader, opts: opts, log: log}
}

func (h *ServiceWSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("service websocket upgrade failed", zap.Error(err))
		return
	}
	client := ws.NewClient(domain.ChannelService, h.opts.SendBuffer)
	h.hub.Register(client)
	session := h.services.Open(client)
	ws.Serve(conn, client, h.opts.Pump, session.Handle, h.log)
	session.Disconnect()
}
