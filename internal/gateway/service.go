package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pulse/internal/domain"
	"pulse/internal/fanout"
	"pulse/internal/metrics"
	"pulse/internal/models"
	"pulse/internal/registry"
	"pulse/internal/ws"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServiceState int

const (
	ServiceUnregistered ServiceState = iota
	ServiceRegistered
	ServiceAuthenticating
	ServiceAuthenticated
	ServiceClosed
)

func (s ServiceState) String() string {
	switch s {
	case ServiceUnregistered:
		return "unregistered"
	case ServiceRegistered:
		return "registered"
	case ServiceAuthenticating:
		return "authenticating"
	case ServiceAuthenticated:
		return "service_authenticated"
	default:
		return "closed"
	}
}

var errSessionRevoked = fmt.Errorf("%w: service session expired or revoked", domain.ErrAuthentication)

// ServiceGateway drives connections on the internal service channel.
type ServiceGateway struct {
	registry   Registry
	sessions   ServiceSessions
	fanout     Fanout
	sessionTTL time.Duration
	opts       Options
	metrics    metrics.Recorder
	now        func() time.Time
	log        *zap.Logger
}

func NewServiceGateway(reg Registry, sessions ServiceSessions, fan Fanout, sessionTTL time.Duration, opts Options, rec metrics.Recorder, log *zap.Logger) *ServiceGateway {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &ServiceGateway{
		registry:   reg,
		sessions:   sessions,
		fanout:     fan,
		sessionTTL: sessionTTL,
		opts:       opts,
		metrics:    rec,
		now:        time.Now,
		log:        log,
	}
}

func (g *ServiceGateway) SetClock(now func() time.Time) {
	g.now = now
}

// ServiceConnection is one socket on the internal channel.
type ServiceConnection struct {
	g       *ServiceGateway
	conn    Conn
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	log     *zap.Logger

	mu      sync.Mutex
	state   ServiceState
	service *models.ServiceRegistration
	timer   *time.Timer
	torn    bool
}

func (g *ServiceGateway) Open(conn Conn) *ServiceConnection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &ServiceConnection{
		g:       g,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		limiter: g.opts.limiter(),
		log:     g.log.With(zap.String("connection_id", conn.ID())),
		state:   ServiceUnregistered,
	}
	g.metrics.ConnectionOpened(domain.ChannelService)
	if g.opts.AuthTimeout > 0 {
		c.mu.Lock()
		c.timer = time.AfterFunc(g.opts.AuthTimeout, c.authTimedOut)
		c.mu.Unlock()
	}
	_ = conn.Emit(domain.EventConnected, map[string]string{
		"message":  "Connected to internal WebSocket server",
		"socketId": conn.ID(),
	})
	return c
}

func (c *ServiceConnection) authTimedOut() {
	c.mu.Lock()
	waiting := c.state != ServiceAuthenticated && c.state != ServiceClosed
	c.mu.Unlock()
	if !waiting {
		return
	}
	c.log.Info("closing service connection that never authenticated")
	c.conn.Close()
}

func (c *ServiceConnection) State() ServiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ServiceConnection) setState(s ServiceState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Service returns the authenticated registration, or nil.
func (c *ServiceConnection) Service() *models.ServiceRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}

func (c *ServiceConnection) Handle(f *ws.Frame) {
	c.g.metrics.EventHandled(domain.ChannelService, f.Event)
	if c.State() == ServiceClosed {
		return
	}
	if !c.limiter.Allow() {
		_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: "rate limit exceeded", Code: domain.CodeValidation})
		return
	}

	switch f.Event {
	case domain.EventRegisterService:
		c.register(f)
		return
	case domain.EventAuthenticateService:
		c.authenticate(f)
		return
	case domain.EventPing, domain.EventSendMessage, domain.EventListServices, domain.EventListServiceTypes:
	default:
		_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: "unknown event " + f.Event, Code: domain.CodeValidation})
		return
	}

	svc, err := c.revalidate()
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) && c.Service() != nil {
			c.closeWith(f.ID, err)
			return
		}
		_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: domain.PublicMessage(err), Code: domain.Code(err)})
		return
	}

	switch f.Event {
	case domain.EventPing:
		_ = c.conn.Reply(f.ID, domain.EventPing, pingReply{
			Timestamp:   c.g.now().UTC(),
			Service:     "internal_websocket",
			ServiceName: svc.Name,
		})
	case domain.EventListServices:
		_ = c.conn.Reply(f.ID, domain.EventListServices, map[string]interface{}{"services": c.g.registry.List()})
	case domain.EventListServiceTypes:
		_ = c.conn.Reply(f.ID, domain.EventListServiceTypes, map[string]interface{}{"types": c.g.registry.Types()})
	case domain.EventSendMessage:
		c.send(f, svc)
	}
}

func (c *ServiceConnection) register(f *ws.Frame) {
	var req registry.RegisterRequest
	if err := f.Bind(&req); err != nil {
		c.replyRegistrationError(f.ID, domain.NewValidationError("data", "malformed payload"))
		return
	}
	reg, err := c.g.registry.Register(c.ctx, req)
	if err != nil {
		c.log.Info("service registration rejected", zap.String("service", req.Name), zap.Error(err))
		c.replyRegistrationError(f.ID, err)
		return
	}
	c.mu.Lock()
	if c.state == ServiceUnregistered {
		c.state = ServiceRegistered
	}
	c.mu.Unlock()
	_ = c.conn.Reply(f.ID, domain.EventServiceRegistered, map[string]interface{}{
		"serviceName": reg.Name,
		"serviceType": reg.Type,
		"description": reg.Description,
		"enabled":     reg.Enabled,
		"message":     "Service registered successfully",
	})
}

func (c *ServiceConnection) replyRegistrationError(id string, err error) {
	_ = c.conn.Reply(id, domain.EventRegistrationError, errorPayload{Error: domain.PublicMessage(err), Code: domain.Code(err)})
}

type authenticateServiceRequest struct {
	Name string `json:"serviceName"`
	Key  string `json:"serviceKey"`
}

func (c *ServiceConnection) authenticate(f *ws.Frame) {
	c.mu.Lock()
	if c.state == ServiceAuthenticated {
		c.mu.Unlock()
		_ = c.conn.Reply(f.ID, domain.EventError, errorPayload{Error: "already authenticated", Code: domain.CodeValidation})
		return
	}
	c.state = ServiceAuthenticating
	c.mu.Unlock()

	var req authenticateServiceRequest
	_ = f.Bind(&req)
	reg, err := c.g.registry.Authenticate(c.ctx, strings.TrimSpace(req.Name), req.Key)
	if err != nil {
		c.g.metrics.AuthAttempt(domain.ChannelService, false)
		c.log.Warn("service authentication failed", zap.String("service", req.Name), zap.Error(err))
		c.closeWith(f.ID, err)
		return
	}

	now := c.g.now().UTC()
	sess := &models.ServiceSession{
		ServiceName:  reg.Name,
		ConnectionID: c.conn.ID(),
		Type:         reg.Type,
		Description:  reg.Description,
		Metadata:     reg.Metadata,
		NodeID:       c.g.opts.NodeID,
		ConnectedAt:  now,
	}
	if err := c.g.sessions.CreateSession(c.ctx, sess, c.g.sessionTTL); err != nil {
		c.log.Error("could not create service session", zap.String("service", reg.Name), zap.Error(err))
		c.closeWith(f.ID, err)
		return
	}

	c.mu.Lock()
	c.state = ServiceAuthenticated
	c.service = reg
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.g.metrics.AuthAttempt(domain.ChannelService, true)
	c.log.Info("service authenticated", zap.String("service", reg.Name), zap.String("type", reg.Type))

	_ = c.conn.Reply(f.ID, domain.EventServiceAuthenticated, map[string]interface{}{
		"serviceName": reg.Name,
		"serviceType": reg.Type,
		"description": reg.Description,
		"socketId":    c.conn.ID(),
		"expiresIn":   int64(c.g.sessionTTL / time.Second),
	})
}

// closeWith answers authentication_error and closes the connection.
func (c *ServiceConnection) closeWith(replyID string, err error) {
	c.setState(ServiceClosed)
	_ = c.conn.Reply(replyID, domain.EventAuthenticationError, errorPayload{Error: domain.PublicMessage(err), Code: domain.Code(err)})
	c.conn.Close()
}

// revalidate confirms the bound registration is still enabled and the
// service session still exists, refreshing the session's TTL.
func (c *ServiceConnection) revalidate() (*models.ServiceRegistration, error) {
	svc := c.Service()
	if svc == nil {
		return nil, fmt.Errorf("%w: service not authenticated", domain.ErrAuthentication)
	}
	reg, err := c.g.registry.Current(c.ctx, svc.Name)
	if err != nil {
		return nil, err
	}
	if reg == nil || !reg.Enabled {
		return nil, errSessionRevoked
	}
	sess, err := c.g.sessions.TouchSession(c.ctx, svc.Name, c.conn.ID(), c.g.sessionTTL)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errSessionRevoked
	}
	c.mu.Lock()
	c.service = reg
	c.mu.Unlock()
	return reg, nil
}

type serviceSendRequest struct {
	RecipientIDs []string               `json:"recipientIds"`
	RecipientID  string                 `json:"recipientId"`
	Message      string                 `json:"message"`
	Metadata     map[string]interface{} `json:"metadata"`
}

type recipientCounts struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type serviceSendReply struct {
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Recipients recipientCounts          `json:"recipients"`
	Results    []fanout.RecipientResult `json:"results,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

func (c *ServiceConnection) send(f *ws.Frame, svc *models.ServiceRegistration) {
	var req serviceSendRequest
	if err := f.Bind(&req); err != nil {
		c.replySendError(f.ID, domain.NewValidationError("data", "malformed payload"))
		return
	}
	recipients := req.RecipientIDs
	if req.RecipientID != "" {
		recipients = append(recipients, req.RecipientID)
	}
	if len(recipients) == 0 {
		c.replySendError(f.ID, domain.NewValidationError("recipientIds", "at least one recipient is required"))
		return
	}
	if req.Message == "" {
		c.replySendError(f.ID, domain.NewValidationError("message", "must not be empty"))
		return
	}

	metadata := make(map[string]interface{}, len(req.Metadata)+5)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["source"] = domain.MessageSourceInternal
	metadata["serviceName"] = svc.Name
	metadata["serviceType"] = svc.Type
	metadata["serviceDescription"] = svc.Description
	metadata["internalClientId"] = c.conn.ID()

	from := fanout.SenderContext{ID: svc.Name, Type: domain.SenderService}
	res := c.g.fanout.DeliverMessageMulti(c.ctx, recipients, req.Message, metadata, from)

	status := domain.DeliverySent
	switch {
	case res.Sent == 0:
		status = domain.DeliveryError
	case res.Failed > 0:
		status = "partial"
	}
	c.log.Info("service message delivered",
		zap.String("service", svc.Name), zap.Int("total", res.Total), zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	_ = c.conn.Reply(f.ID, domain.EventSendMessage, serviceSendReply{
		Status:     status,
		Recipients: recipientCounts{Total: res.Total, Sent: res.Sent, Failed: res.Failed},
		Results:    res.Recipients,
		Timestamp:  c.g.now().UTC(),
	})
}

func (c *ServiceConnection) replySendError(id string, err error) {
	_ = c.conn.Reply(id, domain.EventSendMessage, serviceSendReply{
		Status:    domain.DeliveryError,
		Error:     domain.PublicMessage(err),
		Timestamp: c.g.now().UTC(),
	})
}

// Disconnect removes the service session, if any. Calling it again is a no-op.
func (c *ServiceConnection) Disconnect() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.state = ServiceClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	svc := c.service
	c.mu.Unlock()
	c.cancel()
	c.g.metrics.ConnectionClosed(domain.ChannelService)

	if svc == nil {
		return
	}
	if err := c.g.sessions.RemoveSession(context.Background(), svc.Name, c.conn.ID()); err != nil {
		c.log.Error("could not remove service session", zap.String("service", svc.Name), zap.Error(err))
		return
	}
	c.log.Info("service disconnected", zap.String("service", svc.Name))
}
