// Package gateway holds the per-connection state machines of the user and the
// service channels. A connection's events are handled one at a time on the
// goroutine that reads its socket; different connections never share a lock.
package gateway

import (
	"context"
	"time"

	"pulse/internal/auth"
	"pulse/internal/fanout"
	"pulse/internal/models"
	"pulse/internal/registry"

	"golang.org/x/time/rate"
)

// Conn is the transport side of one connection.
type Conn interface {
	ID() string
	Emit(event string, payload interface{}) error
	Reply(id, event string, payload interface{}) error
	Close()
}

type Presence interface {
	SetStatus(ctx context.Context, userID, status string, lastSeen time.Time) error
	GetStatus(ctx context.Context, userID string) (*models.PresenceStatus, error)
	CreateSession(ctx context.Context, sess *models.Session) error
	TouchSession(ctx context.Context, userID, connID string) (bool, error)
	RemoveSession(ctx context.Context, userID, connID string) error
	ListSessions(ctx context.Context, userID string) ([]string, error)
}

type Fanout interface {
	NotifyStatusChange(ctx context.Context, userID, status, label string) (int, error)
	ListOnlineRelated(ctx context.Context, userID string) ([]fanout.OnlineContact, error)
	DeliverMessage(ctx context.Context, recipientID, message string, metadata map[string]interface{}, from fanout.SenderContext) (*fanout.Delivery, error)
	DeliverMessageMulti(ctx context.Context, recipientIDs []string, message string, metadata map[string]interface{}, from fanout.SenderContext) *fanout.BatchResult
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type Registry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (*models.ServiceRegistration, error)
	Authenticate(ctx context.Context, name, key string) (*models.ServiceRegistration, error)
	Current(ctx context.Context, name string) (*models.ServiceRegistration, error)
	List() []models.ServiceInfo
	Types() []string
}

type ServiceSessions interface {
	CreateSession(ctx context.Context, sess *models.ServiceSession, ttl time.Duration) error
	TouchSession(ctx context.Context, name, connID string, ttl time.Duration) (*models.ServiceSession, error)
	RemoveSession(ctx context.Context, name, connID string) error
}

// Options shared by both channels.
type Options struct {
	NodeID      string
	AuthTimeout time.Duration
	EventRate   float64
	EventBurst  int
}

func (o Options) limiter() *rate.Limiter {
	if o.EventRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.EventBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.EventRate), burst)
}

// ConnMeta is what the transport knows about a connection before any event.
type ConnMeta struct {
	Token     string
	IPAddress string
	UserAgent string
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type pingReply struct {
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service,omitempty"`
	ServiceName string    `json:"serviceName,omitempty"`
}
