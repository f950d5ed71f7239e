// Package fanout turns one presence change or one message into the set of
// connections that must receive it, and sends it there. Targets are always
// derived from the social graph and the presence store; nothing is ever
// broadcast to every connection.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/internal/domain"
	"pulse/internal/graph"
	"pulse/internal/metrics"
	"pulse/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender delivers one event to one connection, local or remote.
type Sender interface {
	Send(ctx context.Context, connID, event string, payload interface{}) error
}

// Presence is the part of the presence store the engine reads.
type Presence interface {
	GetStatus(ctx context.Context, userID string) (*models.PresenceStatus, error)
	ListSessions(ctx context.Context, userID string) ([]string, error)
}

// SenderContext identifies who a message comes from.
type SenderContext struct {
	ID    string
	Type  string
	Email string
}

// StatusUpdate is the payload of user_status_update.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	Email  string `json:"email"`
}

// MessageEvent is the payload of message.
type MessageEvent struct {
	SenderID    string                 `json:"senderId"`
	SenderType  string                 `json:"senderType"`
	SenderEmail string                 `json:"senderEmail,omitempty"`
	Message     string                 `json:"message"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// OnlineContact is one row of get_online_users.
type OnlineContact struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Target is the outcome of one per-connection send.
type Target struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error,omitempty"`
}

func (t Target) OK() bool { return t.Error == "" }

// Delivery reports a single-recipient send. Delivered is true when at least
// one connection accepted the event.
type Delivery struct {
	Delivered bool     `json:"delivered"`
	Targets   []Target `json:"targets"`
}

// RecipientResult is the outcome for one entry of a multi-recipient send.
type RecipientResult struct {
	RecipientID string `json:"recipientId"`
	Status      string `json:"status"`
	Connections int    `json:"connections,omitempty"`
	Error       string `json:"error,omitempty"`
}

type BatchResult struct {
	Total      int               `json:"total"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Recipients []RecipientResult `json:"-"`
}

type Engine struct {
	presence Presence
	graph    graph.Graph
	sender   Sender
	workers  int
	metrics  metrics.Recorder
	now      func() time.Time
	log      *zap.Logger
}

// New builds an engine that runs at most workers sends at a time per call.
func New(presence Presence, g graph.Graph, sender Sender, workers int, rec metrics.Recorder, log *zap.Logger) *Engine {
	if workers <= 0 {
		workers = 16
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Engine{
		presence: presence,
		graph:    g,
		sender:   sender,
		workers:  workers,
		metrics:  rec,
		now:      time.Now,
		log:      log,
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// NotifyStatusChange sends user_status_update to every live connection of
// every online user that lists userID as a contact. It returns the number of
// connections that accepted the event. If the reverse relation cannot be
// resolved nobody is notified and ErrReverseResolutionDegraded is returned.
func (e *Engine) NotifyStatusChange(ctx context.Context, userID, status, label string) (int, error) {
	watchers, err := e.graph.RelatedBy(ctx, userID)
	if err != nil {
		e.metrics.FanoutDegraded()
		e.log.Warn("status fanout degraded, nobody notified",
			zap.String("user_id", userID), zap.String("status", status), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", domain.ErrReverseResolutionDegraded, err)
	}

	var conns []string
	seen := make(map[string]struct{}, len(watchers))
	for _, w := range watchers {
		if w == "" || w == userID {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		ids, err := e.onlineConnections(ctx, w)
		if err != nil {
			e.log.Warn("skipping watcher", zap.String("user_id", userID), zap.String("watcher", w), zap.Error(err))
			continue
		}
		conns = append(conns, ids...)
	}
	if len(conns) == 0 {
		return 0, nil
	}

	update := StatusUpdate{UserID: userID, Status: status, Email: label}
	sent := 0
	for _, t := range e.sendAll(ctx, conns, domain.EventUserStatusUpdate, update) {
		if t.OK() {
			sent++
		}
	}
	e.log.Debug("status fanout",
		zap.String("user_id", userID), zap.String("status", status),
		zap.Int("watchers", len(seen)), zap.Int("connections", len(conns)), zap.Int("sent", sent))
	return sent, nil
}

// onlineConnections returns the live connections of userID, or none when the
// user's status is not online.
func (e *Engine) onlineConnections(ctx context.Context, userID string) ([]string, error) {
	st, err := e.presence.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Status != domain.StatusOnline {
		return nil, nil
	}
	return e.presence.ListSessions(ctx, userID)
}

// ListOnlineRelated returns the online members of userID's own related set.
// Callers pass the identity bound to the requesting connection, never an id
// taken from a request body.
func (e *Engine) ListOnlineRelated(ctx context.Context, userID string) ([]OnlineContact, error) {
	contacts, err := e.graph.Related(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list online related %s: %w", userID, err)
	}
	out := make([]OnlineContact, 0, len(contacts))
	seen := make(map[string]struct{}, len(contacts))
	for _, c := range contacts {
		if c.ID == "" || c.ID == userID {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		st, err := e.presence.GetStatus(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list online related %s: %w", userID, err)
		}
		if st == nil || st.Status != domain.StatusOnline {
			continue
		}
		out = append(out, OnlineContact{
			UserID:   c.ID,
			Email:    c.Email,
			Status:   st.Status,
			LastSeen: st.LastSeen,
		})
	}
	return out, nil
}

// DeliverMessage sends message to every live connection of recipientID.
// With no live connection it returns ErrRecipientOffline and sends nothing.
func (e *Engine) DeliverMessage(ctx context.Context, recipientID, message string, metadata map[string]interface{}, from SenderContext) (*Delivery, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, domain.NewValidationError("recipientId", "must not be empty")
	}
	if message == "" {
		return nil, domain.NewValidationError("message", "must not be empty")
	}
	conns, err := e.presence.ListSessions(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("deliver to %s: %w", recipientID, err)
	}
	if len(conns) == 0 {
		e.metrics.Delivery(domain.DeliveryOffline)
		return nil, fmt.Errorf("%w: %s", domain.ErrRecipientOffline, recipientID)
	}

	ev := MessageEvent{
		SenderID:    from.ID,
		SenderType:  from.Type,
		SenderEmail: from.Email,
		Message:     message,
		Metadata:    metadata,
		Timestamp:   e.now().UTC(),
	}
	targets := e.sendAll(ctx, conns, domain.EventMessage, ev)
	d := &Delivery{Targets: targets}
	for _, t := range targets {
		if t.OK() {
			d.Delivered = true
			break
		}
	}
	return d, nil
}

// DeliverMessageMulti delivers to each distinct trimmed recipient id
// independently. A failing entry never stops the others.
func (e *Engine) DeliverMessageMulti(ctx context.Context, recipientIDs []string, message string, metadata map[string]interface{}, from SenderContext) *BatchResult {
	ids := make([]string, 0, len(recipientIDs))
	seen := make(map[string]struct{}, len(recipientIDs))
	for _, raw := range recipientIDs {
		id := strings.TrimSpace(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	res := &BatchResult{Total: len(ids), Recipients: make([]RecipientResult, len(ids))}
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res.Recipients[i] = e.deliverOne(ctx, id, message, metadata, from)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range res.Recipients {
		if r.Status == domain.DeliverySent {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	return res
}

func (e *Engine) deliverOne(ctx context.Context, id, message string, metadata map[string]interface{}, from SenderContext) RecipientResult {
	r := RecipientResult{RecipientID: id}
	d, err := e.DeliverMessage(ctx, id, message, metadata, from)
	switch {
	case errors.Is(err, domain.ErrRecipientOffline):
		r.Status = domain.DeliveryOffline
		r.Error = "recipient offline"
	case err != nil:
		r.Status = domain.DeliveryError
		r.Error = domain.PublicMessage(err)
	case !d.Delivered:
		r.Status = domain.DeliveryError
		r.Error = "delivery failed"
	default:
		r.Status = domain.DeliverySent
		for _, t := range d.Targets {
			if t.OK() {
				r.Connections++
			}
		}
	}
	return r
}

// sendAll sends the same event to every connection concurrently and reports
// each outcome in input order.
func (e *Engine) sendAll(ctx context.Context, conns []string, event string, payload interface{}) []Target {
	targets := make([]Target, len(conns))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, connID := range conns {
		i, connID := i, connID
		targets[i].ConnectionID = connID
		g.Go(func() error {
			if err := e.sender.Send(ctx, connID, event, payload); err != nil {
				targets[i].Error = err.Error()
				e.metrics.Delivery(domain.DeliveryError)
				e.log.Debug("send failed", zap.String("connection_id", connID), zap.String("event", event), zap.Error(err))
				return nil
			}
			e.metrics.Delivery(domain.DeliverySent)
			return nil
		})
	}
	_ = g.Wait()
	return targets
}
