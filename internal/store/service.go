package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/internal/models"

	"go.uber.org/zap"
)

// ServiceStore keeps service registrations and service sessions. It is a
// separate namespace from user sessions and never touches user records.
type ServiceStore struct {
	kv  KV
	now func() time.Time
	log *zap.Logger
}

func NewServiceStore(kv KV, log *zap.Logger) *ServiceStore {
	return &ServiceStore{kv: kv, now: time.Now, log: log}
}

func (s *ServiceStore) SetClock(now func() time.Time) {
	s.now = now
}

// SaveRegistration persists reg without expiry.
func (s *ServiceStore) SaveRegistration(ctx context.Context, reg *models.ServiceRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, ServiceConfigKey(reg.Name), string(data), 0); err != nil {
		return fmt.Errorf("save service %s: %w", reg.Name, err)
	}
	return nil
}

// GetRegistration returns nil when no registration exists.
func (s *ServiceStore) GetRegistration(ctx context.Context, name string) (*models.ServiceRegistration, error) {
	raw, err := s.kv.Get(ctx, ServiceConfigKey(name))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", name, err)
	}
	var reg models.ServiceRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, fmt.Errorf("decode service %s: %w", name, err)
	}
	return &reg, nil
}

func (s *ServiceStore) ListRegistrations(ctx context.Context) ([]*models.ServiceRegistration, error) {
	keys, err := s.kv.Keys(ctx, serviceConfigPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := make([]*models.ServiceRegistration, 0, len(keys))
	for _, k := range keys {
		reg, err := s.GetRegistration(ctx, strings.TrimPrefix(k, serviceConfigPrefix))
		if err != nil {
			s.log.Warn("skipping unreadable service registration", zap.String("key", k), zap.Error(err))
			continue
		}
		if reg != nil {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (s *ServiceStore) CreateSession(ctx context.Context, sess *models.ServiceSession, ttl time.Duration) error {
	now := s.now().UTC()
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = now
	}
	sess.LastActivityAt = now
	if err := s.putSession(ctx, sess, ttl); err != nil {
		return fmt.Errorf("create service session %s/%s: %w", sess.ServiceName, sess.ConnectionID, err)
	}
	return nil
}

func (s *ServiceStore) putSession(ctx context.Context, sess *models.ServiceSession, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, ServiceSessionKey(sess.ServiceName, sess.ConnectionID), string(data), ttl)
}

// GetSession returns nil when the session has expired or was removed.
func (s *ServiceStore) GetSession(ctx context.Context, name, connID string) (*models.ServiceSession, error) {
	raw, err := s.kv.Get(ctx, ServiceSessionKey(name, connID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service session %s/%s: %w", name, connID, err)
	}
	var sess models.ServiceSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, nil
	}
	return &sess, nil
}

// TouchSession refreshes activity and TTL. It returns nil, nil when the
// session no longer exists.
func (s *ServiceStore) TouchSession(ctx context.Context, name, connID string, ttl time.Duration) (*models.ServiceSession, error) {
	sess, err := s.GetSession(ctx, name, connID)
	if err != nil || sess == nil {
		return nil, err
	}
	sess.LastActivityAt = s.now().UTC()
	if err := s.putSession(ctx, sess, ttl); err != nil {
		return nil, fmt.Errorf("touch service session %s/%s: %w", name, connID, err)
	}
	return sess, nil
}

func (s *ServiceStore) RemoveSession(ctx context.Context, name, connID string) error {
	if err := s.kv.Del(ctx, ServiceSessionKey(name, connID)); err != nil {
		return fmt.Errorf("remove service session %s/%s: %w", name, connID, err)
	}
	return nil
}

// ListSessions returns the connection ids currently bound to a service.
func (s *ServiceStore) ListSessions(ctx context.Context, name string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, serviceSessionPattern(name))
	if err != nil {
		return nil, fmt.Errorf("list service sessions %s: %w", name, err)
	}
	prefix := ServiceSessionKey(name, "")
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		connID := strings.TrimPrefix(k, prefix)
		if connID == "" || strings.Contains(connID, ":") {
			continue
		}
		out = append(out, connID)
	}
	return out, nil
}

// SweepIdle removes service sessions idle for longer than idleTimeout.
func (s *ServiceStore) SweepIdle(ctx context.Context, idleTimeout time.Duration) ([]models.ServiceSession, error) {
	keys, err := s.kv.Keys(ctx, serviceSessionPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("sweep service sessions: %w", err)
	}
	cutoff := s.now().Add(-idleTimeout)
	var removed []models.ServiceSession
	for _, k := range keys {
		raw, err := s.kv.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sweep service sessions: %w", err)
		}
		var sess models.ServiceSession
		if err := json.Unmarshal([]byte(raw), &sess); err == nil && !sess.LastActivityAt.Before(cutoff) {
			continue
		}
		if err := s.kv.Del(ctx, k); err != nil {
			return removed, fmt.Errorf("sweep service sessions: %w", err)
		}
		removed = append(removed, sess)
	}
	return removed, nil
}
