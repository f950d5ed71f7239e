package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/internal/domain"
	"pulse/internal/models"

	"go.uber.org/zap"
)

// PresenceStore owns the status and session records of end users. Records are
// independent keys; "online iff at least one session" is kept by convention of
// the callers, not by a transaction.
type PresenceStore struct {
	kv            KV
	sessionExpiry time.Duration
	now           func() time.Time
	log           *zap.Logger
}

func NewPresenceStore(kv KV, sessionExpiry time.Duration, log *zap.Logger) *PresenceStore {
	return &PresenceStore{kv: kv, sessionExpiry: sessionExpiry, now: time.Now, log: log}
}

// SetClock replaces the time source; sessions record activity with it.
func (s *PresenceStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *PresenceStore) SessionExpiry() time.Duration {
	return s.sessionExpiry
}

func (s *PresenceStore) SetStatus(ctx context.Context, userID, status string, lastSeen time.Time) error {
	if lastSeen.IsZero() {
		lastSeen = s.now()
	}
	rec := models.PresenceStatus{UserID: userID, Status: status, LastSeen: lastSeen.UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, StatusKey(userID), string(data), s.sessionExpiry); err != nil {
		s.log.Error("set status failed", zap.String("user_id", userID), zap.String("status", status), zap.Error(err))
		return fmt.Errorf("set status %s: %w", userID, err)
	}
	return nil
}

// GetStatus returns nil when the user has no status record.
func (s *PresenceStore) GetStatus(ctx context.Context, userID string) (*models.PresenceStatus, error) {
	raw, err := s.kv.Get(ctx, StatusKey(userID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.log.Error("get status failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("get status %s: %w", userID, err)
	}
	var rec models.PresenceStatus
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.log.Warn("discarding corrupt status record", zap.String("user_id", userID), zap.Error(err))
		return nil, nil
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	return &rec, nil
}

// CreateSession upserts the record for (UserID, ConnectionID).
func (s *PresenceStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.UserID == "" || sess.ConnectionID == "" {
		return domain.NewValidationError("session", "user id and connection id are required")
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}
	if err := s.putSession(ctx, sess); err != nil {
		s.log.Error("create session failed", zap.String("user_id", sess.UserID), zap.String("connection_id", sess.ConnectionID), zap.Error(err))
		return fmt.Errorf("create session %s/%s: %w", sess.UserID, sess.ConnectionID, err)
	}
	return nil
}

func (s *PresenceStore) putSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, SessionKey(sess.UserID, sess.ConnectionID), string(data), s.sessionExpiry)
}

// GetSession returns nil when the session does not exist.
func (s *PresenceStore) GetSession(ctx context.Context, userID, connID string) (*models.Session, error) {
	raw, err := s.kv.Get(ctx, SessionKey(userID, connID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s/%s: %w", userID, connID, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.log.Warn("discarding corrupt session record", zap.String("user_id", userID), zap.String("connection_id", connID), zap.Error(err))
		return nil, nil
	}
	return &sess, nil
}

// TouchSession records activity and extends the TTL of the session and of the
// user's status record. A live session proves the user is online, so a status
// that is missing or not online is rewritten and restored reports true. A
// missing session is not an error.
func (s *PresenceStore) TouchSession(ctx context.Context, userID, connID string) (restored bool, err error) {
	sess, err := s.GetSession(ctx, userID, connID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	now := s.now()
	sess.LastActivityAt = now.UTC()
	if err := s.putSession(ctx, sess); err != nil {
		return false, fmt.Errorf("touch session %s/%s: %w", userID, connID, err)
	}
	st, err := s.GetStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	if st != nil && st.Status == domain.StatusOnline {
		if _, err := s.kv.Expire(ctx, StatusKey(userID), s.sessionExpiry); err != nil {
			return false, fmt.Errorf("touch status %s: %w", userID, err)
		}
		return false, nil
	}
	if err := s.SetStatus(ctx, userID, domain.StatusOnline, now); err != nil {
		return false, err
	}
	s.log.Info("restored online status for live session", zap.String("user_id", userID), zap.String("connection_id", connID))
	return true, nil
}

func (s *PresenceStore) RemoveSession(ctx context.Context, userID, connID string) error {
	if err := s.kv.Del(ctx, SessionKey(userID, connID)); err != nil {
		s.log.Error("remove session failed", zap.String("user_id", userID), zap.String("connection_id", connID), zap.Error(err))
		return fmt.Errorf("remove session %s/%s: %w", userID, connID, err)
	}
	return nil
}

// ListSessions returns the connection ids of the user's live sessions.
func (s *PresenceStore) ListSessions(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, sessionPattern(userID))
	if err != nil {
		return nil, fmt.Errorf("list sessions %s: %w", userID, err)
	}
	prefix := SessionKey(userID, "")
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		connID := strings.TrimPrefix(k, prefix)
		// A colon means the key belongs to a different user whose id starts
		// with "<userID>:"; connection ids never contain one.
		if connID == "" || connID == k || strings.Contains(connID, ":") {
			continue
		}
		out = append(out, connID)
	}
	return out, nil
}

// SweepIdle deletes every session whose last activity is older than
// idleTimeout and returns the removed records. Sessions that disappear
// between the scan and the delete are skipped. Each candidate is read again
// right before its delete; the read and the delete are not atomic, so activity
// landing between the two is still lost.
func (s *PresenceStore) SweepIdle(ctx context.Context, idleTimeout time.Duration) ([]models.Session, error) {
	keys, err := s.kv.Keys(ctx, sessionPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("sweep sessions: %w", err)
	}
	cutoff := s.now().Add(-idleTimeout)
	var removed []models.Session
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		raw, err := s.kv.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sweep sessions: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			s.log.Warn("removing corrupt session record", zap.String("key", k), zap.Error(err))
			if err := s.kv.Del(ctx, k); err != nil {
				return removed, fmt.Errorf("sweep sessions: %w", err)
			}
			continue
		}
		if !sess.LastActivityAt.Before(cutoff) {
			continue
		}
		if fresh, err := s.GetSession(ctx, sess.UserID, sess.ConnectionID); err != nil {
			return removed, fmt.Errorf("sweep sessions: %w", err)
		} else if fresh == nil || !fresh.LastActivityAt.Before(cutoff) {
			continue
		}
		if err := s.kv.Del(ctx, k); err != nil {
			return removed, fmt.Errorf("sweep sessions: %w", err)
		}
		removed = append(removed, sess)
	}
	return removed, nil
}

func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
