// Package worker runs the gateway's periodic background jobs.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"pulse/internal/domain"
	"pulse/internal/metrics"
	"pulse/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrSweepInProgress is returned by RunOnce when a previous sweep is still running.
var ErrSweepInProgress = errors.New("sweep already in progress")

type PresenceSweeper interface {
	SweepIdle(ctx context.Context, idleTimeout time.Duration) ([]models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]string, error)
	GetStatus(ctx context.Context, userID string) (*models.PresenceStatus, error)
	SetStatus(ctx context.Context, userID, status string, lastSeen time.Time) error
}

type ServiceSweeper interface {
	SweepIdle(ctx context.Context, idleTimeout time.Duration) ([]models.ServiceSession, error)
}

type Notifier interface {
	NotifyStatusChange(ctx context.Context, userID, status, label string) (int, error)
}

// Kicker closes a connection wherever it lives.
type Kicker interface {
	CloseConnection(ctx context.Context, connID string) error
}

type SweeperOptions struct {
	IdleTimeout        time.Duration
	ServiceIdleTimeout time.Duration
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Sessions        int
	ServiceSessions int
	WentOffline     int
}

// Sweeper removes idle user and service sessions. A user whose last session
// was swept is marked offline and their related users are told.
type Sweeper struct {
	presence PresenceSweeper
	services ServiceSweeper
	notifier Notifier
	kicker   Kicker
	opts     SweeperOptions
	metrics  metrics.Recorder
	now      func() time.Time
	log      *zap.Logger

	running atomic.Bool
}

func NewSweeper(presence PresenceSweeper, services ServiceSweeper, notifier Notifier, kicker Kicker, opts SweeperOptions, rec metrics.Recorder, log *zap.Logger) *Sweeper {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Sweeper{
		presence: presence,
		services: services,
		notifier: notifier,
		kicker:   kicker,
		opts:     opts,
		metrics:  rec,
		now:      time.Now,
		log:      log,
	}
}

func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs a sweep every interval until ctx is cancelled. Ticks that land
// while a sweep is still running are skipped.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("idle sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("idle_timeout", s.opts.IdleTimeout),
		zap.Duration("service_idle_timeout", s.opts.ServiceIdleTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("idle sweeper stopped")
			return
		case <-ticker.C:
			go s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.log.Debug("previous sweep still running, skipping tick")
	case err != nil:
		s.log.Error("idle sweep failed", zap.Error(err))
	case res.Sessions+res.ServiceSessions > 0:
		s.log.Info("idle sweep completed",
			zap.Int("sessions", res.Sessions),
			zap.Int("service_sessions", res.ServiceSessions),
			zap.Int("went_offline", res.WentOffline),
		)
	}
}

// RunOnce performs a single sweep. Errors from the user and service halves
// are combined; one failing does not stop the other.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	var res SweepResult
	var errs error

	removed, err := s.presence.SweepIdle(ctx, s.opts.IdleTimeout)
	errs = multierr.Append(errs, err)
	res.Sessions = len(removed)
	offline, err := s.settle(ctx, removed)
	errs = multierr.Append(errs, err)
	res.WentOffline = offline

	if s.services != nil {
		svc, err := s.services.SweepIdle(ctx, s.opts.ServiceIdleTimeout)
		errs = multierr.Append(errs, err)
		res.ServiceSessions = len(svc)
		for _, sess := range svc {
			s.kick(ctx, sess.ConnectionID)
			s.log.Info("service session expired", zap.String("service", sess.ServiceName), zap.String("connection_id", sess.ConnectionID))
		}
	}

	s.metrics.SweepCompleted(res.Sessions+res.ServiceSessions, s.now().Sub(start))
	return res, errs
}

// settle closes the swept connections and marks users with no remaining
// session offline.
func (s *Sweeper) settle(ctx context.Context, removed []models.Session) (int, error) {
	byUser := make(map[string]string, len(removed))
	for _, sess := range removed {
		s.kick(ctx, sess.ConnectionID)
		byUser[sess.UserID] = sess.Email
	}

	var errs error
	offline := 0
	for userID, email := range byUser {
		remaining, err := s.presence.ListSessions(ctx, userID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if len(remaining) > 0 {
			continue
		}
		st, err := s.presence.GetStatus(ctx, userID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if st != nil && st.Status == domain.StatusOffline {
			continue
		}
		if err := s.presence.SetStatus(ctx, userID, domain.StatusOffline, s.now()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		offline++
		if _, err := s.notifier.NotifyStatusChange(ctx, userID, domain.StatusOffline, email); err != nil {
			s.log.Warn("offline notification incomplete", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return offline, errs
}

func (s *Sweeper) kick(ctx context.Context, connID string) {
	if s.kicker == nil {
		return
	}
	if err := s.kicker.CloseConnection(ctx, connID); err != nil {
		s.log.Debug("could not close swept connection", zap.String("connection_id", connID), zap.Error(err))
	}
}
