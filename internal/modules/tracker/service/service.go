package service

import (
	"context"
	"log/slog"
	"time"

	"devicetracker-server/internal/modules/tracker/state"
	"devicetracker-server/internal/mqtt"
)

// Notifier is told when a session's telemetry store changed.
type Notifier interface {
	NotifyTelemetry(sessionID string, res RefreshResult)
}

// Service ties the per-session state to the fetcher. Every refresh that
// commits something is reported to the notifier.
type Service struct {
	sessions *state.Sessions
	fetcher  *Fetcher
	logger   *slog.Logger
	notifier Notifier
	// idleTimeout evicts sessions before each poll when positive.
	idleTimeout time.Duration
}

func NewService(sessions *state.Sessions, fetcher *Fetcher, logger *slog.Logger) *Service {
	return &Service{sessions: sessions, fetcher: fetcher, logger: logger}
}

// SetNotifier must be called before the service is used concurrently.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetIdleTimeout must be called before the service is used concurrently.
func (s *Service) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

func (s *Service) Sessions() *state.Sessions {
	return s.sessions
}

// Toggle flips deviceID in the session's selection and refreshes the session.
// The refresh ignores ctx cancellation.
func (s *Service) Toggle(ctx context.Context, sessionID, deviceID string) (state.Selection, RefreshResult) {
	sess := s.sessions.Get(sessionID)
	sel := sess.Toggle(deviceID)
	s.logger.Info("selection toggled",
		"session_id", sessionID,
		"device_id", deviceID,
		"selected", sel.Contains(deviceID),
		"count", sel.Len(),
	)
	res := s.refresh(context.WithoutCancel(ctx), sess)
	return sel, res
}

// Refresh re-fetches every selected device of the session.
func (s *Service) Refresh(ctx context.Context, sessionID string) RefreshResult {
	return s.refresh(ctx, s.sessions.Get(sessionID))
}

// RefreshAll refreshes every live session that has at least one selection.
// Idle sessions are evicted first and never polled.
func (s *Service) RefreshAll(ctx context.Context) {
	if s.idleTimeout > 0 {
		s.EvictIdle(time.Now().Add(-s.idleTimeout))
	}
	for _, sess := range s.sessions.All() {
		if ctx.Err() != nil {
			return
		}
		if sess.Selection().Len() == 0 {
			continue
		}
		s.refresh(ctx, sess)
	}
}

// RefreshDevice refreshes the sessions that have deviceID selected.
func (s *Service) RefreshDevice(ctx context.Context, deviceID string) int {
	sessions := s.sessions.Selecting(deviceID)
	for _, sess := range sessions {
		s.refresh(ctx, sess)
	}
	return len(sessions)
}

// EvictIdle drops the tracker sessions not seen since cutoff.
func (s *Service) EvictIdle(cutoff time.Time) int {
	ids := s.sessions.EvictIdle(cutoff)
	for _, id := range ids {
		s.logger.Info("tracker session evicted", "session_id", id)
	}
	return len(ids)
}

// Register attaches the feed notification handler to subscriber.
func (s *Service) Register(ctx context.Context, subscriber mqtt.FeedSubscriber, devices FeedLookup) {
	registerMQTTHandler(ctx, subscriber, s, devices, s.logger)
}

func (s *Service) refresh(ctx context.Context, sess *state.Session) RefreshResult {
	res := s.fetcher.Refresh(ctx, sess)
	if res.Committed() && s.notifier != nil {
		s.notifier.NotifyTelemetry(sess.ID(), res)
	}
	return res
}
