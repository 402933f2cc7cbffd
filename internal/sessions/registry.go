// Package sessions owns the video session tied to a booking: both participants resolve to the
// same room id, reconnects resume it, and it moves pending → active → ended exactly once.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/models"
)

// BookingStore reads bookings. GetBooking returns (nil, nil) when the booking does not exist.
type BookingStore interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

// SessionStore persists video sessions. Lookups return (nil, nil) when nothing matches.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoSession, error)
	GetByRoom(ctx context.Context, roomID string) (*models.VideoSession, error)
	GetOpenByBooking(ctx context.Context, bookingID uuid.UUID) (*models.VideoSession, error)
	// InsertIfAbsent inserts s unless the booking already has a non-ended session.
	InsertIfAbsent(ctx context.Context, s *models.VideoSession) (bool, error)
	// Activate moves a pending session to active. It reports whether a row changed.
	Activate(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// End moves a non-ended session to ended. It reports whether a row changed.
	End(ctx context.Context, id uuid.UUID, reason models.EndReason, at time.Time) (bool, error)
	// ExpirePending ends a session with reason expired only while it is still pending.
	ExpirePending(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListStalePending(ctx context.Context, createdBefore time.Time) ([]models.VideoSession, error)
}

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventCreated EventKind = "session_created"
	EventActive  EventKind = "session_active"
	EventEnded   EventKind = "session_ended"
)

// Event is delivered to listeners after a transition has been stored.
type Event struct {
	Kind    EventKind
	Session models.VideoSession
	Booking *models.Booking
}

// Listener observes lifecycle events. Listeners run synchronously on the caller's goroutine.
type Listener func(ctx context.Context, e Event)

// Config is the session lifecycle policy.
type Config struct {
	EarlyJoinWindow time.Duration
	LateJoinGrace   time.Duration
	PendingTimeout  time.Duration
}

// DefaultConfig returns the default policy: open 10 minutes early, 30 minutes late grace after the
// scheduled end, pending sessions expire after 15 minutes.
func DefaultConfig() Config {
	return Config{
		EarlyJoinWindow: 10 * time.Minute,
		LateJoinGrace:   30 * time.Minute,
		PendingTimeout:  15 * time.Minute,
	}
}

const createAttempts = 3

// Registry creates, resumes and transitions video sessions.
type Registry struct {
	bookings BookingStore
	sessions SessionStore
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry creates a session registry.
func NewRegistry(bookings BookingStore, sessions SessionStore, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.EarlyJoinWindow <= 0 {
		cfg.EarlyJoinWindow = def.EarlyJoinWindow
	}
	if cfg.LateJoinGrace <= 0 {
		cfg.LateJoinGrace = def.LateJoinGrace
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	return &Registry{bookings: bookings, sessions: sessions, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// OnEvent registers a lifecycle listener.
func (r *Registry) OnEvent(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) emit(ctx context.Context, kind EventKind, s *models.VideoSession, b *models.Booking) {
	if b == nil {
		var err error
		if b, err = r.bookings.GetBooking(ctx, s.BookingID); err != nil {
			r.logger.Warn("load booking for session event", zap.Error(err), zap.String("session_id", s.ID.String()))
		}
	}
	r.mu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	e := Event{Kind: kind, Session: *s, Booking: b}
	for _, l := range ls {
		l(ctx, e)
	}
}

// CreateOrResumeSession returns the booking's open session, creating a pending one with a fresh
// room id when none exists. An open session is resumed even outside the join window.
func (r *Registry) CreateOrResumeSession(ctx context.Context, bookingID uuid.UUID) (*models.VideoSession, error) {
	booking, err := r.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if booking == nil {
		return nil, callerr.ErrBookingNotFound
	}
	for i := 0; i < createAttempts; i++ {
		open, err := r.sessions.GetOpenByBooking(ctx, bookingID)
		if err != nil {
			return nil, fmt.Errorf("get open session: %w", err)
		}
		if open != nil {
			return open, nil
		}
		if err := r.eligible(booking); err != nil {
			return nil, err
		}
		s := &models.VideoSession{
			ID:        uuid.New(),
			BookingID: bookingID,
			RoomID:    uuid.NewString(),
			Status:    models.SessionStatusPending,
			CreatedAt: r.now().UTC(),
		}
		inserted, err := r.sessions.InsertIfAbsent(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		if inserted {
			r.logger.Info("session created",
				zap.String("session_id", s.ID.String()),
				zap.String("booking_id", bookingID.String()),
				zap.String("room_id", s.RoomID))
			r.emit(ctx, EventCreated, s, booking)
			return s, nil
		}
		// Lost the race to a concurrent creator; its row is read on the next pass.
	}
	return nil, fmt.Errorf("create session for booking %s: conflicting writers", bookingID)
}

func (r *Registry) eligible(b *models.Booking) error {
	if b.Status == models.BookingStatusCancelled {
		return callerr.WithMsg(callerr.ErrBookingNotEligible, "booking is cancelled")
	}
	now := r.now()
	if now.Before(b.ScheduledAt.Add(-r.cfg.EarlyJoinWindow)) {
		return callerr.WithMsg(callerr.ErrBookingNotEligible, "too early to join this booking")
	}
	if now.After(b.EndsAt().Add(r.cfg.LateJoinGrace)) {
		return callerr.WithMsg(callerr.ErrBookingNotEligible, "booking time has passed")
	}
	return nil
}

// GetSession returns a session by id.
func (r *Registry) GetSession(ctx context.Context, id uuid.UUID) (*models.VideoSession, error) {
	s, err := r.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s == nil {
		return nil, callerr.ErrSessionNotFound
	}
	return s, nil
}

// MarkActive moves a pending session to active. It is a no-op for an active session and fails with
// SessionEnded for an ended one.
func (r *Registry) MarkActive(ctx context.Context, id uuid.UUID) (*models.VideoSession, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case models.SessionStatusEnded:
		return s, callerr.ErrSessionEnded
	case models.SessionStatusActive:
		return s, nil
	}
	at := r.now().UTC()
	changed, err := r.sessions.Activate(ctx, id, at)
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	if !changed {
		// Someone else moved it first; report what is stored now.
		if s, err = r.GetSession(ctx, id); err != nil {
			return nil, err
		}
		if s.Ended() {
			return s, callerr.ErrSessionEnded
		}
		return s, nil
	}
	s.Status = models.SessionStatusActive
	s.ActivatedAt = &at
	r.logger.Info("session active", zap.String("session_id", id.String()), zap.String("room_id", s.RoomID))
	r.emit(ctx, EventActive, s, nil)
	return s, nil
}

// EndSession ends a session on a participant's request. Ending an ended session returns it unchanged.
func (r *Registry) EndSession(ctx context.Context, id uuid.UUID) (*models.VideoSession, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Ended() {
		return s, nil
	}
	return r.end(ctx, s, models.EndReasonParticipant)
}

func (r *Registry) end(ctx context.Context, s *models.VideoSession, reason models.EndReason) (*models.VideoSession, error) {
	at := r.now().UTC()
	var (
		changed bool
		err     error
	)
	if reason == models.EndReasonExpired {
		// A session activated after it was listed as stale must stay open.
		changed, err = r.sessions.ExpirePending(ctx, s.ID, at)
	} else {
		changed, err = r.sessions.End(ctx, s.ID, reason, at)
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if !changed {
		return r.GetSession(ctx, s.ID)
	}
	s.Status = models.SessionStatusEnded
	s.EndReason = &reason
	s.EndedAt = &at
	r.logger.Info("session ended",
		zap.String("session_id", s.ID.String()),
		zap.String("room_id", s.RoomID),
		zap.String("reason", string(reason)))
	r.emit(ctx, EventEnded, s, nil)
	return s, nil
}

// ExpireStale ends pending sessions that never connected within the pending timeout. It returns
// how many sessions it expired.
func (r *Registry) ExpireStale(ctx context.Context) (int, error) {
	stale, err := r.sessions.ListStalePending(ctx, r.now().Add(-r.cfg.PendingTimeout))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	n := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s, err := r.end(ctx, &stale[i], models.EndReasonExpired)
		if err != nil {
			r.logger.Warn("expire session", zap.Error(err), zap.String("session_id", stale[i].ID.String()))
			continue
		}
		if s.EndReason != nil && *s.EndReason == models.EndReasonExpired {
			n++
		}
	}
	return n, nil
}

// Authorize checks that userID is the booking's client or therapist.
func (r *Registry) Authorize(ctx context.Context, bookingID, userID uuid.UUID) (*models.Booking, error) {
	b, err := r.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if b == nil {
		return nil, callerr.ErrBookingNotFound
	}
	if !b.HasParticipant(userID) {
		return nil, callerr.ErrNotParticipant
	}
	return b, nil
}

// AuthorizeSession loads a session and checks that userID participates in its booking.
func (r *Registry) AuthorizeSession(ctx context.Context, sessionID, userID uuid.UUID) (*models.VideoSession, *models.Booking, error) {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	b, err := r.Authorize(ctx, s.BookingID, userID)
	if err != nil {
		return nil, nil, err
	}
	return s, b, nil
}

// AuthorizeRoom resolves an open session by room id and checks that userID participates in it.
func (r *Registry) AuthorizeRoom(ctx context.Context, roomID string, userID uuid.UUID) (*models.VideoSession, error) {
	s, err := r.sessions.GetByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get session by room: %w", err)
	}
	if s == nil {
		return nil, callerr.ErrSessionNotFound
	}
	if s.Ended() {
		return nil, callerr.ErrSessionEnded
	}
	if _, err := r.Authorize(ctx, s.BookingID, userID); err != nil {
		return nil, err
	}
	return s, nil
}
