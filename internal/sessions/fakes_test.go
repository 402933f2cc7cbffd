package sessions_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/sessions"
)

type memBookings struct {
	mu sync.Mutex
	m  map[uuid.UUID]models.Booking
}

func (s *memBookings) GetBooking(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *memBookings) add(b models.Booking) {
	s.mu.Lock()
	s.m[b.ID] = b
	s.mu.Unlock()
}

// memSessions mirrors the partial unique index: one non-ended row per booking.
type memSessions struct {
	mu sync.Mutex
	m  map[uuid.UUID]models.VideoSession
}

func (s *memSessions) find(match func(models.VideoSession) bool) *models.VideoSession {
	for _, v := range s.m {
		if match(v) {
			v := v
			return &v
		}
	}
	return nil
}

func (s *memSessions) GetByID(_ context.Context, id uuid.UUID) (*models.VideoSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(v models.VideoSession) bool { return v.ID == id }), nil
}

func (s *memSessions) GetByRoom(_ context.Context, roomID string) (*models.VideoSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(v models.VideoSession) bool { return v.RoomID == roomID }), nil
}

func (s *memSessions) GetOpenByBooking(_ context.Context, bookingID uuid.UUID) (*models.VideoSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(v models.VideoSession) bool { return v.BookingID == bookingID && !v.Ended() }), nil
}

func (s *memSessions) InsertIfAbsent(_ context.Context, v *models.VideoSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(func(o models.VideoSession) bool { return o.BookingID == v.BookingID && !o.Ended() }) != nil {
		return false, nil
	}
	s.m[v.ID] = *v
	return true, nil
}

func (s *memSessions) Activate(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok || v.Status != models.SessionStatusPending {
		return false, nil
	}
	v.Status = models.SessionStatusActive
	v.ActivatedAt = &at
	s.m[id] = v
	return true, nil
}

func (s *memSessions) End(_ context.Context, id uuid.UUID, reason models.EndReason, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok || v.Ended() {
		return false, nil
	}
	v.Status = models.SessionStatusEnded
	v.EndReason = &reason
	v.EndedAt = &at
	s.m[id] = v
	return true, nil
}

func (s *memSessions) ExpirePending(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok || v.Status != models.SessionStatusPending {
		return false, nil
	}
	reason := models.EndReasonExpired
	v.Status = models.SessionStatusEnded
	v.EndReason = &reason
	v.EndedAt = &at
	s.m[id] = v
	return true, nil
}

func (s *memSessions) ListStalePending(_ context.Context, before time.Time) ([]models.VideoSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VideoSession
	for _, v := range s.m {
		if v.Status == models.SessionStatusPending && v.CreatedAt.Before(before) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// activatingSessions activates every listed session right after listing it, as a participant
// connecting while the sweeper runs would.
type activatingSessions struct {
	*memSessions
	at time.Time
}

func (s *activatingSessions) ListStalePending(ctx context.Context, before time.Time) ([]models.VideoSession, error) {
	list, err := s.memSessions.ListStalePending(ctx, before)
	if err != nil {
		return nil, err
	}
	for _, v := range list {
		if _, err := s.memSessions.Activate(ctx, v.ID, s.at); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *memSessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []sessions.Event
}

func (l *eventLog) listen(_ context.Context, e sessions.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(kind sessions.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last() sessions.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type fixture struct {
	registry  *sessions.Registry
	bookings  *memBookings
	sessions  *memSessions
	clock     *clock
	events    *eventLog
	booking   models.Booking
	client    uuid.UUID
	therapist uuid.UUID
}

// newFixture builds a registry whose clock sits at the booking's scheduled start.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	f := &fixture{
		bookings:  &memBookings{m: map[uuid.UUID]models.Booking{}},
		sessions:  &memSessions{m: map[uuid.UUID]models.VideoSession{}},
		clock:     &clock{t: start},
		events:    &eventLog{},
		client:    uuid.New(),
		therapist: uuid.New(),
	}
	f.booking = models.Booking{
		ID:              uuid.New(),
		ClientID:        f.client,
		TherapistID:     f.therapist,
		ScheduledAt:     start,
		DurationMinutes: 50,
		Status:          models.BookingStatusConfirmed,
	}
	f.bookings.add(f.booking)
	f.registry = sessions.NewRegistry(f.bookings, f.sessions, sessions.DefaultConfig(), nil)
	f.registry.SetClock(f.clock.Now)
	f.registry.OnEvent(f.events.listen)
	return f
}

func (f *fixture) addBooking(mut func(*models.Booking)) models.Booking {
	b := f.booking
	b.ID = uuid.New()
	mut(&b)
	f.bookings.add(b)
	return b
}
