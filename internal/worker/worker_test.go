package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/pkg/queue"
	"github.com/the3tree/3tree-sub003/pkg/storage"
)

type memSessions map[uuid.UUID]models.VideoSession

func (m memSessions) GetByID(_ context.Context, id uuid.UUID) (*models.VideoSession, error) {
	s, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

type memBookings map[uuid.UUID]models.Booking

func (m memBookings) GetBooking(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	b, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

type memAttendance struct {
	logs   []models.ParticipantLog
	closed int
}

func (m *memAttendance) CloseOpen(_ context.Context, _ uuid.UUID) (int64, error) {
	m.closed++
	return 0, nil
}

func (m *memAttendance) ListBySession(_ context.Context, id uuid.UUID) ([]models.ParticipantLog, error) {
	var out []models.ParticipantLog
	for _, l := range m.logs {
		if l.SessionID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.objects[key] = b
	return "mem://" + key, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// chanQueue hands out jobs from a channel and records retries.
type chanQueue struct {
	jobs    chan *queue.Job
	mu      sync.Mutex
	retries int
	dead    int
}

func (q *chanQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	select {
	case j := <-q.jobs:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (q *chanQueue) Retry(_ context.Context, job *queue.Job) (bool, error) {
	job.Attempt++
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.Attempt >= queue.MaxRetries {
		q.dead++
		return true, nil
	}
	q.retries++
	q.jobs <- job
	return false, nil
}

type fixture struct {
	session    models.VideoSession
	booking    models.Booking
	attendance *memAttendance
	store      *memStore
	archiver   *Archiver
}

func newFixture(t *testing.T, q JobSource) *fixture {
	t.Helper()
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	activated := start.Add(time.Minute)
	ended := start.Add(46 * time.Minute)
	reason := models.EndReasonParticipant
	f := &fixture{
		booking: models.Booking{ID: uuid.New(), ClientID: uuid.New(), TherapistID: uuid.New(), ScheduledAt: start, DurationMinutes: 50},
		store:   &memStore{objects: map[string][]byte{}},
	}
	f.session = models.VideoSession{
		ID: uuid.New(), BookingID: f.booking.ID, RoomID: uuid.NewString(), Status: models.SessionStatusEnded,
		EndReason: &reason, CreatedAt: start, ActivatedAt: &activated, EndedAt: &ended,
	}
	f.attendance = &memAttendance{logs: []models.ParticipantLog{
		{ID: uuid.New(), SessionID: f.session.ID, UserID: f.booking.ClientID, JoinedAt: activated, ConnectedSeconds: 600},
		{ID: uuid.New(), SessionID: f.session.ID, UserID: f.booking.ClientID, JoinedAt: activated.Add(15 * time.Minute), ConnectedSeconds: 1200},
		{ID: uuid.New(), SessionID: f.session.ID, UserID: f.booking.TherapistID, JoinedAt: activated, ConnectedSeconds: 2700},
		{ID: uuid.New(), SessionID: uuid.New(), UserID: f.booking.TherapistID, JoinedAt: activated, ConnectedSeconds: 5},
	}}
	f.archiver = NewArchiver(
		memSessions{f.session.ID: f.session},
		memBookings{f.booking.ID: f.booking},
		f.attendance, f.store, q, nil,
	)
	f.archiver.now = func() time.Time { return ended.Add(time.Minute) }
	f.archiver.backoff = time.Millisecond
	return f
}

func archiveJob(t *testing.T, sessionID uuid.UUID) *queue.Job {
	t.Helper()
	body, err := json.Marshal(queue.ArchivePayload{SessionID: sessionID})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.NewString(), Type: queue.JobTypeSessionArchive, Payload: body}
}

func TestProcessWritesArchive(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.archiver.Process(context.Background(), archiveJob(t, f.session.ID)))

	key := storage.ArchiveKey(f.booking.ID.String(), f.session.ID.String())
	raw, ok := f.store.objects[key]
	require.True(t, ok)
	var a Archive
	require.NoError(t, json.Unmarshal(raw, &a))

	assert.Equal(t, f.session.ID, a.SessionID)
	assert.Equal(t, string(models.EndReasonParticipant), a.EndReason)
	assert.Equal(t, int64(45*60), a.DurationSeconds)
	assert.Len(t, a.Attendance, 3)
	assert.Equal(t, 1, f.attendance.closed)
	require.Len(t, a.Participants, 2)
	for _, p := range a.Participants {
		switch p.UserID {
		case f.booking.ClientID:
			assert.Equal(t, string(models.RoleClient), p.Role)
			assert.Equal(t, 2, p.Joins)
			assert.Equal(t, int64(1800), p.ConnectedSeconds)
		case f.booking.TherapistID:
			assert.Equal(t, 1, p.Joins)
			assert.Equal(t, int64(2700), p.ConnectedSeconds)
		default:
			t.Fatalf("unexpected participant %s", p.UserID)
		}
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.archiver.Process(ctx, archiveJob(t, f.session.ID)))
	f.store.fail = errors.New("must not upload twice")
	require.NoError(t, f.archiver.Process(ctx, archiveJob(t, f.session.ID)))
	assert.Equal(t, 1, f.store.count())
}

func TestProcessRejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.archiver.Process(ctx, archiveJob(t, uuid.New()))
	assert.ErrorIs(t, err, errSessionNotFound)

	open := f.session
	open.ID = uuid.New()
	open.Status = models.SessionStatusActive
	f.archiver.sessions = memSessions{open.ID: open}
	err = f.archiver.Process(ctx, archiveJob(t, open.ID))
	assert.ErrorIs(t, err, errSessionOpen)

	err = f.archiver.Process(ctx, &queue.Job{Type: "email"})
	assert.Error(t, err)
	assert.Zero(t, f.store.count())
}

func TestRunRetriesThenDeadLetters(t *testing.T) {
	q := &chanQueue{jobs: make(chan *queue.Job, 4)}
	f := newFixture(t, q)
	f.store.fail = errors.New("s3 down")
	q.jobs <- archiveJob(t, f.session.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.archiver.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.dead == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	q.mu.Lock()
	assert.Equal(t, queue.MaxRetries-1, q.retries)
	q.mu.Unlock()
	assert.Zero(t, f.store.count())
}

func TestRunArchivesQueuedJob(t *testing.T) {
	q := &chanQueue{jobs: make(chan *queue.Job, 1)}
	f := newFixture(t, q)
	q.jobs <- archiveJob(t, f.session.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.archiver.Run(ctx)

	require.Eventually(t, func() bool { return f.store.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}
