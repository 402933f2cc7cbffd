// Package worker builds session archives: once a video session has ended, its lifecycle and
// attendance are written as one JSON report to object storage.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/metrics"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/pkg/queue"
	"github.com/the3tree/3tree-sub003/pkg/storage"
)

// SessionReader loads a session by id.
type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoSession, error)
}

// BookingReader loads a booking by id.
type BookingReader interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

// Attendance reads and closes a session's participant logs.
type Attendance interface {
	CloseOpen(ctx context.Context, sessionID uuid.UUID) (int64, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.ParticipantLog, error)
}

// ObjectStore writes archive objects.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// JobSource is the archive job queue.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (dead bool, err error)
}

// ParticipantSummary aggregates one participant's connections to the session room.
type ParticipantSummary struct {
	UserID           uuid.UUID `json:"user_id"`
	Role             string    `json:"role"`
	Joins            int       `json:"joins"`
	ConnectedSeconds int64     `json:"connected_seconds"`
}

// Archive is the report stored for an ended session.
type Archive struct {
	SessionID       uuid.UUID               `json:"session_id"`
	BookingID       uuid.UUID               `json:"booking_id"`
	RoomID          string                  `json:"room_id"`
	ScheduledAt     *time.Time              `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	ActivatedAt     *time.Time              `json:"activated_at,omitempty"`
	EndedAt         *time.Time              `json:"ended_at,omitempty"`
	EndReason       string                  `json:"end_reason"`
	DurationSeconds int64                   `json:"duration_seconds"`
	Participants    []ParticipantSummary    `json:"participants"`
	Attendance      []models.ParticipantLog `json:"attendance"`
	ArchivedAt      time.Time               `json:"archived_at"`
}

var (
	errSessionNotFound = errors.New("session not found")
	errSessionOpen     = errors.New("session has not ended")
)

// Archiver processes session archive jobs.
type Archiver struct {
	sessions   SessionReader
	bookings   BookingReader
	attendance Attendance
	store      ObjectStore
	queue      JobSource
	logger     *zap.Logger
	now        func() time.Time
	backoff    time.Duration
}

// NewArchiver creates a session archive processor.
func NewArchiver(sessions SessionReader, bookings BookingReader, attendance Attendance, store ObjectStore, q JobSource, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		sessions:   sessions,
		bookings:   bookings,
		attendance: attendance,
		store:      store,
		queue:      q,
		logger:     logger,
		now:        time.Now,
		backoff:    queue.RetryBackoff,
	}
}

// Process executes one archive job. Re-running a job for an archived session is a no-op.
func (a *Archiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	s, err := a.sessions.GetByID(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("%w: %s", errSessionNotFound, payload.SessionID)
	}
	if !s.Ended() {
		return fmt.Errorf("%w: %s", errSessionOpen, s.ID)
	}

	key := storage.ArchiveKey(s.BookingID.String(), s.ID.String())
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check archive: %w", err)
	}
	if exists {
		a.logger.Info("session already archived", zap.String("session_id", s.ID.String()), zap.String("s3_key", key))
		return nil
	}

	// Sockets still counted as open once the session is over are closed at archive time.
	if _, err := a.attendance.CloseOpen(ctx, s.ID); err != nil {
		return fmt.Errorf("close attendance: %w", err)
	}
	logs, err := a.attendance.ListBySession(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("list attendance: %w", err)
	}
	booking, err := a.bookings.GetBooking(ctx, s.BookingID)
	if err != nil {
		return fmt.Errorf("get booking: %w", err)
	}

	body, err := json.MarshalIndent(a.build(s, booking, logs), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	url, err := a.store.Upload(ctx, key, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	a.logger.Info("session archived", zap.String("session_id", s.ID.String()), zap.String("s3_key", key), zap.String("url", url))
	return nil
}

func (a *Archiver) build(s *models.VideoSession, booking *models.Booking, logs []models.ParticipantLog) Archive {
	out := Archive{
		SessionID:   s.ID,
		BookingID:   s.BookingID,
		RoomID:      s.RoomID,
		CreatedAt:   s.CreatedAt,
		ActivatedAt: s.ActivatedAt,
		EndedAt:     s.EndedAt,
		Attendance:  logs,
		ArchivedAt:  a.now().UTC(),
	}
	if s.EndReason != nil {
		out.EndReason = string(*s.EndReason)
	}
	if s.ActivatedAt != nil && s.EndedAt != nil {
		out.DurationSeconds = int64(s.EndedAt.Sub(*s.ActivatedAt).Seconds())
	}
	if out.Attendance == nil {
		out.Attendance = []models.ParticipantLog{}
	}

	byUser := map[uuid.UUID]*ParticipantSummary{}
	if booking != nil {
		scheduled := booking.ScheduledAt
		out.ScheduledAt = &scheduled
		byUser[booking.ClientID] = &ParticipantSummary{UserID: booking.ClientID, Role: string(models.RoleClient)}
		byUser[booking.TherapistID] = &ParticipantSummary{UserID: booking.TherapistID, Role: string(models.RoleTherapist)}
	}
	for _, l := range logs {
		p := byUser[l.UserID]
		if p == nil {
			p = &ParticipantSummary{UserID: l.UserID}
			byUser[l.UserID] = p
		}
		p.Joins++
		p.ConnectedSeconds += l.ConnectedSeconds
	}
	out.Participants = make([]ParticipantSummary, 0, len(byUser))
	for _, p := range byUser {
		out.Participants = append(out.Participants, *p)
	}
	sort.Slice(out.Participants, func(i, j int) bool {
		return out.Participants[i].UserID.String() < out.Participants[j].UserID.String()
	})
	return out
}

// Run starts the worker loop: dequeue, process, retry on error. Returns when ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := a.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.logger.Warn("dequeue error", zap.Error(err))
			a.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		a.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		start := time.Now()
		if err := a.Process(ctx, job); err != nil {
			a.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			dead, reErr := a.queue.Retry(context.WithoutCancel(ctx), job)
			if reErr != nil {
				a.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			if dead {
				metrics.RecordArchive(metrics.ArchiveDead, 0)
			} else {
				metrics.RecordArchive(metrics.ArchiveRetried, 0)
			}
			a.sleep(ctx)
			continue
		}
		metrics.RecordArchive(metrics.ArchiveDone, time.Since(start))
	}
}

func (a *Archiver) sleep(ctx context.Context) {
	t := time.NewTimer(a.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
