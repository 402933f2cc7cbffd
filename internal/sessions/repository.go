package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/the3tree/3tree-sub003/internal/models"
)

// Repository handles video_sessions. It implements SessionStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a video session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, booking_id, room_id, status, end_reason, created_at, activated_at, ended_at`

func scanSession(row pgx.Row) (*models.VideoSession, error) {
	var (
		s         models.VideoSession
		status    string
		endReason *string
	)
	err := row.Scan(&s.ID, &s.BookingID, &s.RoomID, &status, &endReason, &s.CreatedAt, &s.ActivatedAt, &s.EndedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if endReason != nil {
		reason := models.EndReason(*endReason)
		s.EndReason = &reason
	}
	return &s, nil
}

func (r *Repository) getOne(ctx context.Context, q string, arg interface{}) (*models.VideoSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID returns a session by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.VideoSession, error) {
	return r.getOne(ctx, `SELECT `+sessionColumns+` FROM video_sessions WHERE id = $1`, id)
}

// GetByRoom returns the session owning a room id.
func (r *Repository) GetByRoom(ctx context.Context, roomID string) (*models.VideoSession, error) {
	return r.getOne(ctx, `SELECT `+sessionColumns+` FROM video_sessions WHERE room_id = $1`, roomID)
}

// GetOpenByBooking returns the booking's pending or active session.
func (r *Repository) GetOpenByBooking(ctx context.Context, bookingID uuid.UUID) (*models.VideoSession, error) {
	return r.getOne(ctx, `SELECT `+sessionColumns+` FROM video_sessions WHERE booking_id = $1 AND status <> 'ended'`, bookingID)
}

// InsertIfAbsent relies on the partial unique index video_sessions_open_booking.
func (r *Repository) InsertIfAbsent(ctx context.Context, s *models.VideoSession) (bool, error) {
	const q = `INSERT INTO video_sessions (id, booking_id, room_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (booking_id) WHERE status <> 'ended' DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, s.ID, s.BookingID, s.RoomID, string(s.Status), s.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Activate sets status active only from pending.
func (r *Repository) Activate(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE video_sessions SET status = 'active', activated_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// End sets status ended unless it already is.
func (r *Repository) End(ctx context.Context, id uuid.UUID, reason models.EndReason, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE video_sessions SET status = 'ended', end_reason = $2, ended_at = $3 WHERE id = $1 AND status <> 'ended'`,
		id, string(reason), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePending ends a pending session with reason expired. Active or ended rows are left alone.
func (r *Repository) ExpirePending(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE video_sessions SET status = 'ended', end_reason = $2, ended_at = $3 WHERE id = $1 AND status = 'pending'`,
		id, string(models.EndReasonExpired), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListStalePending returns pending sessions created before the cutoff, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, createdBefore time.Time) ([]models.VideoSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM video_sessions
		WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT 500`
	rows, err := r.pool.Query(ctx, q, createdBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.VideoSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
