// Package sessionlog records when participants' realtime connections join and leave a session room.
package sessionlog

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/the3tree/3tree-sub003/internal/models"
)

// Repository handles session_participant_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a participant log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a participant connects to the session room.
func (r *Repository) LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_participant_logs (session_id, user_id, joined_at) VALUES ($1, $2, NOW())`,
		sessionID, userID)
	return err
}

// LogLeave closes the most recent open row for this participant in this session.
func (r *Repository) LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE session_participant_logs l SET left_at = NOW(), connected_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - l.joined_at))::BIGINT)
		 FROM (SELECT id FROM session_participant_logs WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE l.id = sub.id`,
		sessionID, userID)
	return err
}

// CloseOpen closes every open row of a session, e.g. once it has ended.
func (r *Repository) CloseOpen(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE session_participant_logs SET left_at = NOW(), connected_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - joined_at))::BIGINT)
		 WHERE session_id = $1 AND left_at IS NULL`,
		sessionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListBySession returns a session's join/leave rows, oldest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.ParticipantLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, user_id, joined_at, left_at, connected_seconds
		 FROM session_participant_logs WHERE session_id = $1 ORDER BY joined_at`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ParticipantLog
	for rows.Next() {
		var l models.ParticipantLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.UserID, &l.JoinedAt, &l.LeftAt, &l.ConnectedSeconds); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}
