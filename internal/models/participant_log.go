package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantLog tracks one join/leave of a participant's realtime connection to a session room.
type ParticipantLog struct {
	ID               uuid.UUID  `json:"id"`
	SessionID        uuid.UUID  `json:"session_id"`
	UserID           uuid.UUID  `json:"user_id"`
	JoinedAt         time.Time  `json:"joined_at"`
	LeftAt           *time.Time `json:"left_at,omitempty"`
	ConnectedSeconds int64      `json:"connected_seconds"`
}
