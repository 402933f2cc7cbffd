package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a video session.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndReasonParticipant EndReason = "ended_by_participant"
	EndReasonExpired     EndReason = "expired"
)

// VideoSession binds a booking to a signaling room. At most one non-ended session exists per booking.
type VideoSession struct {
	ID          uuid.UUID     `json:"id"`
	BookingID   uuid.UUID     `json:"booking_id"`
	RoomID      string        `json:"room_id"`
	Status      SessionStatus `json:"status"`
	EndReason   *EndReason    `json:"end_reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ActivatedAt *time.Time    `json:"activated_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// Ended reports whether the session is terminal.
func (s *VideoSession) Ended() bool {
	return s.Status == SessionStatusEnded
}
