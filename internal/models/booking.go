package models

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking as owned by the booking service.
type BookingStatus string

const (
	BookingStatusScheduled BookingStatus = "scheduled"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

// Booking is a scheduled appointment between a client and a therapist. Read-only here.
type Booking struct {
	ID              uuid.UUID     `json:"id"`
	ClientID        uuid.UUID     `json:"client_id"`
	TherapistID     uuid.UUID     `json:"therapist_id"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Status          BookingStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

// EndsAt returns the scheduled end of the appointment.
func (b *Booking) EndsAt() time.Time {
	return b.ScheduledAt.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// HasParticipant reports whether userID is the booking's client or therapist.
func (b *Booking) HasParticipant(userID uuid.UUID) bool {
	return userID == b.ClientID || userID == b.TherapistID
}

// Participants returns the two participant ids.
func (b *Booking) Participants() []uuid.UUID {
	return []uuid.UUID{b.ClientID, b.TherapistID}
}
