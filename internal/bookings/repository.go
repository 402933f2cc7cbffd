package bookings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/the3tree/3tree-sub003/internal/models"
)

// Repository reads bookings. Bookings are owned by the booking service; this side never writes them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a booking repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const bookingColumns = `id, client_id, therapist_id, scheduled_at, duration_minutes, status, created_at`

func scanBooking(row pgx.Row) (*models.Booking, error) {
	var (
		b      models.Booking
		status string
	)
	if err := row.Scan(&b.ID, &b.ClientID, &b.TherapistID, &b.ScheduledAt, &b.DurationMinutes, &status, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	return &b, nil
}

// GetBooking returns a booking by id, or (nil, nil) if it does not exist.
func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListForUser returns the user's bookings that are not cancelled, soonest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings
		WHERE (client_id = $1 OR therapist_id = $1) AND status <> 'cancelled'
		ORDER BY scheduled_at`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}
