package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/sessions"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

// Notification is published on a participant's user topic.
type Notification struct {
	Event   string              `json:"event"`
	Session models.VideoSession `json:"session"`
}

// Notifier turns session lifecycle events into realtime traffic.
type Notifier struct {
	transport signaling.Transport
	logger    *zap.Logger
}

// NewNotifier creates a notifier publishing on transport.
func NewNotifier(transport signaling.Transport, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{transport: transport, logger: logger}
}

// SessionEvent notifies both participants and, for an ended session, hangs up whoever is still in
// the room. It is a sessions.Listener.
func (n *Notifier) SessionEvent(ctx context.Context, e sessions.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	log := n.logger.With(zap.String("session_id", e.Session.ID.String()), zap.String("room_id", e.Session.RoomID))

	if e.Kind == sessions.EventEnded {
		reason := ""
		if e.Session.EndReason != nil {
			reason = string(*e.Session.EndReason)
		}
		msg, err := signaling.NewMessage(signaling.TypeHangup, signaling.HangupPayload{Reason: reason})
		if err == nil {
			msg.RoomID = e.Session.RoomID
			msg.SenderID = signaling.ServerSenderID
			err = signaling.PublishToRoom(ctx, n.transport, msg)
		}
		if err != nil {
			log.Warn("publish server hangup", zap.Error(err))
		}
	}

	if e.Booking == nil {
		return
	}
	payload, err := json.Marshal(Notification{Event: string(e.Kind), Session: e.Session})
	if err != nil {
		return
	}
	for _, id := range e.Booking.Participants() {
		if err := n.transport.Publish(ctx, signaling.UserTopic(id.String()), payload); err != nil {
			log.Warn("publish notification", zap.Error(err), zap.String("participant_id", id.String()))
		}
	}
}

// AttendanceWriter records participant sockets joining and leaving a session.
type AttendanceWriter interface {
	LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error
	LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error
}

// AttendanceHooks returns participant hooks that write to log.
func AttendanceHooks(log AttendanceWriter, logger *zap.Logger) (onJoin, onLeave ParticipantHook) {
	if logger == nil {
		logger = zap.NewNop()
	}
	write := func(op string, fn func(context.Context, uuid.UUID, uuid.UUID) error) ParticipantHook {
		return func(c *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := fn(ctx, c.SessionID, c.UserID); err != nil {
				logger.Warn("attendance "+op, zap.Error(err),
					zap.String("session_id", c.SessionID.String()), zap.String("participant_id", c.UserID.String()))
			}
		}
	}
	return write("join", log.LogJoin), write("leave", log.LogLeave)
}
