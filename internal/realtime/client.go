package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/metrics"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/signaling"
	"github.com/the3tree/3tree-sub003/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // tokens, not cookies, authenticate sockets
	},
}

// TokenValidator resolves a bearer token to the caller's id and role.
type TokenValidator func(token string) (userID uuid.UUID, role string, err error)

// RoomAuthorizer resolves an open session by room id for one of its participants.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, roomID string, userID uuid.UUID) (*models.VideoSession, error)
}

// Options configures the relay endpoint.
type Options struct {
	Validate   TokenValidator
	Rooms      RoomAuthorizer
	RatePerSec float64
	RateBurst  int
	Logger     *zap.Logger
}

// Client represents a single WebSocket connection on one topic.
type Client struct {
	ID        string
	Topic     string
	RoomID    string    // set for room topics
	SessionID uuid.UUID // set for room topics
	UserID    uuid.UUID
	Role      string
	JoinedAt  time.Time

	hub     *Hub
	conn    *websocket.Conn
	send    chan signaling.Frame
	limiter *rate.Limiter
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Client) kind() string {
	if c.RoomID != "" {
		return "room"
	}
	return "user"
}

// enqueue drops the frame when the client's buffer is full.
func (c *Client) enqueue(f signaling.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	default:
		c.logger.Warn("client send buffer full, dropping frame", zap.String("client_id", c.ID), zap.String("topic", c.Topic))
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

var statusByCode = map[callerr.Code]int{
	callerr.CodeSessionNotFound: http.StatusNotFound,
	callerr.CodeBookingNotFound: http.StatusNotFound,
	callerr.CodeNotParticipant:  http.StatusForbidden,
	callerr.CodeSessionEnded:    http.StatusGone,
}

// ServeWs handles GET /ws?topic=room:<room_id>|user:<user_id>: authorizes the topic, upgrades the
// connection, and runs the client loop.
func ServeWs(hub *Hub, opts Options) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	return func(c *gin.Context) {
		topicName := c.Query("topic")
		token := bearerToken(c)
		if topicName == "" || token == "" {
			response.BadRequest(c, "topic and token required")
			return
		}
		userID, role, err := opts.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			Topic:    topicName,
			UserID:   userID,
			Role:     role,
			JoinedAt: time.Now(),
			hub:      hub,
			send:     make(chan signaling.Frame, sendBuffer),
			limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
			logger:   logger,
			done:     make(chan struct{}),
		}
		switch {
		case roomOf(topicName) != "":
			roomID := roomOf(topicName)
			s, err := opts.Rooms.AuthorizeRoom(c.Request.Context(), roomID, userID)
			if err != nil {
				code := callerr.CodeOf(err)
				if status, ok := statusByCode[code]; ok {
					response.Fail(c, status, string(code), err.Error())
					return
				}
				logger.Error("authorize room", zap.Error(err), zap.String("room_id", roomID))
				response.Internal(c, "internal error")
				return
			}
			client.RoomID = roomID
			client.SessionID = s.ID
		case topicName == signaling.UserTopic(userID.String()):
		default:
			response.Forbidden(c, "topic not allowed")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client.conn = conn

		if err := hub.Register(c.Request.Context(), client); err != nil {
			logger.Warn("register client failed", zap.Error(err), zap.String("topic", topicName))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription unavailable"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var f signaling.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		if !c.limiter.Allow() {
			metrics.RecordFrame(metrics.FrameRateLimited)
			continue
		}
		switch f.Event {
		case signaling.EventPublish:
			if err := c.publish(f.Data); err != nil {
				metrics.RecordFrame(metrics.FrameRejected)
				c.reject(err.Error())
				continue
			}
			metrics.RecordFrame(metrics.FrameRelayed)
		default:
			metrics.RecordFrame(metrics.FrameRejected)
			c.reject("unknown event " + f.Event)
		}
	}
}

var (
	errUserTopicReadOnly = errors.New("user topics are read-only")
	errInvalidMessage    = errors.New("invalid signaling message")
	errRoomMismatch      = errors.New("room_id does not match the socket's room")
	errSenderMismatch    = errors.New("sender_id must be the authenticated user")
)

// publish validates a client's signaling message and hands it to the transport.
func (c *Client) publish(data json.RawMessage) error {
	if c.RoomID == "" {
		return errUserTopicReadOnly
	}
	var msg signaling.Message
	if err := json.Unmarshal(data, &msg); err != nil || !msg.Valid() {
		return errInvalidMessage
	}
	if msg.RoomID != c.RoomID {
		return errRoomMismatch
	}
	if msg.SenderID != c.UserID.String() {
		return errSenderMismatch
	}
	if err := c.hub.Publish(context.Background(), c.Topic, data); err != nil {
		c.logger.Warn("relay publish failed", zap.Error(err), zap.String("room_id", c.RoomID))
		return errors.New("publish failed")
	}
	return nil
}

func (c *Client) reject(reason string) {
	data, _ := json.Marshal(map[string]string{"error": reason})
	c.enqueue(signaling.Frame{Event: signaling.EventError, Data: data})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
