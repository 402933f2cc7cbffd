package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/sessions"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

type fakeRooms struct {
	session models.VideoSession
	members map[uuid.UUID]bool
}

func (r *fakeRooms) AuthorizeRoom(_ context.Context, roomID string, userID uuid.UUID) (*models.VideoSession, error) {
	if roomID != r.session.RoomID {
		return nil, callerr.ErrSessionNotFound
	}
	if !r.members[userID] {
		return nil, callerr.ErrNotParticipant
	}
	s := r.session
	return &s, nil
}

type attendance struct {
	mu     sync.Mutex
	joins  []uuid.UUID
	leaves []uuid.UUID
}

func (a *attendance) LogJoin(_ context.Context, _, userID uuid.UUID) error {
	a.mu.Lock()
	a.joins = append(a.joins, userID)
	a.mu.Unlock()
	return nil
}

func (a *attendance) LogLeave(_ context.Context, _, userID uuid.UUID) error {
	a.mu.Lock()
	a.leaves = append(a.leaves, userID)
	a.mu.Unlock()
	return nil
}

func (a *attendance) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.joins), len(a.leaves)
}

type env struct {
	srv        *httptest.Server
	hub        *Hub
	transport  *signaling.MemoryTransport
	rooms      *fakeRooms
	attendance *attendance
	client     uuid.UUID
	therapist  uuid.UUID
}

// tokens are the caller's user id.
func validate(token string) (uuid.UUID, string, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return uuid.Nil, "", errors.New("bad token")
	}
	return id, "client", nil
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		transport:  signaling.NewMemoryTransport(nil),
		attendance: &attendance{},
		client:     uuid.New(),
		therapist:  uuid.New(),
	}
	e.rooms = &fakeRooms{
		session: models.VideoSession{ID: uuid.New(), BookingID: uuid.New(), RoomID: uuid.NewString(), Status: models.SessionStatusPending},
		members: map[uuid.UUID]bool{e.client: true, e.therapist: true},
	}
	e.hub = NewHub(e.transport, nil)
	e.hub.SetParticipantHooks(AttendanceHooks(e.attendance, nil))
	opts.Validate = validate
	opts.Rooms = e.rooms
	r := gin.New()
	r.GET("/ws", ServeWs(e.hub, opts))
	e.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		e.hub.Close()
		e.srv.Close()
		e.transport.Close()
	})
	return e
}

func (e *env) endpoint() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

// dial opens a raw socket and consumes the subscribed frame.
func (e *env) dial(t *testing.T, user uuid.UUID, topic string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.endpoint()+"?topic="+topic+"&token="+user.String(), nil)
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("dial %s: status %d", topic, resp.StatusCode)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	f := readFrame(t, conn)
	require.Equal(t, signaling.EventSubscribed, f.Event)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) signaling.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f signaling.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func publishFrame(t *testing.T, conn *websocket.Conn, msg signaling.Message) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(signaling.Frame{Event: signaling.EventPublish, Data: raw}))
}

func dialStatus(e *env, user uuid.UUID, topic string) int {
	_, resp, err := websocket.DefaultDialer.Dial(e.endpoint()+"?topic="+topic+"&token="+user.String(), nil)
	if err == nil || resp == nil {
		return 0
	}
	return resp.StatusCode
}

func TestRelayCarriesSignalingBetweenParticipants(t *testing.T) {
	e := newEnv(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room := e.rooms.session.RoomID

	ha, err := signaling.NewAdapter(e.client.String(), signaling.NewWSTransport(e.endpoint(), e.client.String(), nil), nil).Join(ctx, room)
	require.NoError(t, err)
	defer ha.Leave()
	hb, err := signaling.NewAdapter(e.therapist.String(), signaling.NewWSTransport(e.endpoint(), e.therapist.String(), nil), nil).Join(ctx, room)
	require.NoError(t, err)
	defer hb.Leave()

	var mu sync.Mutex
	var got []signaling.Message
	hb.OnMessage(func(m signaling.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, ha.Send(ctx, signaling.Message{Type: signaling.TypeReady}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, e.client.String(), got[0].SenderID)
	mu.Unlock()
	assert.ElementsMatch(t, []string{e.client.String(), e.therapist.String()}, e.hub.Participants(room))
}

func TestRelayRejectsSpoofedFrames(t *testing.T) {
	e := newEnv(t, Options{})
	room := e.rooms.session.RoomID
	conn := e.dial(t, e.client, signaling.Topic(room))

	publishFrame(t, conn, signaling.Message{RoomID: room, SenderID: e.therapist.String(), Type: signaling.TypeReady})
	f := readFrame(t, conn)
	assert.Equal(t, signaling.EventError, f.Event)
	assert.Contains(t, string(f.Data), "sender_id")

	publishFrame(t, conn, signaling.Message{RoomID: "other", SenderID: e.client.String(), Type: signaling.TypeReady})
	f = readFrame(t, conn)
	assert.Equal(t, signaling.EventError, f.Event)

	publishFrame(t, conn, signaling.Message{RoomID: room, SenderID: e.client.String(), Type: "bogus"})
	f = readFrame(t, conn)
	assert.Equal(t, signaling.EventError, f.Event)

	publishFrame(t, conn, signaling.Message{RoomID: room, SenderID: e.client.String(), Type: signaling.TypeReady})
	f = readFrame(t, conn)
	assert.Equal(t, signaling.EventMessage, f.Event)
}

func TestRelayAuthorizesTopics(t *testing.T) {
	e := newEnv(t, Options{})
	room := e.rooms.session.RoomID

	assert.Equal(t, http.StatusForbidden, dialStatus(e, uuid.New(), signaling.Topic(room)))
	assert.Equal(t, http.StatusNotFound, dialStatus(e, e.client, signaling.Topic("unknown")))
	assert.Equal(t, http.StatusForbidden, dialStatus(e, e.client, signaling.UserTopic(e.therapist.String())))
	assert.Equal(t, http.StatusForbidden, dialStatus(e, e.client, "lobby:1"))

	_, resp, err := websocket.DefaultDialer.Dial(e.endpoint()+"?topic="+signaling.Topic(room)+"&token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	e.dial(t, e.client, signaling.UserTopic(e.client.String()))
}

func TestRelayRateLimitsFrames(t *testing.T) {
	e := newEnv(t, Options{RatePerSec: 0.001, RateBurst: 1})
	room := e.rooms.session.RoomID
	var mu sync.Mutex
	published := 0
	e.transport.SetPublishHook(func(topic string, _ []byte) {
		if topic == signaling.Topic(room) {
			mu.Lock()
			published++
			mu.Unlock()
		}
	})
	conn := e.dial(t, e.client, signaling.Topic(room))
	for i := 0; i < 3; i++ {
		publishFrame(t, conn, signaling.Message{RoomID: room, SenderID: e.client.String(), Type: signaling.TypeReady})
	}
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, published)
	mu.Unlock()
}

func TestPresenceAndAttendanceFollowSockets(t *testing.T) {
	e := newEnv(t, Options{})
	room := e.rooms.session.RoomID
	topic := signaling.Topic(room)

	conn := e.dial(t, e.client, topic)
	assert.Equal(t, []string{e.client.String()}, e.hub.Participants(room))
	assert.Equal(t, 1, e.transport.Subscribers(topic))
	joins, _ := e.attendance.counts()
	assert.Equal(t, 1, joins)

	// A user-topic socket is not attendance.
	e.dial(t, e.client, signaling.UserTopic(e.client.String()))
	joins, _ = e.attendance.counts()
	assert.Equal(t, 1, joins)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, leaves := e.attendance.counts()
		return leaves == 1 && len(e.hub.Participants(room)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.transport.Subscribers(topic))
	assert.Equal(t, 0, e.hub.ClientCount(topic))
}

func TestNotifierHangsUpAndNotifies(t *testing.T) {
	e := newEnv(t, Options{})
	room := e.rooms.session.RoomID
	roomConn := e.dial(t, e.therapist, signaling.Topic(room))
	userConn := e.dial(t, e.client, signaling.UserTopic(e.client.String()))

	ended := e.rooms.session
	ended.Status = models.SessionStatusEnded
	reason := models.EndReasonParticipant
	ended.EndReason = &reason
	booking := &models.Booking{ID: ended.BookingID, ClientID: e.client, TherapistID: e.therapist}
	NewNotifier(e.transport, nil).SessionEvent(context.Background(), sessions.Event{Kind: sessions.EventEnded, Session: ended, Booking: booking})

	f := readFrame(t, roomConn)
	require.Equal(t, signaling.EventMessage, f.Event)
	var msg signaling.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, signaling.TypeHangup, msg.Type)
	assert.Equal(t, signaling.ServerSenderID, msg.SenderID)
	var hp signaling.HangupPayload
	require.NoError(t, msg.Decode(&hp))
	assert.Equal(t, string(models.EndReasonParticipant), hp.Reason)

	f = readFrame(t, userConn)
	require.Equal(t, signaling.EventMessage, f.Event)
	var n Notification
	require.NoError(t, json.Unmarshal(f.Data, &n))
	assert.Equal(t, string(sessions.EventEnded), n.Event)
	assert.Equal(t, ended.ID, n.Session.ID)
}
