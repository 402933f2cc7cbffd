package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the3tree/3tree-sub003/internal/call"
	"github.com/the3tree/3tree-sub003/internal/call/calltest"
	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/media"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

type fakeSessions struct {
	mu       sync.Mutex
	byID     map[string]*models.VideoSession
	open     map[string]string // booking -> session
	activate []string
	ended    []string
	gate     chan struct{}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: map[string]*models.VideoSession{}, open: map[string]string{}}
}

func (f *fakeSessions) CreateOrResumeSession(ctx context.Context, bookingID string) (*models.VideoSession, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if bookingID == "missing" {
		return nil, callerr.ErrBookingNotFound
	}
	if id, ok := f.open[bookingID]; ok {
		s := *f.byID[id]
		return &s, nil
	}
	s := &models.VideoSession{
		ID:        uuid.New(),
		BookingID: uuid.New(),
		RoomID:    uuid.NewString(),
		Status:    models.SessionStatusPending,
		CreatedAt: time.Now(),
	}
	f.byID[s.ID.String()] = s
	f.open[bookingID] = s.ID.String()
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) MarkActive(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activate = append(f.activate, sessionID)
	if s := f.byID[sessionID]; s != nil && s.Status == models.SessionStatusPending {
		s.Status = models.SessionStatusActive
	}
	return nil
}

func (f *fakeSessions) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.byID[sessionID]
	if s == nil {
		return callerr.ErrSessionNotFound
	}
	s.Status = models.SessionStatusEnded
	for b, id := range f.open {
		if id == sessionID {
			delete(f.open, b)
		}
	}
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeSessions) activated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.activate...)
}

type deniedDevices struct{}

func (deniedDevices) GetUserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, callerr.ErrMediaAccessDenied
}

func (deniedDevices) SwitchCamera(context.Context, *media.Stream, func(*media.Track) error) (*media.Track, error) {
	return nil, callerr.ErrDeviceSwitchFailed
}

type env struct {
	tr       *signaling.MemoryTransport
	pcs      *calltest.Net
	sessions *fakeSessions
}

func newEnv() *env {
	return &env{tr: signaling.NewMemoryTransport(nil), pcs: &calltest.Net{}, sessions: newFakeSessions()}
}

func (e *env) controller(t *testing.T, self string, devices media.Devices) *Controller {
	t.Helper()
	if devices == nil {
		devices = media.NewCatalog(media.DefaultDevices(), nil)
	}
	c := New(context.Background(), Options{
		SelfID:             self,
		Sessions:           e.sessions,
		Devices:            devices,
		Factory:            e.pcs,
		Transport:          e.tr,
		Constraints:        media.Constraints{Video: true, Audio: true},
		NegotiationTimeout: 2 * time.Second,
	})
	t.Cleanup(c.Close)
	return c
}

func TestTwoControllersConnect(t *testing.T) {
	e := newEnv()
	client := e.controller(t, "client-1", nil)
	therapist := e.controller(t, "therapist-1", nil)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx, "booking-1"))
	require.NoError(t, therapist.Connect(ctx, "booking-1"))

	for _, c := range []*Controller{client, therapist} {
		c := c
		require.Eventually(t, func() bool {
			s := c.State()
			return s.Connected && s.RemoteStream != nil && len(s.RemoteStream.Tracks) == 2
		}, 3*time.Second, 5*time.Millisecond)
		s := c.State()
		assert.False(t, s.Connecting)
		assert.NoError(t, s.Err)
		assert.NotNil(t, s.LocalStream)
	}
	assert.Equal(t, client.State().Session.RoomID, therapist.State().Session.RoomID)

	require.Eventually(t, func() bool { return len(e.sessions.activated()) >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return client.State().Session.Status == models.SessionStatusActive
	}, time.Second, 5*time.Millisecond)
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	e := newEnv()
	c := e.controller(t, "client-1", nil)
	first, err := c.CreateSession(context.Background(), "booking-1")
	require.NoError(t, err)
	second, err := c.CreateSession(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RoomID, second.RoomID)
	assert.Equal(t, second.ID, c.State().Session.ID)
}

func TestCreateSessionErrorSurfaces(t *testing.T) {
	e := newEnv()
	c := e.controller(t, "client-1", nil)
	_, err := c.CreateSession(context.Background(), "missing")
	assert.ErrorIs(t, err, callerr.ErrBookingNotFound)
	assert.ErrorIs(t, c.State().Err, callerr.ErrBookingNotFound)
}

func TestDisconnectBeforeConnected(t *testing.T) {
	e := newEnv()
	catalog := media.NewCatalog(media.DefaultDevices(), nil)
	c := e.controller(t, "client-1", catalog)
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	room := c.State().Session.RoomID
	assert.True(t, c.State().Connecting)
	assert.Equal(t, 1, e.tr.Subscribers(signaling.Topic(room)))

	c.Disconnect()
	s := c.State()
	assert.False(t, s.Connecting)
	assert.Equal(t, call.StateClosed, s.ConnectionState)
	assert.Nil(t, s.LocalStream)
	assert.Zero(t, e.tr.Subscribers(signaling.Topic(room)))
	assert.False(t, catalog.InUse("cam-front"))

	// Rejoining resumes the same room.
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	assert.Equal(t, room, c.State().Session.RoomID)
	assert.Equal(t, 1, e.tr.Subscribers(signaling.Topic(room)))
}

func TestDisconnectCancelsInFlightConnect(t *testing.T) {
	e := newEnv()
	e.sessions.gate = make(chan struct{})
	c := e.controller(t, "client-1", nil)

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), "booking-1") }()
	require.Eventually(t, func() bool { return c.State().Connecting }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.State().Connecting)
	assert.Nil(t, c.State().Err)

	close(e.sessions.gate)
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	assert.Equal(t, 1, e.tr.Subscribers(signaling.Topic(c.State().Session.RoomID)))
}

func TestConnectReplacesPreviousAttempt(t *testing.T) {
	e := newEnv()
	catalog := media.NewCatalog(media.DefaultDevices(), nil)
	c := e.controller(t, "client-1", catalog)
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	// The second attempt needs the same devices, so the first must be fully released.
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	assert.Equal(t, 1, e.tr.Subscribers(signaling.Topic(c.State().Session.RoomID)))
	assert.Equal(t, 2, e.pcs.Count())
	assert.True(t, e.pcs.Conn(0).Closed())
}

func TestDeniedMediaIsTerminal(t *testing.T) {
	e := newEnv()
	c := e.controller(t, "client-1", deniedDevices{})
	err := c.Connect(context.Background(), "booking-1")
	assert.ErrorIs(t, err, callerr.ErrMediaAccessDenied)

	require.Eventually(t, func() bool { return c.State().Terminal() }, time.Second, 5*time.Millisecond)
	s := c.State()
	assert.ErrorIs(t, s.Err, callerr.ErrMediaAccessDenied)
	assert.False(t, callerr.Recoverable(s.Err))
	assert.False(t, s.Connecting)
	assert.Zero(t, e.tr.Subscribers(signaling.Topic(s.Session.RoomID)))
}

func TestSubscribeConflatesToLatest(t *testing.T) {
	e := newEnv()
	c := e.controller(t, "client-1", nil)
	ch, cancel := c.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := c.CreateSession(context.Background(), "booking-1")
		require.NoError(t, err)
	}
	_, err := c.CreateSession(context.Background(), "booking-2")
	require.NoError(t, err)

	got := <-ch
	require.NotNil(t, got.Session)
	assert.Equal(t, c.State().Session.ID, got.Session.ID)
	select {
	case <-ch:
		t.Fatal("expected a single conflated value")
	default:
	}
}

func TestToggleWithoutCall(t *testing.T) {
	e := newEnv()
	c := e.controller(t, "client-1", nil)
	assert.ErrorIs(t, c.ToggleVideo(false), ErrNotConnected)
	assert.ErrorIs(t, c.SwitchCamera(context.Background()), ErrNotConnected)
}

func TestToggleAndSwitchDuringCall(t *testing.T) {
	e := newEnv()
	catalog := media.NewCatalog(media.DefaultDevices(), nil)
	c := e.controller(t, "client-1", catalog)
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	require.Eventually(t, func() bool { return c.State().LocalStream != nil }, time.Second, 5*time.Millisecond)

	local := c.State().LocalStream
	require.NoError(t, c.ToggleAudio(false))
	assert.False(t, local.AudioTrack().Enabled())
	require.NoError(t, c.SwitchCamera(context.Background()))
	assert.Equal(t, media.FacingEnvironment, c.State().LocalStream.VideoTrack().Device().Facing)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, local.VideoTrack().Kind())
}

func TestEndSessionDisconnects(t *testing.T) {
	e := newEnv()
	c := e.controller(t, "client-1", nil)
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	id := c.State().Session.ID.String()

	require.NoError(t, c.EndSession(context.Background()))
	s := c.State()
	assert.Equal(t, models.SessionStatusEnded, s.Session.Status)
	assert.Equal(t, call.StateClosed, s.ConnectionState)
	assert.Equal(t, []string{id}, e.sessions.ended)

	c2 := e.controller(t, "client-2", nil)
	assert.ErrorIs(t, c2.EndSession(context.Background()), callerr.ErrSessionNotFound)
}

func TestCloseOnContextDone(t *testing.T) {
	e := newEnv()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, Options{
		SelfID:    "client-1",
		Sessions:  e.sessions,
		Devices:   media.NewCatalog(media.DefaultDevices(), nil),
		Factory:   e.pcs,
		Transport: e.tr,
	})
	require.NoError(t, c.Connect(context.Background(), "booking-1"))
	ch, _ := c.Subscribe()
	room := c.State().Session.RoomID

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.tr.Subscribers(signaling.Topic(room)))
	assert.ErrorIs(t, c.Connect(context.Background(), "booking-1"), ErrClosed)
}
