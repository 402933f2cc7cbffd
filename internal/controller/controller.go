// Package controller adapts a call manager and the session registry into observable UI state.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/call"
	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/media"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

var (
	ErrClosed       = errors.New("controller closed")
	ErrNotConnected = errors.New("no active call")
)

const markActiveTimeout = 10 * time.Second

// SessionService is the part of the session registry the controller needs.
type SessionService interface {
	CreateOrResumeSession(ctx context.Context, bookingID string) (*models.VideoSession, error)
	MarkActive(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
}

// Options configures a Controller.
type Options struct {
	SelfID      string
	Sessions    SessionService
	Devices     media.Devices
	Factory     call.ConnFactory
	Transport   signaling.Transport
	Constraints media.Constraints
	ICEServers  []webrtc.ICEServer
	// ICELookup, when set, fetches per-session ICE servers (e.g. TURN credentials). Failures fall
	// back to ICEServers.
	ICELookup          func(ctx context.Context, sessionID string) ([]webrtc.ICEServer, error)
	NegotiationTimeout time.Duration
	MaxICERestarts     int
	ICERestartDelay    time.Duration
	Logger             *zap.Logger
}

// State is a snapshot of everything a UI renders.
type State struct {
	Connecting      bool
	Connected       bool
	ConnectionState call.State
	Err             error
	LocalStream     *media.Stream
	RemoteStream    *call.RemoteStream
	Session         *models.VideoSession
}

// Reconnecting reports a transient loss the call may still recover from.
func (s State) Reconnecting() bool {
	return s.ConnectionState == call.StateDisconnected
}

// Terminal reports that the attempt ended with an error and needs a new Connect.
func (s State) Terminal() bool {
	return s.ConnectionState.Terminal() && s.Err != nil
}

// Controller runs at most one call attempt at a time.
type Controller struct {
	opts    Options
	logger  *zap.Logger
	adapter *signaling.Adapter
	stopCtx func() bool

	// attempt serializes Connect and Disconnect teardown.
	attempt sync.Mutex

	mu      sync.Mutex
	state   State
	subs    map[int]chan State
	nextSub int
	mgr     *call.Manager
	cancel  context.CancelFunc
	gen     int
	closed  bool
}

// New creates a controller. It closes itself when ctx is done.
func New(ctx context.Context, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Controller{
		opts:    opts,
		logger:  opts.Logger.With(zap.String("participant_id", opts.SelfID)),
		adapter: signaling.NewAdapter(opts.SelfID, opts.Transport, opts.Logger),
		state:   State{ConnectionState: call.StateNew},
		subs:    make(map[int]chan State),
	}
	c.stopCtx = context.AfterFunc(ctx, c.Close)
	return c
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel holding the latest state; intermediate states may be skipped.
// The channel is closed by cancel or Close.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.mu.Lock()
	if c.closed {
		ch <- c.state
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) publishLocked() {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c.state:
		default:
		}
	}
}

func (c *Controller) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.publishLocked()
	c.mu.Unlock()
}

// CreateSession creates or resumes the booking's session without connecting.
func (c *Controller) CreateSession(ctx context.Context, bookingID string) (*models.VideoSession, error) {
	session, err := c.opts.Sessions.CreateOrResumeSession(ctx, bookingID)
	if err != nil {
		c.update(func(s *State) { s.Err = err })
		return nil, err
	}
	c.update(func(s *State) { s.Session = session; s.Err = nil })
	return session, nil
}

// Connect joins the booking's session room. Any previous attempt is fully torn down first.
// It returns once the call is set up; connection progress is reported through state.
func (c *Controller) Connect(ctx context.Context, bookingID string) error {
	c.attempt.Lock()
	defer c.attempt.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	c.teardownLocked()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.state.Connecting = true
	c.state.Connected = false
	c.state.ConnectionState = call.StateNew
	c.state.Err = nil
	c.state.LocalStream = nil
	c.state.RemoteStream = nil
	c.publishLocked()
	c.mu.Unlock()

	session, err := c.opts.Sessions.CreateOrResumeSession(attemptCtx, bookingID)
	if err != nil {
		c.finish(gen, err)
		return err
	}
	c.update(func(s *State) { s.Session = session })

	iceServers := c.opts.ICEServers
	if c.opts.ICELookup != nil {
		servers, err := c.opts.ICELookup(attemptCtx, session.ID.String())
		if err != nil {
			c.logger.Warn("ice server lookup failed, using defaults", zap.Error(err))
		} else {
			iceServers = servers
		}
	}

	mgr := call.NewManager(call.Config{
		RoomID:             session.RoomID,
		SelfID:             c.opts.SelfID,
		ICEServers:         iceServers,
		Constraints:        c.opts.Constraints,
		NegotiationTimeout: c.opts.NegotiationTimeout,
		MaxICERestarts:     c.opts.MaxICERestarts,
		ICERestartDelay:    c.opts.ICERestartDelay,
	}, c.opts.Devices, c.opts.Factory, c.adapter, c.opts.Logger)

	// gen only moves under attempt, so it still names this attempt here.
	c.mu.Lock()
	c.mgr = mgr
	c.mu.Unlock()
	go c.pump(gen, mgr, session.ID.String())

	if err := mgr.Initialize(attemptCtx); err != nil {
		c.finish(gen, err)
		return err
	}
	return nil
}

// finish ends a failed attempt that did not produce manager events of its own.
func (c *Controller) finish(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.state.Connecting = false
	c.state.Connected = false
	if errors.Is(err, context.Canceled) {
		c.publishLocked()
		return
	}
	if c.state.Err == nil {
		c.state.Err = err
	}
	if !c.state.ConnectionState.Terminal() {
		c.state.ConnectionState = call.StateFailed
	}
	c.publishLocked()
}

// pump folds manager events into state until the manager's stream closes.
func (c *Controller) pump(gen int, mgr *call.Manager, sessionID string) {
	marked := false
	for e := range mgr.Events() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			continue
		}
		switch e.Kind {
		case call.EventState:
			c.state.ConnectionState = e.State
			c.state.Connected = e.State == call.StateConnected
			c.state.Connecting = e.State == call.StateNew || e.State == call.StateConnecting
			if e.State.Terminal() {
				c.state.LocalStream = nil
				c.state.RemoteStream = nil
			}
		case call.EventLocalStream:
			c.state.LocalStream = e.LocalStream
		case call.EventRemoteStream:
			c.state.RemoteStream = e.RemoteStream
		case call.EventError:
			c.state.Err = e.Err
		}
		c.publishLocked()
		c.mu.Unlock()

		if e.Kind == call.EventState && e.State == call.StateConnected && !marked {
			marked = true
			c.markActive(gen, sessionID)
		}
	}
}

// markActive is best effort; a failure only gets logged.
func (c *Controller) markActive(gen int, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), markActiveTimeout)
	defer cancel()
	if err := c.opts.Sessions.MarkActive(ctx, sessionID); err != nil {
		c.logger.Warn("mark session active failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state.Session == nil || c.state.Session.ID.String() != sessionID {
		return
	}
	s := *c.state.Session
	if s.Status == models.SessionStatusPending {
		now := time.Now()
		s.Status = models.SessionStatusActive
		s.ActivatedAt = &now
	}
	c.state.Session = &s
	c.publishLocked()
}

// Disconnect leaves the call. Safe at any point, including while Connect is in flight. The server
// session is left open so a later Connect resumes the same room.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.attempt.Lock()
	defer c.attempt.Unlock()
	c.teardownLocked()
}

// teardownLocked ends the current manager and waits until it has released everything.
func (c *Controller) teardownLocked() {
	c.mu.Lock()
	mgr := c.mgr
	c.mgr = nil
	c.cancel = nil
	c.gen++
	wasActive := mgr != nil || c.state.Connecting
	c.mu.Unlock()

	if mgr != nil {
		mgr.EndCall()
		<-mgr.Done()
	}
	if !wasActive {
		return
	}
	c.update(func(s *State) {
		s.Connecting = false
		s.Connected = false
		s.ConnectionState = call.StateClosed
		s.LocalStream = nil
		s.RemoteStream = nil
	})
}

func (c *Controller) current() *call.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr
}

// ToggleVideo enables or disables sending video.
func (c *Controller) ToggleVideo(enabled bool) error {
	mgr := c.current()
	if mgr == nil {
		return ErrNotConnected
	}
	return c.report(mgr.ToggleVideo(enabled))
}

// ToggleAudio enables or disables sending audio.
func (c *Controller) ToggleAudio(enabled bool) error {
	mgr := c.current()
	if mgr == nil {
		return ErrNotConnected
	}
	return c.report(mgr.ToggleAudio(enabled))
}

// SwitchCamera flips between front and back cameras.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	mgr := c.current()
	if mgr == nil {
		return ErrNotConnected
	}
	return c.report(mgr.SwitchCamera(ctx))
}

// report surfaces device errors in the error slot; the call itself carries on.
func (c *Controller) report(err error) error {
	if err != nil && !errors.Is(err, call.ErrManagerClosed) {
		c.update(func(s *State) { s.Err = err })
	}
	return err
}

// EndSession ends the server session for both participants and disconnects.
func (c *Controller) EndSession(ctx context.Context) error {
	session := c.State().Session
	if session == nil {
		return callerr.ErrSessionNotFound
	}
	if err := c.opts.Sessions.EndSession(ctx, session.ID.String()); err != nil {
		c.update(func(s *State) { s.Err = err })
		return err
	}
	c.Disconnect()
	c.update(func(s *State) {
		if s.Session == nil || s.Session.ID != session.ID {
			return
		}
		ended := *s.Session
		now := time.Now()
		reason := models.EndReasonParticipant
		ended.Status = models.SessionStatusEnded
		ended.EndedAt = &now
		ended.EndReason = &reason
		s.Session = &ended
	})
	return nil
}

// Close disconnects and closes every subscription. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.stopCtx()
	c.Disconnect()

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	c.logger.Debug("controller closed")
}
