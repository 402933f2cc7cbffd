// Package call drives one peer-to-peer call attempt: local media, the peer connection and the
// offer/answer exchange over a signaling room.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/media"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultICERestartDelay    = 2 * time.Second

	eventBuffer   = 256
	inboxBuffer   = 1024
	signalTimeout = 5 * time.Second
	hangupTimeout = 2 * time.Second
)

// ErrManagerClosed is returned by calls on a manager that has been torn down.
var ErrManagerClosed = errors.New("call manager closed")

// Config describes one call attempt.
type Config struct {
	RoomID      string
	SelfID      string
	ICEServers  []webrtc.ICEServer
	Constraints media.Constraints
	// NegotiationTimeout bounds both the initial connect and each recovery window.
	NegotiationTimeout time.Duration
	// MaxICERestarts is how many ICE restarts the initiator attempts after a disconnect.
	MaxICERestarts  int
	ICERestartDelay time.Duration
}

// Manager owns the connection, local media and signaling room of one call attempt. All inputs are
// serialized on a single goroutine. A Manager is single-use.
type Manager struct {
	cfg     Config
	devices media.Devices
	factory ConnFactory
	adapter *signaling.Adapter
	logger  *zap.Logger
	// instance is sent with every ready so the peer can tell this manager from an earlier one.
	instance string

	ops      chan func()
	inbox    chan func()
	quit     chan struct{}
	stopping chan struct{}
	events   chan Event
	state    atomic.Int32

	// Owned by the loop goroutine.
	initialized   bool
	closed        bool
	conn          Conn
	connGen       int
	local         *media.Stream
	videoSender   Sender
	handle        *signaling.Handle
	peerID        string
	peerInstance  string
	offerSent     bool
	remoteSet     bool
	pending       []webrtc.ICECandidateInit
	remote        *RemoteStream
	everConnected bool
	negTimer      *time.Timer
	recoveryTimer *time.Timer
	restartTimer  *time.Timer
	recoveryGen   int
	restarts      int
}

// NewManager creates a manager in state new. Nothing is acquired until Initialize.
func NewManager(cfg Config, devices media.Devices, factory ConnFactory, adapter *signaling.Adapter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.ICERestartDelay <= 0 {
		cfg.ICERestartDelay = DefaultICERestartDelay
	}
	if cfg.MaxICERestarts < 0 {
		cfg.MaxICERestarts = 0
	}
	m := &Manager{
		cfg:      cfg,
		devices:  devices,
		factory:  factory,
		adapter:  adapter,
		logger:   logger.With(zap.String("room_id", cfg.RoomID), zap.String("participant_id", cfg.SelfID)),
		instance: uuid.NewString(),
		ops:      make(chan func()),
		inbox:    make(chan func(), inboxBuffer),
		quit:     make(chan struct{}),
		stopping: make(chan struct{}),
		events:   make(chan Event, eventBuffer),
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.quit)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case fn := <-m.inbox:
			fn()
		}
		if m.closed {
			return
		}
	}
}

// do runs fn on the loop and waits for it. It reports false once the manager is torn down.
func (m *Manager) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case m.ops <- func() { defer close(done); fn() }:
	case <-m.quit:
		return false
	}
	<-done
	return true
}

// post queues fn from a callback goroutine. Inputs arriving during teardown are dropped.
func (m *Manager) post(fn func()) {
	select {
	case <-m.stopping:
		return
	default:
	}
	select {
	case m.inbox <- fn:
	case <-m.stopping:
	}
}

func (m *Manager) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { m.post(fn) })
}

// Events is the manager's single event stream. It is closed after teardown.
func (m *Manager) Events() <-chan Event { return m.events }

// Done is closed once the manager is fully torn down.
func (m *Manager) Done() <-chan struct{} { return m.quit }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.logger.Warn("call event dropped, consumer too slow", zap.Int("kind", int(e.Kind)))
	}
}

func (m *Manager) setState(s State) {
	if State(m.state.Load()) == s {
		return
	}
	m.state.Store(int32(s))
	m.logger.Info("call state", zap.String("state", s.String()))
	m.emit(Event{Kind: EventState, State: s})
}

// Initialize acquires media, creates the connection, joins the signaling room and announces this
// participant. On error everything acquired so far is released and the manager ends failed.
func (m *Manager) Initialize(ctx context.Context) error {
	var err error
	if !m.do(func() { err = m.initialize(ctx) }) {
		return ErrManagerClosed
	}
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	if m.initialized {
		return errors.New("call manager already initialized")
	}
	m.initialized = true
	m.setState(StateConnecting)

	abort := func(err error) error {
		if ctx.Err() != nil {
			m.teardown(StateClosed, nil, false)
			return ctx.Err()
		}
		m.teardown(StateFailed, err, false)
		return err
	}

	local, err := m.devices.GetUserMedia(ctx, m.cfg.Constraints)
	if err != nil {
		return abort(err)
	}
	m.local = local
	m.emit(Event{Kind: EventLocalStream, LocalStream: local})

	if err := m.openConn(); err != nil {
		return abort(err)
	}

	if err := ctx.Err(); err != nil {
		return abort(err)
	}
	handle, err := m.adapter.Join(ctx, m.cfg.RoomID)
	if err != nil {
		return abort(err)
	}
	m.handle = handle
	handle.OnMessage(func(msg signaling.Message) {
		m.post(func() { m.onSignal(msg) })
	})
	handle.OnLost(func(err error) {
		m.post(func() { m.onSignalingLost(err) })
	})

	if err := m.sendSignal(signaling.TypeReady, m.ready()); err != nil {
		return abort(err)
	}
	m.negTimer = m.after(m.cfg.NegotiationTimeout, m.onNegotiationTimeout)
	return nil
}

// openConn creates a connection carrying the local tracks and makes it current. Callbacks from a
// connection that is no longer current are dropped.
func (m *Manager) openConn() error {
	conn, err := m.factory.NewConn(m.cfg.ICEServers)
	if err != nil {
		return callerr.Wrap(callerr.ErrConnectionFailed, err)
	}
	var videoSender Sender
	for _, t := range m.local.Tracks() {
		sender, err := conn.AddTrack(t)
		if err != nil {
			_ = conn.Close()
			return callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("add %s track: %w", t.Kind(), err))
		}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			videoSender = sender
		}
	}
	m.connGen++
	gen := m.connGen
	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		m.post(func() {
			if gen == m.connGen {
				_ = m.sendSignal(signaling.TypeICECandidate, c)
			}
		})
	})
	conn.OnTrack(func(t RemoteTrack) {
		m.post(func() {
			if gen == m.connGen {
				m.onRemoteTrack(t)
			}
		})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func() {
			if gen == m.connGen {
				m.onConnState(s)
			}
		})
	})
	m.conn = conn
	m.videoSender = videoSender
	return nil
}

func (m *Manager) ready() signaling.ReadyPayload {
	return signaling.ReadyPayload{Instance: m.instance}
}

func (m *Manager) sendSignal(t signaling.MessageType, payload interface{}) error {
	if m.handle == nil || m.closed {
		return nil
	}
	msg, err := signaling.NewMessage(t, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := m.handle.Send(ctx, msg); err != nil {
		m.logger.Warn("signaling send failed", zap.String("type", string(t)), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) isInitiator() bool {
	return m.peerID != "" && m.cfg.SelfID < m.peerID
}

// acceptPeer binds the room's other participant on first contact. Messages from anyone else are
// ignored.
func (m *Manager) acceptPeer(sender string) bool {
	if m.peerID == "" {
		m.peerID = sender
		m.logger.Info("peer joined", zap.String("peer_id", sender), zap.Bool("initiator", m.isInitiator()))
		return true
	}
	if sender != m.peerID {
		m.logger.Debug("ignoring third participant", zap.String("sender_id", sender))
		return false
	}
	return true
}

func (m *Manager) onSignal(msg signaling.Message) {
	if m.closed {
		return
	}
	if msg.Type == signaling.TypeHangup && msg.SenderID == signaling.ServerSenderID {
		m.logger.Info("session ended by server")
		m.teardown(StateClosed, nil, false)
		return
	}
	known := m.peerID != ""
	if !m.acceptPeer(msg.SenderID) {
		return
	}

	switch msg.Type {
	case signaling.TypeReady:
		var ready signaling.ReadyPayload
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&ready); err != nil {
				m.logger.Warn("bad ready", zap.Error(err))
				return
			}
		}
		if known {
			if ready.Instance != "" && m.peerInstance != "" && ready.Instance != m.peerInstance {
				m.rejoin(ready.Instance)
			} else if m.peerInstance == "" {
				m.peerInstance = ready.Instance
			}
			return
		}
		m.peerInstance = ready.Instance
		// Reply once so a peer that subscribed after our announcement still learns about us.
		_ = m.sendSignal(signaling.TypeReady, m.ready())
		if m.isInitiator() && !m.offerSent {
			m.offerSent = true
			m.sendOffer(false)
		}
	case signaling.TypeOffer:
		m.onOffer(msg)
	case signaling.TypeAnswer:
		m.onAnswer(msg)
	case signaling.TypeICECandidate:
		m.onCandidate(msg)
	case signaling.TypeHangup:
		m.logger.Info("peer hung up")
		m.teardown(StateClosed, nil, false)
	}
}

// rejoin restarts negotiation with a peer that dropped without hanging up and came back as a new
// instance. Its old connection state is useless, so a fresh connection replaces ours.
func (m *Manager) rejoin(instance string) {
	m.logger.Info("peer rejoined", zap.String("peer_id", m.peerID))
	m.stopRecovery()
	old := m.conn
	if err := m.openConn(); err != nil {
		m.fail(err)
		return
	}
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("close replaced peer connection", zap.Error(err))
		}
	}
	m.peerInstance = instance
	m.offerSent = false
	m.remoteSet = false
	m.pending = nil
	m.remote = nil
	if m.everConnected {
		if m.State() == StateConnected {
			m.setState(StateDisconnected)
		}
		m.armRecoveryDeadline(m.recoveryGen)
	}

	_ = m.sendSignal(signaling.TypeReady, m.ready())
	if m.isInitiator() {
		m.offerSent = true
		m.sendOffer(false)
	}
}

func (m *Manager) onSignalingLost(err error) {
	if m.closed {
		return
	}
	m.logger.Warn("signaling lost", zap.Error(err))
	m.fail(err)
}

func (m *Manager) sendOffer(iceRestart bool) {
	offer, err := m.conn.CreateOffer(iceRestart)
	if err != nil {
		m.fail(callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("create offer: %w", err)))
		return
	}
	if err := m.conn.SetLocalDescription(offer); err != nil {
		m.fail(callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("set local offer: %w", err)))
		return
	}
	_ = m.sendSignal(signaling.TypeOffer, offer)
}

func (m *Manager) onOffer(msg signaling.Message) {
	var offer webrtc.SessionDescription
	if err := msg.Decode(&offer); err != nil {
		m.logger.Warn("bad offer", zap.Error(err))
		return
	}
	if err := m.conn.SetRemoteDescription(offer); err != nil {
		m.fail(callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("set remote offer: %w", err)))
		return
	}
	m.remoteSet = true
	m.flushCandidates()

	answer, err := m.conn.CreateAnswer()
	if err != nil {
		m.fail(callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("create answer: %w", err)))
		return
	}
	if err := m.conn.SetLocalDescription(answer); err != nil {
		m.fail(callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("set local answer: %w", err)))
		return
	}
	_ = m.sendSignal(signaling.TypeAnswer, answer)
}

func (m *Manager) onAnswer(msg signaling.Message) {
	var answer webrtc.SessionDescription
	if err := msg.Decode(&answer); err != nil {
		m.logger.Warn("bad answer", zap.Error(err))
		return
	}
	if err := m.conn.SetRemoteDescription(answer); err != nil {
		m.fail(callerr.Wrap(callerr.ErrConnectionFailed, fmt.Errorf("set remote answer: %w", err)))
		return
	}
	m.remoteSet = true
	m.flushCandidates()
}

func (m *Manager) onCandidate(msg signaling.Message) {
	var c webrtc.ICECandidateInit
	if err := msg.Decode(&c); err != nil {
		m.logger.Warn("bad ice candidate", zap.Error(err))
		return
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		return
	}
	if err := m.conn.AddICECandidate(c); err != nil {
		m.logger.Debug("add ice candidate", zap.Error(err))
	}
}

func (m *Manager) flushCandidates() {
	for _, c := range m.pending {
		if err := m.conn.AddICECandidate(c); err != nil {
			m.logger.Debug("add queued ice candidate", zap.Error(err))
		}
	}
	m.pending = nil
}

func (m *Manager) onRemoteTrack(t RemoteTrack) {
	if m.closed {
		return
	}
	m.remote = m.remote.with(t)
	m.logger.Info("remote track", zap.String("kind", t.Kind().String()), zap.String("track_id", t.ID()))
	m.emit(Event{Kind: EventRemoteStream, RemoteStream: m.remote})
}

func (m *Manager) onConnState(s webrtc.PeerConnectionState) {
	if m.closed {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.everConnected = true
		m.stopTimer(&m.negTimer)
		m.stopRecovery()
		m.restarts = 0
		m.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if !m.everConnected {
			if s == webrtc.PeerConnectionStateFailed {
				m.fail(callerr.WithMsg(callerr.ErrConnectionFailed, "ice negotiation failed"))
			}
			return
		}
		if m.State() == StateConnected {
			m.setState(StateDisconnected)
			m.startRecovery()
		}
	}
}

func (m *Manager) onNegotiationTimeout() {
	if m.closed || m.everConnected {
		return
	}
	m.logger.Warn("negotiation timed out", zap.Duration("timeout", m.cfg.NegotiationTimeout))
	m.fail(callerr.ErrNegotiationTimeout)
}

func (m *Manager) startRecovery() {
	m.recoveryGen++
	gen := m.recoveryGen
	m.armRecoveryDeadline(gen)
	if m.isInitiator() {
		m.scheduleRestart(gen)
	}
}

// armRecoveryDeadline closes the call with ConnectionLost unless it reconnects within the
// negotiation timeout.
func (m *Manager) armRecoveryDeadline(gen int) {
	m.recoveryTimer = m.after(m.cfg.NegotiationTimeout, func() {
		if m.closed || gen != m.recoveryGen || m.State() != StateDisconnected {
			return
		}
		m.logger.Warn("connection not recovered")
		m.teardown(StateClosed, callerr.ErrConnectionLost, true)
	})
}

func (m *Manager) scheduleRestart(gen int) {
	if m.restarts >= m.cfg.MaxICERestarts {
		return
	}
	m.restartTimer = m.after(m.cfg.ICERestartDelay, func() {
		if m.closed || gen != m.recoveryGen || m.State() != StateDisconnected {
			return
		}
		m.restarts++
		m.logger.Info("ice restart", zap.Int("attempt", m.restarts))
		m.sendOffer(true)
		m.scheduleRestart(gen)
	})
}

func (m *Manager) stopRecovery() {
	m.recoveryGen++
	m.stopTimer(&m.recoveryTimer)
	m.stopTimer(&m.restartTimer)
}

func (m *Manager) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// fail surfaces err and tears down to failed, or to closed once the call had connected.
func (m *Manager) fail(err error) {
	if m.everConnected {
		m.teardown(StateClosed, err, true)
		return
	}
	m.teardown(StateFailed, err, true)
}

// teardown releases everything in a fixed order. Hangup delivery is best-effort and never blocks
// the rest of the teardown.
func (m *Manager) teardown(final State, err error, hangup bool) {
	if m.closed {
		return
	}
	m.closed = true
	close(m.stopping)
	m.stopTimer(&m.negTimer)
	m.stopRecovery()

	if hangup && m.handle != nil {
		msg, _ := signaling.NewMessage(signaling.TypeHangup, signaling.HangupPayload{Reason: "ended"})
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		if sendErr := m.handle.Send(ctx, msg); sendErr != nil {
			m.logger.Debug("hangup not delivered", zap.Error(sendErr))
		}
		cancel()
	}
	if m.handle != nil {
		m.handle.Leave()
	}
	if m.local != nil {
		m.local.Stop()
	}
	if m.conn != nil {
		if cerr := m.conn.Close(); cerr != nil {
			m.logger.Debug("close peer connection", zap.Error(cerr))
		}
	}
	if err != nil {
		m.emit(Event{Kind: EventError, Err: err})
	}
	m.setState(final)
	close(m.events)
}

// EndCall hangs up and releases everything. Safe in any state and idempotent.
func (m *Manager) EndCall() {
	m.do(func() { m.teardown(StateClosed, nil, true) })
}

// ToggleVideo enables or disables the local video track without renegotiating.
func (m *Manager) ToggleVideo(enabled bool) error {
	return m.toggle(webrtc.RTPCodecTypeVideo, enabled)
}

// ToggleAudio enables or disables the local audio track without renegotiating.
func (m *Manager) ToggleAudio(enabled bool) error {
	return m.toggle(webrtc.RTPCodecTypeAudio, enabled)
}

func (m *Manager) toggle(kind webrtc.RTPCodecType, enabled bool) error {
	var err error
	ok := m.do(func() {
		if m.local == nil {
			err = callerr.WithMsg(callerr.ErrMediaUnavailable, "no local media")
			return
		}
		t := m.local.VideoTrack()
		if kind == webrtc.RTPCodecTypeAudio {
			t = m.local.AudioTrack()
		}
		if t == nil {
			err = callerr.WithMsg(callerr.ErrMediaUnavailable, "no local "+kind.String()+" track")
			return
		}
		t.SetEnabled(enabled)
	})
	if !ok {
		return ErrManagerClosed
	}
	return err
}

// SwitchCamera moves the local video to a camera facing the other way and swaps it on the
// existing sender.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	var err error
	ok := m.do(func() {
		if m.local == nil || m.local.VideoTrack() == nil {
			err = callerr.WithMsg(callerr.ErrDeviceSwitchFailed, "no local video")
			return
		}
		// The old camera keeps sending until the sender has taken the new track.
		_, err = m.devices.SwitchCamera(ctx, m.local, func(t *media.Track) error {
			if m.videoSender == nil {
				return nil
			}
			return m.videoSender.ReplaceTrack(t)
		})
		if err != nil {
			return
		}
		m.emit(Event{Kind: EventLocalStream, LocalStream: m.local})
	})
	if !ok {
		return ErrManagerClosed
	}
	return err
}
