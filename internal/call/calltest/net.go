// Package calltest provides an in-memory call.ConnFactory whose connections connect to each other
// once their offer and answer match. No media flows; remote tracks are announced from the peer's
// local tracks.
package calltest

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/the3tree/3tree-sub003/internal/call"
)

// Net is a ConnFactory. Connections created by the same Net can connect to each other.
type Net struct {
	mu    sync.Mutex
	conns []*Conn
}

func (n *Net) NewConn([]webrtc.ICEServer) (call.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &Conn{net: n, id: fmt.Sprintf("conn-%d", len(n.conns))}
	n.conns = append(n.conns, c)
	return c, nil
}

// Count returns how many connections were created.
func (n *Net) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Conn returns the i-th connection created.
func (n *Net) Conn(i int) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[i]
}

func (n *Net) tryConnect() {
	n.mu.Lock()
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()
	for i, a := range conns {
		for _, b := range conns[i+1:] {
			connectPair(a, b)
		}
	}
}

// connectPair locks a before b; callers keep creation order so locking is consistent.
func connectPair(a, b *Conn) {
	a.mu.Lock()
	b.mu.Lock()
	match := !a.connected && !b.connected && !a.closed && !b.closed &&
		a.local != nil && a.remote != nil && b.local != nil && b.remote != nil &&
		a.local.SDP == b.remote.SDP && b.local.SDP == a.remote.SDP
	if match {
		a.connected, b.connected = true, true
	}
	aTracks := append([]webrtc.TrackLocal(nil), a.tracks...)
	bTracks := append([]webrtc.TrackLocal(nil), b.tracks...)
	b.mu.Unlock()
	a.mu.Unlock()
	if !match {
		return
	}
	for _, t := range bTracks {
		a.deliverTrack(t)
	}
	for _, t := range aTracks {
		b.deliverTrack(t)
	}
	a.Fire(webrtc.PeerConnectionStateConnected)
	b.Fire(webrtc.PeerConnectionStateConnected)
}

// RemoteTrack is the remote view of a peer's local track.
type RemoteTrack struct {
	TrackID, Stream string
	Codec           webrtc.RTPCodecType
}

func (t RemoteTrack) ID() string                { return t.TrackID }
func (t RemoteTrack) StreamID() string          { return t.Stream }
func (t RemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }

// Sender records the track currently sent.
type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
	fail  error
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.track = t
	return nil
}

// FailReplace makes later ReplaceTrack calls return err.
func (s *Sender) FailReplace(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Track returns the track currently sent.
func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Conn is a fake call.Conn. It logs description and candidate operations in order.
type Conn struct {
	net *Net
	id  string

	mu            sync.Mutex
	tracks        []webrtc.TrackLocal
	senders       []*Sender
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	log           []string
	offers        int
	restartOffers int
	connected     bool
	closed        bool
	onICE         func(*webrtc.ICECandidateInit)
	onTrack       func(call.RemoteTrack)
	onState       func(webrtc.PeerConnectionState)
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) (call.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	if iceRestart {
		c.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", c.id, c.offers)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + c.id}, nil
}

// SetLocalDescription also gathers one host candidate, reported asynchronously like pion does.
func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	c.local = &d
	c.log = append(c.log, "local-"+d.Type.String())
	cb := c.onICE
	c.mu.Unlock()
	if cb != nil {
		go cb(&webrtc.ICECandidateInit{Candidate: "candidate:" + c.id})
	}
	c.net.tryConnect()
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = &d
	c.log = append(c.log, "remote-"+d.Type.String())
	c.mu.Unlock()
	c.net.tryConnect()
	return nil
}

func (c *Conn) AddICECandidate(webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.log = append(c.log, "candidate")
	c.mu.Unlock()
	return nil
}

func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(call.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) deliverTrack(t webrtc.TrackLocal) {
	c.mu.Lock()
	cb := c.onTrack
	c.mu.Unlock()
	if cb != nil {
		cb(RemoteTrack{TrackID: t.ID(), Stream: t.StreamID(), Codec: t.Kind()})
	}
}

// Fire reports a connection state change from outside the manager's loop.
func (c *Conn) Fire(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Log returns the ordered operations: "local-<type>", "remote-<type>", "candidate".
func (c *Conn) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

// Offers returns how many offers were created and how many of them were ICE restarts.
func (c *Conn) Offers() (total, restarts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers, c.restartOffers
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) HasRemote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

// Tracks returns the local tracks added.
func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

// Senders returns the senders in AddTrack order.
func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}
