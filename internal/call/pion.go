package call

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// RTCP read buffer size (MTU-friendly), pooled across senders.
const rtcpBufferSize = 1500

var rtcpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtcpBufferSize)
		return &b
	},
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ParseICEServers turns configured STUN URLs into ICE servers, falling back to a public STUN server.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

// PionOptions tunes the pion API shared by all connections of a factory.
type PionOptions struct {
	// ICEDisconnectedTimeout is how long without traffic before ICE reports disconnected.
	ICEDisconnectedTimeout time.Duration
	// ICEFailedTimeout is how long after disconnected before ICE reports failed.
	ICEFailedTimeout time.Duration
	ICEKeepalive     time.Duration
}

// PionFactory creates pion peer connections with default codecs and interceptors.
type PionFactory struct {
	api *webrtc.API
}

// NewPionFactory builds the pion API once so codec and interceptor setup is shared.
func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	if opts.ICEDisconnectedTimeout <= 0 {
		opts.ICEDisconnectedTimeout = 5 * time.Second
	}
	if opts.ICEFailedTimeout <= 0 {
		opts.ICEFailedTimeout = 25 * time.Second
	}
	if opts.ICEKeepalive <= 0 {
		opts.ICEKeepalive = 2 * time.Second
	}
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepalive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)
	return &PionFactory{api: api}, nil
}

func (f *PionFactory) NewConn(iceServers []webrtc.ICEServer) (Conn, error) {
	if len(iceServers) == 0 {
		iceServers = defaultICE
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Interceptors (NACK, reports) only run while RTCP is read.
	go func() {
		ptr := rtcpBufferPool.Get().(*[]byte)
		defer rtcpBufferPool.Put(ptr)
		for {
			if _, _, err := sender.Read(*ptr); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&init)
	})
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
