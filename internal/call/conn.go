package call

import (
	"github.com/pion/webrtc/v3"
)

// Sender is the sending side of one local track on a connection.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is a track received from the peer. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Conn is the peer connection surface the manager drives.
type Conn interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate is called for each gathered local candidate; nil marks the end of gathering.
	OnICECandidate(fn func(c *webrtc.ICECandidateInit))
	OnTrack(fn func(t RemoteTrack))
	OnConnectionStateChange(fn func(s webrtc.PeerConnectionState))
	Close() error
}

// ConnFactory creates connections.
type ConnFactory interface {
	NewConn(iceServers []webrtc.ICEServer) (Conn, error)
}
