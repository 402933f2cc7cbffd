package call

import (
	"github.com/pion/webrtc/v3"

	"github.com/the3tree/3tree-sub003/internal/media"
)

// State is the connection state of one call attempt.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// EventKind tells which field of an Event is set.
type EventKind int

const (
	EventState EventKind = iota
	EventLocalStream
	EventRemoteStream
	EventError
)

// Event is one observation from the manager's event stream.
type Event struct {
	Kind         EventKind
	State        State
	LocalStream  *media.Stream
	RemoteStream *RemoteStream
	Err          error
}

// RemoteStream is a read-only view of the peer's tracks. It is replaced, never mutated.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// Track returns the first remote track of kind, or nil.
func (r *RemoteStream) Track(kind webrtc.RTPCodecType) RemoteTrack {
	if r == nil {
		return nil
	}
	for _, t := range r.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (r *RemoteStream) with(t RemoteTrack) *RemoteStream {
	next := &RemoteStream{ID: t.StreamID()}
	if r != nil {
		next.Tracks = append(next.Tracks, r.Tracks...)
	}
	next.Tracks = append(next.Tracks, t)
	return next
}
