package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Track is a local media track fed by a device. It satisfies webrtc.TrackLocal so it can be added
// to a peer connection directly.
type Track struct {
	*webrtc.TrackLocalStaticSample

	device  DeviceInfo
	source  SampleSource
	release func()
	logger  *zap.Logger

	enabled  atomic.Bool
	samples  atomic.Int64
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func codecFor(kind webrtc.RTPCodecType) webrtc.RTPCodecCapability {
	if kind == webrtc.RTPCodecTypeAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func newTrack(d DeviceInfo, src SampleSource, streamID string, release func(), logger *zap.Logger) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codecFor(d.Kind), d.Kind.String()+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		TrackLocalStaticSample: local,
		device:                 d,
		source:                 src,
		release:                release,
		logger:                 logger,
		stopped:                make(chan struct{}),
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

// pump paces samples from the source into the track. Disabled tracks keep pacing but write nothing.
func (t *Track) pump() {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-t.stopped:
			return
		case <-timer.C:
		}
		sample, err := t.source.NextSample()
		if err != nil {
			t.logger.Warn("media source stopped", zap.String("device", t.device.ID), zap.Error(err))
			return
		}
		if t.enabled.Load() {
			if err := t.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debug("write sample", zap.String("track", t.ID()), zap.Error(err))
			}
			t.samples.Add(1)
		}
		timer.Reset(sample.Duration)
	}
}

// Device is the device this track was captured from.
func (t *Track) Device() DeviceInfo { return t.device }

// Enabled reports whether samples are being sent.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles sending without releasing the device or renegotiating.
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// SamplesSent counts samples written while enabled.
func (t *Track) SamplesSent() int64 { return t.samples.Load() }

// Stop ends capture and releases the device. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		<-t.done
		if err := t.source.Close(); err != nil {
			t.logger.Debug("close media source", zap.String("device", t.device.ID), zap.Error(err))
		}
		if t.release != nil {
			t.release()
		}
	})
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// Stream groups the local tracks of one capture.
type Stream struct {
	id string

	mu    sync.RWMutex
	video *Track
	audio *Track
}

// ID is the media stream id shared by the stream's tracks.
func (s *Stream) ID() string { return s.id }

// VideoTrack returns the current video track, or nil.
func (s *Stream) VideoTrack() *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video
}

// AudioTrack returns the audio track, or nil.
func (s *Stream) AudioTrack() *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

// Tracks lists the stream's tracks, video first.
func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	if s.video != nil {
		out = append(out, s.video)
	}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

func (s *Stream) setVideo(t *Track) {
	s.mu.Lock()
	s.video = t
	s.mu.Unlock()
}

// Stop stops every track and releases their devices.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
