package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/callerr"
)

// Facing is the direction a camera points.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// DeviceInfo describes a capture device. Source is a media file to loop; empty means synthetic.
type DeviceInfo struct {
	ID     string              `json:"id"`
	Label  string              `json:"label"`
	Kind   webrtc.RTPCodecType `json:"kind"`
	Facing Facing              `json:"facing,omitempty"`
	Source string              `json:"source,omitempty"`
}

// Constraints selects what GetUserMedia captures.
type Constraints struct {
	Video  bool
	Audio  bool
	Facing Facing
}

// Devices is the local media capability used by the call manager.
type Devices interface {
	// GetUserMedia acquires the requested devices and returns a live stream.
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	// SwitchCamera replaces the stream's video track with one from a camera facing the other way.
	// install, when set, runs with the new track first; if it fails the new track is released and
	// the stream is left as it was. Otherwise the returned track is installed in the stream and the
	// old track is stopped.
	SwitchCamera(ctx context.Context, s *Stream, install func(*Track) error) (*Track, error)
}

// Catalog is a Devices implementation over a fixed set of devices. A device may back at most one
// live track at a time.
type Catalog struct {
	logger *zap.Logger

	mu      sync.Mutex
	devices []DeviceInfo
	inUse   map[string]bool
}

// NewCatalog creates a catalog of the given devices.
func NewCatalog(devices []DeviceInfo, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		logger:  logger,
		devices: append([]DeviceInfo(nil), devices...),
		inUse:   make(map[string]bool),
	}
}

// DefaultDevices is a front and back synthetic camera plus a synthetic microphone.
func DefaultDevices() []DeviceInfo {
	return []DeviceInfo{
		{ID: "cam-front", Label: "Front camera", Kind: webrtc.RTPCodecTypeVideo, Facing: FacingUser},
		{ID: "cam-back", Label: "Back camera", Kind: webrtc.RTPCodecTypeVideo, Facing: FacingEnvironment},
		{ID: "mic", Label: "Microphone", Kind: webrtc.RTPCodecTypeAudio},
	}
}

// Devices lists the catalog.
func (c *Catalog) Devices() []DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DeviceInfo(nil), c.devices...)
}

// InUse reports whether a device currently backs a live track.
func (c *Catalog) InUse(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse[id]
}

func (c *Catalog) find(kind webrtc.RTPCodecType, match func(DeviceInfo) bool) (DeviceInfo, bool) {
	for _, d := range c.devices {
		if d.Kind == kind && match(d) {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

func (c *Catalog) pickCamera(facing Facing) (DeviceInfo, bool) {
	if facing != "" {
		if d, ok := c.find(webrtc.RTPCodecTypeVideo, func(d DeviceInfo) bool { return d.Facing == facing }); ok {
			return d, true
		}
	}
	return c.find(webrtc.RTPCodecTypeVideo, func(DeviceInfo) bool { return true })
}

func (c *Catalog) acquire(d DeviceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse[d.ID] {
		return callerr.WithMsg(callerr.ErrDeviceBusy, fmt.Sprintf("device %s is in use", d.ID))
	}
	c.inUse[d.ID] = true
	return nil
}

func (c *Catalog) releaseFunc(id string) func() {
	return func() {
		c.mu.Lock()
		delete(c.inUse, id)
		c.mu.Unlock()
	}
}

// open acquires d and starts a track on it.
func (c *Catalog) open(d DeviceInfo, streamID string) (*Track, error) {
	if err := c.acquire(d); err != nil {
		return nil, err
	}
	release := c.releaseFunc(d.ID)
	src, err := openSource(d)
	if err != nil {
		release()
		return nil, err
	}
	t, err := newTrack(d, src, streamID, release, c.logger)
	if err != nil {
		_ = src.Close()
		release()
		return nil, callerr.Wrap(callerr.ErrMediaUnavailable, err)
	}
	return t, nil
}

func (c *Catalog) GetUserMedia(ctx context.Context, cons Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cons.Video && !cons.Audio {
		return nil, callerr.WithMsg(callerr.ErrMediaUnavailable, "no media requested")
	}

	c.mu.Lock()
	var cam, mic DeviceInfo
	var haveCam, haveMic bool
	if cons.Video {
		cam, haveCam = c.pickCamera(cons.Facing)
	}
	if cons.Audio {
		mic, haveMic = c.find(webrtc.RTPCodecTypeAudio, func(DeviceInfo) bool { return true })
	}
	c.mu.Unlock()

	if cons.Video && !haveCam {
		return nil, callerr.WithMsg(callerr.ErrMediaUnavailable, "no camera found")
	}
	if cons.Audio && !haveMic {
		return nil, callerr.WithMsg(callerr.ErrMediaUnavailable, "no microphone found")
	}

	s := &Stream{id: "stream-" + uuid.NewString()[:8]}
	if haveCam {
		t, err := c.open(cam, s.id)
		if err != nil {
			return nil, err
		}
		s.video = t
	}
	if haveMic {
		t, err := c.open(mic, s.id)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.audio = t
	}
	c.logger.Info("media acquired", zap.String("stream", s.id),
		zap.String("camera", cam.ID), zap.String("microphone", mic.ID))
	return s, nil
}

func (c *Catalog) SwitchCamera(ctx context.Context, s *Stream, install func(*Track) error) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := s.VideoTrack()
	if cur == nil {
		return nil, callerr.WithMsg(callerr.ErrDeviceSwitchFailed, "stream has no video track")
	}
	facing := cur.Device().Facing

	c.mu.Lock()
	next, ok := c.find(webrtc.RTPCodecTypeVideo, func(d DeviceInfo) bool {
		return d.ID != cur.Device().ID && d.Facing != facing && !c.inUse[d.ID]
	})
	c.mu.Unlock()
	if !ok {
		return nil, callerr.WithMsg(callerr.ErrDeviceSwitchFailed, "no alternate camera available")
	}

	// The new device is opened before the old one is stopped so a failure leaves the stream intact.
	t, err := c.open(next, s.ID())
	if err != nil {
		return nil, callerr.Wrap(callerr.ErrDeviceSwitchFailed, err)
	}
	t.SetEnabled(cur.Enabled())
	if install != nil {
		if err := install(t); err != nil {
			t.Stop()
			return nil, callerr.Wrap(callerr.ErrDeviceSwitchFailed, err)
		}
	}
	s.setVideo(t)
	cur.Stop()
	c.logger.Info("camera switched", zap.String("from", cur.Device().ID), zap.String("to", next.ID))
	return t, nil
}
