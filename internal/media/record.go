package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// RTPReader is the receiving side of a remote track. *webrtc.TrackRemote satisfies it.
type RTPReader interface {
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// Record writes a remote track to path until the track ends or ctx is done: VP8 video as IVF,
// Opus audio as Ogg. It returns the number of packets written.
func Record(ctx context.Context, track RTPReader, path string) (int, error) {
	var (
		w   rtpWriter
		err error
	)
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		w, err = ivfwriter.New(path)
	case webrtc.RTPCodecTypeAudio:
		w, err = oggwriter.New(path, opusSampleRate, 2)
	default:
		return 0, fmt.Errorf("record: unsupported track kind %s", track.Kind())
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer w.Close()

	n := 0
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read rtp: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return n, fmt.Errorf("write rtp: %w", err)
		}
		n++
	}
	return n, nil
}
