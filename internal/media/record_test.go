package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTrack struct {
	kind    webrtc.RTPCodecType
	packets []*rtp.Packet
}

func (s *scriptedTrack) Kind() webrtc.RTPCodecType { return s.kind }

func (s *scriptedTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(s.packets) == 0 {
		return nil, nil, io.EOF
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, nil, nil
}

func TestRecordWritesOggUntilTrackEnds(t *testing.T) {
	track := &scriptedTrack{kind: webrtc.RTPCodecTypeAudio}
	for i := 0; i < 3; i++ {
		track.packets = append(track.packets, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: opusSilence,
		})
	}
	path := filepath.Join(t.TempDir(), "remote.ogg")

	n, err := Record(context.Background(), track, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(raw), 4)
	assert.Equal(t, "OggS", string(raw[:4]))
}

func TestRecordRejectsUnknownKind(t *testing.T) {
	_, err := Record(context.Background(), &scriptedTrack{}, filepath.Join(t.TempDir(), "x.bin"))
	assert.Error(t, err)
}

func TestRecordStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	track := &scriptedTrack{kind: webrtc.RTPCodecTypeAudio, packets: []*rtp.Packet{{Payload: opusSilence}}}
	n, err := Record(ctx, track, filepath.Join(t.TempDir(), "x.ogg"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
