package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/the3tree/3tree-sub003/internal/callerr"
)

// SampleSource produces paced media samples for a local track.
type SampleSource interface {
	NextSample() (pionmedia.Sample, error)
	Close() error
}

const (
	syntheticFrameRate   = 30
	syntheticFrameSize   = 1000
	opusFrameDuration    = 20 * time.Millisecond
	opusSampleRate       = 48000
	defaultFrameDuration = time.Second / 30
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// openSource opens the sample source behind a device. An empty Source yields a synthetic source.
func openSource(d DeviceInfo) (SampleSource, error) {
	if d.Source == "" {
		return newSyntheticSource(d.Kind), nil
	}
	ext := strings.ToLower(filepath.Ext(d.Source))
	switch {
	case d.Kind == webrtc.RTPCodecTypeVideo && ext == ".ivf":
		return newIVFSource(d.Source)
	case d.Kind == webrtc.RTPCodecTypeAudio && (ext == ".ogg" || ext == ".opus"):
		return newOggSource(d.Source)
	}
	return nil, callerr.WithMsg(callerr.ErrMediaUnavailable, fmt.Sprintf("unsupported %s source %s", d.Kind, d.Source))
}

// classifyOpenErr maps file errors onto the media error taxonomy.
func classifyOpenErr(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return callerr.Wrap(callerr.ErrMediaAccessDenied, err)
	case errors.Is(err, os.ErrNotExist):
		return callerr.Wrap(callerr.ErrMediaUnavailable, err)
	}
	return callerr.Wrap(callerr.ErrMediaUnavailable, err)
}

type syntheticSource struct {
	kind  webrtc.RTPCodecType
	frame uint32
}

func newSyntheticSource(kind webrtc.RTPCodecType) *syntheticSource {
	return &syntheticSource{kind: kind}
}

func (s *syntheticSource) NextSample() (pionmedia.Sample, error) {
	if s.kind == webrtc.RTPCodecTypeAudio {
		return pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}, nil
	}
	s.frame++
	data := make([]byte, syntheticFrameSize)
	for i := range data {
		data[i] = byte(s.frame + uint32(i))
	}
	return pionmedia.Sample{Data: data, Duration: time.Second / syntheticFrameRate}, nil
}

func (s *syntheticSource) Close() error { return nil }

// ivfSource loops a VP8 IVF file.
type ivfSource struct {
	path     string
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func newIVFSource(path string) (*ivfSource, error) {
	s := &ivfSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return classifyOpenErr(err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return callerr.Wrap(callerr.ErrMediaUnavailable, fmt.Errorf("read ivf header: %w", err))
	}
	if header.FourCC != "VP80" {
		_ = f.Close()
		return callerr.WithMsg(callerr.ErrMediaUnavailable, "ivf source must be VP8, got "+header.FourCC)
	}
	s.duration = defaultFrameDuration
	if header.TimebaseDenominator > 0 {
		s.duration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	s.file, s.reader = f, reader
	return nil
}

func (s *ivfSource) NextSample() (pionmedia.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		_ = s.file.Close()
		if err := s.open(); err != nil {
			return pionmedia.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return pionmedia.Sample{}, fmt.Errorf("read ivf frame: %w", err)
	}
	return pionmedia.Sample{Data: frame, Duration: s.duration}, nil
}

func (s *ivfSource) Close() error {
	return s.file.Close()
}

// oggSource loops an Ogg/Opus file page by page.
type oggSource struct {
	path        string
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func newOggSource(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return classifyOpenErr(err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return callerr.Wrap(callerr.ErrMediaUnavailable, fmt.Errorf("read ogg header: %w", err))
	}
	s.file, s.reader, s.lastGranule = f, reader, 0
	return nil
}

func (s *oggSource) NextSample() (pionmedia.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) {
		_ = s.file.Close()
		if err := s.open(); err != nil {
			return pionmedia.Sample{}, err
		}
		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return pionmedia.Sample{}, fmt.Errorf("read ogg page: %w", err)
	}
	samples := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	d := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
	if d <= 0 {
		d = opusFrameDuration
	}
	return pionmedia.Sample{Data: page, Duration: d}, nil
}

func (s *oggSource) Close() error {
	return s.file.Close()
}
