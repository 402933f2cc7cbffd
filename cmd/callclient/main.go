// Package main is a headless call participant: it logs in, joins a booking's video session through
// the signaling relay, streams file-backed or synthetic media and optionally records what the peer
// sends. Ctrl-C leaves the call; with -end it also ends the session for both participants.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/the3tree/3tree-sub003/internal/call"
	"github.com/the3tree/3tree-sub003/internal/controller"
	"github.com/the3tree/3tree-sub003/internal/media"
	"github.com/the3tree/3tree-sub003/internal/sessions"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

type options struct {
	apiURL      string
	email       string
	password    string
	bookingID   string
	videoFile   string
	audioFile   string
	noVideo     bool
	recordDir   string
	end         bool
	negotiate   time.Duration
	iceRestarts int
	logLevel    string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.apiURL, "api", envOr("CALL_API_URL", "http://localhost:8080"), "session API base URL")
	flag.StringVar(&o.email, "email", os.Getenv("CALL_EMAIL"), "login email")
	flag.StringVar(&o.password, "password", os.Getenv("CALL_PASSWORD"), "login password")
	flag.StringVar(&o.bookingID, "booking", os.Getenv("CALL_BOOKING_ID"), "booking id to join")
	flag.StringVar(&o.videoFile, "video", "", "IVF (VP8) file to send as camera; synthetic when empty")
	flag.StringVar(&o.audioFile, "audio", "", "Ogg/Opus file to send as microphone; synthetic when empty")
	flag.BoolVar(&o.noVideo, "audio-only", false, "do not send video")
	flag.StringVar(&o.recordDir, "record", "", "directory to record the peer's tracks into (IVF/Ogg)")
	flag.BoolVar(&o.end, "end", false, "end the session for both participants on exit")
	flag.DurationVar(&o.negotiate, "negotiation-timeout", 30*time.Second, "give up if the peer does not answer within this time")
	flag.IntVar(&o.iceRestarts, "ice-restarts", 2, "ICE restarts attempted after a lost connection")
	flag.StringVar(&o.logLevel, "log-level", "info", "debug|info|warn|error")
	flag.Parse()
	return o
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	o := parseFlags()
	logger := newLogger(o.logLevel)
	defer logger.Sync()

	if o.email == "" || o.password == "" || o.bookingID == "" {
		fmt.Fprintln(os.Stderr, "usage: callclient -email E -password P -booking ID [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(o, logger); err != nil {
		logger.Error("call failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(o options, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := sessions.NewClient(o.apiURL, nil)
	user, err := api.Login(ctx, o.email, o.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger = logger.With(zap.String("participant_id", user.ID.String()))
	logger.Info("logged in", zap.String("role", string(user.Role)))

	factory, err := call.NewPionFactory(call.PionOptions{})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	ctrl := controller.New(ctx, controller.Options{
		SelfID:             user.ID.String(),
		Sessions:           api,
		Devices:            media.NewCatalog(devices(o), logger),
		Factory:            factory,
		Transport:          signaling.NewWSTransport(wsEndpoint(o.apiURL), api.Token(), logger),
		Constraints:        media.Constraints{Video: !o.noVideo, Audio: true, Facing: media.FacingUser},
		ICELookup:          api.ICEServers,
		NegotiationTimeout: o.negotiate,
		MaxICERestarts:     o.iceRestarts,
		Logger:             logger,
	})
	defer ctrl.Close()

	states, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	rec := newRecorder(o.recordDir, logger)
	go watch(ctx, states, rec, logger)

	if err := ctrl.Connect(ctx, o.bookingID); err != nil {
		return err
	}
	if s := ctrl.State().Session; s != nil {
		logger.Info("joined session", zap.String("session_id", s.ID.String()), zap.String("room_id", s.RoomID))
	}

	<-ctx.Done()
	logger.Info("leaving call")
	if o.end {
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.EndSession(endCtx); err != nil {
			logger.Warn("end session", zap.Error(err))
		}
	} else {
		ctrl.Disconnect()
	}
	rec.wait()
	return nil
}

// watch prints state transitions and starts recording remote tracks as they arrive.
func watch(ctx context.Context, states <-chan controller.State, rec *recorder, logger *zap.Logger) {
	last := call.StateNew
	for s := range states {
		if s.ConnectionState != last {
			fields := []zap.Field{zap.String("from", last.String()), zap.String("to", s.ConnectionState.String())}
			if s.Err != nil {
				fields = append(fields, zap.Error(s.Err))
			}
			logger.Info("connection state", fields...)
			last = s.ConnectionState
		}
		if s.Reconnecting() {
			logger.Warn("connection lost, reconnecting")
		}
		if s.RemoteStream != nil {
			for _, t := range s.RemoteStream.Tracks {
				rec.start(ctx, t)
			}
		}
	}
}

func devices(o options) []media.DeviceInfo {
	list := media.DefaultDevices()
	for i := range list {
		switch {
		case list[i].Kind == webrtc.RTPCodecTypeVideo:
			list[i].Source = o.videoFile
		case list[i].Kind == webrtc.RTPCodecTypeAudio:
			list[i].Source = o.audioFile
		}
	}
	return list
}

// wsEndpoint maps http(s)://host to ws(s)://host/ws.
func wsEndpoint(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// recorder records each remote track once.
type recorder struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	started map[string]bool
	wg      sync.WaitGroup
}

func newRecorder(dir string, logger *zap.Logger) *recorder {
	return &recorder{dir: dir, logger: logger, started: map[string]bool{}}
}

func (r *recorder) start(ctx context.Context, t call.RemoteTrack) {
	if r.dir == "" {
		return
	}
	reader, ok := t.(media.RTPReader)
	if !ok {
		return
	}
	r.mu.Lock()
	if r.started[t.ID()] {
		r.mu.Unlock()
		return
	}
	r.started[t.ID()] = true
	r.mu.Unlock()

	ext := ".ogg"
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		ext = ".ivf"
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s%s", t.Kind(), t.ID(), ext))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		n, err := media.Record(ctx, reader, path)
		if err != nil {
			r.logger.Warn("recording stopped", zap.String("path", path), zap.Error(err))
			return
		}
		r.logger.Info("recording saved", zap.String("path", path), zap.Int("packets", n))
	}()
}

func (r *recorder) wait() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("recordings still flushing at exit")
	}
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
