package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame events exchanged with the server relay.
const (
	EventPublish = "publish" // client -> server: publish data on the socket's topic
	EventMessage = "message" // server -> client: data published on the socket's topic
	EventError   = "error"   // server -> client: relay rejected a frame
	// EventSubscribed is the first frame on a socket, sent once the relay's subscription is live.
	EventSubscribed = "subscribed"
)

const (
	wsWriteTimeout = 10 * time.Second

	defaultRedialAttempts = 5
	defaultRedialBackoff  = 250 * time.Millisecond
	maxRedialBackoff      = 5 * time.Second
)

// Frame is the WebSocket envelope used by the relay.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var (
	// ErrNotSubscribed is returned when publishing on a topic without an open socket.
	ErrNotSubscribed = errors.New("not subscribed to topic")
	// ErrReconnecting is returned when publishing while the topic's socket is being redialed.
	ErrReconnecting = errors.New("relay socket reconnecting")

	errRelayRejected = errors.New("relay rejected connection")
)

// WSTransport implements Transport against the server's WebSocket relay. Each subscribed topic
// gets its own socket; publishing goes through the topic's socket. A dropped socket is redialed
// with a doubling backoff and keeps its handler.
type WSTransport struct {
	endpoint string // e.g. ws://localhost:8080/ws
	token    string
	dialer   *websocket.Dialer
	logger   *zap.Logger

	redialAttempts int
	redialBackoff  time.Duration

	mu   sync.Mutex
	subs map[string]*wsSubscription
}

type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) close() {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// NewWSTransport creates a relay transport authenticating with a bearer token.
func NewWSTransport(endpoint, token string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		endpoint:       endpoint,
		token:          token,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         logger,
		redialAttempts: defaultRedialAttempts,
		redialBackoff:  defaultRedialBackoff,
		subs:           make(map[string]*wsSubscription),
	}
}

// Subscribe opens a socket for topic and calls handler for every relayed message.
func (t *WSTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	return t.SubscribeNotify(ctx, topic, handler, nil)
}

// SubscribeNotify is Subscribe plus onLost, called once if the socket drops and every redial fails.
func (t *WSTransport) SubscribeNotify(ctx context.Context, topic string, handler func(payload []byte), onLost func(error)) (func(), error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	sub := &wsSubscription{
		t:       t,
		topic:   topic,
		target:  u.String(),
		handler: handler,
		onLost:  onLost,
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	if _, ok := t.subs[topic]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("topic %s already subscribed", topic)
	}
	t.subs[topic] = sub
	t.mu.Unlock()

	sock, err := t.dial(ctx, sub.target)
	if err != nil {
		t.release(sub)
		return nil, err
	}
	sub.sock = sock
	go sub.run(sock)
	return sub.close, nil
}

func (t *WSTransport) dial(ctx context.Context, target string) (*wsSocket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)
	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, errors.Join(errRelayRejected, err))
			}
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if err := awaitSubscribed(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

func (t *WSTransport) release(sub *wsSubscription) {
	t.mu.Lock()
	if t.subs[sub.topic] == sub {
		delete(t.subs, sub.topic)
	}
	t.mu.Unlock()
}

// wsSubscription is one topic's socket across redials.
type wsSubscription struct {
	t       *WSTransport
	topic   string
	target  string
	handler func([]byte)
	onLost  func(error)
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	sock   *wsSocket // nil while redialing
	closed bool
}

func (s *wsSubscription) current() *wsSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock
}

// swap installs sock as the live socket. It reports false, closing sock, once the subscription is
// cancelled.
func (s *wsSubscription) swap(sock *wsSocket) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if sock != nil {
			sock.close()
		}
		return false
	}
	s.sock = sock
	s.mu.Unlock()
	return true
}

func (s *wsSubscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.t.release(s)
		s.mu.Lock()
		s.closed = true
		sock := s.sock
		s.sock = nil
		s.mu.Unlock()
		if sock != nil {
			sock.close()
		}
	})
}

func (s *wsSubscription) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSubscription) run(sock *wsSocket) {
	logger := s.t.logger.With(zap.String("topic", s.topic))
	for {
		err := s.read(sock)
		if s.cancelled() {
			return
		}
		logger.Warn("relay socket lost, redialing", zap.Error(err))
		_ = sock.conn.Close()
		if !s.swap(nil) {
			return
		}

		sock, err = s.redial(logger)
		if err != nil {
			if s.cancelled() {
				return
			}
			logger.Error("relay unreachable", zap.Error(err))
			s.close()
			if s.onLost != nil {
				s.onLost(err)
			}
			return
		}
		if !s.swap(sock) {
			return
		}
		logger.Info("relay socket restored")
	}
}

func (s *wsSubscription) read(sock *wsSocket) error {
	for {
		var f Frame
		if err := sock.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("socket closed: %w", err)
			}
			return err
		}
		switch f.Event {
		case EventMessage:
			s.handler(f.Data)
		case EventError:
			s.t.logger.Warn("relay rejected frame", zap.String("topic", s.topic), zap.ByteString("detail", f.Data))
		}
	}
}

func (s *wsSubscription) redial(logger *zap.Logger) (*wsSocket, error) {
	backoff := s.t.redialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.t.redialAttempts; attempt++ {
		select {
		case <-s.done:
			return nil, context.Canceled
		case <-time.After(backoff):
		}
		if backoff < maxRedialBackoff {
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		sock, err := s.t.dial(ctx, s.target)
		cancel()
		if err == nil {
			return sock, nil
		}
		lastErr = err
		logger.Debug("relay redial failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, errRelayRejected) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no redial attempts")
	}
	return nil, fmt.Errorf("relay socket lost: %w", lastErr)
}

func awaitSubscribed(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("await subscription: %w", err)
	}
	if f.Event != EventSubscribed {
		return fmt.Errorf("await subscription: unexpected %q frame", f.Event)
	}
	return nil
}

// Publish sends payload on the topic's socket.
func (t *WSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	sub := t.subs[topic]
	t.mu.Unlock()
	if sub == nil {
		return ErrNotSubscribed
	}
	sock := sub.current()
	if sock == nil {
		return ErrReconnecting
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	sock.writeMu.Lock()
	defer sock.writeMu.Unlock()
	_ = sock.conn.SetWriteDeadline(deadline)
	if err := sock.conn.WriteJSON(Frame{Event: EventPublish, Data: payload}); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
