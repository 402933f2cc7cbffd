package signaling

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrTransportClosed is returned by a closed MemoryTransport.
var ErrTransportClosed = errors.New("transport closed")

const memoryQueueSize = 256

// MemoryTransport is an in-process Transport. Each subscriber has its own ordered queue drained by
// one goroutine; a full queue drops the message (at-most-once). Suitable for tests and for a
// single server instance.
type MemoryTransport struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
	closed bool
	logger *zap.Logger
	hook   func(topic string, payload []byte)
}

type memorySub struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport(logger *zap.Logger) *MemoryTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTransport{topics: make(map[string]map[*memorySub]struct{}), logger: logger}
}

// Publish delivers payload to every current subscriber of topic.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	hook := t.hook
	subs := make([]*memorySub, 0, len(t.topics[topic]))
	for s := range t.topics[topic] {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	for _, s := range subs {
		select {
		case s.queue <- payload:
		case <-s.done:
		default:
			t.logger.Warn("memory transport queue full, dropping message", zap.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers handler for topic.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{queue: make(chan []byte, memoryQueueSize), done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.topics[topic] == nil {
		t.topics[topic] = make(map[*memorySub]struct{})
	}
	t.topics[topic][s] = struct{}{}
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case p := <-s.queue:
				select {
				case <-s.done:
					return
				default:
				}
				handler(p)
			}
		}
	}()

	cancel := func() {
		s.once.Do(func() {
			t.mu.Lock()
			if m := t.topics[topic]; m != nil {
				delete(m, s)
				if len(m) == 0 {
					delete(t.topics, topic)
				}
			}
			t.mu.Unlock()
			close(s.done)
		})
	}
	return cancel, nil
}

// SetPublishHook installs fn to observe every published message before delivery.
func (t *MemoryTransport) SetPublishHook(fn func(topic string, payload []byte)) {
	t.mu.Lock()
	t.hook = fn
	t.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on topic.
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics[topic])
}

// Close drops all subscriptions and rejects further use.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var subs []*memorySub
	for _, m := range t.topics {
		for s := range m {
			subs = append(subs, s)
		}
	}
	t.topics = make(map[string]map[*memorySub]struct{})
	t.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}
