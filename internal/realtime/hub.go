// Package realtime is the server side of the signaling relay: browser and CLI participants hold a
// WebSocket per topic and the hub bridges those sockets to the pub/sub transport.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/metrics"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second

	sendBuffer     = 256
	publishTimeout = 5 * time.Second
)

// ParticipantHook is called when a participant socket joins or leaves a session room.
type ParticipantHook func(c *Client)

// Hub maintains topic -> set of local sockets. The first local socket of a topic subscribes the
// transport; the last one to leave cancels the subscription.
type Hub struct {
	transport signaling.Transport
	logger    *zap.Logger

	mu      sync.RWMutex
	topics  map[string]*topic
	onJoin  ParticipantHook
	onLeave ParticipantHook
}

type topic struct {
	name    string
	clients map[string]*Client
	cancel  func()
	ready   chan struct{}
	err     error
}

// NewHub creates a hub over transport.
func NewHub(transport signaling.Transport, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		transport: transport,
		logger:    logger,
		topics:    make(map[string]*topic),
	}
}

// SetParticipantHooks sets the callbacks for room sockets joining and leaving (attendance).
func (h *Hub) SetParticipantHooks(onJoin, onLeave ParticipantHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onJoin = onJoin
	h.onLeave = onLeave
}

// Register adds a client to its topic, subscribing the transport if it is the first local client.
// On success the client's first queued frame is "subscribed".
func (h *Hub) Register(ctx context.Context, c *Client) error {
	for {
		h.mu.Lock()
		t := h.topics[c.Topic]
		if t == nil {
			t = &topic{name: c.Topic, clients: make(map[string]*Client), ready: make(chan struct{})}
			h.topics[c.Topic] = t
			h.mu.Unlock()
			h.subscribe(ctx, t)
		} else {
			h.mu.Unlock()
		}

		select {
		case <-t.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if t.err != nil {
			return t.err
		}

		h.mu.Lock()
		if h.topics[c.Topic] != t {
			// The topic emptied and was torn down while we waited; start over.
			h.mu.Unlock()
			continue
		}
		c.send <- signaling.Frame{Event: signaling.EventSubscribed}
		t.clients[c.ID] = c
		onJoin := h.onJoin
		h.mu.Unlock()

		metrics.SocketOpened(c.kind())
		if onJoin != nil && c.RoomID != "" {
			onJoin(c)
		}
		h.logger.Debug("client joined topic", zap.String("client_id", c.ID), zap.String("topic", c.Topic),
			zap.String("participant_id", c.UserID.String()))
		return nil
	}
}

func (h *Hub) subscribe(ctx context.Context, t *topic) {
	cancel, err := h.transport.Subscribe(ctx, t.name, func(payload []byte) {
		h.broadcast(t, payload)
	})
	h.mu.Lock()
	if err != nil {
		t.err = err
		delete(h.topics, t.name)
	} else {
		t.cancel = cancel
	}
	h.mu.Unlock()
	close(t.ready)
	if err != nil {
		h.logger.Warn("subscribe topic failed", zap.String("topic", t.name), zap.Error(err))
	}
}

// Unregister removes a client. Cancels the transport subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	t := h.topics[c.Topic]
	if t == nil {
		h.mu.Unlock()
		return
	}
	if _, ok := t.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(t.clients, c.ID)
	var cancel func()
	if len(t.clients) == 0 {
		delete(h.topics, c.Topic)
		cancel = t.cancel
	}
	onLeave := h.onLeave
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.SocketClosed(c.kind())
	if onLeave != nil && c.RoomID != "" {
		onLeave(c)
	}
	h.logger.Debug("client left topic", zap.String("client_id", c.ID), zap.String("topic", c.Topic),
		zap.String("participant_id", c.UserID.String()))
}

// broadcast sends a transport payload to every local client of the topic.
func (h *Hub) broadcast(t *topic, payload []byte) {
	msg := signaling.Frame{Event: signaling.EventMessage, Data: json.RawMessage(payload)}
	h.mu.RLock()
	clients := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(msg)
	}
}

// Publish publishes payload on a topic through the transport. Local clients receive it back
// through the subscription, once.
func (h *Hub) Publish(ctx context.Context, topicName string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return h.transport.Publish(ctx, topicName, payload)
}

// Participants returns the distinct user ids with a socket on the room, on this instance.
func (h *Hub) Participants(roomID string) []string {
	h.mu.RLock()
	t := h.topics[signaling.Topic(roomID)]
	seen := map[string]struct{}{}
	if t != nil {
		for _, c := range t.clients {
			seen[c.UserID.String()] = struct{}{}
		}
	}
	h.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClientCount returns the number of local sockets on a topic.
func (h *Hub) ClientCount(topicName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t := h.topics[topicName]; t != nil {
		return len(t.clients)
	}
	return 0
}

// Close disconnects every local client.
func (h *Hub) Close() {
	h.mu.RLock()
	var clients []*Client
	for _, t := range h.topics {
		for _, c := range t.clients {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func roomOf(topicName string) string {
	if strings.HasPrefix(topicName, "room:") {
		return strings.TrimPrefix(topicName, "room:")
	}
	return ""
}
