package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/the3tree/3tree-sub003/internal/callerr"
)

// Adapter joins signaling rooms on behalf of one participant. A room can be joined at most once
// at a time per adapter.
type Adapter struct {
	selfID    string
	transport Transport
	logger    *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Handle
}

// NewAdapter creates an adapter for participant selfID.
func NewAdapter(selfID string, transport Transport, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		selfID:    selfID,
		transport: transport,
		logger:    logger.With(zap.String("participant_id", selfID)),
		rooms:     make(map[string]*Handle),
	}
}

// SelfID returns the participant id messages are sent as.
func (a *Adapter) SelfID() string { return a.selfID }

// Join subscribes to the room's topic. It fails with ErrAlreadyJoined if this adapter is already in
// the room, and with ErrChannelUnavailable if the transport cannot subscribe.
func (a *Adapter) Join(ctx context.Context, roomID string) (*Handle, error) {
	a.mu.Lock()
	if _, ok := a.rooms[roomID]; ok {
		a.mu.Unlock()
		return nil, callerr.ErrAlreadyJoined
	}
	h := &Handle{adapter: a, roomID: roomID}
	// Reserve the room before the network round trip so a concurrent Join cannot double-subscribe.
	a.rooms[roomID] = h
	a.mu.Unlock()

	var (
		cancel func()
		err    error
	)
	if ln, ok := a.transport.(LossNotifier); ok {
		cancel, err = ln.SubscribeNotify(ctx, Topic(roomID), h.deliver, h.lost)
	} else {
		cancel, err = a.transport.Subscribe(ctx, Topic(roomID), h.deliver)
	}
	if err != nil {
		a.mu.Lock()
		delete(a.rooms, roomID)
		a.mu.Unlock()
		return nil, callerr.Wrap(callerr.ErrChannelUnavailable, err)
	}

	h.mu.Lock()
	h.cancel = cancel
	left := h.left
	h.mu.Unlock()
	if left {
		// Leave raced with the subscription.
		cancel()
		return nil, callerr.Wrap(callerr.ErrChannelUnavailable, context.Canceled)
	}
	a.logger.Debug("joined signaling room", zap.String("room_id", roomID))
	return h, nil
}

// Leave leaves roomID if joined. Safe to call when never joined.
func (a *Adapter) Leave(roomID string) {
	a.mu.Lock()
	h := a.rooms[roomID]
	a.mu.Unlock()
	if h != nil {
		h.Leave()
	}
}

// Joined reports whether the adapter currently holds a subscription for roomID.
func (a *Adapter) Joined(roomID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.rooms[roomID]
	return ok
}

func (a *Adapter) release(h *Handle) {
	a.mu.Lock()
	if a.rooms[h.roomID] == h {
		delete(a.rooms, h.roomID)
	}
	a.mu.Unlock()
}

// Handle is a joined room.
type Handle struct {
	adapter *Adapter
	roomID  string

	// dispatch serializes callback invocations so a backlog flush cannot interleave with live delivery.
	dispatch sync.Mutex

	mu       sync.Mutex
	cancel   func()
	left     bool
	callback func(Message)
	pending  []Message
	onLost   func(error)
	lostErr  error
}

// RoomID returns the joined room.
func (h *Handle) RoomID() string { return h.roomID }

// Send publishes msg to the other subscribers of the room. RoomID and SenderID are stamped here.
// Delivery is best-effort.
func (h *Handle) Send(ctx context.Context, msg Message) error {
	h.mu.Lock()
	left := h.left
	h.mu.Unlock()
	if left {
		return callerr.WithMsg(callerr.ErrChannelUnavailable, "room already left")
	}
	msg.RoomID = h.roomID
	msg.SenderID = h.adapter.selfID
	if err := PublishToRoom(ctx, h.adapter.transport, msg); err != nil {
		return callerr.Wrap(callerr.ErrChannelUnavailable, err)
	}
	return nil
}

// OnMessage sets the callback for messages from other participants. Messages that arrived before
// the callback was set are delivered first, in arrival order.
func (h *Handle) OnMessage(fn func(Message)) {
	h.dispatch.Lock()
	defer h.dispatch.Unlock()
	h.mu.Lock()
	h.callback = fn
	backlog := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, m := range backlog {
		fn(m)
	}
}

// OnLost sets fn to be called once if the transport loses the room's subscription for good. By then
// the handle has been left and the room can be joined again. The error is ErrChannelUnavailable.
func (h *Handle) OnLost(fn func(error)) {
	h.mu.Lock()
	h.onLost = fn
	err := h.lostErr
	h.mu.Unlock()
	if err != nil {
		fn(err)
	}
}

func (h *Handle) lost(cause error) {
	err := callerr.Wrap(callerr.ErrChannelUnavailable, cause)
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	h.left = true
	h.callback = nil
	h.pending = nil
	h.lostErr = err
	fn := h.onLost
	h.mu.Unlock()

	h.adapter.release(h)
	h.adapter.logger.Warn("signaling room lost", zap.String("room_id", h.roomID), zap.Error(cause))
	if fn != nil {
		fn(err)
	}
}

// Leave unsubscribes. Idempotent.
func (h *Handle) Leave() {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	h.left = true
	cancel := h.cancel
	h.callback = nil
	h.pending = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.adapter.release(h)
	h.adapter.logger.Debug("left signaling room", zap.String("room_id", h.roomID))
}

func (h *Handle) deliver(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.adapter.logger.Debug("dropping malformed signaling message", zap.Error(err))
		return
	}
	if msg.RoomID != h.roomID || msg.SenderID == h.adapter.selfID || !msg.Valid() {
		return
	}

	h.dispatch.Lock()
	defer h.dispatch.Unlock()
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	fn := h.callback
	if fn == nil {
		h.pending = append(h.pending, msg)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn(msg)
}
