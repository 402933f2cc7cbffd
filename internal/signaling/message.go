// Package signaling carries call-setup messages between the two participants of a room over a
// topic-scoped publish/subscribe transport.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageType is the kind of a signaling message.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeHangup       MessageType = "hangup"
	// TypeReady announces a participant in the room. Peers reply once with their own ready so both
	// sides learn about each other regardless of who subscribed first.
	TypeReady MessageType = "ready"
)

// ServerSenderID is the sender id used by the server when it injects messages into a room.
const ServerSenderID = "server"

// Message is a signaling message. It only ever exists on the wire.
type Message struct {
	RoomID   string          `json:"room_id"`
	SenderID string          `json:"sender_id"`
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ReadyPayload is the payload of a ready message. Instance changes each time a participant
// rejoins, so a peer can tell a rejoin from a repeated announcement.
type ReadyPayload struct {
	Instance string `json:"instance,omitempty"`
}

// HangupPayload is the payload of a hangup message.
type HangupPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload. A nil payload is sent as no payload.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Valid reports whether the type is one this package knows.
func (m Message) Valid() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeHangup, TypeReady:
		return m.RoomID != "" && m.SenderID != ""
	}
	return false
}

// Topic returns the pub/sub topic for a room.
func Topic(roomID string) string {
	return "room:" + roomID
}

// UserTopic returns the pub/sub topic for a user's notifications.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Transport is a topic-scoped publish/subscribe primitive with at-most-once delivery that preserves
// publish order per subscriber. Subscribe returns only once the subscription is established; the
// handler is called from a single goroutine per subscription.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (cancel func(), err error)
}

// LossNotifier is implemented by transports whose subscriptions can die after Subscribe returned,
// for example once reconnect attempts run out. onLost is called at most once per subscription.
type LossNotifier interface {
	SubscribeNotify(ctx context.Context, topic string, handler func(payload []byte), onLost func(error)) (cancel func(), err error)
}

// PublishToRoom encodes msg and publishes it on the room's topic. Used by server-side code that
// has no adapter (and therefore no participant identity) of its own.
func PublishToRoom(ctx context.Context, t Transport, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return t.Publish(ctx, Topic(msg.RoomID), raw)
}
