package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix = "signal:"
	publishTimeout     = 5 * time.Second
)

// RedisTransport implements Transport over Redis pub/sub so participants connected to different
// server instances share a room.
type RedisTransport struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTransport creates a Redis pub/sub transport.
func NewRedisTransport(client *redis.Client, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{client: client, logger: logger}
}

// Publish publishes payload on the topic's Redis channel.
func (r *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, redisChannelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe subscribes to the topic's Redis channel and returns once Redis has confirmed the
// subscription. ctx bounds only the confirmation; the subscription lives until cancel is called.
func (r *RedisTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	channel := redisChannelPrefix + topic
	subCtx, cancelSub := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelSub()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	r.logger.Debug("redis subscription established", zap.String("channel", channel))
	return cancelSub, nil
}
