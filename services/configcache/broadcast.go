package configcache

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "authz:config:invalidate"

// RedisBroadcaster publishes config invalidations over Redis pub/sub. Each
// instance tags its messages with its own id and ignores its own echoes.
type RedisBroadcaster struct {
	client   *redis.Client
	channel  string
	instance string
	logger   *zap.Logger
}

// NewRedisBroadcaster creates a broadcaster on channel.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *zap.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Publish announces that this instance changed the configuration.
func (b *RedisBroadcaster) Publish(ctx context.Context) error {
	return b.client.Publish(ctx, b.channel, b.instance).Err()
}

// Listen calls onInvalidate for every message from another instance until
// ctx is done. The subscription is confirmed before Listen starts waiting.
func (b *RedisBroadcaster) Listen(ctx context.Context, onInvalidate func()) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.logger.Info("listening for configuration changes", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("configuration invalidation subscription closed")
			}
			if msg.Payload == b.instance {
				continue
			}
			b.logger.Debug("configuration changed on peer", zap.String("peer", msg.Payload))
			onInvalidate()
		}
	}
}
