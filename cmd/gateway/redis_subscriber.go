package main

import (
	"context"
	"strings"

	"github.com/lyzr/meshcore/common/logger"
	meshredis "github.com/lyzr/meshcore/common/redis"
)

// RedisSubscriber listens for client-bound frames published anywhere in the
// mesh and forwards the ones whose clients are connected to this replica.
type RedisSubscriber struct {
	redis *meshredis.Client
	hub   *Hub
	log   *logger.Logger
}

// NewRedisSubscriber creates a new RedisSubscriber instance
func NewRedisSubscriber(redisClient *meshredis.Client, hub *Hub, log *logger.Logger) *RedisSubscriber {
	return &RedisSubscriber{
		redis: redisClient,
		hub:   hub,
		log:   log,
	}
}

// Start begins listening to client delivery channels
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pubsub := s.redis.PSubscribe(ctx, "mesh:client:*")
	defer pubsub.Close()

	// Wait for confirmation that subscription was successful
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	s.log.Info("gateway subscriber started", "pattern", "mesh:client:*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("gateway subscriber stopping")
			return ctx.Err()

		case msg := <-ch:
			if msg == nil {
				continue
			}

			clientID := clientIDFromChannel(msg.Channel)
			if clientID == "" {
				s.log.Warn("invalid client channel", "channel", msg.Channel)
				continue
			}

			s.hub.deliver <- &Frame{
				ClientID: clientID,
				Data:     []byte(msg.Payload),
			}
		}
	}
}

// clientIDFromChannel extracts the client id from a delivery channel name
// Example: "mesh:client:user-1" -> "user-1"
func clientIDFromChannel(channel string) string {
	const prefix = "mesh:client:"
	if !strings.HasPrefix(channel, prefix) {
		return ""
	}
	return channel[len(prefix):]
}
