package main

import (
	"context"
	"encoding/json"

	"github.com/lyzr/meshcore/common/logger"
	meshredis "github.com/lyzr/meshcore/common/redis"
	"github.com/lyzr/meshcore/meshactor"
	"github.com/lyzr/meshcore/mesherr"
)

// ClientGatewayBinding is how mesh nodes address result delivery to
// external clients.
const ClientGatewayBinding = "ClientGateway"

// ClientGateway is the mesh-facing side of the gateway: a stateless worker
// any node can call to push a payload to a connected client. Delivery fails
// ClientDisconnected once the client's reconnect window has lapsed.
type ClientGateway struct {
	meshactor.StatelessWorker

	redis *meshredis.Client
	log   *logger.Logger
}

// NewClientGateway wires the worker against the shared presence keys
func NewClientGateway(redisClient *meshredis.Client, log *logger.Logger, deps meshactor.Deps) *ClientGateway {
	g := &ClientGateway{redis: redisClient, log: log}
	g.Configure(g, ClientGatewayBinding, deps)
	return g
}

// DeliverToClient pushes one payload to a client. Connected clients get it
// via pub/sub; clients inside their reconnect window get it queued; anyone
// else fails ClientDisconnected so in-chain callers can react.
func (g *ClientGateway) DeliverToClient(ctx context.Context, clientID string, payload interface{}) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, mesherr.New(mesherr.KindSerialization, "encode client payload: %v", err)
	}

	_, online, err := g.redis.Get(ctx, onlineKey(clientID))
	if err != nil {
		return false, err
	}
	if online {
		if err := g.redis.PublishEvent(ctx, clientChannel(clientID), string(data)); err != nil {
			return false, err
		}
		return true, nil
	}

	_, inWindow, err := g.redis.Get(ctx, sessionKey(clientID))
	if err != nil {
		return false, err
	}
	if inWindow {
		g.log.Info("client offline, queueing frame for reconnect", "client_id", clientID)
		if err := g.redis.PushToList(ctx, pendingKey(clientID), string(data)); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, mesherr.New(mesherr.KindClientDisconnected, "client %q has dropped and its reconnect window lapsed", clientID)
}
