package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/common/logger"
	"github.com/lyzr/meshcore/common/ratelimit"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshop"
	"github.com/lyzr/meshcore/meshserialize"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum inbound frame size: a full call frame, not just pongs
	maxMessageSize = 64 * 1024
)

// CallFrame is one inbound request from a client: a target binding plus an
// operation chain to execute there.
type CallFrame struct {
	ID       string                `json:"id"`
	Target   string                `json:"target"`
	Instance string                `json:"instance,omitempty"`
	Chain    meshop.OperationChain `json:"chain"`
	OneWay   bool                  `json:"oneWay,omitempty"`
	NewChain bool                  `json:"newChain,omitempty"`
}

// ReplyFrame is the gateway's response to one CallFrame
type ReplyFrame struct {
	ID     string                       `json:"id"`
	Result json.RawMessage              `json:"$result,omitempty"`
	Error  *meshserialize.ErrorEnvelope `json:"$error,omitempty"`
}

// Client represents one authenticated WebSocket connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	clientID string
	auth     *callctx.OriginAuth
	server   *Server
	send     chan []byte
	log      *logger.Logger
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, clientID string, auth *callctx.OriginAuth, server *Server, log *logger.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		clientID: clientID,
		auth:     auth,
		server:   server,
		send:     make(chan []byte, 512),
		log:      log.WithFields(map[string]any{"client_id": clientID}),
	}
}

// identity is how this client appears as callChain[0] in the mesh
func (c *Client) identity() callctx.NodeIdentity {
	return callctx.NodeIdentity{Kind: callctx.KindClient, BindingName: c.clientID}
}

// readPump reads call frames from the WebSocket and dispatches them into
// the mesh
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
		c.handleFrame(ctx, raw)
	}
}

// handleFrame validates, rate-limits, and dispatches one inbound frame
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	if err := c.server.validator.ValidateFrame(raw); err != nil {
		c.log.Warn("rejected invalid frame", "error", err)
		c.reply("", mesherr.New(mesherr.KindSerialization, "invalid frame: %v", err), nil)
		return
	}

	var frame CallFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.reply("", mesherr.New(mesherr.KindSerialization, "decode frame: %v", err), nil)
		return
	}

	if c.server.limiter != nil {
		tier := ratelimit.InspectChain(frame.Chain).Tier
		result, err := c.server.limiter.CheckTieredLimit(ctx, c.clientID, tier)
		if err == nil && !result.Allowed {
			c.log.Warn("frame rate limited", "tier", string(tier), "retry_after", result.RetryAfterSeconds)
			c.reply(frame.ID, mesherr.New(mesherr.KindNotAuthorized,
				"rate limit exceeded for %s chains, retry in %ds", tier, result.RetryAfterSeconds), nil)
			return
		}
	}

	cc := callctx.New(c.identity())
	cc.OriginAuth = c.auth

	target := callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: frame.Target, InstanceName: frame.Instance}
	if frame.Instance == "" {
		target.Kind = callctx.KindStateless
	}

	env := meshenvelope.BuildEnvelope(cc, c.identity(), target, frame.Chain, frame.NewChain)

	if frame.OneWay {
		go func() {
			if _, err := c.server.transport.Send(context.Background(), target, env); err != nil {
				c.log.Warn("one-way dispatch failed", "target", frame.Target, "error", err)
			}
		}()
		c.reply(frame.ID, nil, json.RawMessage(`true`))
		return
	}

	go func() {
		resp, err := c.server.transport.Send(context.Background(), target, env)
		if err != nil {
			c.reply(frame.ID, err, nil)
			return
		}
		if resp.Error != nil {
			c.replyEnvelope(frame.ID, resp.Error)
			return
		}
		c.reply(frame.ID, nil, resp.Result)
	}()
}

func (c *Client) reply(id string, callErr error, result json.RawMessage) {
	frame := ReplyFrame{ID: id, Result: result}
	if callErr != nil {
		env := meshserialize.EncodeError(callErr)
		frame.Error = &env
	}
	c.push(frame)
}

func (c *Client) replyEnvelope(id string, errEnv *meshserialize.ErrorEnvelope) {
	c.push(ReplyFrame{ID: id, Error: errEnv})
}

func (c *Client) push(frame ReplyFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to encode reply frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping reply", "frame_id", frame.ID)
	}
}

// writePump pumps frames from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send each message as a separate WebSocket frame so the
			// client can parse each JSON object individually
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
