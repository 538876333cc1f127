package meshruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/common/logger"
	meshredis "github.com/lyzr/meshcore/common/redis"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
)

// RedisTransport implements meshenvelope.Transport across processes: it
// publishes the envelope onto the target binding's request stream and
// blocks on a per-request reply list (XADD out, BLPOP back).
type RedisTransport struct {
	Client       *meshredis.Client
	ReplyTimeout time.Duration
}

func requestStream(bindingName string) string {
	return fmt.Sprintf("mesh:requests:%s", bindingName)
}

func replyKey(reqID string) string {
	return fmt.Sprintf("mesh:reply:%s", reqID)
}

// Send implements meshenvelope.Transport.
func (t *RedisTransport) Send(ctx context.Context, target callctx.NodeIdentity, env *meshenvelope.Envelope) (*meshenvelope.ResultEnvelope, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "encode envelope: %v", err)
	}

	reqID := uuid.NewString()
	rk := replyKey(reqID)

	if _, err := t.Client.AddToStream(ctx, requestStream(target.BindingName), map[string]interface{}{
		"envelope":  string(b),
		"reply_key": rk,
	}); err != nil {
		return nil, err
	}

	timeout := t.ReplyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	vals, err := t.Client.BlockingPopList(ctx, timeout, rk)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, mesherr.New(mesherr.KindTimeout, "no reply for request %s on binding %s", reqID, target.BindingName)
	}

	var resp meshenvelope.ResultEnvelope
	if err := json.Unmarshal([]byte(vals[1]), &resp); err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "decode reply: %v", err)
	}
	return &resp, nil
}

// RedisServer is the receiving half of RedisTransport: one instance per
// binding, consuming its request stream via a consumer group (so multiple
// replicas of the same binding share the backlog) and replying on the
// per-request list the caller is blocked on.
type RedisServer struct {
	Client   *meshredis.Client
	Registry *Registry
	Binding  string
	Group    string
	Consumer string
	Log      *logger.Logger
}

// Serve blocks, dispatching envelopes until ctx is cancelled.
func (s *RedisServer) Serve(ctx context.Context) error {
	stream := requestStream(s.Binding)
	if err := s.Client.CreateStreamGroup(ctx, stream, s.Group); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := s.Client.ReadFromStreamGroup(ctx, s.Group, s.Consumer, stream, 10, 2*time.Second)
		if err != nil {
			s.Log.Error("mesh runtime stream read failed", "binding", s.Binding, "error", err)
			continue
		}
		for _, strm := range streams {
			for _, msg := range strm.Messages {
				s.handle(ctx, stream, msg.ID, msg.Values)
			}
		}
	}
}

func (s *RedisServer) handle(ctx context.Context, stream, msgID string, values map[string]interface{}) {
	envStr, _ := values["envelope"].(string)
	rk, _ := values["reply_key"].(string)

	var env meshenvelope.Envelope
	var resp *meshenvelope.ResultEnvelope
	if err := json.Unmarshal([]byte(envStr), &env); err != nil {
		resp = meshenvelope.WrapError(mesherr.New(mesherr.KindSerialization, "decode envelope: %v", err))
	} else {
		node, err := s.Registry.GetActor(env.Metadata.Callee.BindingName, env.Metadata.Callee.InstanceName)
		if err != nil {
			resp = meshenvelope.WrapError(err)
		} else {
			resp = node.ExecuteOperation(ctx, &env)
		}
	}

	b, err := json.Marshal(resp)
	if err != nil {
		s.Log.Error("mesh runtime reply encode failed", "error", err)
		return
	}
	if rk != "" {
		if err := s.Client.PushToList(ctx, rk, string(b)); err != nil {
			s.Log.Error("mesh runtime reply push failed", "reply_key", rk, "error", err)
		}
	}
	if err := s.Client.AckStreamMessage(ctx, stream, s.Group, msgID); err != nil {
		s.Log.Error("mesh runtime ack failed", "message_id", msgID, "error", err)
	}
}
