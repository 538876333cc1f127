package meshruntime

import (
	"context"
	"encoding/json"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/common/logger"
	meshredis "github.com/lyzr/meshcore/common/redis"
	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/meshenvelope"
)

// Runtime aggregates one concrete host-runtime wiring: the binding table,
// the transport nodes call through, and the continuation collaborators
// (pending store + alarms).
type Runtime struct {
	Registry      *Registry
	Transport     meshenvelope.Transport
	Alarms        continuation.AlarmScheduler
	Continuations continuation.Store
}

// sweeperIdentity is the sender stamped on timeout-delivery envelopes.
var sweeperIdentity = callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "AlarmSweeper"}

// DeliverClaimedAlarm routes one claimed alarm's payload back to the caller
// node as a timeout-delivery envelope. Both the in-process alarm scheduler
// and the Redis sweeper funnel through this.
func DeliverClaimedAlarm(ctx context.Context, transport meshenvelope.Transport, log *logger.Logger, id, payload string) {
	var p continuation.AlarmPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		if log != nil {
			log.Error("mesh alarm payload decode failed", "id", id, "error", err)
		}
		return
	}
	env := meshenvelope.BuildEnvelope(nil, sweeperIdentity, p.Caller, continuation.TimeoutDeliveryChain(p.ReqID), false)
	if _, err := transport.Send(ctx, p.Caller, env); err != nil && log != nil {
		log.Error("mesh timeout delivery failed", "id", id, "caller", p.Caller.BindingName, "error", err)
	}
}

// NewLocalRuntime wires a single-process mesh: in-process registry and
// transport, in-memory continuations, and timer-backed alarms whose fires
// are delivered through the local transport.
func NewLocalRuntime(log *logger.Logger) *Runtime {
	registry := NewRegistry()
	transport := &LocalTransport{Registry: registry}
	alarms := continuation.NewMemoryAlarms(func(id, payload string) {
		DeliverClaimedAlarm(context.Background(), transport, log, id, payload)
	})
	return &Runtime{
		Registry:      registry,
		Transport:     transport,
		Alarms:        alarms,
		Continuations: continuation.NewMemoryStore(),
	}
}

// NewRedisRuntime wires a multi-process mesh over Redis: stream transport,
// hash-backed continuations, and the sorted-set alarm scheduler. The caller
// still runs RedisServer per hosted binding and the alarm Sweep loop.
func NewRedisRuntime(client *meshredis.Client, log *logger.Logger) *Runtime {
	registry := NewRegistry()
	return &Runtime{
		Registry:      registry,
		Transport:     &RedisTransport{Client: client},
		Alarms:        NewRedisAlarmScheduler(client.GetUnderlying(), log),
		Continuations: NewRedisContinuationStore(client.GetUnderlying()),
	}
}
