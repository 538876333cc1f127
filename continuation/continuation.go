// Package continuation implements the mesh's fire-and-forget call
// machinery: PendingContinuation storage, the outgoing Call() that arms a
// timeout alarm alongside a stored continuation, and result delivery via
// __handleResult with the atomic cancel-vs-fire race that guarantees a
// caller runs exactly one of {success, timeout}.
//
// This is the one package allowed to special-case the reserved
// __handleResult and __handleTimeout chain shapes: a delivery arrives as a
// fresh callRaw like any other envelope, but those two method names have no
// Go method behind them, so HandleIncoming intercepts them before handing
// everything else to meshenvelope.ExecuteOperation.
package continuation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/meshop"
)

// HandleResultKey is the reserved method name a downstream node's delivery
// callRaw targets on the original caller.
const HandleResultKey = "__handleResult"

// HandleTimeoutKey is the reserved method name the alarm sweeper targets on
// the original caller once it has claimed a due backstop alarm. It shares
// HandleResultKey's delivery path but skips the cancel attempt — the sweep's
// claim already decided the race.
const HandleTimeoutKey = "__handleTimeout"

// PendingContinuation is held at the caller while a fire-and-forget call is
// outstanding.
type PendingContinuation struct {
	ReqID             string                `json:"reqId"`
	ContinuationChain meshop.OperationChain `json:"continuationChain"`
	CapturedContext   *callctx.CallContext  `json:"capturedCallContext"`
	TimeoutMs         int64                 `json:"timeoutMs"`
	CreatedAt         time.Time             `json:"createdAt"`
}

// Store persists PendingContinuation records, keyed by reqId.
type Store interface {
	Save(ctx context.Context, pc *PendingContinuation) error
	// Peek reads a record without consuming it. The caller node's
	// single-threaded frame makes peek-then-consume safe; the alarm
	// scheduler, not the store, arbitrates the cancel-vs-fire race.
	Peek(ctx context.Context, reqID string) (*PendingContinuation, bool, error)
	LoadAndDelete(ctx context.Context, reqID string) (*PendingContinuation, bool, error)
}

// AlarmScheduler is the host alarm collaborator: Schedule arms a one-shot
// timer carrying an opaque payload, Cancel atomically removes it and
// reports whether this caller won the race against a concurrent fire.
type AlarmScheduler interface {
	Schedule(ctx context.Context, id string, fireAt time.Time, payload string) error
	// Cancel atomically removes the alarm identified by id. claimed reports
	// whether this call removed it (i.e. raced ahead of the fire); when
	// false, the alarm already fired (or never existed) and the caller must
	// treat its own delivery as a no-op.
	Cancel(ctx context.Context, id string) (claimed bool, err error)
}

// AlarmPayload is what a fire-and-forget call stores with its backstop
// alarm: enough to route the timeout back to the caller node once the
// sweeper claims the alarm.
type AlarmPayload struct {
	Caller callctx.NodeIdentity `json:"caller"`
	ReqID  string               `json:"reqId"`
}

// CallOptions configures one fire-and-forget Call.
type CallOptions struct {
	// ContinuationChain is the caller-authored chain to run, with the
	// result substituted in, once it arrives. Nil means a purely one-way
	// call: no PendingContinuation or alarm is stored.
	ContinuationChain meshop.OperationChain
	// TimeoutMs arms an alarm backstop when > 0 and ContinuationChain is
	// non-nil. Zero means no timeout is armed.
	TimeoutMs int64
	// NewChain makes the receiver observe a fresh callChain starting with
	// this node, with originAuth cleared.
	NewChain bool
}

// Dispatcher is the caller-side half of the continuation model: it issues
// Call(), and later resolves the outcome via HandleResult or DeliverTimeout.
type Dispatcher struct {
	Transport meshenvelope.Transport
	Store     Store
	Alarms    AlarmScheduler
	Self      callctx.NodeIdentity
	// Target is the caller's own object, against which a delivered
	// continuation chain is eventually executed, under the captured context.
	Target interface{}
	Config meshop.Config

	// NewReqID and Now are overridden in tests for determinism; production
	// callers leave them nil and get uuid.NewString / time.Now.
	NewReqID func() string
	Now      func() time.Time
}

func (d *Dispatcher) genReqID() string {
	if d.NewReqID != nil {
		return d.NewReqID()
	}
	return uuid.NewString()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Call builds and dispatches the envelope without awaiting its result; if
// a continuation handler was supplied, it captures the current ambient
// context, persists a PendingContinuation, and (when opts.TimeoutMs > 0)
// arms the timeout alarm under the same reqId.
func (d *Dispatcher) Call(ctx context.Context, target callctx.NodeIdentity, remoteChain meshop.OperationChain, opts CallOptions) (string, error) {
	reqID := d.genReqID()

	cc, _ := callctx.Current(ctx) // nil is fine: BuildEnvelope treats it as a top-level call

	if opts.ContinuationChain != nil {
		if d.Store == nil {
			return "", mesherr.New(mesherr.KindServiceNotFound, "node has no continuation store; result handlers are unavailable")
		}
		captured := cc
		if captured == nil {
			captured = callctx.New(d.Self)
		}
		pc := &PendingContinuation{
			ReqID:             reqID,
			ContinuationChain: opts.ContinuationChain,
			CapturedContext:   captured,
			TimeoutMs:         opts.TimeoutMs,
			CreatedAt:         d.now(),
		}
		if err := d.Store.Save(ctx, pc); err != nil {
			return "", err
		}
		if opts.TimeoutMs > 0 {
			payload, err := json.Marshal(AlarmPayload{Caller: d.Self, ReqID: reqID})
			if err != nil {
				return "", mesherr.New(mesherr.KindSerialization, "encode alarm payload: %v", err)
			}
			if err := d.Alarms.Schedule(ctx, reqID, d.now().Add(time.Duration(opts.TimeoutMs)*time.Millisecond), string(payload)); err != nil {
				return "", err
			}
		}
	}

	env := meshenvelope.BuildEnvelope(cc, d.Self, target, remoteChain, opts.NewChain)

	// Dispatched detached from ctx's cancellation: the caller's handler
	// frame is free to return as soon as the envelope is on the wire. The
	// envelope already carries the full call context as data, so losing
	// ctx's Go-side Values here is harmless.
	go func() {
		resp, err := d.Transport.Send(context.Background(), target, env)
		if opts.ContinuationChain == nil {
			return
		}
		// Whatever came back — result or error — is delivered as a value
		// into the continuation. The cancel-vs-fire race inside
		// HandleResult drops it if the timeout backstop already won.
		var value interface{}
		if err != nil {
			value = err
		} else if resp != nil {
			value, err = meshenvelope.UnwrapResult(resp)
			if err != nil {
				value = err
			}
		}
		_ = d.HandleResult(context.Background(), reqID, value)
	}()

	return reqID, nil
}

// HandleResult is invoked when a real result (or an error-shaped value)
// arrives for reqID via a downstream node's delivery callRaw. It peeks the
// PendingContinuation and, when an alarm was armed, must win the
// cancel-vs-fire race before the continuation is loaded and run.
func (d *Dispatcher) HandleResult(ctx context.Context, reqID string, value interface{}) error {
	if d.Store == nil {
		// This node never issues continuations; nothing to resolve.
		return nil
	}
	pc, ok, err := d.Store.Peek(ctx, reqID)
	if err != nil {
		return err
	}
	if !ok {
		// Already delivered, or never had a continuation.
		return nil
	}
	if pc.TimeoutMs > 0 {
		claimed, err := d.Alarms.Cancel(ctx, reqID)
		if err != nil {
			return err
		}
		if !claimed {
			// The timeout sweep already claimed and fired this reqId; the
			// real result arrived too late and is discarded.
			return nil
		}
	}
	return d.deliver(ctx, reqID, value)
}

// DeliverTimeout is called once the alarm subsystem has atomically claimed
// a due alarm for firing: the same delivery steps as HandleResult, with the
// result value fixed to a TimeoutError. The cancel attempt is skipped —
// the claim already decided the race.
func (d *Dispatcher) DeliverTimeout(ctx context.Context, reqID string) error {
	return d.deliver(ctx, reqID, mesherr.New(mesherr.KindTimeout, "call %s timed out", reqID))
}

func (d *Dispatcher) deliver(ctx context.Context, reqID string, value interface{}) error {
	if d.Store == nil {
		return nil
	}
	pc, ok, err := d.Store.LoadAndDelete(ctx, reqID)
	if err != nil {
		// Internal framework error loading the continuation; the caller
		// logs and drops it rather than surfacing a call-site failure (the
		// alarm already fired or was cancelled).
		return err
	}
	if !ok {
		return nil
	}

	filled := meshop.SubstituteResult(pc.ContinuationChain, value)
	return callctx.RunWith(ctx, pc.CapturedContext, func(c context.Context) error {
		// Gate disabled (nil GateChecker): this is a framework-authored
		// continuation, not an external entry point.
		_, execErr := meshop.Execute(c, filled, d.Target, d.Config, nil)
		return execErr
	})
}

// HandleIncoming wraps meshenvelope.ExecuteOperation, intercepting the
// reserved __handleResult chain shape (a single Get("__handleResult")
// followed by an Apply(reqId, value)) and routing it to d.HandleResult
// instead of the generic chain executor; the reserved __handleTimeout
// shape is routed to d.DeliverTimeout the same way.
func HandleIncoming(ctx context.Context, d *Dispatcher, h meshenvelope.Handler, env *meshenvelope.Envelope) *meshenvelope.ResultEnvelope {
	if reqID, value, ok := matchReserved(env.Chain, HandleResultKey); ok {
		return wrapDelivery(d.HandleResult(ctx, reqID, value))
	}
	if reqID, _, ok := matchReserved(env.Chain, HandleTimeoutKey); ok {
		return wrapDelivery(d.DeliverTimeout(ctx, reqID))
	}
	return meshenvelope.ExecuteOperation(ctx, h, env)
}

func wrapDelivery(err error) *meshenvelope.ResultEnvelope {
	if err != nil {
		return meshenvelope.WrapError(err)
	}
	resp, wrapErr := meshenvelope.WrapSuccess(true)
	if wrapErr != nil {
		return meshenvelope.WrapError(wrapErr)
	}
	return resp
}

func matchReserved(chain meshop.OperationChain, key string) (reqID string, value interface{}, ok bool) {
	if len(chain) != 2 {
		return "", nil, false
	}
	if chain[0].Kind != meshop.OpGet || chain[0].Key != key {
		return "", nil, false
	}
	if chain[1].Kind != meshop.OpApply || len(chain[1].Args) < 1 {
		return "", nil, false
	}
	reqID, ok = chain[1].Args[0].(string)
	if !ok {
		return "", nil, false
	}
	if len(chain[1].Args) > 1 {
		value = chain[1].Args[1]
	}
	return reqID, value, true
}

// DeliverChain builds the chain a caller hands to Call() as its
// continuation argument, wiring the result placeholder into the position
// the handler method expects.
func DeliverChain(handlerMethod string) meshop.OperationChain {
	return meshop.Chain().Get(handlerMethod).Apply(meshop.ResultPlaceholder).OperationChain()
}

// ResultDeliveryChain builds the chain a downstream node sends back to the
// original caller to deliver a fire-and-forget result.
func ResultDeliveryChain(reqID string, value interface{}) meshop.OperationChain {
	return meshop.Chain().Get(HandleResultKey).Apply(reqID, value).OperationChain()
}

// TimeoutDeliveryChain builds the chain the alarm sweeper sends to the
// caller named in a claimed alarm's payload.
func TimeoutDeliveryChain(reqID string) meshop.OperationChain {
	return meshop.Chain().Get(HandleTimeoutKey).Apply(reqID).OperationChain()
}
