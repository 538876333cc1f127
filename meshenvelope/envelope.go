// Package meshenvelope implements the mesh dispatcher: the CallEnvelope v1
// wire shape, the outgoing call paths, the incoming execute entry point,
// and identity auto-initialization.
package meshenvelope

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshop"
	"github.com/lyzr/meshcore/meshserialize"
)

// Version is the only envelope version this core understands.
const Version = 1

// Envelope is the CallEnvelope v1 wire shape.
type Envelope struct {
	Version     int                   `json:"version"`
	Chain       meshop.OperationChain `json:"chain"`
	CallContext *callctx.CallContext  `json:"callContext"`
	Metadata    Metadata              `json:"metadata"`
}

// Metadata names the two endpoints of one hop.
type Metadata struct {
	Callee callctx.NodeIdentity `json:"callee"`
	Caller callctx.NodeIdentity `json:"caller"`
}

// ResultEnvelope is the `{$result}` / `{$error}` response wrapper. The
// transports here are Go-native and could propagate typed errors directly,
// but keeping the wrapper makes the wire format symmetric in both
// directions, which simplifies meshruntime's stream encoding.
type ResultEnvelope struct {
	Result json.RawMessage              `json:"$result,omitempty"`
	Error  *meshserialize.ErrorEnvelope `json:"$error,omitempty"`
}

// Transport resolves a target identity and performs a synchronous
// request/response exchange. meshruntime implements this in-process and
// over Redis.
type Transport interface {
	Send(ctx context.Context, target callctx.NodeIdentity, env *Envelope) (*ResultEnvelope, error)
}

// BuildEnvelope constructs an outgoing CallEnvelope v1. When cc is nil (no
// ambient context — a top-level internal call), a fresh context is created
// with self as origin. When newChain is true, the outgoing context is
// rewritten to the new-chain boundary: callChain resets to a single-element
// list containing self (the sender, as seen by the receiver) and originAuth
// is dropped.
func BuildEnvelope(cc *callctx.CallContext, self, target callctx.NodeIdentity, chain meshop.OperationChain, newChain bool) *Envelope {
	var outCtx *callctx.CallContext
	switch {
	case newChain:
		var state map[string]interface{}
		if cc != nil {
			state = cc.State
		}
		outCtx = callctx.NewChainBoundary(self, state)
	case cc == nil:
		outCtx = callctx.New(self)
	default:
		outCtx = cc.AppendedChain(self)
	}
	return &Envelope{
		Version:     Version,
		Chain:       chain,
		CallContext: outCtx,
		Metadata:    Metadata{Callee: target, Caller: self},
	}
}

// CallRaw builds the envelope, sends it synchronously, and unwraps the
// response.
func CallRaw(ctx context.Context, transport Transport, cc *callctx.CallContext, self, target callctx.NodeIdentity, chain meshop.OperationChain, newChain bool) (interface{}, error) {
	env := BuildEnvelope(cc, self, target, chain, newChain)
	resp, err := transport.Send(ctx, target, env)
	if err != nil {
		return nil, err
	}
	return UnwrapResult(resp)
}

// UnwrapResult undoes the response wrapper: on $error, deserialize and
// return it as an error (preserving custom error class via meshserialize's
// registry); on $result, decode and return the value.
func UnwrapResult(resp *ResultEnvelope) (interface{}, error) {
	if resp.Error != nil {
		return nil, meshserialize.DecodeError(*resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(resp.Result, &v); err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "decode result: %v", err)
	}
	return v, nil
}

// WrapSuccess encodes v as a {$result} envelope.
func WrapSuccess(v interface{}) (*ResultEnvelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return WrapError(mesherr.New(mesherr.KindSerialization, "encode result: %v", err)), nil
	}
	return &ResultEnvelope{Result: b}, nil
}

// WrapError encodes err as a {$error} envelope.
func WrapError(err error) *ResultEnvelope {
	env := meshserialize.EncodeError(err)
	return &ResultEnvelope{Error: &env}
}

// IdentityStore lets a stateful target persist and read its
// auto-initialized binding/instance name. Stateless workers pass a nil
// store since they never persist identity.
type IdentityStore interface {
	Load(ctx context.Context) (callctx.NodeIdentity, bool, error)
	Store(ctx context.Context, id callctx.NodeIdentity) error
}

// Handler bundles what ExecuteOperation needs to run an incoming chain.
type Handler struct {
	Target   interface{}
	Gate     meshop.GateChecker
	Config   meshop.Config
	Identity IdentityStore
}

// ExecuteOperation is the incoming entry point: validate the envelope,
// assert/auto-init identity, run the chain under the ambient call context
// with the before-call hook, and wrap the outcome as {$result} or
// {$error}.
func ExecuteOperation(ctx context.Context, h Handler, env *Envelope) *ResultEnvelope {
	result, err := executeOperationInner(ctx, h, env)
	if err != nil {
		return WrapError(err)
	}
	resp, err := WrapSuccess(result)
	if err != nil {
		return WrapError(err)
	}
	return resp
}

func executeOperationInner(ctx context.Context, h Handler, env *Envelope) (interface{}, error) {
	if env.Version != Version {
		return nil, mesherr.New(mesherr.KindUnsupportedEnvelope, "unsupported envelope version %d", env.Version)
	}
	if env.CallContext == nil {
		return nil, mesherr.New(mesherr.KindMissingContext, "envelope carries no call context")
	}
	if h.Identity != nil && env.Metadata.Callee.BindingName != "" {
		if err := assertIdentity(ctx, h.Identity, env.Metadata.Callee); err != nil {
			return nil, err
		}
	}

	var result interface{}
	runErr := callctx.RunWith(ctx, env.CallContext, func(c context.Context) error {
		if hook, ok := h.Target.(callctx.BeforeCallHook); ok {
			if err := hook.OnBeforeCall(c, env.CallContext); err != nil {
				var me *mesherr.MeshError
				if errors.As(err, &me) {
					return err
				}
				return mesherr.New(mesherr.KindNotAuthorized, "%v", err)
			}
		}
		r, err := meshop.Execute(c, env.Chain, h.Target, h.Config, h.Gate)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// assertIdentity: the first envelope wins, later conflicting assertions
// fail IdentityMismatch without touching the stored identity.
func assertIdentity(ctx context.Context, store IdentityStore, asserted callctx.NodeIdentity) error {
	existing, ok, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return store.Store(ctx, asserted)
	}
	if existing.BindingName != asserted.BindingName || existing.InstanceName != asserted.InstanceName {
		return mesherr.New(mesherr.KindIdentityMismatch,
			"identity already set to %s/%s, got %s/%s",
			existing.BindingName, existing.InstanceName, asserted.BindingName, asserted.InstanceName)
	}
	return nil
}
