// Package callctx implements the mesh's call-context machinery: an
// immutable per-invocation record describing the chain of identities that
// produced the current handler execution, carried ambient through a
// handler's synchronous and awaited work.
//
// Go has no task-local storage, so the ambient value rides an opaque handle
// threaded across every async boundary instead: context.Context. Every
// handler receives one, every outgoing call derives a child from it, and
// because contexts are immutable snapshots rather than mutable global
// state, concurrent invocations on the same node instance never bleed into
// each other even across goroutine scheduling points.
package callctx

import (
	"context"

	"github.com/lyzr/meshcore/mesherr"
)

// NodeKind identifies what kind of mesh participant a NodeIdentity names.
type NodeKind string

const (
	KindStateful  NodeKind = "Stateful"
	KindStateless NodeKind = "Stateless"
	KindClient    NodeKind = "Client"
)

// NodeIdentity names one hop in a call chain.
type NodeIdentity struct {
	Kind         NodeKind `json:"kind"`
	BindingName  string   `json:"bindingName"`
	InstanceName string   `json:"instanceName,omitempty"`
}

// Equal reports whether two identities name the same node.
func (n NodeIdentity) Equal(other NodeIdentity) bool {
	return n.Kind == other.Kind && n.BindingName == other.BindingName && n.InstanceName == other.InstanceName
}

// OriginAuth carries the authenticated identity of the external client that
// initiated the call chain, when one exists.
type OriginAuth struct {
	UserID string                 `json:"userId"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// CallContext is the per-invocation record of one mesh call. CallChain and
// OriginAuth are never changed in place after it is made ambient; State is
// the one part handler code may mutate during its own frame, and those
// mutations travel forward on later outgoing calls. WithState derives a
// copy instead, leaving the original untouched.
type CallContext struct {
	CallChain  []NodeIdentity         `json:"callChain"`
	OriginAuth *OriginAuth            `json:"originAuth,omitempty"`
	State      map[string]interface{} `json:"state"`
}

// New builds a fresh top-level context with origin as callChain[0].
func New(origin NodeIdentity) *CallContext {
	return &CallContext{
		CallChain: []NodeIdentity{origin},
		State:     make(map[string]interface{}),
	}
}

// Origin returns callChain[0].
func (c *CallContext) Origin() NodeIdentity {
	return c.CallChain[0]
}

// Caller returns callChain.at(-1), the immediate predecessor hop.
func (c *CallContext) Caller() NodeIdentity {
	return c.CallChain[len(c.CallChain)-1]
}

// Clone returns a deep-enough copy safe to mutate before handing to a new
// invocation (callChain slice and state map are copied; OriginAuth, being
// carried forward unchanged per invariant 4, is shared by reference).
func (c *CallContext) Clone() *CallContext {
	chain := make([]NodeIdentity, len(c.CallChain))
	copy(chain, c.CallChain)
	state := make(map[string]interface{}, len(c.State))
	for k, v := range c.State {
		state[k] = v
	}
	return &CallContext{CallChain: chain, OriginAuth: c.OriginAuth, State: state}
}

// AppendedChain returns a new context with self appended to the call
// chain, as happens on every outgoing call. OriginAuth and State are
// carried forward unchanged.
func (c *CallContext) AppendedChain(self NodeIdentity) *CallContext {
	next := c.Clone()
	next.CallChain = append(next.CallChain, self)
	return next
}

// NewChainBoundary implements the "newChain" outgoing-call option:
// callChain is reset to a single-element list containing sender, and
// originAuth is dropped. State is still carried forward — only callChain
// and originAuth reset.
func NewChainBoundary(sender NodeIdentity, state map[string]interface{}) *CallContext {
	cloned := make(map[string]interface{}, len(state))
	for k, v := range state {
		cloned[k] = v
	}
	return &CallContext{
		CallChain: []NodeIdentity{sender},
		State:     cloned,
	}
}

// WithState returns a copy of c with a single state key set, used by handler
// code to augment ambient state without mutating the context other
// goroutines or later resumptions might observe.
func (c *CallContext) WithState(key string, value interface{}) *CallContext {
	next := c.Clone()
	next.State[key] = value
	return next
}

type ctxKey struct{}

// RunWith makes cc observable via Current for the duration of fn, and only
// for the call tree rooted at the derived context. Two concurrent calls to
// RunWith on the same node never observe each other's context, because each
// holds its own derived context.Context value rather than mutating shared
// state.
func RunWith(ctx context.Context, cc *CallContext, fn func(context.Context) error) error {
	return fn(context.WithValue(ctx, ctxKey{}, cc))
}

// Current returns the ambient CallContext, failing with MissingContext if
// none is active.
func Current(ctx context.Context) (*CallContext, error) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, mesherr.New(mesherr.KindMissingContext, "no call context active on this goroutine")
	}
	cc, ok := v.(*CallContext)
	if !ok || cc == nil {
		return nil, mesherr.New(mesherr.KindMissingContext, "no call context active on this goroutine")
	}
	return cc, nil
}

// BeforeCallHook is implemented by actor base types: it runs exactly once
// per incoming call, after the context is ambient and before the first
// Apply of the chain executes.
type BeforeCallHook interface {
	OnBeforeCall(ctx context.Context, cc *CallContext) error
}
