package meshactor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/meshop"
)

// Lmz is a node's mesh façade: identity, the ambient call context, and the
// two outgoing call shapes. Handler code reaches it through the embedded
// actor/worker base.
type Lmz struct {
	self     interface{}
	kind     callctx.NodeKind
	deps     Deps
	identity meshenvelope.IdentityStore

	// fixed is the stateless identity; stateful nodes resolve theirs from
	// the identity store instead.
	fixed *callctx.NodeIdentity
}

// Identity returns this node's identity and whether it is known yet. A
// stateful node has no identity until auto-init or Init; a stateless worker
// always knows its binding.
func (l *Lmz) Identity(ctx context.Context) (callctx.NodeIdentity, bool, error) {
	if l.fixed != nil {
		return *l.fixed, true, nil
	}
	return l.identity.Load(ctx)
}

// BindingName returns the node's binding name, or "" if identity is not yet
// established.
func (l *Lmz) BindingName(ctx context.Context) (string, error) {
	id, _, err := l.Identity(ctx)
	return id.BindingName, err
}

// InstanceName returns the node's instance name. Always "" for stateless
// workers.
func (l *Lmz) InstanceName(ctx context.Context) (string, error) {
	id, _, err := l.Identity(ctx)
	return id.InstanceName, err
}

// Init explicitly establishes a stateful node's identity, the alternative
// to auto-init from the first incoming envelope. Identity is
// single-assignment: a second Init with different names fails
// IdentityMismatch. An empty instanceName gets a generated globally-unique
// 64-hex id.
func (l *Lmz) Init(ctx context.Context, bindingName, instanceName string) error {
	if l.fixed != nil {
		return mesherr.New(mesherr.KindIdentityMismatch, "stateless worker %q has no assignable identity", l.fixed.BindingName)
	}
	if instanceName == "" {
		instanceName = generateInstanceID()
	}
	asserted := callctx.NodeIdentity{Kind: l.kind, BindingName: bindingName, InstanceName: instanceName}

	existing, ok, err := l.identity.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return l.identity.Store(ctx, asserted)
	}
	if existing.BindingName != asserted.BindingName || existing.InstanceName != asserted.InstanceName {
		return mesherr.New(mesherr.KindIdentityMismatch,
			"identity already set to %s/%s, got %s/%s",
			existing.BindingName, existing.InstanceName, asserted.BindingName, asserted.InstanceName)
	}
	return nil
}

func generateInstanceID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

// CallContext returns the ambient context of the currently executing
// handler frame.
func (l *Lmz) CallContext(ctx context.Context) (*callctx.CallContext, error) {
	return callctx.Current(ctx)
}

// Ctn starts a new operation-chain builder.
func (l *Lmz) Ctn() *meshop.Builder {
	return meshop.Chain()
}

func (l *Lmz) selfIdentity(ctx context.Context) callctx.NodeIdentity {
	id, ok, err := l.Identity(ctx)
	if err != nil || !ok {
		return callctx.NodeIdentity{Kind: l.kind}
	}
	return id
}

// CallRaw performs a synchronous request/response call against the target
// binding, returning the unwrapped result or the deserialized remote error.
func (l *Lmz) CallRaw(ctx context.Context, targetBinding, targetInstance string, chain meshop.OperationChain) (interface{}, error) {
	cc, _ := callctx.Current(ctx)
	target := callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: targetBinding, InstanceName: targetInstance}
	if targetInstance == "" {
		target.Kind = callctx.KindStateless
	}
	return meshenvelope.CallRaw(ctx, l.deps.Transport, cc, l.selfIdentity(ctx), target, chain, false)
}

// Call performs a fire-and-forget call. With a continuation chain in opts
// the eventual result (or a TimeoutError) is delivered into that chain;
// without one the call is purely one-way.
func (l *Lmz) Call(ctx context.Context, targetBinding, targetInstance string, remoteChain meshop.OperationChain, opts continuation.CallOptions) (string, error) {
	target := callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: targetBinding, InstanceName: targetInstance}
	if targetInstance == "" {
		target.Kind = callctx.KindStateless
	}
	return l.dispatcher(ctx).Call(ctx, target, remoteChain, opts)
}

func (l *Lmz) dispatcher(ctx context.Context) *continuation.Dispatcher {
	return &continuation.Dispatcher{
		Transport: l.deps.Transport,
		Store:     l.deps.Continuations,
		Alarms:    l.deps.Alarms,
		Self:      l.selfIdentity(ctx),
		Target:    l.self,
		Config:    l.deps.Config,
	}
}

// MutateState sets a key in the ambient context's propagated state. The
// context is immutable aside from this map, which handler code owns for the
// duration of its frame; the mutation travels forward on every subsequent
// outgoing call.
func (l *Lmz) MutateState(ctx context.Context, key string, value interface{}) error {
	cc, err := callctx.Current(ctx)
	if err != nil {
		return err
	}
	cc.State[key] = value
	return nil
}

// PersistState merges the ambient context's state into the node's stored
// state document: the delta against the previously persisted document is
// computed and applied, so keys absent from the ambient state are removed,
// and the whole merged document is then written back under one key.
func (l *Lmz) PersistState(ctx context.Context) error {
	if l.deps.Storage == nil {
		return mesherr.New(mesherr.KindServiceNotFound, "node has no storage; stateless workers cannot persist state")
	}
	cc, err := callctx.Current(ctx)
	if err != nil {
		return err
	}

	persisted, err := l.loadStateDoc(ctx)
	if err != nil {
		return err
	}
	delta, err := meshenvelope.StateDelta(persisted, cc.State)
	if err != nil {
		return err
	}
	merged, err := meshenvelope.ApplyStateDelta(persisted, delta)
	if err != nil {
		return err
	}
	doc, err := encodeStateDoc(merged)
	if err != nil {
		return err
	}
	return l.deps.Storage.Put(ctx, keyUserState, doc)
}

// LoadPersistedState returns the node's stored state document, or an empty
// map if none was ever persisted.
func (l *Lmz) LoadPersistedState(ctx context.Context) (map[string]interface{}, error) {
	if l.deps.Storage == nil {
		return nil, mesherr.New(mesherr.KindServiceNotFound, "node has no storage; stateless workers cannot persist state")
	}
	return l.loadStateDoc(ctx)
}

func (l *Lmz) loadStateDoc(ctx context.Context) (map[string]interface{}, error) {
	raw, ok, err := l.deps.Storage.Get(ctx, keyUserState)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]interface{}{}, nil
	}
	return decodeStateDoc(raw)
}
