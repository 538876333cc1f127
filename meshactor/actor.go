// Package meshactor provides the two node base types of the mesh:
// StatefulActor (persistent identity and storage, single-threaded per
// instance) and StatelessWorker (ephemeral, no identity across
// invocations). Both expose the lmz and svc façades and answer incoming
// envelopes by running the chain executor under the propagated call
// context.
//
// Embedding is the extension point: a user type embeds one of the bases,
// calls Configure with itself as self, marks its entry-point methods on the
// guard registry, and registers with the runtime under a binding name.
package meshactor

import (
	"context"
	"encoding/json"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/common/logger"
	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/meshguard"
	"github.com/lyzr/meshcore/meshop"
)

// Deps carries the collaborators a node needs: transport for outgoing
// calls, the guard registry gating incoming ones, the executor limits,
// storage (stateful only), and the continuation machinery.
type Deps struct {
	Transport     meshenvelope.Transport
	Gate          *meshguard.Registry
	Config        meshop.Config
	Storage       KV
	Continuations continuation.Store
	Alarms        continuation.AlarmScheduler
	Services      *ServiceRegistry
	Log           *logger.Logger
}

type nodeCore struct {
	self interface{}
	deps Deps
	lmz  *Lmz
	svc  *Svc
}

func (c *nodeCore) configure(self interface{}, kind callctx.NodeKind, fixed *callctx.NodeIdentity, identity meshenvelope.IdentityStore, deps Deps) {
	c.self = self
	c.deps = deps
	c.lmz = &Lmz{self: self, kind: kind, deps: deps, identity: identity, fixed: fixed}
	c.svc = newSvc(self, deps.Services)
}

// Lmz returns the node's mesh façade.
func (c *nodeCore) Lmz() *Lmz { return c.lmz }

// Deps returns the collaborators the node was configured with.
func (c *nodeCore) Deps() Deps { return c.deps }

// Svc returns the node's plugin façade.
func (c *nodeCore) Svc() *Svc { return c.svc }

// OnBeforeCall is the default authorization hook: admit everything. An
// embedding type overrides it to require origin auth or augment state.
func (c *nodeCore) OnBeforeCall(ctx context.Context, cc *callctx.CallContext) error {
	return nil
}

func (c *nodeCore) execute(ctx context.Context, env *meshenvelope.Envelope, identity meshenvelope.IdentityStore) *meshenvelope.ResultEnvelope {
	if c.self == nil {
		return meshenvelope.WrapError(mesherr.New(mesherr.KindNotCallable, "node was never configured"))
	}
	h := meshenvelope.Handler{
		Target:   c.self,
		Gate:     c.deps.Gate,
		Config:   c.deps.Config,
		Identity: identity,
	}
	resp := continuation.HandleIncoming(ctx, c.lmz.dispatcher(ctx), h, env)
	if resp.Error != nil && c.deps.Log != nil {
		c.deps.Log.Warn("mesh call failed",
			"callee", env.Metadata.Callee.BindingName,
			"caller", env.Metadata.Caller.BindingName,
			"kind", resp.Error.Kind,
			"error", resp.Error.Message)
	}
	return resp
}

// StatefulActor is the persistent node base: identity survives in storage,
// one instance processes one envelope at a time, and continuations,
// alarms, and persisted state all hang off its instance storage.
type StatefulActor struct {
	nodeCore
	identity meshenvelope.IdentityStore
}

// Configure wires the embedding actor. self must be the outermost value
// (the embedding struct pointer) so incoming chains resolve its methods.
// deps.Storage must be non-nil: a stateful actor without storage cannot
// hold its identity.
func (a *StatefulActor) Configure(self interface{}, deps Deps) {
	a.identity = &kvIdentityStore{kv: deps.Storage, kind: callctx.KindStateful}
	a.configure(self, callctx.KindStateful, nil, a.identity, deps)
}

// ExecuteOperation answers one incoming envelope.
func (a *StatefulActor) ExecuteOperation(ctx context.Context, env *meshenvelope.Envelope) *meshenvelope.ResultEnvelope {
	return a.execute(ctx, env, a.identity)
}

// StatelessWorker is the ephemeral node base: a fixed binding name, no
// instance identity, no storage. Each invocation may run on a fresh value.
type StatelessWorker struct {
	nodeCore
}

// Configure wires the embedding worker under its binding name.
func (w *StatelessWorker) Configure(self interface{}, bindingName string, deps Deps) {
	fixed := &callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: bindingName}
	w.configure(self, callctx.KindStateless, fixed, nil, deps)
}

// ExecuteOperation answers one incoming envelope. No identity store is
// consulted: workers never persist identity, so callee metadata asserts
// nothing.
func (w *StatelessWorker) ExecuteOperation(ctx context.Context, env *meshenvelope.Envelope) *meshenvelope.ResultEnvelope {
	return w.execute(ctx, env, nil)
}

func encodeStateDoc(state map[string]interface{}) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", mesherr.New(mesherr.KindSerialization, "encode state document: %v", err)
	}
	return string(b), nil
}

func decodeStateDoc(raw string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "decode state document: %v", err)
	}
	return out, nil
}
