// Package meshruntime is one concrete hosting runtime for mesh nodes: an
// in-process actor registry and transport, a Redis stream transport for
// multi-process deployments, a Redis-backed alarm scheduler, and (in the
// pgstorage subpackage) Postgres-backed actor storage. The core packages
// only depend on the collaborator interfaces; this package is the
// swappable wiring behind them.
package meshruntime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
)

// Node is anything addressable by the registry: it must be able to answer
// an incoming envelope. StatefulActor and StatelessWorker (meshactor)
// satisfy this.
type Node interface {
	ExecuteOperation(ctx context.Context, env *meshenvelope.Envelope) *meshenvelope.ResultEnvelope
}

// WorkerFactory constructs a fresh stateless worker per resolution — each
// invocation potentially runs on a fresh execution context.
type WorkerFactory func() Node

// Registry is the in-process binding table: `getActor(bindingName,
// instanceName?)` resolved against actors registered by (binding, instance)
// and workers registered by binding alone.
type Registry struct {
	mu      sync.RWMutex
	actors  map[string]Node
	workers map[string]WorkerFactory
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actors:  make(map[string]Node),
		workers: make(map[string]WorkerFactory),
	}
}

// RegisterActor binds a persistent stateful actor instance under
// (bindingName, instanceName).
func (r *Registry) RegisterActor(bindingName, instanceName string, node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[actorKey(bindingName, instanceName)] = node
}

// RegisterWorker binds a stateless worker factory under bindingName; each
// resolution gets its own fresh Node.
func (r *Registry) RegisterWorker(bindingName string, factory WorkerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[bindingName] = factory
}

// GetActor resolves a binding (and optional instance) to a node.
func (r *Registry) GetActor(bindingName, instanceName string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if instanceName != "" {
		if n, ok := r.actors[actorKey(bindingName, instanceName)]; ok {
			return n, nil
		}
		// A binding with no actor registered for that exact instance
		// still falls through to a worker factory, covering the
		// stateless case where callers pass an instance name that the
		// worker ignores.
	}
	if f, ok := r.workers[bindingName]; ok {
		return f(), nil
	}
	if n, ok := r.actors[actorKey(bindingName, instanceName)]; ok {
		return n, nil
	}
	return nil, mesherr.New(mesherr.KindServiceNotFound, "no node registered for binding %q instance %q", bindingName, instanceName)
}

func actorKey(bindingName, instanceName string) string {
	return fmt.Sprintf("%s/%s", bindingName, instanceName)
}

// Bindings lists everything registered: actor instances as
// "binding/instance", workers as "binding".
func (r *Registry) Bindings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.actors)+len(r.workers))
	for k := range r.actors {
		out = append(out, k)
	}
	for k := range r.workers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LocalTransport implements meshenvelope.Transport by resolving the target
// through a Registry and invoking ExecuteOperation in-process. A
// cross-process deployment swaps this for a transport that serializes the
// envelope over Redis streams instead (see RedisTransport).
type LocalTransport struct {
	Registry *Registry
}

// Send implements meshenvelope.Transport.
func (t *LocalTransport) Send(ctx context.Context, target callctx.NodeIdentity, env *meshenvelope.Envelope) (*meshenvelope.ResultEnvelope, error) {
	node, err := t.Registry.GetActor(target.BindingName, target.InstanceName)
	if err != nil {
		return nil, err
	}
	return node.ExecuteOperation(ctx, env), nil
}
