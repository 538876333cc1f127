package meshruntime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshactor"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/meshguard"
	"github.com/lyzr/meshcore/meshop"
	"github.com/lyzr/meshcore/meshruntime"
	"github.com/lyzr/meshcore/meshserialize"
)

type mesh struct {
	registry  *meshruntime.Registry
	transport *meshruntime.LocalTransport
	gate      *meshguard.Registry
}

func newMesh() *mesh {
	m := &mesh{
		registry: meshruntime.NewRegistry(),
		gate:     meshguard.NewRegistry(),
	}
	m.transport = &meshruntime.LocalTransport{Registry: m.registry}
	return m
}

func (m *mesh) deps() meshactor.Deps {
	return meshactor.Deps{
		Transport:     m.transport,
		Gate:          m.gate,
		Config:        meshop.DefaultConfig(),
		Storage:       meshactor.NewMemoryKV(),
		Continuations: continuation.NewMemoryStore(),
		Alarms:        continuation.NewMemoryAlarms(nil),
	}
}

// RelayActor forwards to another node and reports what it sees.
type RelayActor struct {
	meshactor.StatefulActor
}

// CallAndReturnContext hops to the named target's GetCallContext.
func (r *RelayActor) CallAndReturnContext(ctx context.Context, binding, instance string) (interface{}, error) {
	chain := r.Lmz().Ctn().Get("GetCallContext").Apply().OperationChain()
	return r.Lmz().CallRaw(ctx, binding, instance, chain)
}

// GetCallContext returns the ambient context as observed by this node.
func (r *RelayActor) GetCallContext(ctx context.Context) (*callctx.CallContext, error) {
	return r.Lmz().CallContext(ctx)
}

type CounterWorker struct {
	meshactor.StatelessWorker
	hits *int
	mu   *sync.Mutex
}

func (w *CounterWorker) Bump() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	*w.hits++
	return *w.hits
}

func TestGetActorResolution(t *testing.T) {
	m := newMesh()

	a := &RelayActor{}
	a.Configure(a, m.deps())
	m.registry.RegisterActor("Doc", "d1", a)

	node, err := m.registry.GetActor("Doc", "d1")
	require.NoError(t, err)
	assert.Equal(t, meshruntime.Node(a), node)

	_, err = m.registry.GetActor("Doc", "unknown")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindServiceNotFound))
}

func TestWorkerFactoryBuildsFreshInstances(t *testing.T) {
	m := newMesh()

	hits := 0
	var mu sync.Mutex
	var built []meshruntime.Node
	m.registry.RegisterWorker("Counter", func() meshruntime.Node {
		w := &CounterWorker{hits: &hits, mu: &mu}
		w.Configure(w, "Counter", m.deps())
		built = append(built, w)
		return w
	})

	first, err := m.registry.GetActor("Counter", "")
	require.NoError(t, err)
	second, err := m.registry.GetActor("Counter", "")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "each resolution must get a fresh worker")
	assert.Len(t, built, 2)
}

// A -> B -> C: C observes origin A and immediate caller B, chain length 2.
func TestThreeHopContextPropagation(t *testing.T) {
	m := newMesh()

	b := &RelayActor{}
	b.Configure(b, m.deps())
	require.NoError(t, b.Lmz().Init(context.Background(), "B", "2"))
	m.registry.RegisterActor("B", "2", b)
	m.gate.Mark(b, "CallAndReturnContext", meshguard.Meta{})

	c := &RelayActor{}
	c.Configure(c, m.deps())
	require.NoError(t, c.Lmz().Init(context.Background(), "C", "3"))
	m.registry.RegisterActor("C", "3", c)
	m.gate.Mark(c, "GetCallContext", meshguard.Meta{})

	a := &RelayActor{}
	a.Configure(a, m.deps())
	require.NoError(t, a.Lmz().Init(context.Background(), "A", "1"))

	chain := a.Lmz().Ctn().Get("CallAndReturnContext").Apply("C", "3").OperationChain()
	result, err := a.Lmz().CallRaw(context.Background(), "B", "2", chain)
	require.NoError(t, err)

	// The context crossed two envelope boundaries, so it arrives as the
	// decoded wire shape rather than the original struct.
	observed, ok := result.(map[string]interface{})
	require.True(t, ok, "got %T", result)
	hops, ok := observed["callChain"].([]interface{})
	require.True(t, ok)
	require.Len(t, hops, 2)
	origin := hops[0].(map[string]interface{})
	caller := hops[1].(map[string]interface{})
	assert.Equal(t, "A", origin["bindingName"])
	assert.Equal(t, "1", origin["instanceName"])
	assert.Equal(t, "B", caller["bindingName"])
	assert.Equal(t, "2", caller["instanceName"])
}

// SubscriberActor records the contexts its update handler observes.
type SubscriberActor struct {
	meshactor.StatefulActor

	mu       sync.Mutex
	observed []*callctx.CallContext
}

func (s *SubscriberActor) HandleContentUpdate(ctx context.Context, doc, content string) error {
	cc, err := s.Lmz().CallContext(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.observed = append(s.observed, cc)
	s.mu.Unlock()
	return nil
}

// DocumentActor broadcasts updates to its subscribers with fresh chain
// semantics, so recipients see the document — not the updating client — as
// the origin.
type DocumentActor struct {
	meshactor.StatefulActor
	subscribers []string
}

func (d *DocumentActor) Update(ctx context.Context, content string) error {
	for _, sub := range d.subscribers {
		chain := d.Lmz().Ctn().Get("HandleContentUpdate").Apply("doc", content).OperationChain()
		if _, err := d.Lmz().Call(ctx, sub, "1", chain, continuation.CallOptions{NewChain: true}); err != nil {
			return err
		}
	}
	return nil
}

// newChain fan-out: each subscriber observes callChain == [D/doc] and no
// origin auth, even though the update came in from an authenticated client.
func TestNewChainFanOut(t *testing.T) {
	m := newMesh()

	subs := make([]*SubscriberActor, 2)
	for i, name := range []string{"c1", "c2"} {
		s := &SubscriberActor{}
		s.Configure(s, m.deps())
		require.NoError(t, s.Lmz().Init(context.Background(), name, "1"))
		m.registry.RegisterActor(name, "1", s)
		m.gate.Mark(s, "HandleContentUpdate", meshguard.Meta{})
		subs[i] = s
	}

	doc := &DocumentActor{subscribers: []string{"c1", "c2"}}
	doc.Configure(doc, m.deps())
	require.NoError(t, doc.Lmz().Init(context.Background(), "D", "doc"))
	m.registry.RegisterActor("D", "doc", doc)
	m.gate.Mark(doc, "Update", meshguard.Meta{})

	// The update arrives from client c1 with origin auth attached.
	clientCtx := callctx.New(callctx.NodeIdentity{Kind: callctx.KindClient, BindingName: "c1"})
	clientCtx.OriginAuth = &callctx.OriginAuth{UserID: "u1"}

	chain := meshop.Chain().Get("Update").Apply("x").OperationChain()
	env := meshenvelope.BuildEnvelope(clientCtx,
		callctx.NodeIdentity{Kind: callctx.KindClient, BindingName: "c1"},
		callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "D", InstanceName: "doc"},
		chain, false)

	resp := doc.ExecuteOperation(context.Background(), env)
	require.Nil(t, resp.Error)

	require.Eventually(t, func() bool {
		for _, s := range subs {
			s.mu.Lock()
			n := len(s.observed)
			s.mu.Unlock()
			if n != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "both subscribers must receive the broadcast")

	for _, s := range subs {
		s.mu.Lock()
		cc := s.observed[0]
		s.mu.Unlock()
		require.Len(t, cc.CallChain, 1)
		assert.Equal(t, "D", cc.CallChain[0].BindingName)
		assert.Equal(t, "doc", cc.CallChain[0].InstanceName)
		assert.Nil(t, cc.OriginAuth, "newChain must drop origin auth")
	}
}

// A registered custom error class thrown by a mesh method survives the
// envelope boundary with its class identity intact.
type quotaError struct {
	Remaining int
}

func (e *quotaError) Error() string { return "quota exhausted" }

type QuotaActor struct {
	meshactor.StatefulActor
}

func (q *QuotaActor) Consume() error {
	return &quotaError{Remaining: 0}
}

func TestErrorClassPreservedAcrossBoundary(t *testing.T) {
	meshserialize.RegisterErrorClass("*meshruntime_test.quotaError", func(env meshserialize.ErrorEnvelope) error {
		return &quotaError{}
	})

	m := newMesh()
	q := &QuotaActor{}
	q.Configure(q, m.deps())
	m.registry.RegisterActor("Quota", "", q)
	m.gate.Mark(q, "Consume", meshguard.Meta{})

	caller := &RelayActor{}
	caller.Configure(caller, m.deps())

	chain := caller.Lmz().Ctn().Get("Consume").Apply().OperationChain()
	_, err := caller.Lmz().CallRaw(context.Background(), "Quota", "", chain)
	require.Error(t, err)

	var qe *quotaError
	assert.ErrorAs(t, err, &qe)
}
