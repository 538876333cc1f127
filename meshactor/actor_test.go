package meshactor_test

import (
	"context"
	"encoding/json"
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
)

type EchoActor struct {
	meshactor.StatefulActor
}

func (e *EchoActor) Echo(s string) string { return "echo: " + s }

type SpellCheck struct {
	meshactor.StatelessWorker
}

func (s *SpellCheck) Check(word string) string {
	if word == "teh" {
		return "the"
	}
	return word
}

type SlowWorker struct {
	meshactor.StatelessWorker
	release chan struct{}
}

func (s *SlowWorker) DoWork() string {
	<-s.release
	return "done"
}

type Notifier struct {
	meshactor.StatefulActor

	mu        sync.Mutex
	delivered []interface{}
	signal    chan struct{}
}

func (n *Notifier) HandleResult(v interface{}) {
	n.mu.Lock()
	n.delivered = append(n.delivered, v)
	n.mu.Unlock()
	n.signal <- struct{}{}
}

func (n *Notifier) results() []interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]interface{}, len(n.delivered))
	copy(out, n.delivered)
	return out
}

type fixture struct {
	registry  *meshruntime.Registry
	transport *meshruntime.LocalTransport
	gate      *meshguard.Registry
	store     *continuation.MemoryStore
	alarms    *continuation.MemoryAlarms
}

// newFixture wires a single-process mesh: local transport, in-memory
// continuation store, and an alarm scheduler that delivers claimed fires
// back through the transport the way the production sweeper does.
func newFixture() *fixture {
	f := &fixture{
		registry: meshruntime.NewRegistry(),
		gate:     meshguard.NewRegistry(),
		store:    continuation.NewMemoryStore(),
	}
	f.transport = &meshruntime.LocalTransport{Registry: f.registry}
	f.alarms = continuation.NewMemoryAlarms(func(id, payload string) {
		var p continuation.AlarmPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return
		}
		env := meshenvelope.BuildEnvelope(nil,
			callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "AlarmSweeper"},
			p.Caller, continuation.TimeoutDeliveryChain(p.ReqID), false)
		_, _ = f.transport.Send(context.Background(), p.Caller, env)
	})
	return f
}

func (f *fixture) deps(storage meshactor.KV) meshactor.Deps {
	return meshactor.Deps{
		Transport:     f.transport,
		Gate:          f.gate,
		Config:        meshop.DefaultConfig(),
		Storage:       storage,
		Continuations: f.store,
		Alarms:        f.alarms,
	}
}

// Single hop echo: a caller dispatches Echo("hi") against a registered
// actor and gets the method's return value back.
func TestSingleHopEcho(t *testing.T) {
	f := newFixture()

	echo := &EchoActor{}
	echo.Configure(echo, f.deps(meshactor.NewMemoryKV()))
	f.gate.Mark(echo, "Echo", meshguard.Meta{})
	f.registry.RegisterActor("B", "", echo)

	caller := &EchoActor{}
	caller.Configure(caller, f.deps(meshactor.NewMemoryKV()))
	require.NoError(t, caller.Lmz().Init(context.Background(), "A", "1"))

	chain := caller.Lmz().Ctn().Get("Echo").Apply("hi").OperationChain()
	result, err := caller.Lmz().CallRaw(context.Background(), "B", "", chain)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result)
}

func TestCallRawUnmarkedMethodFails(t *testing.T) {
	f := newFixture()

	echo := &EchoActor{}
	echo.Configure(echo, f.deps(meshactor.NewMemoryKV()))
	f.registry.RegisterActor("B", "", echo)

	caller := &EchoActor{}
	caller.Configure(caller, f.deps(meshactor.NewMemoryKV()))

	chain := caller.Lmz().Ctn().Get("Echo").Apply("hi").OperationChain()
	_, err := caller.Lmz().CallRaw(context.Background(), "B", "", chain)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindNotMeshCallable))
}

func TestIdentitySingleAssignment(t *testing.T) {
	f := newFixture()

	actor := &EchoActor{}
	actor.Configure(actor, f.deps(meshactor.NewMemoryKV()))

	ctx := context.Background()
	_, ok, err := actor.Lmz().Identity(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh stateful actor must have no identity")

	require.NoError(t, actor.Lmz().Init(ctx, "Doc", "d1"))
	binding, err := actor.Lmz().BindingName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Doc", binding)

	// Re-asserting the same identity is fine; a different one is not.
	require.NoError(t, actor.Lmz().Init(ctx, "Doc", "d1"))
	err = actor.Lmz().Init(ctx, "Doc", "d2")
	assert.True(t, mesherr.Is(err, mesherr.KindIdentityMismatch))
}

func TestInitGeneratesInstanceID(t *testing.T) {
	f := newFixture()

	actor := &EchoActor{}
	actor.Configure(actor, f.deps(meshactor.NewMemoryKV()))

	require.NoError(t, actor.Lmz().Init(context.Background(), "Doc", ""))
	instance, err := actor.Lmz().InstanceName(context.Background())
	require.NoError(t, err)
	assert.Len(t, instance, 64)
}

// Fire-and-forget with a result continuation: the worker's return value is
// substituted into the caller-authored chain and delivered to the caller's
// handler method.
func TestFireAndForgetResultDelivery(t *testing.T) {
	f := newFixture()

	notifier := &Notifier{signal: make(chan struct{}, 4)}
	notifier.Configure(notifier, f.deps(meshactor.NewMemoryKV()))
	require.NoError(t, notifier.Lmz().Init(context.Background(), "Notifier", "n1"))
	f.registry.RegisterActor("Notifier", "n1", notifier)

	f.registry.RegisterWorker("SpellCheck", func() meshruntime.Node {
		w := &SpellCheck{}
		w.Configure(w, "SpellCheck", f.deps(nil))
		f.gate.Mark(w, "Check", meshguard.Meta{})
		return w
	})

	remote := meshop.Chain().Get("Check").Apply("teh").OperationChain()
	_, err := notifier.Lmz().Call(context.Background(), "SpellCheck", "", remote, continuation.CallOptions{
		ContinuationChain: continuation.DeliverChain("HandleResult"),
	})
	require.NoError(t, err)

	select {
	case <-notifier.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("continuation was never delivered")
	}
	require.Len(t, notifier.results(), 1)
	assert.Equal(t, "the", notifier.results()[0])
}

// Timeout backstop: the worker never replies in time, the alarm fires, the
// handler observes a TimeoutError value, and the late real result is
// dropped — exactly one delivery.
func TestTimeoutBackstopExclusivity(t *testing.T) {
	f := newFixture()

	notifier := &Notifier{signal: make(chan struct{}, 4)}
	notifier.Configure(notifier, f.deps(meshactor.NewMemoryKV()))
	require.NoError(t, notifier.Lmz().Init(context.Background(), "Notifier", "n1"))
	f.registry.RegisterActor("Notifier", "n1", notifier)

	release := make(chan struct{})
	f.registry.RegisterWorker("Slow", func() meshruntime.Node {
		w := &SlowWorker{release: release}
		w.Configure(w, "Slow", f.deps(nil))
		f.gate.Mark(w, "DoWork", meshguard.Meta{})
		return w
	})

	remote := meshop.Chain().Get("DoWork").Apply().OperationChain()
	_, err := notifier.Lmz().Call(context.Background(), "Slow", "", remote, continuation.CallOptions{
		ContinuationChain: continuation.DeliverChain("HandleResult"),
		TimeoutMs:         50,
	})
	require.NoError(t, err)

	select {
	case <-notifier.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout continuation was never delivered")
	}

	results := notifier.results()
	require.Len(t, results, 1)
	timeoutErr, ok := results[0].(error)
	require.True(t, ok, "timeout path must deliver an error value, got %T", results[0])
	assert.True(t, mesherr.Is(timeoutErr, mesherr.KindTimeout))

	// Let the slow worker finish; its late result must be discarded.
	close(release)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, notifier.results(), 1, "late result after timeout must not trigger a second delivery")
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestSvcFacadeMemoizesAndFailsUnknown(t *testing.T) {
	f := newFixture()

	services := meshactor.NewServiceRegistry()
	built := 0
	services.Register("clock", func(node interface{}) (interface{}, error) {
		built++
		return &clock{now: time.Unix(42, 0)}, nil
	})

	deps := f.deps(meshactor.NewMemoryKV())
	deps.Services = services

	actor := &EchoActor{}
	actor.Configure(actor, deps)

	first, err := actor.Svc().Get("clock")
	require.NoError(t, err)
	second, err := actor.Svc().Get("clock")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, built, "factory must run once per node instance")

	_, err = actor.Svc().Get("mailer")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindServiceNotFound))
}

func TestPersistStateMergesDeltas(t *testing.T) {
	f := newFixture()

	kv := meshactor.NewMemoryKV()
	actor := &EchoActor{}
	actor.Configure(actor, f.deps(kv))

	cc := callctx.New(callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "Doc"})
	err := callctx.RunWith(context.Background(), cc, func(ctx context.Context) error {
		if err := actor.Lmz().MutateState(ctx, "title", "draft"); err != nil {
			return err
		}
		if err := actor.Lmz().PersistState(ctx); err != nil {
			return err
		}
		if err := actor.Lmz().MutateState(ctx, "rev", 2.0); err != nil {
			return err
		}
		return actor.Lmz().PersistState(ctx)
	})
	require.NoError(t, err)

	loaded, err := actor.Lmz().LoadPersistedState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "draft", "rev": 2.0}, loaded)
}
