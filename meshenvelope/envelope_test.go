package meshenvelope_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/meshguard"
	"github.com/lyzr/meshcore/meshop"
)

type Echoer struct{ beforeCallErr error }

func (e *Echoer) Echo(s string) string { return "echo: " + s }

func (e *Echoer) OnBeforeCall(ctx context.Context, cc *callctx.CallContext) error {
	return e.beforeCallErr
}

type memIdentityStore struct {
	mu sync.Mutex
	id *callctx.NodeIdentity
}

func (s *memIdentityStore) Load(ctx context.Context) (callctx.NodeIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return callctx.NodeIdentity{}, false, nil
	}
	return *s.id, true, nil
}

func (s *memIdentityStore) Store(ctx context.Context, id callctx.NodeIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = &id
	return nil
}

func originA() callctx.NodeIdentity {
	return callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "A", InstanceName: "1"}
}

func calleeB() callctx.NodeIdentity {
	return callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "B"}
}

// A single-hop echo: the chain executes on the target and the return
// value comes back wrapped.
func TestExecuteOperationSingleHopEcho(t *testing.T) {
	reg := meshguard.NewRegistry()
	target := &Echoer{}
	reg.Mark(target, "Echo", meshguard.Meta{})

	chain := meshop.Chain().Get("Echo").Apply("hi").OperationChain()
	env := meshenvelope.BuildEnvelope(nil, originA(), calleeB(), chain, false)

	resp := meshenvelope.ExecuteOperation(context.Background(), meshenvelope.Handler{
		Target: target,
		Gate:   reg,
		Config: meshop.DefaultConfig(),
	}, env)

	require.Nil(t, resp.Error)
	result, err := meshenvelope.UnwrapResult(resp)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result)
}

func TestExecuteOperationUnsupportedVersion(t *testing.T) {
	env := meshenvelope.BuildEnvelope(nil, originA(), calleeB(), meshop.OperationChain{}, false)
	env.Version = 2

	resp := meshenvelope.ExecuteOperation(context.Background(), meshenvelope.Handler{Target: &Echoer{}}, env)
	require.NotNil(t, resp.Error)
	_, err := meshenvelope.UnwrapResult(resp)
	assert.True(t, mesherr.Is(err, mesherr.KindUnsupportedEnvelope))
}

func TestExecuteOperationMissingContext(t *testing.T) {
	env := &meshenvelope.Envelope{Version: meshenvelope.Version}
	resp := meshenvelope.ExecuteOperation(context.Background(), meshenvelope.Handler{Target: &Echoer{}}, env)
	_, err := meshenvelope.UnwrapResult(resp)
	assert.True(t, mesherr.Is(err, mesherr.KindMissingContext))
}

func TestExecuteOperationNotAuthorized(t *testing.T) {
	reg := meshguard.NewRegistry()
	target := &Echoer{beforeCallErr: assert.AnError}
	reg.Mark(target, "Echo", meshguard.Meta{})

	chain := meshop.Chain().Get("Echo").Apply("hi").OperationChain()
	env := meshenvelope.BuildEnvelope(nil, originA(), calleeB(), chain, false)

	resp := meshenvelope.ExecuteOperation(context.Background(), meshenvelope.Handler{
		Target: target, Gate: reg, Config: meshop.DefaultConfig(),
	}, env)
	_, err := meshenvelope.UnwrapResult(resp)
	assert.True(t, mesherr.Is(err, mesherr.KindNotAuthorized))
}

// A fresh stateful target adopts the first asserted identity; a later
// conflicting assertion fails and leaves the stored identity untouched.
func TestIdentityAutoInitAndMismatch(t *testing.T) {
	store := &memIdentityStore{}
	reg := meshguard.NewRegistry()
	target := &Echoer{}
	reg.Mark(target, "Echo", meshguard.Meta{})
	chain := meshop.Chain().Get("Echo").Apply("hi").OperationChain()

	envX := meshenvelope.BuildEnvelope(nil, originA(), callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "X"}, chain, false)
	resp := meshenvelope.ExecuteOperation(context.Background(), meshenvelope.Handler{
		Target: target, Gate: reg, Config: meshop.DefaultConfig(), Identity: store,
	}, envX)
	require.Nil(t, resp.Error)

	stored, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "X", stored.BindingName)

	envY := meshenvelope.BuildEnvelope(nil, originA(), callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "Y"}, chain, false)
	resp2 := meshenvelope.ExecuteOperation(context.Background(), meshenvelope.Handler{
		Target: target, Gate: reg, Config: meshop.DefaultConfig(), Identity: store,
	}, envY)
	require.NotNil(t, resp2.Error)
	_, err = meshenvelope.UnwrapResult(resp2)
	assert.True(t, mesherr.Is(err, mesherr.KindIdentityMismatch))

	stillStored, _, _ := store.Load(context.Background())
	assert.Equal(t, "X", stillStored.BindingName, "the original identity must survive a rejected conflicting assertion")
}

// Context propagation across A -> B -> C: C sees origin A and caller B.
func TestContextPropagationThreeHops(t *testing.T) {
	// B's ambient context is the one A's envelope delivered: [A].
	envAB := meshenvelope.BuildEnvelope(nil, originA(), calleeB(), meshop.OperationChain{}, false)
	ctxAB := envAB.CallContext
	envBC := meshenvelope.BuildEnvelope(ctxAB, calleeB(), callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "C"}, meshop.OperationChain{}, false)

	require.Len(t, envBC.CallContext.CallChain, 2)
	assert.Equal(t, originA(), envBC.CallContext.Origin())
	assert.Equal(t, calleeB(), envBC.CallContext.Caller())
}

// newChain isolation: the receiver sees a fresh one-hop chain with no
// origin auth.
func TestNewChainIsolation(t *testing.T) {
	cc := callctx.New(originA())
	cc.OriginAuth = &callctx.OriginAuth{UserID: "u1"}

	env := meshenvelope.BuildEnvelope(cc, calleeB(), callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "C"}, meshop.OperationChain{}, true)

	require.Len(t, env.CallContext.CallChain, 1)
	assert.Equal(t, calleeB(), env.CallContext.CallChain[0])
	assert.Nil(t, env.CallContext.OriginAuth)
}

func TestStateDeltaRoundTrip(t *testing.T) {
	before := map[string]interface{}{"counter": 1.0, "name": "a"}
	after := map[string]interface{}{"counter": 2.0, "name": "a"}

	delta, err := meshenvelope.StateDelta(before, after)
	require.NoError(t, err)

	merged, err := meshenvelope.ApplyStateDelta(before, delta)
	require.NoError(t, err)
	assert.Equal(t, after, merged)
}
