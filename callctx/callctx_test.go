package callctx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
)

func identity(binding, instance string) callctx.NodeIdentity {
	return callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: binding, InstanceName: instance}
}

func TestCurrentFailsOutsideRunWith(t *testing.T) {
	_, err := callctx.Current(context.Background())
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindMissingContext))
}

func TestRunWithMakesContextAmbient(t *testing.T) {
	cc := callctx.New(identity("A", "1"))

	err := callctx.RunWith(context.Background(), cc, func(ctx context.Context) error {
		got, err := callctx.Current(ctx)
		require.NoError(t, err)
		assert.Same(t, cc, got)
		return nil
	})
	require.NoError(t, err)
}

func TestOriginAndCaller(t *testing.T) {
	cc := callctx.New(identity("A", "1")).AppendedChain(identity("B", "2"))

	assert.Equal(t, identity("A", "1"), cc.Origin())
	assert.Equal(t, identity("B", "2"), cc.Caller())
	assert.Len(t, cc.CallChain, 2)
}

func TestAppendedChainDoesNotMutateOriginal(t *testing.T) {
	base := callctx.New(identity("A", "1"))
	base.State["k"] = "v"

	next := base.AppendedChain(identity("B", "2"))
	next.State["k"] = "overwritten"
	next.State["extra"] = true

	assert.Len(t, base.CallChain, 1)
	assert.Equal(t, "v", base.State["k"])
	assert.NotContains(t, base.State, "extra")
}

func TestNewChainBoundaryDropsOriginAuth(t *testing.T) {
	state := map[string]interface{}{"doc": "x"}
	cc := callctx.NewChainBoundary(identity("D", "doc"), state)

	require.Len(t, cc.CallChain, 1)
	assert.Equal(t, identity("D", "doc"), cc.CallChain[0])
	assert.Nil(t, cc.OriginAuth)
	assert.Equal(t, "x", cc.State["doc"])

	// The boundary clones state: the input map stays untouched.
	cc.State["doc"] = "y"
	assert.Equal(t, "x", state["doc"])
}

// Two concurrent invocations with different origins each observe their own
// context throughout execution, including across suspension points.
func TestConcurrentContextIsolation(t *testing.T) {
	var wg sync.WaitGroup
	for _, origin := range []string{"alpha", "beta", "gamma", "delta"} {
		origin := origin
		wg.Add(1)
		go func() {
			defer wg.Done()
			cc := callctx.New(identity(origin, "1"))
			err := callctx.RunWith(context.Background(), cc, func(ctx context.Context) error {
				for i := 0; i < 50; i++ {
					time.Sleep(time.Millisecond)
					got, err := callctx.Current(ctx)
					if err != nil {
						return err
					}
					if got.Origin().BindingName != origin {
						t.Errorf("context bled: want origin %s, got %s", origin, got.Origin().BindingName)
					}
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWithStateDerivesWithoutSharing(t *testing.T) {
	base := callctx.New(identity("A", "1"))
	derived := base.WithState("marker", 7)

	assert.Equal(t, 7, derived.State["marker"])
	assert.NotContains(t, base.State, "marker")
}
