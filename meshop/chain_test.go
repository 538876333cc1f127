package meshop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshguard"
	"github.com/lyzr/meshcore/meshop"
)

type Calc struct{}

func (c *Calc) Add(a, b float64) float64 { return a + b }
func (c *Calc) Mul(a, b float64) float64 { return a * b }

type Admin struct{}

func (a *Admin) ForceReset() string { return "reset" }

type Gatekeeper struct{ admin *Admin }

func (g *Gatekeeper) Admin() *Admin { return g.admin }

func ambientCtx(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()
	cc := callctx.New(callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "Test"})
	var result context.Context
	err := callctx.RunWith(ctx, cc, func(c context.Context) error {
		result = c
		return nil
	})
	require.NoError(t, err)
	return result
}

// A builder records exactly the Get/Apply sequence a direct call chain
// would need, and executing it reproduces the direct call's result.
func TestChainFidelity(t *testing.T) {
	b := meshop.Chain().Get("Add").Apply(1.0, 10.0)
	chain := b.OperationChain()

	require.Len(t, chain, 2)
	assert.Equal(t, meshop.OpGet, chain[0].Kind)
	assert.Equal(t, "Add", chain[0].Key)
	assert.Equal(t, meshop.OpApply, chain[1].Kind)
	assert.Equal(t, []interface{}{1.0, 10.0}, chain[1].Args)

	reg := meshguard.NewRegistry()
	reg.Mark(&Calc{}, "Add", meshguard.Meta{})

	result, err := meshop.Execute(ambientCtx(t), chain, &Calc{}, meshop.DefaultConfig(), reg)
	require.NoError(t, err)
	assert.Equal(t, 11.0, result)
}

// Args with no nested markers come back as the exact same backing slice,
// not a rebuilt copy.
func TestIdentityPreservationNoMarkers(t *testing.T) {
	type key struct{}
	args := []interface{}{1.0, key{}}

	resolved, err := meshop.ResolveNestedArgs(ambientCtx(t), args, &Calc{}, meshop.DefaultConfig(), nil)
	require.NoError(t, err)

	resolvedSlice := ([]interface{})(resolved)
	argsPtr := &args[0]
	resolvedPtr := &resolvedSlice[0]
	assert.Same(t, argsPtr, resolvedPtr, "args with no nested markers must not be rebuilt")
}

// Result substitution fills every placeholder; with none present the value
// is appended as the final argument.
func TestSubstituteResult(t *testing.T) {
	b := meshop.Chain().Get("HandleResult").Apply(meshop.Chain().Result())
	chain := b.OperationChain()

	filled := meshop.SubstituteResult(chain, "hello")
	require.Len(t, filled, 2)
	assert.Equal(t, []interface{}{"hello"}, filled[1].Args)

	// No placeholder present: value is appended.
	b2 := meshop.Chain().Get("HandleResult").Apply("existing")
	filled2 := meshop.SubstituteResult(b2.OperationChain(), "appended")
	assert.Equal(t, []interface{}{"existing", "appended"}, filled2[1].Args)
}

// An unmarked method fails NotMeshCallable; marking it makes the same
// chain succeed; a rejecting guard fails GuardDenied without ever calling
// the method.
func TestMeshGate(t *testing.T) {
	reg := meshguard.NewRegistry()
	chain := meshop.Chain().Get("Add").Apply(1.0, 2.0).OperationChain()

	_, err := meshop.Execute(ambientCtx(t), chain, &Calc{}, meshop.DefaultConfig(), reg)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindNotMeshCallable))

	reg.Mark(&Calc{}, "Add", meshguard.Meta{})
	result, err := meshop.Execute(ambientCtx(t), chain, &Calc{}, meshop.DefaultConfig(), reg)
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)

	reg.Mark(&Calc{}, "Add", meshguard.Meta{Guard: `ctx.originAuth != null`})
	_, err = meshop.Execute(ambientCtx(t), chain, &Calc{}, meshop.DefaultConfig(), reg)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindGuardDenied))
}

// Only the entry-point Apply is gated; values it returns chain further
// without a second gate check.
func TestCapabilityTrust(t *testing.T) {
	reg := meshguard.NewRegistry()
	gk := &Gatekeeper{admin: &Admin{}}
	reg.Mark(gk, "Admin", meshguard.Meta{})
	// ForceReset is deliberately never marked.

	chain := meshop.Chain().Get("Admin").Apply().Get("ForceReset").Apply().OperationChain()
	result, err := meshop.Execute(ambientCtx(t), chain, gk, meshop.DefaultConfig(), reg)
	require.NoError(t, err)
	assert.Equal(t, "reset", result)
}

// Nested marker chains resolve depth-first against the same target before
// the enclosing Apply runs.
func TestNestedOperations(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Calc{}, "Add", meshguard.Meta{})
	reg.Mark(&Calc{}, "Mul", meshguard.Meta{})

	outer := meshop.Chain().Get("Add").Apply(
		meshop.Chain().Get("Add").Apply(1.0, 10.0),
		meshop.Chain().Get("Add").Apply(100.0, 1000.0),
	)

	result, err := meshop.Execute(ambientCtx(t), outer.OperationChain(), &Calc{}, meshop.DefaultConfig(), reg)
	require.NoError(t, err)
	assert.Equal(t, 1111.0, result)
}

func TestChainTooDeepAndTooManyArgs(t *testing.T) {
	cfg := meshop.Config{MaxDepth: 1, MaxArgs: 1, RequireMeshDecorator: true}
	chain := meshop.Chain().Get("Add").Apply(1.0, 2.0).OperationChain()

	_, err := meshop.Execute(ambientCtx(t), chain, &Calc{}, cfg, nil)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindChainTooDeep))

	cfg2 := meshop.Config{MaxDepth: 50, MaxArgs: 1, RequireMeshDecorator: true}
	_, err = meshop.Execute(ambientCtx(t), chain, &Calc{}, cfg2, nil)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindTooManyArgs))
}
