package meshguard_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshguard"
)

type Vault struct{}

func (v *Vault) Open() string  { return "open" }
func (v *Vault) Audit() string { return "audit" }

func ambient(t *testing.T, cc *callctx.CallContext) context.Context {
	t.Helper()
	var out context.Context
	err := callctx.RunWith(context.Background(), cc, func(c context.Context) error {
		out = c
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestUnmarkedMethodIsNotMeshCallable(t *testing.T) {
	reg := meshguard.NewRegistry()
	err := reg.CheckEntry(context.Background(), &Vault{}, "Open")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindNotMeshCallable))
}

func TestMarkedMethodWithoutGuardIsAdmitted(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Vault{}, "Open", meshguard.Meta{})
	assert.NoError(t, reg.CheckEntry(context.Background(), &Vault{}, "Open"))
}

func TestGuardAdmitsMatchingOriginAuth(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Vault{}, "Open", meshguard.Meta{Guard: `ctx.originAuth != null && ctx.originAuth.userId == "root"`})

	cc := callctx.New(callctx.NodeIdentity{Kind: callctx.KindClient, BindingName: "gw"})
	cc.OriginAuth = &callctx.OriginAuth{UserID: "root"}

	assert.NoError(t, reg.CheckEntry(ambient(t, cc), &Vault{}, "Open"))
}

func TestGuardRejectsWithoutOriginAuth(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Vault{}, "Open", meshguard.Meta{Guard: `ctx.originAuth != null`})

	cc := callctx.New(callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "W"})
	err := reg.CheckEntry(ambient(t, cc), &Vault{}, "Open")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindGuardDenied))
}

func TestGuardCanInspectCallChain(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Vault{}, "Audit", meshguard.Meta{Guard: `ctx.callChain[0].bindingName == "Auditor"`})

	ok := callctx.New(callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "Auditor", InstanceName: "1"})
	assert.NoError(t, reg.CheckEntry(ambient(t, ok), &Vault{}, "Audit"))

	bad := callctx.New(callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "Intruder", InstanceName: "1"})
	err := reg.CheckEntry(ambient(t, bad), &Vault{}, "Audit")
	assert.True(t, mesherr.Is(err, mesherr.KindGuardDenied))
}

func TestGuardCompileErrorSurfacesAsDenied(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Vault{}, "Open", meshguard.Meta{Guard: `this is not CEL`})

	cc := callctx.New(callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "W"})
	err := reg.CheckEntry(ambient(t, cc), &Vault{}, "Open")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindGuardDenied))
}

func TestGuardRequiresAmbientContext(t *testing.T) {
	reg := meshguard.NewRegistry()
	reg.Mark(&Vault{}, "Open", meshguard.Meta{Guard: `true`})

	err := reg.CheckEntry(context.Background(), &Vault{}, "Open")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindMissingContext))
}
