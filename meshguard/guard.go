// Package meshguard implements the mesh gate: the check that the
// entry-point method of an incoming chain carries a mesh marker, and that
// any attached guard expression admits the current call context.
//
// Go has no decorator syntax, so "carries a mesh marker" is an explicit
// registration call — Mark(actor, "MethodName", Meta{...}) — made once when
// an actor type is constructed, the same way route registration explicitly
// lists which handlers are reachable rather than inferring it from
// annotations.
package meshguard

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/mesherr"
)

// Meta is the mesh marker attached to one entry-point method.
type Meta struct {
	// Guard is a CEL expression evaluated against the ambient call context
	// (bound to the `ctx` variable) when the first Apply of an incoming
	// chain targets this method. An empty Guard means the method is
	// mesh-callable unconditionally.
	Guard string
}

// Registry is the process-wide mesh-marker table, plus a compiled-program
// cache: one mutex-guarded map from expression text to compiled
// cel.Program, reused across every evaluation of the same guard string.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Meta

	progMu sync.RWMutex
	progs  map[string]cel.Program
}

// NewRegistry constructs an empty mesh-marker registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Meta),
		progs:   make(map[string]cel.Program),
	}
}

// Mark registers method on target's type as a mesh entry point.
func (r *Registry) Mark(target interface{}, method string, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey(target, method)] = meta
}

// IsMarked reports whether method is registered on target's type.
func (r *Registry) IsMarked(target interface{}, method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[registryKey(target, method)]
	return ok
}

func registryKey(target interface{}, method string) string {
	t := reflect.TypeOf(target)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>#" + method
	}
	return t.PkgPath() + "." + t.Name() + "#" + method
}

// CheckEntry implements meshop.GateChecker: it is invoked on the first Apply
// of every chain. An unmarked method fails NotMeshCallable; a marked method
// with a guard runs that guard against the ambient CallContext, failing
// GuardDenied on rejection or evaluation error — the method body is never
// reached in either failure case.
func (r *Registry) CheckEntry(ctx context.Context, target interface{}, methodName string) error {
	r.mu.RLock()
	meta, ok := r.entries[registryKey(target, methodName)]
	r.mu.RUnlock()

	if !ok {
		return mesherr.New(mesherr.KindNotMeshCallable, "method %q has no mesh marker", methodName)
	}
	if meta.Guard == "" {
		return nil
	}

	cc, err := callctx.Current(ctx)
	if err != nil {
		return err
	}

	admitted, err := r.evalGuard(meta.Guard, cc)
	if err != nil {
		return mesherr.New(mesherr.KindGuardDenied, "guard %q for %q failed to evaluate: %v", meta.Guard, methodName, err)
	}
	if !admitted {
		return mesherr.New(mesherr.KindGuardDenied, "guard %q rejected call to %q", meta.Guard, methodName)
	}
	return nil
}

func (r *Registry) evalGuard(expr string, cc *callctx.CallContext) (bool, error) {
	r.progMu.RLock()
	prg, ok := r.progs[expr]
	r.progMu.RUnlock()

	if !ok {
		env, err := cel.NewEnv(
			cel.Variable("ctx", cel.DynType),
		)
		if err != nil {
			return false, fmt.Errorf("cel env: %w", err)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("cel compile %q: %w", expr, issues.Err())
		}
		prg, err = env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("cel program %q: %w", expr, err)
		}
		r.progMu.Lock()
		r.progs[expr] = prg
		r.progMu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{"ctx": contextToMap(cc)})
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not evaluate to a boolean", expr)
	}
	return result, nil
}

func contextToMap(cc *callctx.CallContext) map[string]interface{} {
	chain := make([]interface{}, len(cc.CallChain))
	for i, id := range cc.CallChain {
		chain[i] = map[string]interface{}{
			"kind":         string(id.Kind),
			"bindingName":  id.BindingName,
			"instanceName": id.InstanceName,
		}
	}
	m := map[string]interface{}{
		"callChain": chain,
		"state":     cc.State,
	}
	if cc.OriginAuth != nil {
		m["originAuth"] = map[string]interface{}{
			"userId": cc.OriginAuth.UserID,
			"claims": cc.OriginAuth.Claims,
		}
	} else {
		m["originAuth"] = nil
	}
	return m
}
