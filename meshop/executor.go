package meshop

import (
	"context"
	"reflect"

	"github.com/lyzr/meshcore/mesherr"
)

// GateChecker is consulted on the first Apply of any chain executed
// against a target (the mesh gate). meshguard implements this; meshop only
// depends on the interface so the two packages don't form a cycle.
type GateChecker interface {
	CheckEntry(ctx context.Context, target interface{}, methodName string) error
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Execute interprets chain against target: validate, walk Get/Apply left
// to right, gate the first Apply, resolve nested arguments depth-first,
// call, and return the final value.
//
// Reflection provides the dynamic property access and invocation: Get
// resolves to either a bound method value or a struct field/map entry;
// Apply requires the current value to be a reflect.Func (i.e., the previous
// Get must have found a method). reflect.Value.MethodByName returns a value
// bound to its receiver, so no separate receiver lookup is needed — method
// values carry the receiver with them by construction.
func Execute(ctx context.Context, chain OperationChain, target interface{}, cfg Config, gate GateChecker) (interface{}, error) {
	if err := chain.Validate(cfg); err != nil {
		return nil, err
	}

	current := reflect.ValueOf(target)
	methodName := ""
	gateChecked := false

	for i, op := range chain {
		switch op.Kind {
		case OpGet:
			next, name, err := resolveGet(current, op.Key)
			if err != nil {
				return nil, err
			}
			current = next
			methodName = name

		case OpApply:
			if !current.IsValid() || current.Kind() != reflect.Func {
				return nil, mesherr.New(mesherr.KindNotCallable, "chain index %d: %q is not callable", i, methodName)
			}
			if !gateChecked {
				if cfg.RequireMeshDecorator && gate != nil {
					if err := gate.CheckEntry(ctx, target, methodName); err != nil {
						return nil, err
					}
				}
				gateChecked = true
			}

			args, err := ResolveNestedArgs(ctx, op.Args, target, cfg, gate)
			if err != nil {
				return nil, err
			}

			result, err := callFunc(ctx, current, args)
			if err != nil {
				return nil, err
			}
			current = result
		}
	}

	if !current.IsValid() {
		return nil, nil
	}
	return current.Interface(), nil
}

// resolveGet looks up key as a method first, then a struct field, then a map
// entry — methods take priority since a chain's Get almost always precedes
// an Apply. methodName is returned only when key resolved to a method, so
// the gate check can name it; field/map lookups return "".
func resolveGet(current reflect.Value, key string) (reflect.Value, string, error) {
	if !current.IsValid() {
		return reflect.Value{}, "", mesherr.New(mesherr.KindNotCallable, "get %q: no target", key)
	}

	if m := current.MethodByName(key); m.IsValid() {
		return m, key, nil
	}

	v := current
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, "", mesherr.New(mesherr.KindNotCallable, "get %q: nil pointer", key)
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		f := v.FieldByName(key)
		if f.IsValid() && f.CanInterface() {
			return f, "", nil
		}
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(key))
		if mv.IsValid() {
			return mv, "", nil
		}
	}

	return reflect.Value{}, "", mesherr.New(mesherr.KindNotCallable, "no such property or method %q", key)
}

// callFunc invokes fn with args coerced to its parameter types, then applies
// the Go (result, error) convention: a trailing error return is split off
// and returned as err; everything else becomes the chain's running value.
// A leading context.Context parameter is not part of the wire argument list;
// it receives the handler's ambient ctx, which is how chained methods reach
// the call context and issue outgoing calls of their own.
func callFunc(ctx context.Context, fn reflect.Value, args []interface{}) (reflect.Value, error) {
	t := fn.Type()
	numIn := t.NumIn()

	ctxOffset := 0
	if numIn > 0 && t.In(0) == contextType {
		ctxOffset = 1
	}

	in := make([]reflect.Value, len(args)+ctxOffset)
	if ctxOffset == 1 {
		in[0] = reflect.ValueOf(ctx)
	}

	for i, a := range args {
		pos := i + ctxOffset
		var paramType reflect.Type
		switch {
		case t.IsVariadic() && pos >= numIn-1:
			paramType = t.In(numIn - 1).Elem()
		case pos < numIn:
			paramType = t.In(pos)
		default:
			return reflect.Value{}, mesherr.New(mesherr.KindNotCallable, "too many arguments: got %d, method accepts at most %d", len(args), numIn-ctxOffset)
		}
		in[pos] = coerceArg(a, paramType)
	}

	out := fn.Call(in)
	switch len(out) {
	case 0:
		return reflect.Value{}, nil
	case 1:
		if isErrorType(out[0].Type()) {
			if out[0].IsNil() {
				return reflect.Value{}, nil
			}
			return reflect.Value{}, out[0].Interface().(error)
		}
		return unwrapInterface(out[0]), nil
	default:
		last := out[len(out)-1]
		if isErrorType(last.Type()) {
			if !last.IsNil() {
				return reflect.Value{}, last.Interface().(error)
			}
			return unwrapInterface(out[0]), nil
		}
		return unwrapInterface(last), nil
	}
}

// unwrapInterface replaces an interface-typed value with its dynamic value,
// so a later Get in the chain resolves methods on the concrete type rather
// than the (often empty) interface method set.
func unwrapInterface(v reflect.Value) reflect.Value {
	if v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		return v.Elem()
	}
	return v
}

func isErrorType(t reflect.Type) bool {
	return t.Implements(errorType)
}

func coerceArg(a interface{}, paramType reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(paramType)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(paramType) {
		return v
	}
	if paramType.Kind() == reflect.Interface && v.Type().Implements(paramType) {
		return v
	}
	if v.Type().ConvertibleTo(paramType) {
		return v.Convert(paramType)
	}
	return v
}

// ResolveNestedArgs scans args for NestedOperationMarker (through arrays
// and plain objects; visited slices and maps are not tracked, so a cyclic
// argument graph is not detected); if none
// is found the same args slice is returned unchanged, preserving argument
// identity for callers relying on reference equality. Otherwise a new
// args slice is built with every marker replaced by the result of executing
// its chain against the same target.
func ResolveNestedArgs(ctx context.Context, args []interface{}, target interface{}, cfg Config, gate GateChecker) ([]interface{}, error) {
	if !anyMarker(args, map[*NestedOperationMarker]bool{}) {
		return args, nil
	}
	return rebuildArgs(ctx, args, target, cfg, gate, map[*NestedOperationMarker]bool{})
}

func anyMarker(v interface{}, seen map[*NestedOperationMarker]bool) bool {
	switch t := v.(type) {
	case *NestedOperationMarker:
		if seen[t] {
			return false
		}
		return true
	case []interface{}:
		for _, e := range t {
			if anyMarker(e, seen) {
				return true
			}
		}
	case map[string]interface{}:
		for _, e := range t {
			if anyMarker(e, seen) {
				return true
			}
		}
	}
	return false
}

func rebuildArgs(ctx context.Context, args []interface{}, target interface{}, cfg Config, gate GateChecker, visiting map[*NestedOperationMarker]bool) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := rebuildValue(ctx, a, target, cfg, gate, visiting)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func rebuildValue(ctx context.Context, v interface{}, target interface{}, cfg Config, gate GateChecker, visiting map[*NestedOperationMarker]bool) (interface{}, error) {
	switch t := v.(type) {
	case *NestedOperationMarker:
		if visiting[t] {
			return nil, mesherr.New(mesherr.KindSerialization, "cyclic nested operation marker")
		}
		visiting[t] = true
		result, err := Execute(ctx, t.Chain, target, cfg, gate)
		delete(visiting, t)
		return result, err
	case []interface{}:
		return rebuildArgs(ctx, t, target, cfg, gate, visiting)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			rv, err := rebuildValue(ctx, vv, target, cfg, gate, visiting)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
