// Package meshop implements operation chaining and nesting: the
// continuation builder, the operation chain data structure, nested
// operation resolution, result substitution, and the chain executor.
//
// Go has no proxies to trap property access, so chains are captured by the
// explicit Builder below, whose methods return a new Builder sharing the
// recorded chain prefix. The discipline is the same either way: a builder
// records, it never executes.
package meshop

// OpKind discriminates the two operation shapes.
type OpKind string

const (
	OpGet   OpKind = "get"
	OpApply OpKind = "apply"
)

// Operation is one stage of a chain: either a Get (property/method lookup)
// or an Apply (function call with args).
type Operation struct {
	Kind OpKind        `json:"kind"`
	Key  string        `json:"key,omitempty"`
	Args []interface{} `json:"args,omitempty"`
}

// OperationChain is an ordered sequence of Operations, executed left to
// right against a target.
type OperationChain []Operation

// NestedOperationMarker marks an Apply argument that is itself a chain to
// be resolved against the same target before the enclosing Apply runs (the
// reserved __operationChain wire shape).
type NestedOperationMarker struct {
	Chain OperationChain
}

// resultPlaceholder is the sentinel type behind ResultPlaceholder. Callers
// never construct one directly — Builder.Result() hands out the single
// package-level value, so identity comparison (==) is all IsResultPlaceholder
// needs.
type resultPlaceholder struct{}

// ResultPlaceholder is the mesh's reserved $result marker: when it appears
// as an Apply argument in a continuation chain, SubstituteResult replaces it
// with the delivered value.
var ResultPlaceholder = &resultPlaceholder{}

// IsResultPlaceholder reports whether v is the reserved $result marker.
func IsResultPlaceholder(v interface{}) bool {
	_, ok := v.(*resultPlaceholder)
	return ok
}

// Builder records a Get/Apply sequence without executing anything. Each
// call returns a new Builder; the original is never mutated, so sharing a
// prefix across branches (as nested chains do) is safe.
type Builder struct {
	chain OperationChain
}

// Chain starts a new, empty builder.
func Chain() *Builder {
	return &Builder{}
}

// Get appends a property/method lookup.
func (b *Builder) Get(key string) *Builder {
	return &Builder{chain: appendOp(b.chain, Operation{Kind: OpGet, Key: key})}
}

// Apply appends a function call with the given arguments. Arguments that are
// themselves *Builder (produced by a nested Chain()) are converted to
// NestedOperationMarker automatically, so callers can write
// Chain().Get("add").Apply(Chain().Get("add").Apply(1, 10)) directly.
func (b *Builder) Apply(args ...interface{}) *Builder {
	return &Builder{chain: appendOp(b.chain, Operation{Kind: OpApply, Args: convertNestedArgs(args)})}
}

// Result returns the reserved $result marker for use as an Apply argument in
// a continuation chain.
func (b *Builder) Result() interface{} {
	return ResultPlaceholder
}

// OperationChain returns the recorded chain.
func (b *Builder) OperationChain() OperationChain {
	return b.chain
}

func appendOp(prefix OperationChain, op Operation) OperationChain {
	out := make(OperationChain, len(prefix), len(prefix)+1)
	copy(out, prefix)
	return append(out, op)
}

func convertNestedArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		if nb, ok := a.(*Builder); ok {
			out[i] = &NestedOperationMarker{Chain: nb.OperationChain()}
		} else {
			out[i] = a
		}
	}
	return out
}

// SubstituteResult scans the args of the chain's last Apply for
// ResultPlaceholders and substitutes value; if none is found, value is
// appended as a new final argument ("last-argument convention"). Returns a
// new chain; never mutates the input.
func SubstituteResult(chain OperationChain, value interface{}) OperationChain {
	out := make(OperationChain, len(chain))
	copy(out, chain)

	lastIdx := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Kind == OpApply {
			lastIdx = i
			break
		}
	}
	if lastIdx == -1 {
		return out
	}

	found := false
	newArgs := substituteInArgs(out[lastIdx].Args, value, &found)
	if !found {
		newArgs = append(newArgs, value)
	}
	out[lastIdx] = Operation{Kind: OpApply, Args: newArgs}
	return out
}

func substituteInArgs(args []interface{}, value interface{}, found *bool) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = substituteInValue(a, value, found)
	}
	return out
}

func substituteInValue(v interface{}, value interface{}, found *bool) interface{} {
	switch t := v.(type) {
	case *resultPlaceholder:
		*found = true
		return value
	case []interface{}:
		return substituteInArgs(t, value, found)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = substituteInValue(vv, value, found)
		}
		return out
	default:
		return v
	}
}
