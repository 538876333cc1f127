package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// FrameValidator validates raw client frames before the gateway spends any
// work decoding or dispatching them. It operates on the undecoded JSON so a
// malformed or hostile frame is rejected without allocating chain
// structures for it.
type FrameValidator struct {
	MaxChainDepth int
	MaxApplyArgs  int
}

// NewFrameValidator creates a validator with the mesh's executor limits
func NewFrameValidator(maxChainDepth, maxApplyArgs int) *FrameValidator {
	return &FrameValidator{MaxChainDepth: maxChainDepth, MaxApplyArgs: maxApplyArgs}
}

var bindingNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,127}$`)

// ValidateFrame validates a single inbound frame
func (v *FrameValidator) ValidateFrame(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("frame is not valid JSON")
	}
	frame := gjson.ParseBytes(raw)

	id := frame.Get("id")
	if !id.Exists() || id.String() == "" {
		return fmt.Errorf("frame: missing 'id' field")
	}

	target := frame.Get("target")
	if !target.Exists() || !bindingNamePattern.MatchString(target.String()) {
		return fmt.Errorf("frame %s: missing or invalid 'target' binding name", id.String())
	}

	chain := frame.Get("chain")
	if !chain.IsArray() {
		return fmt.Errorf("frame %s: 'chain' must be an array of operations", id.String())
	}

	ops := chain.Array()
	if len(ops) == 0 {
		return fmt.Errorf("frame %s: 'chain' must not be empty", id.String())
	}
	if len(ops) > v.MaxChainDepth {
		return fmt.Errorf("frame %s: chain length %d exceeds max depth %d", id.String(), len(ops), v.MaxChainDepth)
	}

	for i, op := range ops {
		if err := v.validateOperation(op, i); err != nil {
			return fmt.Errorf("frame %s: %w", id.String(), err)
		}
	}

	if timeout := frame.Get("timeoutMs"); timeout.Exists() && timeout.Int() < 0 {
		return fmt.Errorf("frame %s: 'timeoutMs' must not be negative", id.String())
	}

	return nil
}

// validateOperation validates a single operation in a chain
func (v *FrameValidator) validateOperation(op gjson.Result, index int) error {
	kind := op.Get("kind").String()

	switch kind {
	case "get":
		key := op.Get("key")
		if !key.Exists() || key.String() == "" {
			return fmt.Errorf("operation %d: 'key' required for get operation", index)
		}
		if isReservedKey(key.String()) {
			return fmt.Errorf("operation %d: key %q is reserved for the mesh runtime", index, key.String())
		}

	case "apply":
		args := op.Get("args")
		if args.Exists() && !args.IsArray() {
			return fmt.Errorf("operation %d: 'args' must be an array, got %s", index, args.Type)
		}
		if n := len(args.Array()); n > v.MaxApplyArgs {
			return fmt.Errorf("operation %d: %d args exceeds max %d", index, n, v.MaxApplyArgs)
		}

	default:
		return fmt.Errorf("operation %d: unsupported operation kind: %q", index, kind)
	}

	return nil
}

// isReservedKey rejects entry keys clients must never address directly:
// the internal delivery methods and the mesh's reserved storage namespace.
func isReservedKey(key string) bool {
	return strings.HasPrefix(key, "__") || strings.HasPrefix(key, "mesh:")
}
