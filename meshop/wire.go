package meshop

import "encoding/json"

// MarshalJSON renders a NestedOperationMarker as the reserved
// {"__operationChain": [...]} shape, so a chain's Apply args
// serialize straight through encoding/json without a custom Marshaler at the
// Operation level — Go's encoding/json already dispatches to this method for
// any interface{} slot holding a *NestedOperationMarker.
func (m *NestedOperationMarker) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		OperationChain OperationChain `json:"__operationChain"`
	}{m.Chain})
}

// MarshalJSON renders the $result sentinel as a reserved shape distinct from
// any user payload.
func (*resultPlaceholder) MarshalJSON() ([]byte, error) {
	return []byte(`{"$resultPlaceholder":true}`), nil
}

type wireOperation struct {
	Kind OpKind        `json:"kind"`
	Key  string        `json:"key,omitempty"`
	Args []interface{} `json:"args,omitempty"`
}

// UnmarshalJSON decodes a chain, then walks every Apply's args normalizing
// the two reserved shapes (__operationChain, $resultPlaceholder) back into
// their typed Go values — the inverse of the MarshalJSON methods above.
// Generic json.Unmarshal into []interface{} would otherwise leave these as
// plain map[string]interface{}, indistinguishable from user data.
func (c *OperationChain) UnmarshalJSON(data []byte) error {
	var raw []wireOperation
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(OperationChain, len(raw))
	for i, r := range raw {
		out[i] = Operation{Kind: r.Kind, Key: r.Key, Args: normalizeArgs(r.Args)}
	}
	*c = out
	return nil
}

func normalizeArgs(args []interface{}) []interface{} {
	if args == nil {
		return nil
	}
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = normalizeValue(a)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if chainRaw, ok := t["__operationChain"]; ok {
			if nested, ok := decodeNestedChain(chainRaw); ok {
				return &NestedOperationMarker{Chain: nested}
			}
		}
		if ph, ok := t["$resultPlaceholder"]; ok {
			if b, ok := ph.(bool); ok && b {
				return ResultPlaceholder
			}
		}
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = normalizeValue(vv)
		}
		return out
	case []interface{}:
		return normalizeArgs(t)
	default:
		return v
	}
}

func decodeNestedChain(raw interface{}) (OperationChain, bool) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var nested OperationChain
	if err := json.Unmarshal(b, &nested); err != nil {
		return nil, false
	}
	return nested, true
}
