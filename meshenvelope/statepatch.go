package meshenvelope

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/meshcore/mesherr"
)

// StateDelta computes a JSON merge-patch (RFC 7396) that turns before into
// after. meshactor's PersistState uses it against an actor's stored state
// document; outgoing envelopes carry the full CallContext.state, not a delta.
func StateDelta(before, after map[string]interface{}) ([]byte, error) {
	beforeB, err := json.Marshal(before)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "encode before-state: %v", err)
	}
	afterB, err := json.Marshal(after)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "encode after-state: %v", err)
	}
	delta, err := jsonpatch.CreateMergePatch(beforeB, afterB)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "create state delta: %v", err)
	}
	return delta, nil
}

// ApplyStateDelta merges delta onto original, the inverse of StateDelta —
// used by meshactor's PersistState to produce the state document it stores.
func ApplyStateDelta(original map[string]interface{}, delta []byte) (map[string]interface{}, error) {
	if len(delta) == 0 {
		return original, nil
	}
	base, err := json.Marshal(original)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "encode state: %v", err)
	}
	merged, err := jsonpatch.MergePatch(base, delta)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "merge state patch: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "decode merged state: %v", err)
	}
	return out, nil
}
