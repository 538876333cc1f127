// Package meshserialize implements the mesh's structured-serialize
// service: encode/decode for envelope payloads, built on encoding/json —
// the same wire convention used everywhere a JSON body crosses a process
// boundary in this repo. A general cycle-preserving serializer is a
// dynamic-language concern; the parts that are load-bearing here — reserved
// marker passthrough and custom error class identity — are implemented
// directly.
package meshserialize

import (
	"encoding/json"

	"github.com/lyzr/meshcore/mesherr"
)

// Serialized is the wire form of a value: opaque JSON bytes.
type Serialized = json.RawMessage

// Preprocess encodes a Go value to its wire form.
func Preprocess(v interface{}) (Serialized, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "encode failed: %v", err)
	}
	return b, nil
}

// Postprocess decodes wire bytes into out (a pointer).
func Postprocess(data Serialized, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return mesherr.New(mesherr.KindSerialization, "decode failed: %v", err)
	}
	return nil
}

// Stringify/Parse are the sugared single-value helpers.
func Stringify(v interface{}) (string, error) {
	b, err := Preprocess(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Parse(s string, out interface{}) error {
	return Postprocess(Serialized(s), out)
}
