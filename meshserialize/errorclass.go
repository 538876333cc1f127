package meshserialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lyzr/meshcore/mesherr"
)

// ErrorEnvelope is the wire shape of an error crossing a mesh boundary:
// message, kind, and class identity via a registered name lookup.
type ErrorEnvelope struct {
	ClassName string                 `json:"className"`
	Kind      mesherr.Kind           `json:"kind,omitempty"`
	Message   string                 `json:"message"`
	Path      string                 `json:"path,omitempty"`
	Props     map[string]interface{} `json:"props,omitempty"`
}

// ErrorConstructor reconstructs a registered error class from its wire
// envelope, so `instanceof`-style checks (errors.As in Go) work again at the
// receiver.
type ErrorConstructor func(ErrorEnvelope) error

var (
	registryMu sync.RWMutex
	registry   = map[string]ErrorConstructor{}
)

// RegisterErrorClass registers name on the process-wide type registry.
// DecodeError looks a deserialized error's className up here before falling
// back to a generic mesherr.MeshError.
func RegisterErrorClass(name string, ctor ErrorConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// EncodeError converts a Go error into its wire envelope. *mesherr.MeshError
// values carry their Kind/Path/Props through directly; any other error is
// recorded under its dynamic type name with its message, and its exported
// fields (as JSON-encoded) travel in Props for a registered constructor.
func EncodeError(err error) ErrorEnvelope {
	var me *mesherr.MeshError
	if errors.As(err, &me) {
		className := me.ClassName
		if className == "" {
			className = string(me.Kind)
		}
		return ErrorEnvelope{
			ClassName: className,
			Kind:      me.Kind,
			Message:   me.Message,
			Path:      me.Path,
			Props:     me.Props,
		}
	}
	env := ErrorEnvelope{
		ClassName: fmt.Sprintf("%T", err),
		Message:   err.Error(),
	}
	if b, jerr := json.Marshal(err); jerr == nil {
		var props map[string]interface{}
		if json.Unmarshal(b, &props) == nil && len(props) > 0 {
			env.Props = props
		}
	}
	return env
}

// DecodeError reconstructs a Go error from a wire envelope, using a
// registered constructor when one matches className, otherwise a generic
// MeshError that still carries the original class name and message.
func DecodeError(env ErrorEnvelope) error {
	registryMu.RLock()
	ctor, ok := registry[env.ClassName]
	registryMu.RUnlock()
	if ok {
		return ctor(env)
	}
	return &mesherr.MeshError{
		Kind:      env.Kind,
		Message:   env.Message,
		Path:      env.Path,
		ClassName: env.ClassName,
		Props:     env.Props,
	}
}
