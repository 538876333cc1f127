package meshactor

import (
	"context"
	"strings"
	"sync"

	"github.com/lyzr/meshcore/callctx"
)

// KV is the per-instance key/value storage a stateful actor owns. The mesh
// reserves the "mesh:" prefix for its own records (identity, persisted
// state); everything else belongs to the embedding actor's code.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// Reserved storage keys.
const (
	keyBindingName  = "mesh:binding_name"
	keyInstanceName = "mesh:instance_name"
	keyUserState    = "mesh:user_state"
)

// MemoryKV is the in-process KV used by tests and by single-process
// deployments that don't need durability.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Put(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) List(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// kvIdentityStore adapts a KV into meshenvelope.IdentityStore, persisting
// the binding and instance names under the reserved keys so the node can
// construct correct caller metadata across restarts.
type kvIdentityStore struct {
	kv   KV
	kind callctx.NodeKind
}

func (s *kvIdentityStore) Load(ctx context.Context) (callctx.NodeIdentity, bool, error) {
	binding, ok, err := s.kv.Get(ctx, keyBindingName)
	if err != nil || !ok {
		return callctx.NodeIdentity{}, false, err
	}
	instance, _, err := s.kv.Get(ctx, keyInstanceName)
	if err != nil {
		return callctx.NodeIdentity{}, false, err
	}
	return callctx.NodeIdentity{Kind: s.kind, BindingName: binding, InstanceName: instance}, true, nil
}

func (s *kvIdentityStore) Store(ctx context.Context, id callctx.NodeIdentity) error {
	if err := s.kv.Put(ctx, keyBindingName, id.BindingName); err != nil {
		return err
	}
	if id.InstanceName != "" {
		return s.kv.Put(ctx, keyInstanceName, id.InstanceName)
	}
	return nil
}
