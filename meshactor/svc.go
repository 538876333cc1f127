package meshactor

import (
	"sync"

	"github.com/lyzr/meshcore/mesherr"
)

// ServiceFactory builds one named service for one node instance. node is
// the embedding actor or worker, handed through so a service can call back
// into it.
type ServiceFactory func(node interface{}) (interface{}, error)

// ServiceRegistry is the process-wide table of pluggable named services.
type ServiceRegistry struct {
	mu        sync.RWMutex
	factories map[string]ServiceFactory
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{factories: make(map[string]ServiceFactory)}
}

// Register binds name to a factory. Last registration wins.
func (r *ServiceRegistry) Register(name string, factory ServiceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *ServiceRegistry) lookup(name string) (ServiceFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Svc is a node's plugin façade: first access of a name invokes its
// registered factory and memoizes the result for the node's lifetime.
type Svc struct {
	node     interface{}
	registry *ServiceRegistry

	mu        sync.Mutex
	instances map[string]interface{}
}

func newSvc(node interface{}, registry *ServiceRegistry) *Svc {
	return &Svc{node: node, registry: registry, instances: make(map[string]interface{})}
}

// Get resolves name, building and memoizing the service on first access.
func (s *Svc) Get(name string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instances[name]; ok {
		return inst, nil
	}
	if s.registry == nil {
		return nil, mesherr.New(mesherr.KindServiceNotFound, "no service registry configured; register a plugin named %q", name)
	}
	factory, ok := s.registry.lookup(name)
	if !ok {
		return nil, mesherr.New(mesherr.KindServiceNotFound, "no plugin registered under %q", name)
	}
	inst, err := factory(s.node)
	if err != nil {
		return nil, err
	}
	s.instances[name] = inst
	return inst, nil
}
