package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry keeps instances in process. TTLs are ignored. It serves single-process
// deployments and tests.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// Register adds or replaces the instance with the same Addr.
func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	i := slices.IndexFunc(insts, func(s ServiceInstance) bool { return s.Addr == inst.Addr })
	if i >= 0 {
		insts[i] = inst
	} else {
		m.instances[serviceName] = append(insts, inst)
	}
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = slices.DeleteFunc(m.instances[serviceName], func(s ServiceInstance) bool {
		return s.Addr == addr
	})
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances[serviceName]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[serviceName] = slices.DeleteFunc(m.watchers[serviceName], func(c chan []ServiceInstance) bool {
			return c == ch
		})
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) Close() error { return nil }

// notify hands every watcher the latest list, replacing one it has not read yet.
// Callers hold m.mu.
func (m *MemoryRegistry) notify(serviceName string) {
	for _, ch := range m.watchers[serviceName] {
		latest(ch, slices.Clone(m.instances[serviceName]))
	}
}

func latest(ch chan []ServiceInstance, insts []ServiceInstance) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- insts:
	default:
	}
}
