// Package loadbalance picks the node that serves a request when several nodes expose
// the same service address.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity nodes
//   - WeightedRandom:  heterogeneous nodes (different CPU/memory)
//   - ConsistentHash:  stateful services needing affinity; the key is address/action
package loadbalance

import (
	"errors"
	"fmt"

	"svcbus/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance for a request. key identifies the request kind and is
// ignored by strategies without affinity. Pick must be goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer configured by name: roundrobin, weighted or consistent.
func New(name string) (Balancer, error) {
	switch name {
	case "roundrobin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "consistent":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
