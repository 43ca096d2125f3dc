// Package registry tracks which services exist and which nodes host them.
//
// Directory is the local, explicit list of service addresses a client may call.
// Registry is the cluster-wide phonebook mapping a service address to the nodes that
// expose it; EtcdRegistry backs it with etcd, MemoryRegistry keeps it in process.
package registry

import "context"

// ServiceInstance is one node exposing a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`              // node frame address, e.g. "10.0.0.5:7400"
	NodeID  string `json:"node_id,omitempty"` // stable per node process
	Weight  int    `json:"weight,omitempty"`  // weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
