package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"svcbus/bus"
	"svcbus/codec"
	"svcbus/loadbalance"
	"svcbus/message"
	"svcbus/registry"
	"svcbus/transport"
)

const (
	DefaultPoolSize    = 4
	DefaultDialTimeout = 3 * time.Second
)

var ErrRouterClosed = errors.New("cluster: router closed")

// Router sends requests to the local bus when the address has a local consumer and to a
// remote node otherwise. It satisfies bus.Requester.
type Router struct {
	local    *bus.Bus
	registry registry.Registry // nil: local only
	balancer loadbalance.Balancer
	codec    codec.CodecType
	poolSize int

	heartbeat      time.Duration
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	transports map[string]chan *transport.ClientTransport // transports for each node address
	closed     bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

func WithBalancer(b loadbalance.Balancer) RouterOption {
	return func(r *Router) { r.balancer = b }
}

// WithCodec sets the frame codec used towards other nodes.
func WithCodec(ct codec.CodecType) RouterOption {
	return func(r *Router) { r.codec = ct }
}

// WithPoolSize sets how many connections are kept per remote node.
func WithPoolSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.poolSize = n
		}
	}
}

func WithHeartbeat(d time.Duration) RouterOption {
	return func(r *Router) { r.heartbeat = d }
}

func WithDialTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.dialTimeout = d }
}

// WithRequestTimeout bounds remote requests whose ctx carries no deadline.
func WithRequestTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.requestTimeout = d }
}

func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over local. reg may be nil, in which case every request
// stays on the local bus.
func NewRouter(local *bus.Bus, reg registry.Registry, opts ...RouterOption) *Router {
	r := &Router{
		local:          local,
		registry:       reg,
		balancer:       &loadbalance.RoundRobinBalancer{},
		codec:          codec.CodecTypeBinary,
		poolSize:       DefaultPoolSize,
		heartbeat:      transport.DefaultHeartbeat,
		dialTimeout:    DefaultDialTimeout,
		requestTimeout: bus.DefaultRequestTimeout,
		logger:         zap.L(),
		transports:     make(map[string]chan *transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("router")
	return r
}

// Request delivers msg to address and waits for the reply. Failure replies are returned
// as errors, the same way bus.Bus.Request returns them.
func (r *Router) Request(ctx context.Context, address string, msg *message.Message) (*message.Message, error) {
	if r.local.HasConsumer(address) || r.registry == nil {
		return r.local.Request(ctx, address, msg)
	}

	instances, err := r.registry.Discover(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: discover %s: %v", bus.ErrUnreachable, address, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", bus.ErrNoHandlers, address)
	}
	instance, err := r.balancer.Pick(address+"/"+msg.Header(message.HeaderAction), instances)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bus.ErrNoHandlers, address, err)
	}

	if _, ok := ctx.Deadline(); !ok && r.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.requestTimeout,
			fmt.Errorf("%w: %s after %s", bus.ErrTimeout, address, r.requestTimeout))
		defer cancel()
	}

	t, err := r.getTransport(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}

	out := msg.Clone()
	out.Address = address
	reply, err := t.RoundTrip(ctx, out)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("%w: %s: %v", bus.ErrUnreachable, instance.Addr, err)
	}
	if err := bus.AsError(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// getTransport borrows a transport of addr and returns it to the pool right after, since
// a transport multiplexes any number of requests. The pool starts with poolSize empty
// slots that are dialed on first use and redialed once their connection is lost.
func (r *Router) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	pool, ok := r.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, r.poolSize)
		for i := 0; i < r.poolSize; i++ {
			pool <- nil
		}
		r.transports[addr] = pool
	}
	r.mu.Unlock()

	var t *transport.ClientTransport
	select {
	case t = <-pool:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	defer func() { pool <- t }()

	if t != nil && t.Err() == nil {
		return t, nil
	}
	if t != nil {
		r.logger.Debug("Redialing node", zap.String("addr", addr), zap.Error(t.Err()))
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()
	nt, err := transport.Dial(dialCtx, addr, r.codec,
		transport.WithHeartbeat(r.heartbeat),
		transport.WithLogger(r.logger))
	if err != nil {
		t = nil
		return nil, fmt.Errorf("%w: dial %s: %v", bus.ErrUnreachable, addr, err)
	}
	t = nt
	return t, nil
}

// Close closes every pooled transport. Requests to local consumers keep working.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, pool := range r.transports {
		for i := 0; i < cap(pool); i++ {
			select {
			case t := <-pool:
				if t != nil {
					t.Close()
				}
			default:
			}
		}
	}
	r.transports = nil
	return nil
}
