// Package cluster joins the buses of several processes.
//
// A Node accepts frame connections from other nodes and forwards each request into its
// local bus, for the addresses it exposes. It advertises those addresses in the registry.
// A Router is the requester clients use: it prefers a local consumer and otherwise picks
// a node from the registry and forwards the request over a pooled transport.
//
//	client ─► Router ─► local bus ─► Host            (address consumed locally)
//	              └──► transport ═══TCP═══► Node ─► remote bus ─► Host
//
// Connection processing on a Node:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → bus.Request → Codec.Encode → write response with the same seq
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"svcbus/bus"
	"svcbus/codec"
	"svcbus/message"
	"svcbus/protocol"
	"svcbus/registry"
)

const DefaultTTL = 10 // seconds

var ErrNodeClosed = errors.New("cluster: node closed")

// Node serves forwarded requests for the addresses it exposes.
type Node struct {
	id       string
	bus      *bus.Bus
	registry registry.Registry // nil when running without discovery
	logger   *zap.Logger
	ttl      int64
	weight   int
	version  string

	exposed mapset.Set[string]

	mu        sync.Mutex
	listener  net.Listener
	advertise string // address registered in the registry, routable from other nodes
	conns     map[net.Conn]struct{}
	shutdown  bool
	ctx       context.Context // base context of forwarded requests
	cancel    context.CancelFunc
	wg        sync.WaitGroup // in-flight forwarded requests
}

// NodeOption configures a Node.
type NodeOption func(*Node)

func WithNodeLogger(l *zap.Logger) NodeOption {
	return func(n *Node) { n.logger = l }
}

// WithTTL sets the registry lease TTL in seconds.
func WithTTL(seconds int64) NodeOption {
	return func(n *Node) { n.ttl = seconds }
}

// WithWeight sets the weight advertised for weighted balancing.
func WithWeight(w int) NodeOption {
	return func(n *Node) { n.weight = w }
}

func WithVersion(v string) NodeOption {
	return func(n *Node) { n.version = v }
}

// NewNode creates a node in front of b. reg may be nil.
func NewNode(b *bus.Bus, reg registry.Registry, opts ...NodeOption) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:       uuid.NewString(),
		bus:      b,
		registry: reg,
		logger:   zap.L(),
		ttl:      DefaultTTL,
		weight:   1,
		exposed:  mapset.NewSet[string](),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("node").With(zap.String("node", n.id))
	return n
}

// ID returns the random identifier of this node process.
func (n *Node) ID() string { return n.id }

// Addr returns the listener address, nil before Serve.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Expose makes addresses reachable from other nodes. When the node is already serving
// they are registered immediately.
func (n *Node) Expose(ctx context.Context, addresses ...string) error {
	n.exposed.Append(addresses...)
	n.mu.Lock()
	advertise := n.advertise
	n.mu.Unlock()
	if advertise == "" {
		return nil
	}
	return n.register(ctx, advertise, addresses)
}

// Exposed reports whether address is reachable through this node.
func (n *Node) Exposed(address string) bool {
	return n.exposed.Contains(address)
}

func (n *Node) register(ctx context.Context, advertise string, addresses []string) error {
	if n.registry == nil {
		return nil
	}
	inst := registry.ServiceInstance{Addr: advertise, NodeID: n.id, Weight: n.weight, Version: n.version}
	for _, address := range addresses {
		if err := n.registry.Register(ctx, address, inst, n.ttl); err != nil {
			return fmt.Errorf("cluster: register %s: %w", address, err)
		}
		n.logger.Info("Service advertised", zap.String("address", address), zap.String("advertise", advertise))
	}
	return nil
}

// ListenAndServe listens on addr and serves. advertise defaults to the listener address.
func (n *Node) ListenAndServe(addr, advertise string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return n.Serve(ln, advertise)
}

// Serve registers the exposed addresses under advertise and accepts connections until
// Shutdown. It returns nil after Shutdown.
func (n *Node) Serve(ln net.Listener, advertise string) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		return ErrNodeClosed
	}
	if advertise == "" {
		advertise = ln.Addr().String()
	}
	n.listener = ln
	n.advertise = advertise
	n.mu.Unlock()

	if err := n.register(n.ctx, advertise, n.exposed.ToSlice()); err != nil {
		ln.Close()
		return err
	}
	n.logger.Info("Node serving", zap.String("listen", ln.Addr().String()), zap.String("advertise", advertise))

	for {
		conn, err := ln.Accept()
		if err != nil {
			n.mu.Lock()
			closing := n.shutdown
			n.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		if !n.track(conn) {
			conn.Close()
			return nil
		}
		go n.handleConn(conn)
	}
}

func (n *Node) track(conn net.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutdown {
		return false
	}
	n.conns[conn] = struct{}{}
	return true
}

func (n *Node) untrack(conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, conn)
}

// handleConn is the single reader of a connection. Each request is handled in its own
// goroutine; writeMu keeps response frames whole.
func (n *Node) handleConn(conn net.Conn) {
	defer n.untrack(conn)
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue // heartbeats keep the connection alive, nothing else to do
		}

		n.mu.Lock()
		if n.shutdown {
			n.mu.Unlock()
			return
		}
		n.wg.Add(1)
		n.mu.Unlock()

		go func() {
			defer n.wg.Done()
			n.handleRequest(header, body, conn, writeMu)
		}()
	}
}

func (n *Node) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	reply := n.forward(c, body)

	out, err := c.Encode(reply)
	if err != nil {
		n.logger.Error("Failed to encode reply", zap.Uint32("seq", header.Seq), zap.Error(err))
		out, _ = c.Encode(&message.Message{Code: message.CodeUnreachable, Error: "cluster: encode reply: " + err.Error()})
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, out); err != nil {
		n.logger.Debug("Failed to write reply", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

func (n *Node) forward(c codec.Codec, body []byte) *message.Message {
	var msg message.Message
	if err := c.Decode(body, &msg); err != nil {
		return &message.Message{Code: message.CodeUnreachable, Error: "cluster: undecodable request: " + err.Error()}
	}
	if !n.exposed.Contains(msg.Address) {
		return &message.Message{Code: message.CodeNoHandlers, Error: "cluster: address not exposed: " + msg.Address}
	}
	reply, err := n.bus.Request(n.ctx, msg.Address, &msg)
	if err != nil {
		return bus.FailureMessage(err)
	}
	return reply
}

// Shutdown deregisters the exposed addresses, stops accepting connections and waits up
// to timeout for in-flight requests before closing every connection.
func (n *Node) Shutdown(timeout time.Duration) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	ln, advertise := n.listener, n.advertise
	n.mu.Unlock()

	// Deregister first so other nodes stop routing here.
	if n.registry != nil && advertise != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, address := range n.exposed.ToSlice() {
			if err := n.registry.Deregister(ctx, address, advertise); err != nil {
				n.logger.Warn("Deregister failed", zap.String("address", address), zap.Error(err))
			}
		}
		cancel()
	}
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("cluster: timeout waiting for in-flight requests")
	}
	n.cancel()

	n.mu.Lock()
	for conn := range n.conns {
		conn.Close()
	}
	n.mu.Unlock()
	n.logger.Info("Node stopped")
	return err
}
