package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"svcbus/bus"
	"svcbus/codec"
	"svcbus/message"
	"svcbus/registry"
)

// startNode serves b on a loopback port and waits until every exposed address is
// advertised in reg.
func startNode(t testing.TB, b *bus.Bus, reg registry.Registry, exposed ...string) *Node {
	t.Helper()
	n := NewNode(b, reg)
	if err := n.Expose(context.Background(), exposed...); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go n.Serve(ln, "")
	t.Cleanup(func() { n.Shutdown(time.Second) })

	deadline := time.Now().Add(2 * time.Second)
	for _, address := range exposed {
		for {
			insts, _ := reg.Discover(context.Background(), address)
			if len(insts) > 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never advertised", address)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return n
}

func newBus(t testing.TB) *bus.Bus {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	return b
}

func newRouter(t testing.TB, b *bus.Bus, reg registry.Registry, opts ...RouterOption) *Router {
	t.Helper()
	r := NewRouter(b, reg, opts...)
	t.Cleanup(func() { r.Close() })
	return r
}

func request(action string, body string) *message.Message {
	m := &message.Message{Body: []byte(body)}
	m.SetHeader(message.HeaderAction, action)
	return m
}

func remoteEcho(d *bus.Delivery) {
	d.Reply([]byte(d.Header(message.HeaderAction) + ":" + string(d.Body())))
}

func TestRemoteRequest(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			reg := registry.NewMemoryRegistry()
			remote := newBus(t)
			remote.Consumer("echo", remoteEcho)
			startNode(t, remote, reg, "echo")

			r := newRouter(t, newBus(t), reg, WithCodec(ct))
			reply, err := r.Request(context.Background(), "echo", request("say", "hi"))
			if err != nil {
				t.Fatalf("Request: %v", err)
			}
			if string(reply.Body) != "say:hi" {
				t.Fatalf("got %q", reply.Body)
			}
		})
	}
}

func TestLocalConsumerPreferred(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := newBus(t)
	remote.Consumer("svc", func(d *bus.Delivery) { d.Reply([]byte("remote")) })
	startNode(t, remote, reg, "svc")

	local := newBus(t)
	local.Consumer("svc", func(d *bus.Delivery) { d.Reply([]byte("local")) })
	r := newRouter(t, local, reg)

	reply, err := r.Request(context.Background(), "svc", request("x", ""))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Body) != "local" {
		t.Fatalf("got %q", reply.Body)
	}
}

func TestNoInstances(t *testing.T) {
	r := newRouter(t, newBus(t), registry.NewMemoryRegistry())
	_, err := r.Request(context.Background(), "nobody", request("x", ""))
	if !errors.Is(err, bus.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
}

func TestWithoutRegistryStaysLocal(t *testing.T) {
	r := newRouter(t, newBus(t), nil)
	_, err := r.Request(context.Background(), "nobody", request("x", ""))
	if !errors.Is(err, bus.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
}

func TestRemoteFailureReply(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := newBus(t)
	remote.Consumer("users", func(d *bus.Delivery) { d.Fail(404, "user not found") })
	startNode(t, remote, reg, "users")

	r := newRouter(t, newBus(t), reg)
	_, err := r.Request(context.Background(), "users", request("findUser", ""))
	var re *bus.ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReplyError, got %v", err)
	}
	if re.Code != 404 || re.Message != "user not found" {
		t.Fatalf("unexpected %+v", re)
	}
}

func TestAddressNotExposed(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := newBus(t)
	remote.Consumer("hidden", remoteEcho)
	n := startNode(t, remote, reg, "echo")

	// a stale or forged registration must not reach unexposed consumers
	reg.Register(context.Background(), "hidden", registry.ServiceInstance{Addr: n.Addr().String()}, 0)

	r := newRouter(t, newBus(t), reg)
	_, err := r.Request(context.Background(), "hidden", request("x", ""))
	if !errors.Is(err, bus.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
}

func TestExposedWithoutConsumer(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startNode(t, newBus(t), reg, "ghost")

	r := newRouter(t, newBus(t), reg)
	_, err := r.Request(context.Background(), "ghost", request("x", ""))
	if !errors.Is(err, bus.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
}

func TestUnreachableNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), "svc", registry.ServiceInstance{Addr: addr}, 0)

	r := newRouter(t, newBus(t), reg, WithDialTimeout(200*time.Millisecond))
	_, err = r.Request(context.Background(), "svc", request("x", ""))
	if !errors.Is(err, bus.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestRemoteTimeout(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := bus.New(bus.WithRequestTimeout(200 * time.Millisecond))
	t.Cleanup(func() { remote.Close() })
	remote.Consumer("silent", func(d *bus.Delivery) {})
	startNode(t, remote, reg, "silent")

	r := newRouter(t, newBus(t), reg, WithRequestTimeout(30*time.Millisecond))
	_, err := r.Request(context.Background(), "silent", request("x", ""))
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRemoteBusTimeoutTravels(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := bus.New(bus.WithRequestTimeout(30 * time.Millisecond))
	t.Cleanup(func() { remote.Close() })
	remote.Consumer("silent", func(d *bus.Delivery) {})
	startNode(t, remote, reg, "silent")

	r := newRouter(t, newBus(t), reg, WithRequestTimeout(time.Second))
	_, err := r.Request(context.Background(), "silent", request("x", ""))
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout from the remote bus, got %v", err)
	}
}

func TestConcurrentRemoteRequests(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := newBus(t)
	remote.Consumer("echo", remoteEcho)
	startNode(t, remote, reg, "echo")

	r := newRouter(t, newBus(t), reg, WithPoolSize(2))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprint(i)
			reply, err := r.Request(context.Background(), "echo", request("n", body))
			if err != nil {
				t.Errorf("Request %d: %v", i, err)
				return
			}
			if string(reply.Body) != "n:"+body {
				t.Errorf("request %d got %q", i, reply.Body)
			}
		}(i)
	}
	wg.Wait()
}

func TestRequestAfterNodeRestart(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	remote := newBus(t)
	remote.Consumer("echo", remoteEcho)
	first := startNode(t, remote, reg, "echo")

	r := newRouter(t, newBus(t), reg, WithPoolSize(1))
	if _, err := r.Request(context.Background(), "echo", request("a", "")); err != nil {
		t.Fatalf("first Request: %v", err)
	}

	first.Shutdown(time.Second)
	startNode(t, remote, reg, "echo")

	var err error
	for i := 0; i < 2; i++ {
		// the pooled transport may not have noticed the closed connection yet
		if _, err = r.Request(context.Background(), "echo", request("b", "")); err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("Request after restart: %v", err)
	}
}

func TestShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	n := startNode(t, newBus(t), reg, "a", "b")
	if err := n.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, address := range []string{"a", "b"} {
		insts, _ := reg.Discover(context.Background(), address)
		if len(insts) != 0 {
			t.Fatalf("%s still advertised: %v", address, insts)
		}
	}
	if err := n.Serve(nil, "x"); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("expected ErrNodeClosed, got %v", err)
	}
}

func TestExposeAfterServeRegisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	n := startNode(t, newBus(t), reg, "a")
	if err := n.Expose(context.Background(), "late"); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	insts, _ := reg.Discover(context.Background(), "late")
	if len(insts) != 1 || insts[0].NodeID != n.ID() {
		t.Fatalf("unexpected instances %v", insts)
	}
	if !n.Exposed("late") {
		t.Fatal("late not exposed")
	}
}
