package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"svcbus/bus"
	"svcbus/failure"
	"svcbus/payload"
	"svcbus/registry"
	"svcbus/server"
)

type account struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (account) RecordName() string { return "test.Account" }

type accounts struct {
	mu   sync.Mutex
	byID map[uuid.UUID]account
}

func (*accounts) ServiceAddress() string { return "test.Accounts" }

func (a *accounts) Get(id uuid.UUID) (*account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.byID[id]
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

func (a *accounts) List() []account {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]account, 0, len(a.byID))
	for _, acc := range a.byID {
		out = append(out, acc)
	}
	return out
}

func (a *accounts) Remove(id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byID[id]; !ok {
		return fmt.Errorf("account %s: %w", id, failure.ErrNotFound)
	}
	delete(a.byID, id)
	return nil
}

func (a *accounts) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.byID))
}

func (*accounts) Greet(name string) string { return "hello " + name }

func (*accounts) Sum(a, b int64) int64 { return a + b }

func (*accounts) Admin() error { return fmt.Errorf("admin only: %w", failure.ErrForbidden) }

type env struct {
	bus *bus.Bus
	dir *registry.Directory
	ids []uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := bus.New(bus.WithLogger(logger), bus.WithRequestTimeout(2*time.Second))

	svc := &accounts{byID: map[uuid.UUID]account{}}
	var ids []uuid.UUID
	for _, name := range []string{"ann", "bob"} {
		acc := account{ID: uuid.New(), Name: name}
		svc.byID[acc.ID] = acc
		ids = append(ids, acc.ID)
	}

	h, err := server.NewHost(b, svc, server.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	// a second overload of greet
	if err := h.Handle("greet", func(name string, times int32) string {
		return strings.Repeat("hello "+name+" ", int(times))
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		h.Stop(time.Second)
		b.Close()
	})
	return &env{bus: b, dir: registry.NewDirectory(h.Address()), ids: ids}
}

func (e *env) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := New(e.dir, e.bus, "test.Accounts", append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewUnknownService(t *testing.T) {
	_, err := New(registry.NewDirectory("a"), bus.New(), "b")
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if _, err := New(nil, bus.New(), "a"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService without directory, got %v", err)
	}
}

func TestCallScalar(t *testing.T) {
	c := newEnv(t).client(t)

	var greeting string
	ok, err := c.Call(context.Background(), "greet", &greeting, "carl")
	if err != nil || !ok {
		t.Fatalf("Call: ok=%v err=%v", ok, err)
	}
	if greeting != "hello carl" {
		t.Fatalf("got %q", greeting)
	}

	sum, ok, err := Request[int64](context.Background(), c, "sum", int64(2), int64(40))
	if err != nil || !ok || sum != 42 {
		t.Fatalf("sum = %d ok=%v err=%v", sum, ok, err)
	}
}

func TestOverloadChosenByArguments(t *testing.T) {
	c := newEnv(t).client(t)
	got, _, err := Request[string](context.Background(), c, "greet", "x", int32(2))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got != "hello x hello x " {
		t.Fatalf("got %q", got)
	}
}

func TestRecordResult(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	acc, ok, err := Request[*account](context.Background(), c, "get", e.ids[0])
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if acc.ID != e.ids[0] || acc.Name != "ann" {
		t.Fatalf("unexpected %+v", acc)
	}

	acc, ok, err = Request[*account](context.Background(), c, "get", uuid.New())
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if ok || acc != nil {
		t.Fatalf("expected no value, got %+v", acc)
	}
}

func TestListResult(t *testing.T) {
	c := newEnv(t).client(t)
	list, ok, err := Request[[]account](context.Background(), c, "list")
	if err != nil || !ok {
		t.Fatalf("list: ok=%v err=%v", ok, err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d accounts", len(list))
	}
}

func TestValueUntyped(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, WithCodec(payload.NewCodec(payload.Records(&account{}))))

	v, ok, err := c.Go(context.Background(), "count").Value()
	if err != nil || !ok {
		t.Fatalf("count: ok=%v err=%v", ok, err)
	}
	if n, isLong := v.(int64); !isLong || n != 2 {
		t.Fatalf("count = %#v", v)
	}

	v, ok, err = c.Go(context.Background(), "get", e.ids[1]).Value()
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if acc, isAcc := v.(*account); !isAcc || acc.Name != "bob" {
		t.Fatalf("get = %#v", v)
	}
}

func TestValueUnregisteredRecord(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.client(t).Go(context.Background(), "get", e.ids[0]).Value()
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.KindSerialization || fe.Status != http.StatusInternalServerError {
		t.Fatalf("expected client-side serialization failure, got %v", err)
	}
}

func TestNoResult(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)
	ok, err := c.Call(context.Background(), "remove", nil, e.ids[0])
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok {
		t.Fatal("remove returned a value")
	}
}

func TestFailureStatuses(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	cases := []struct {
		name     string
		action   string
		args     []any
		sentinel error
		status   int
	}{
		{"not found", "remove", []any{uuid.New()}, failure.ErrNotFound, http.StatusNotFound},
		{"forbidden", "admin", nil, failure.ErrForbidden, http.StatusForbidden},
		{"unknown action", "explode", nil, failure.ErrDispatch, http.StatusBadRequest},
		{"no overload", "sum", []any{"a", "b"}, failure.ErrDispatch, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Call(context.Background(), tc.action, nil, tc.args...)
			if !errors.Is(err, tc.sentinel) {
				t.Fatalf("expected %v, got %v", tc.sentinel, err)
			}
			var fe *failure.Error
			if !errors.As(err, &fe) || fe.Status != tc.status {
				t.Fatalf("expected status %d, got %v", tc.status, err)
			}
		})
	}
}

func TestResultTypeMismatch(t *testing.T) {
	c := newEnv(t).client(t)
	var s string
	_, err := c.Call(context.Background(), "count", &s)
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.KindSerialization || fe.Status != http.StatusInternalServerError {
		t.Fatalf("expected client-side serialization failure, got %v", err)
	}
}

func TestUnsupportedArgument(t *testing.T) {
	c := newEnv(t).client(t)
	_, err := c.Call(context.Background(), "greet", nil, map[string]int{"a": 1})
	if !errors.Is(err, failure.ErrSerialization) {
		t.Fatalf("expected serialization failure, got %v", err)
	}
}

func TestForeignReplies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := bus.New(bus.WithLogger(logger))
	t.Cleanup(func() { b.Close() })
	b.Consumer("empty", func(d *bus.Delivery) { d.Reply(nil) })
	b.Consumer("garbage", func(d *bus.Delivery) { d.Reply([]byte("not json")) })
	b.Consumer("null", func(d *bus.Delivery) { d.Reply([]byte(`{"payload":null,"type":"long"}`)) })
	dir := registry.NewDirectory("empty", "garbage", "null")

	empty, _ := New(dir, b, "empty", WithLogger(logger))
	var s string
	ok, err := empty.Call(context.Background(), "x", &s)
	if err != nil || ok {
		t.Fatalf("empty body: ok=%v err=%v", ok, err)
	}

	garbage, _ := New(dir, b, "garbage", WithLogger(logger))
	_, err = garbage.Call(context.Background(), "x", &s)
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.KindSerialization || fe.Status != http.StatusInternalServerError {
		t.Fatalf("expected client-side serialization failure, got %v", err)
	}

	// A null slot under a scalar tag is not a zero value.
	null, _ := New(dir, b, "null", WithLogger(logger))
	if n, ok, err := Request[int64](context.Background(), null, "x"); !errors.As(err, &fe) || fe.Status != http.StatusInternalServerError {
		t.Fatalf("typed null reply: n=%d ok=%v err=%v", n, ok, err)
	}
	if v, ok, err := null.Go(context.Background(), "x").Value(); !errors.Is(err, failure.ErrSerialization) {
		t.Fatalf("untyped null reply: v=%v ok=%v err=%v", v, ok, err)
	}
}

func TestBusErrorsPassThrough(t *testing.T) {
	b := bus.New(bus.WithRequestTimeout(20 * time.Millisecond))
	t.Cleanup(func() { b.Close() })
	b.Consumer("silent", func(d *bus.Delivery) {})
	dir := registry.NewDirectory("ghost", "silent")

	ghost, _ := New(dir, b, "ghost")
	if _, err := ghost.Call(context.Background(), "x", nil); !errors.Is(err, bus.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}

	silent, _ := New(dir, b, "silent")
	if err := silent.Go(context.Background(), "x").Err(); !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	c := newEnv(t).client(t)
	g, ctx := errgroup.WithContext(context.Background())
	for i := int64(0); i < 100; i++ {
		g.Go(func() error {
			sum, _, err := Request[int64](ctx, c, "sum", i, i)
			if err != nil {
				return err
			}
			if sum != 2*i {
				return fmt.Errorf("sum(%d, %d) = %d", i, i, sum)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestGoDoneSignalled(t *testing.T) {
	c := newEnv(t).client(t)
	call := c.Go(context.Background(), "greet", "dee")
	select {
	case <-call.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}
	var s string
	if _, err := call.Result(&s); err != nil || s != "hello dee" {
		t.Fatalf("got %q, %v", s, err)
	}
	// the reply can be read again
	if _, err := call.Result(&s); err != nil {
		t.Fatalf("second Result: %v", err)
	}
}
