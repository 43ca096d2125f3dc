// Package server implements the service host: it exposes the methods of a receiver on a
// bus address and dispatches each incoming request to the overload matching its action
// and argument types.
//
// Request processing pipeline:
//
//	bus delivery (consumer goroutine, sequential)
//	  → read action header → unmarshal envelope → lookup action(signature) → decode args
//	  → go invoke (one goroutine per call)
//	    → middleware chain → handler (reflect.Call) → EncodeReply → Reply
//	    or failure.Classify → Fail
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"svcbus/bus"
	"svcbus/failure"
	"svcbus/message"
	"svcbus/middleware"
	"svcbus/payload"
)

var (
	ErrStarted    = errors.New("server: host already started")
	ErrNoReceiver = errors.New("server: host needs a receiver or an address")
)

// Addresser overrides the bus address a receiver is exposed on.
type Addresser interface {
	ServiceAddress() string
}

// Setuper is implemented by receivers that must initialize before they are subscribed.
type Setuper interface {
	Setup(ctx context.Context) error
}

// Host exposes one service on the bus.
type Host struct {
	sub     bus.Subscriber
	address string
	codec   *payload.Codec
	logger  *zap.Logger
	table   *table
	setup   []func(ctx context.Context) error

	middlewares []middleware.Middleware

	mu           sync.Mutex
	subscription bus.Subscription
	stopping     bool
	ctx          context.Context // base context of invocations, cancelled by Stop
	cancel       context.CancelFunc
	wg           sync.WaitGroup // in-flight invocations
}

// Option configures a Host.
type Option func(*Host)

// WithCodec sets the payload codec.
func WithCodec(c *payload.Codec) Option {
	return func(h *Host) { h.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithSetup adds a hook run by Start before subscribing, after the receiver's own Setup.
func WithSetup(fn func(ctx context.Context) error) Option {
	return func(h *Host) { h.setup = append(h.setup, fn) }
}

// WithAddress overrides the bus address.
func WithAddress(address string) Option {
	return func(h *Host) { h.address = address }
}

// WithMiddleware appends middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(h *Host) { h.middlewares = append(h.middlewares, mws...) }
}

// NewHost builds the registration table of rcvr. rcvr may be nil when every action is
// added with Handle and WithAddress is given.
func NewHost(sub bus.Subscriber, rcvr any, opts ...Option) (*Host, error) {
	h := &Host{
		sub:    sub,
		codec:  payload.NewCodec(),
		logger: zap.L(),
		table:  newTable(),
	}
	if rcvr != nil {
		h.address = defaultAddress(rcvr)
		if s, ok := rcvr.(Setuper); ok {
			h.setup = append(h.setup, s.Setup)
		}
		if err := h.table.scan(rcvr); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.address == "" {
		return nil, ErrNoReceiver
	}
	h.logger = h.logger.With(zap.String("service", h.address))
	return h, nil
}

func defaultAddress(rcvr any) string {
	if a, ok := rcvr.(Addresser); ok {
		return a.ServiceAddress()
	}
	t := reflect.TypeOf(rcvr)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath() + "." + t.Name()
}

// Address returns the bus address of the service.
func (h *Host) Address() string { return h.address }

// Actions lists the registered action(signature) keys in order.
func (h *Host) Actions() []string { return h.table.keys() }

// Handle registers fn as an overload of action. It must be called before Start.
func (h *Host) Handle(action string, fn any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscription != nil {
		return ErrStarted
	}
	hd, err := newHandler(action, reflect.ValueOf(fn))
	if err != nil {
		return err
	}
	return h.table.add(hd)
}

// Use appends a middleware. It must be called before Start.
func (h *Host) Use(mw middleware.Middleware) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.middlewares = append(h.middlewares, mw)
}

// Start runs the setup hooks and subscribes the service. A failing hook aborts Start
// and nothing is subscribed.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscription != nil || h.stopping {
		return ErrStarted
	}

	for _, fn := range h.setup {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("server: setup of %s: %w", h.address, err)
		}
	}

	// Build the chain once per handler, not per call.
	chain := middleware.Chain(h.middlewares...)
	for _, hd := range h.table.handlers {
		hd.chain = chain(hd.invoke)
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	sub, err := h.sub.Consumer(h.address, h.serve)
	if err != nil {
		h.cancel()
		return fmt.Errorf("server: subscribe %s: %w", h.address, err)
	}
	h.subscription = sub
	h.logger.Info("Service started", zap.Strings("actions", h.table.keys()))
	return nil
}

// Stop unsubscribes the service and waits up to timeout for in-flight invocations. Their
// context is cancelled once Stop returns.
func (h *Host) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if h.subscription == nil || h.stopping {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	sub := h.subscription
	h.mu.Unlock()

	defer h.cancel()
	if err := sub.Unsubscribe(); err != nil {
		h.logger.Warn("Unsubscribe failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Service stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight calls of %s", h.address)
	}
}

// serve runs on the consumer goroutine. Resolution is synchronous, the call is not.
func (h *Host) serve(d *bus.Delivery) {
	action := d.Header(message.HeaderAction)
	hd, inv, err := h.resolve(action, d.Body())
	if err != nil {
		h.fail(d, action, err)
		return
	}

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		h.fail(d, action, failure.New(failure.KindInternal, "server: %s is stopping", h.address))
		return
	}
	h.wg.Add(1)
	ctx := h.ctx
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.invoke(ctx, d, hd, inv)
	}()
}

func (h *Host) resolve(action string, body []byte) (*handler, *middleware.Invocation, error) {
	if action == "" {
		return nil, nil, failure.Dispatchf("server: request to %s without %q header", h.address, message.HeaderAction)
	}

	req := &payload.Request{}
	if len(body) > 0 {
		var err error
		if req, err = payload.UnmarshalRequest(body); err != nil {
			return nil, nil, err
		}
	}
	tags, err := req.Tags()
	if err != nil {
		return nil, nil, err
	}

	hd, ok := h.table.lookup(action, tags)
	if !ok {
		if h.table.actions[action] > 0 {
			return nil, nil, failure.Dispatchf("server: no overload of %s.%s accepts (%s)", h.address, action, payload.Signature(tags))
		}
		return nil, nil, failure.Dispatchf("server: %s has no action %q", h.address, action)
	}

	values, err := h.codec.DecodeArgs(req, hd.argTypes)
	if err != nil {
		return nil, nil, err
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v.Interface()
	}
	return hd, &middleware.Invocation{Service: h.address, Action: action, Args: args}, nil
}

func (h *Host) invoke(ctx context.Context, d *bus.Delivery, hd *handler, inv *middleware.Invocation) {
	result, err := h.call(ctx, hd, inv)
	if err != nil {
		h.fail(d, inv.Action, err)
		return
	}

	rep, err := h.codec.EncodeReply(result)
	if err != nil {
		h.fail(d, inv.Action, failure.Wrap(failure.KindInternal, err, "server: encode reply of %s", inv.Action))
		return
	}
	body, err := rep.Marshal()
	if err != nil {
		h.fail(d, inv.Action, failure.Wrap(failure.KindInternal, err, "server: marshal reply of %s", inv.Action))
		return
	}
	if err := d.Reply(body); err != nil {
		h.logger.Warn("Reply dropped", zap.String("action", inv.Action), zap.Error(err))
	}
}

func (h *Host) call(ctx context.Context, hd *handler, inv *middleware.Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked", zap.String("action", inv.Action), zap.Any("panic", r), zap.Stack("stack"))
			result, err = nil, failure.New(failure.KindInternal, "server: %s.%s panicked: %v", h.address, inv.Action, r)
		}
	}()
	return hd.chain(ctx, inv)
}

func (h *Host) fail(d *bus.Delivery, action string, err error) {
	fe := failure.Classify(err)
	fields := []zap.Field{
		zap.String("action", action),
		zap.Int("status", fe.Status),
		zap.Error(err),
	}
	if fe.Status >= http.StatusInternalServerError {
		h.logger.Error("Service call failed", fields...)
	} else {
		h.logger.Info("Service call failed", fields...)
	}
	if err := d.Fail(fe.Status, fe.Message); err != nil {
		h.logger.Warn("Failure reply dropped", zap.String("action", action), zap.Error(err))
	}
}
