// Package bus is the in-process message bus services and clients meet on.
//
// A consumer subscribes to an address; requests sent to that address are delivered to it
// one at a time, in delivery order, on the consumer's own goroutine. Every request gets
// its own single-slot reply channel, so a reply can only ever reach the caller that sent
// the matching request.
//
//	Request(addr) ──► inbox ──► consumer loop ──► Handler(d)
//	      ▲                                          │
//	      └──────────── d.reply (cap 1) ◄── d.Reply / d.Fail (any goroutine, once)
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"svcbus/message"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultQueueSize      = 1024
)

var (
	ErrNoHandlers     = errors.New("bus: no handlers for address")
	ErrTimeout        = errors.New("bus: timed out waiting for reply")
	ErrUnreachable    = errors.New("bus: recipient unreachable")
	ErrAddressInUse   = errors.New("bus: address already has a consumer")
	ErrAlreadyReplied = errors.New("bus: delivery already answered")
	ErrClosed         = errors.New("bus: closed")
)

// ReplyError is a failure reported by the recipient of a request.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("bus: recipient failure (%d): %s", e.Code, e.Message)
}

// Handler consumes deliveries for one address.
type Handler func(d *Delivery)

// Subscription is an active consumer registration.
type Subscription interface {
	Address() string
	Unsubscribe() error
}

// Subscriber is the part of the bus a service host needs.
type Subscriber interface {
	Consumer(address string, h Handler) (Subscription, error)
}

// Requester is the part of the bus a service client needs.
type Requester interface {
	Request(ctx context.Context, address string, msg *message.Message) (*message.Message, error)
}

// Bus routes messages between consumers and requesters of the same process.
type Bus struct {
	mu        sync.RWMutex
	consumers map[string]*consumer
	closed    bool

	timeout   time.Duration
	queueSize int
	logger    *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRequestTimeout bounds how long Request waits when ctx carries no deadline.
// Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithQueueSize sets the inbox capacity of each consumer.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		consumers: make(map[string]*consumer),
		timeout:   DefaultRequestTimeout,
		queueSize: DefaultQueueSize,
		logger:    zap.L(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("bus")
	return b
}

// Consumer subscribes h to address. Only one consumer may hold an address at a time.
func (b *Bus) Consumer(address string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.consumers[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	c := &consumer{
		bus:     b,
		address: address,
		handler: h,
		inbox:   make(chan *Delivery, b.queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.consumers[address] = c
	go c.loop()
	b.logger.Debug("Consumer registered", zap.String("address", address))
	return c, nil
}

// HasConsumer reports whether address currently has a consumer.
func (b *Bus) HasConsumer(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.consumers[address]
	return ok
}

// Addresses returns the addresses that currently have a consumer.
func (b *Bus) Addresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.consumers))
	for addr := range b.consumers {
		out = append(out, addr)
	}
	return out
}

// Request delivers msg to the consumer of address and waits for its single reply.
// A failure reply is returned as an error: *ReplyError for recipient failures, or one of
// ErrNoHandlers, ErrTimeout and ErrUnreachable for bus failures.
func (b *Bus) Request(ctx context.Context, address string, msg *message.Message) (*message.Message, error) {
	c, err := b.lookup(address)
	if err != nil {
		return nil, err
	}
	d := newDelivery(address, msg, true)
	if err := c.enqueue(ctx, d); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok && b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case reply := <-d.reply:
		if err := AsError(reply); err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, address, b.timeout)
	}
}

// Send delivers msg to the consumer of address without waiting for a reply.
func (b *Bus) Send(ctx context.Context, address string, msg *message.Message) error {
	c, err := b.lookup(address)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, newDelivery(address, msg, false))
}

// Close stops every consumer. Pending deliveries fail with ErrNoHandlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = make(map[string]*consumer)
	b.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	return nil
}

func (b *Bus) lookup(address string) (*consumer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	c, ok := b.consumers[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandlers, address)
	}
	return c, nil
}

func (b *Bus) remove(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumers[c.address] == c {
		delete(b.consumers, c.address)
	}
}

// AsError converts a failure reply into the matching error, nil for a success reply.
func AsError(m *message.Message) error {
	switch m.Code {
	case 0:
		return nil
	case message.CodeNoHandlers:
		return fmt.Errorf("%w: %s", ErrNoHandlers, m.Error)
	case message.CodeTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, m.Error)
	case message.CodeUnreachable:
		return fmt.Errorf("%w: %s", ErrUnreachable, m.Error)
	}
	return &ReplyError{Code: m.Code, Message: m.Error}
}

// FailureMessage converts an error returned by Request back into a failure reply, so
// it can travel to another node.
func FailureMessage(err error) *message.Message {
	var re *ReplyError
	switch {
	case errors.As(err, &re):
		return &message.Message{Code: re.Code, Error: re.Message}
	case errors.Is(err, ErrNoHandlers), errors.Is(err, ErrClosed):
		return &message.Message{Code: message.CodeNoHandlers, Error: err.Error()}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &message.Message{Code: message.CodeTimeout, Error: err.Error()}
	case errors.Is(err, ErrUnreachable):
		return &message.Message{Code: message.CodeUnreachable, Error: err.Error()}
	}
	return &message.Message{Code: http.StatusInternalServerError, Error: err.Error()}
}

// Delivery is one inbound message together with its single-use reply slot.
type Delivery struct {
	msg      *message.Message
	reply    chan *message.Message // nil for one-way sends
	answered atomic.Bool
}

func newDelivery(address string, msg *message.Message, wantReply bool) *Delivery {
	m := msg.Clone()
	m.Address = address
	d := &Delivery{msg: m}
	if wantReply {
		d.reply = make(chan *message.Message, 1)
	}
	return d
}

// Message returns the delivered message.
func (d *Delivery) Message() *message.Message { return d.msg }

// Header returns a header of the delivered message.
func (d *Delivery) Header(key string) string { return d.msg.Header(key) }

// Body returns the body of the delivered message.
func (d *Delivery) Body() []byte { return d.msg.Body }

// ExpectsReply reports whether the sender waits for a reply.
func (d *Delivery) ExpectsReply() bool { return d.reply != nil }

// Reply answers the delivery with body. Only the first Reply or Fail takes effect.
func (d *Delivery) Reply(body []byte) error {
	return d.respond(&message.Message{Body: body})
}

// Fail answers the delivery with a failure status. Non-positive codes become 500.
func (d *Delivery) Fail(code int, text string) error {
	if code <= 0 {
		code = http.StatusInternalServerError
	}
	return d.respond(&message.Message{Code: code, Error: text})
}

func (d *Delivery) respond(m *message.Message) error {
	if !d.answered.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if d.reply != nil {
		d.reply <- m
	}
	return nil
}

type consumer struct {
	bus     *Bus
	address string
	handler Handler
	inbox   chan *Delivery

	mu      sync.RWMutex // guards stopped against in-flight enqueues
	stopped bool
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *consumer) Address() string { return c.address }

func (c *consumer) Unsubscribe() error {
	c.bus.remove(c)
	c.stop()
	c.bus.logger.Debug("Consumer unregistered", zap.String("address", c.address))
	return nil
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.quit) })
}

func (c *consumer) enqueue(ctx context.Context, d *Delivery) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return fmt.Errorf("%w: %s", ErrNoHandlers, c.address)
	}
	select {
	case c.inbox <- d:
		return nil
	case <-c.quit:
		return fmt.Errorf("%w: %s", ErrNoHandlers, c.address)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *consumer) loop() {
	defer close(c.done)
	for {
		// Stopping wins over queued work.
		select {
		case <-c.quit:
			c.shutdown()
			return
		default:
		}
		select {
		case d := <-c.inbox:
			c.deliver(d)
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *consumer) shutdown() {
	// No enqueue can start once stopped is set, so the drain below is final.
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	for {
		select {
		case d := <-c.inbox:
			d.respond(&message.Message{Code: message.CodeNoHandlers, Error: "consumer stopped: " + c.address})
		default:
			return
		}
	}
}

func (c *consumer) deliver(d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.bus.logger.Error("Consumer panicked", zap.String("address", c.address), zap.Any("panic", r))
			d.Fail(http.StatusInternalServerError, fmt.Sprint(r))
		}
	}()
	c.handler(d)
}
