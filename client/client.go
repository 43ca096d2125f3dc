// Package client invokes the actions of a service through a bus requester.
//
// A Client is bound to one service address. Go sends a request and returns at once; the
// reply is decoded when the caller asks for it, into the type the caller names:
//
//	call := c.Go(ctx, "findUser", id)
//	var u *users.UserDTO
//	ok, err := call.Result(&u)
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"svcbus/bus"
	"svcbus/failure"
	"svcbus/message"
	"svcbus/payload"
	"svcbus/registry"
)

var ErrUnknownService = errors.New("client: unknown service")

// Requester sends one request and waits for its reply. *bus.Bus and *cluster.Router
// implement it.
type Requester = bus.Requester

// Client calls the actions of the service at one address.
type Client struct {
	req     Requester
	address string
	codec   *payload.Codec
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCodec sets the payload codec. Register record types on it to decode them with
// Call.Value.
func WithCodec(c *payload.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for address. The address must be known to dir.
func New(dir *registry.Directory, req Requester, address string, opts ...Option) (*Client, error) {
	if dir == nil || !dir.Contains(address) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, address)
	}
	c := &Client{
		req:     req,
		address: address,
		codec:   payload.NewCodec(),
		logger:  zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("service", address))
	return c, nil
}

// Address returns the service address the client is bound to.
func (c *Client) Address() string { return c.address }

// Call is an outstanding or completed invocation.
type Call struct {
	Action string
	Args   []any

	// Done is closed once the reply, or the failure, has arrived.
	Done <-chan struct{}

	client *Client
	reply  *payload.Reply // nil for an absent reply
	err    error
}

// Go sends action with args and returns without waiting.
func (c *Client) Go(ctx context.Context, action string, args ...any) *Call {
	done := make(chan struct{})
	call := &Call{Action: action, Args: args, Done: done, client: c}

	msg, err := c.request(action, args)
	if err != nil {
		call.err = err
		close(done)
		return call
	}
	go func() {
		defer close(done)
		call.reply, call.err = c.roundTrip(ctx, action, msg)
	}()
	return call
}

// Call invokes action and decodes the reply into reply, a pointer whose element type
// must match the wire type of the result. reply may be nil when the result is not needed.
// ok is false when the service returned no value.
func (c *Client) Call(ctx context.Context, action string, reply any, args ...any) (bool, error) {
	return c.Go(ctx, action, args...).Result(reply)
}

// Request invokes action and returns its result as a T.
func Request[T any](ctx context.Context, c *Client, action string, args ...any) (T, bool, error) {
	var v T
	ok, err := c.Call(ctx, action, &v, args...)
	return v, ok, err
}

// Result waits for the call and decodes its reply into target.
func (call *Call) Result(target any) (bool, error) {
	<-call.Done
	if call.err != nil {
		return false, call.err
	}
	if target == nil {
		return !call.reply.IsNil(), nil
	}
	ok, err := call.client.codec.DecodeReplyInto(call.reply, target)
	if err != nil {
		return false, call.client.decodeFailure(call.Action, err)
	}
	return ok, nil
}

// Value waits for the call and decodes its reply into the canonical Go type of its wire
// type. Records decode only when registered on the client's codec.
func (call *Call) Value() (any, bool, error) {
	<-call.Done
	if call.err != nil {
		return nil, false, call.err
	}
	v, ok, err := call.client.codec.DecodeReply(call.reply)
	if err != nil {
		return nil, false, call.client.decodeFailure(call.Action, err)
	}
	return v, ok, nil
}

// Err waits for the call and returns its failure, if any, without decoding the reply.
func (call *Call) Err() error {
	<-call.Done
	return call.err
}

func (c *Client) request(action string, args []any) (*message.Message, error) {
	req, err := c.codec.EncodeRequest(args...)
	if err != nil {
		return nil, clientSerialization(err, "client: encode arguments of %s", action)
	}
	body, err := req.Marshal()
	if err != nil {
		return nil, clientSerialization(err, "client: marshal request of %s", action)
	}
	msg := &message.Message{Body: body}
	msg.SetHeader(message.HeaderAction, action)
	return msg, nil
}

func (c *Client) roundTrip(ctx context.Context, action string, msg *message.Message) (*payload.Reply, error) {
	resp, err := c.req.Request(ctx, c.address, msg)
	if err != nil {
		var re *bus.ReplyError
		if errors.As(err, &re) {
			return nil, failure.FromStatus(re.Code, re.Message)
		}
		return nil, err
	}
	rep, err := payload.UnmarshalReply(resp.Body)
	if err != nil {
		return nil, c.decodeFailure(action, err)
	}
	return rep, nil
}

// decodeFailure logs and wraps an undecodable reply. On the client side it is an
// internal failure, not the caller's fault.
func (c *Client) decodeFailure(action string, err error) error {
	c.logger.Error("Undecodable reply", zap.String("action", action), zap.Error(err))
	return clientSerialization(err, "client: decode reply of %s.%s", c.address, action)
}

func clientSerialization(err error, format string, args ...any) *failure.Error {
	fe := failure.Wrap(failure.KindSerialization, err, format, args...)
	fe.Status = http.StatusInternalServerError
	return fe
}
