// Package transport implements the node-to-node connection with multiplexing and heartbeat.
//
// ClientTransport carries many concurrent forwarded requests over a single TCP connection.
// Each request gets a unique sequence ID, and a background goroutine (recvLoop) reads
// responses and routes them to the waiting caller through its pending channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ remote node
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"svcbus/codec"
	"svcbus/message"
	"svcbus/protocol"
)

const DefaultHeartbeat = 30 * time.Second

var ErrClosed = errors.New("transport: connection closed")

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // guarded by sending
	pending sync.Map   // map[uint32]chan *message.Message, one per in-flight request
	sending sync.Mutex // whole frames only: header and body of two requests must not interleave

	heartbeat time.Duration
	logger    *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	err       error // why the transport closed, set before closed is closed
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = l }
}

// Dial connects to a node and wraps the connection.
func Dial(ctx context.Context, addr string, ct codec.CodecType, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, ct, opts...), nil
}

// NewClientTransport wraps conn and starts the receive loop and, unless disabled, the
// heartbeat loop.
func NewClientTransport(conn net.Conn, ct codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     ct,
		heartbeat: DefaultHeartbeat,
		logger:    zap.L(),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send encodes msg and writes it as one request frame. The returned channel receives
// exactly one message: the reply, or a CodeUnreachable failure if the connection breaks.
func (t *ClientTransport) Send(msg *message.Message) (uint32, <-chan *message.Message, error) {
	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register before writing so recvLoop cannot miss a fast response.
	respChan := make(chan *message.Message, 1)
	t.pending.Store(seq, respChan)

	select {
	case <-t.closed:
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, t.Err()
		}
		// fail already answered it
		return seq, respChan, nil
	default:
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// RoundTrip sends msg and waits for its reply or for ctx to end.
func (t *ClientTransport) RoundTrip(ctx context.Context, msg *message.Message) (*message.Message, error) {
	seq, ch, err := t.Send(msg)
	if err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		t.Cancel(seq)
		return nil, ctx.Err()
	}
}

// Cancel forgets a pending request; a late reply is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.pending.Delete(seq)
}

// Close closes the connection and fails every pending request.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed once the transport is unusable.
func (t *ClientTransport) Done() <-chan struct{} { return t.closed }

// Err returns why the transport closed, nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

// RemoteAddr returns the address of the remote node.
func (t *ClientTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// recvLoop is the single reader of the connection: frame boundaries are only found by
// reading sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		reply := &message.Message{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, reply); err != nil {
			t.logger.Warn("Undecodable response", zap.Uint32("seq", header.Seq), zap.Error(err))
			reply = &message.Message{Code: message.CodeUnreachable, Error: "transport: undecodable response: " + err.Error()}
		}

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.Message) <- reply
		}
	}
}

// fail closes the transport once and answers every pending request with an
// unreachable failure so no caller blocks forever.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.closed)
		t.conn.Close()
		if !errors.Is(err, ErrClosed) {
			t.logger.Debug("Transport closed", zap.Error(err))
		}
	})
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan *message.Message) <- &message.Message{
				Code:  message.CodeUnreachable,
				Error: "transport: connection lost: " + t.err.Error(),
			}
		}
		return true
	})
}

// heartbeatLoop sends body-less heartbeat frames so idle connections are kept alive and
// dead ones are noticed on write.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}
