package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"svcbus/message"
)

var (
	errNotMessage = errors.New("codec: v must be *message.Message")
	errTruncated  = errors.New("BinaryCodec: truncated message")
)

// BinaryCodec lays a message out as length-prefixed fields, big-endian:
//
//	address     uint16 len | bytes
//	headers     uint16 count | (uint16 len | key, uint16 len | value)...
//	body        uint32 len | bytes
//	code        int32
//	error       uint16 len | bytes
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.Headers) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: too many headers: %d", len(msg.Headers))
	}

	total := 2 + len(msg.Address) + 2 + 4 + len(msg.Body) + 4 + 2 + len(msg.Error)
	for k, v := range msg.Headers {
		total += 2 + len(k) + 2 + len(v)
	}
	buf := make([]byte, 0, total)

	var err error
	if buf, err = putString(buf, msg.Address); err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Headers)))
	for k, v := range msg.Headers {
		if buf, err = putString(buf, k); err != nil {
			return nil, err
		}
		if buf, err = putString(buf, v); err != nil {
			return nil, err
		}
	}
	if uint64(len(msg.Body)) > math.MaxUint32 {
		return nil, fmt.Errorf("BinaryCodec: body too large: %d", len(msg.Body))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Body)))
	buf = append(buf, msg.Body...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(msg.Code)))
	if buf, err = putString(buf, msg.Error); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return errNotMessage
	}
	r := reader{data: data}

	msg.Address = r.string16()
	count := int(r.uint16())
	msg.Headers = nil
	for i := 0; i < count && r.err == nil; i++ {
		k := r.string16()
		val := r.string16()
		if r.err == nil {
			msg.SetHeader(k, val)
		}
	}
	bodyLen := r.uint32()
	msg.Body = nil
	if body := r.next(int(bodyLen)); len(body) > 0 {
		msg.Body = append([]byte(nil), body...)
	}
	msg.Code = int(int32(r.uint32()))
	msg.Error = r.string16()

	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: string field too long: %d", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks a buffer and latches the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string16() string {
	n := int(r.uint16())
	return string(r.next(n))
}
