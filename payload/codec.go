// Package payload converts call arguments and return values to and from the tagged wire
// envelope, driven only by run-time type information.
//
// Request body:
//
//	{"payload": [v1, v2, ...], "type": [t1, t2, ...]}
//
// Reply body:
//
//	{"payload": v, "type": t}     or     {"type": "nil"}
//
// Identifiers travel as their canonical string form, records as JSON objects and lists as
// JSON arrays of their elements. The package does no I/O and knows nothing of the bus.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"svcbus/failure"
)

// Codec encodes and decodes envelopes. Record types must be registered for untyped
// decoding; decoding into a declared type needs no registration. A Codec is immutable
// once built and safe for concurrent use.
type Codec struct {
	records map[string]reflect.Type
}

// Option configures a Codec.
type Option func(*Codec)

// Records registers record types by their schema name. Untyped decoding yields values of
// the registered type, so register UserDTO{} to get values and &UserDTO{} to get pointers.
func Records(rs ...Record) Option {
	return func(c *Codec) {
		for _, r := range rs {
			c.records[r.RecordName()] = reflect.TypeOf(r)
		}
	}
}

// NewCodec creates a codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{records: make(map[string]reflect.Type)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncodeRequest classifies and encodes every argument in order. An untyped nil argument
// cannot be classified and is rejected.
func (c *Codec) EncodeRequest(args ...any) (*Request, error) {
	req := &Request{
		Payload: make([]json.RawMessage, 0, len(args)),
		Type:    make([]string, 0, len(args)),
	}
	for i, arg := range args {
		data, tag, err := c.encodeValue(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		req.Payload = append(req.Payload, data)
		req.Type = append(req.Type, tag.String())
	}
	return req, nil
}

// DecodeRequest decodes every argument into its canonical Go type and returns the parsed
// tags, which are the parameter types a handler must declare to accept the call.
func (c *Codec) DecodeRequest(req *Request) ([]any, []Tag, error) {
	tags, err := req.Tags()
	if err != nil {
		return nil, nil, err
	}
	values := make([]any, len(tags))
	for i, tag := range tags {
		v, err := c.DecodeValue(tag, req.Payload[i])
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		values[i] = v
	}
	return values, tags, nil
}

// DecodeArgs decodes the arguments into the declared parameter types. The tag of each
// declared type must equal the wire tag of its slot.
func (c *Codec) DecodeArgs(req *Request, types []reflect.Type) ([]reflect.Value, error) {
	tags, err := req.Tags()
	if err != nil {
		return nil, err
	}
	if len(tags) != len(types) {
		return nil, failure.Serializationf("payload: %d arguments for %d parameters", len(tags), len(types))
	}
	args := make([]reflect.Value, len(tags))
	for i, tag := range tags {
		v, err := decodeTyped(tag, req.Payload[i], types[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// EncodeReply encodes a single result. A nil value, or a nil pointer, encodes to the nil tag.
// A nil slice is still a list and encodes as an empty one.
func (c *Codec) EncodeReply(v any) (*Reply, error) {
	if isNil(v) {
		return &Reply{Type: TagNil}, nil
	}
	data, tag, err := c.encodeValue(v)
	if err != nil {
		return nil, err
	}
	return &Reply{Payload: data, Type: tag.String()}, nil
}

// DecodeReply decodes a reply into its canonical Go type. The second result is false for
// a nil reply or the nil tag.
func (c *Codec) DecodeReply(rep *Reply) (any, bool, error) {
	if rep.IsNil() {
		return nil, false, nil
	}
	tag, err := ParseTag(rep.Type)
	if err != nil {
		return nil, false, err
	}
	v, err := c.DecodeValue(tag, rep.Payload)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// DecodeReplyInto decodes a reply into target, which must be a non-nil pointer. The tag of
// the pointed-to type must equal the wire tag; a target of type *any takes the canonical
// decoding. On a nil reply target is set to its zero value and false is returned.
func (c *Codec) DecodeReplyInto(rep *Reply, target any) (bool, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false, failure.Serializationf("payload: reply target must be a non-nil pointer, got %T", target)
	}
	elem := rv.Elem()
	if rep.IsNil() {
		elem.Set(reflect.Zero(elem.Type()))
		return false, nil
	}
	tag, err := ParseTag(rep.Type)
	if err != nil {
		return false, err
	}
	if elem.Kind() == reflect.Interface {
		v, err := c.DecodeValue(tag, rep.Payload)
		if err != nil {
			return false, err
		}
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			return false, nil
		}
		dv := reflect.ValueOf(v)
		if !dv.Type().AssignableTo(elem.Type()) {
			return false, failure.Serializationf("payload: %s is not assignable to %s", dv.Type(), elem.Type())
		}
		elem.Set(dv)
		return true, nil
	}
	v, err := decodeTyped(tag, rep.Payload, elem.Type())
	if err != nil {
		return false, err
	}
	elem.Set(v)
	return true, nil
}

// DecodeValue decodes one slot into the canonical Go type of its tag.
func (c *Codec) DecodeValue(tag Tag, raw json.RawMessage) (any, error) {
	if tag.Kind == KindNil {
		return nil, nil
	}
	typ, err := c.goType(tag)
	if err != nil {
		return nil, err
	}
	v, err := unmarshal(raw, typ, tag)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (c *Codec) encodeValue(v any) (json.RawMessage, Tag, error) {
	if v == nil {
		return nil, Tag{}, failure.Serializationf("payload: untyped nil has no type, pass a typed nil pointer")
	}
	tag, err := TagOfValue(v)
	if err != nil {
		return nil, Tag{}, err
	}
	rv := reflect.ValueOf(v)
	if tag.Kind == KindList && rv.Kind() == reflect.Slice && rv.IsNil() {
		return json.RawMessage("[]"), tag, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Tag{}, failure.Wrap(failure.KindSerialization, err, "payload: encode %s", tag)
	}
	return data, tag, nil
}

// goType returns the canonical Go type for a tag.
func (c *Codec) goType(tag Tag) (reflect.Type, error) {
	switch tag.Kind {
	case KindString:
		return reflect.TypeOf(""), nil
	case KindInt:
		return reflect.TypeOf(int32(0)), nil
	case KindLong:
		return reflect.TypeOf(int64(0)), nil
	case KindFloat:
		return reflect.TypeOf(float32(0)), nil
	case KindDouble:
		return reflect.TypeOf(float64(0)), nil
	case KindNumber:
		return numberType, nil
	case KindBytes:
		return bytesType, nil
	case KindBool:
		return reflect.TypeOf(false), nil
	case KindInstant:
		return timeType, nil
	case KindIdentifier:
		return uuidType, nil
	case KindOpaque:
		return rawType, nil
	case KindRecord:
		typ, ok := c.records[tag.Schema]
		if !ok {
			return nil, failure.Serializationf("payload: record %q is not registered", tag.Schema)
		}
		return typ, nil
	case KindList:
		if tag.Elem == nil {
			return nil, failure.Serializationf("payload: list tag without element type")
		}
		elem, err := c.goType(*tag.Elem)
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(elem), nil
	}
	return nil, failure.Serializationf("payload: no Go type for tag %s", tag)
}

func decodeTyped(tag Tag, raw json.RawMessage, typ reflect.Type) (reflect.Value, error) {
	if tag.Kind == KindNil {
		if !nillable(typ) {
			return reflect.Value{}, failure.Serializationf("payload: nil value for %s", typ)
		}
		return reflect.Zero(typ), nil
	}
	want, err := TagOf(typ)
	if err != nil {
		return reflect.Value{}, err
	}
	if !want.Equal(tag) {
		return reflect.Value{}, failure.Serializationf("payload: wire type %s does not match %s (%s)", tag, typ, want)
	}
	return unmarshal(raw, typ, tag)
}

func unmarshal(raw json.RawMessage, typ reflect.Type, tag Tag) (reflect.Value, error) {
	if len(raw) == 0 {
		return reflect.Value{}, failure.Serializationf("payload: missing value for %s", tag)
	}
	if err := checkNulls(raw, typ, tag); err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, failure.Wrap(failure.KindSerialization, err, "payload: decode %s", tag)
	}
	return ptr.Elem(), nil
}

// checkNulls rejects a JSON null where typ cannot hold nil, also inside lists.
func checkNulls(raw json.RawMessage, typ reflect.Type, tag Tag) error {
	if isNullJSON(raw) {
		if !nillable(typ) {
			return failure.Serializationf("payload: null value for %s", tag)
		}
		return nil
	}
	if tag.Kind != KindList || tag.Elem == nil || typ.Kind() != reflect.Slice {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return failure.Wrap(failure.KindSerialization, err, "payload: decode %s", tag)
	}
	for i, elem := range elems {
		if err := checkNulls(elem, typ.Elem(), *tag.Elem); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

func isNullJSON(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func nillable(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return true
	}
	return false
}
