package payload

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"svcbus/failure"
)

// Record marks a domain type (entity or DTO) carried on the wire as a structured object.
// RecordName must not depend on the receiver's state: it is called on zero values.
type Record interface {
	RecordName() string
}

var (
	uuidType   = reflect.TypeOf(uuid.UUID{})
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
	rawType    = reflect.TypeOf(json.RawMessage(nil))
	bytesType  = reflect.TypeOf([]byte(nil))
	recordType = reflect.TypeOf((*Record)(nil)).Elem()
)

// tagCache holds the classification of every type seen so far.
var tagCache sync.Map // map[reflect.Type]Tag

// TagOf classifies a Go type. Pointers are classified by their element type.
func TagOf(t reflect.Type) (Tag, error) {
	if t == nil {
		return NilTag, nil
	}
	if cached, ok := tagCache.Load(t); ok {
		return cached.(Tag), nil
	}
	tag, err := classify(t)
	if err != nil {
		return Tag{}, err
	}
	tagCache.Store(t, tag)
	return tag, nil
}

// TagOfValue classifies the dynamic type of v. Untyped nil is NilTag.
func TagOfValue(v any) (Tag, error) {
	if v == nil {
		return NilTag, nil
	}
	return TagOf(reflect.TypeOf(v))
}

func classify(t reflect.Type) (Tag, error) {
	if t.Kind() == reflect.Pointer {
		if t.Elem().Kind() == reflect.Pointer {
			return Tag{}, failure.Serializationf("payload: unsupported type %s", t)
		}
		return TagOf(t.Elem())
	}

	switch t {
	case uuidType:
		return Scalar(KindIdentifier), nil
	case timeType:
		return Scalar(KindInstant), nil
	case numberType:
		return Scalar(KindNumber), nil
	case rawType:
		return Scalar(KindOpaque), nil
	case bytesType:
		return Scalar(KindBytes), nil
	}
	if name, ok := recordName(t); ok {
		return RecordTag(name), nil
	}

	switch t.Kind() {
	case reflect.String:
		return Scalar(KindString), nil
	case reflect.Bool:
		return Scalar(KindBool), nil
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return Scalar(KindInt), nil
	case reflect.Int, reflect.Int64:
		return Scalar(KindLong), nil
	case reflect.Float32:
		return Scalar(KindFloat), nil
	case reflect.Float64:
		return Scalar(KindDouble), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return Scalar(KindBytes), nil
		}
		elem, err := TagOf(t.Elem())
		if err != nil {
			return Tag{}, err
		}
		return ListOf(elem), nil
	}
	return Tag{}, failure.Serializationf("payload: unsupported type %s", t)
}

func recordName(t reflect.Type) (string, bool) {
	if t.Kind() == reflect.Interface {
		return "", false
	}
	switch {
	case t.Implements(recordType):
		return reflect.Zero(t).Interface().(Record).RecordName(), true
	case reflect.PointerTo(t).Implements(recordType):
		return reflect.New(t).Interface().(Record).RecordName(), true
	}
	return "", false
}
