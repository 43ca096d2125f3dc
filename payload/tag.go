package payload

import (
	"strings"

	"svcbus/failure"
)

// Kind is the closed set of wire kinds a payload slot can carry.
type Kind uint8

const (
	KindNil Kind = iota
	KindString
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindNumber
	KindBytes
	KindBool
	KindInstant
	KindIdentifier
	KindRecord
	KindList
	KindOpaque
)

// Wire names of the kinds. Record and list tags carry a suffix after the prefix.
const (
	TagNil        = "nil"
	recordPrefix  = "record:"
	listPrefix    = "list:"
	identifierTag = "uuid"
	opaqueTag     = "raw"
)

var scalarNames = map[Kind]string{
	KindString:     "string",
	KindInt:        "int",
	KindLong:       "long",
	KindFloat:      "float",
	KindDouble:     "double",
	KindNumber:     "number",
	KindBytes:      "bytes",
	KindBool:       "bool",
	KindInstant:    "instant",
	KindIdentifier: identifierTag,
	KindOpaque:     opaqueTag,
}

var scalarKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(scalarNames))
	for k, name := range scalarNames {
		m[name] = k
	}
	return m
}()

// Tag tells the decoder how to interpret one payload slot.
type Tag struct {
	Kind   Kind
	Schema string // record schema name, KindRecord only
	Elem   *Tag   // element tag, KindList only
}

// NilTag marks the absence of a value.
var NilTag = Tag{Kind: KindNil}

// Scalar returns the tag of a non-composite kind.
func Scalar(k Kind) Tag { return Tag{Kind: k} }

// RecordTag returns the tag of the record with the given schema name.
func RecordTag(schema string) Tag { return Tag{Kind: KindRecord, Schema: schema} }

// ListOf returns the tag of a list whose elements are tagged elem.
func ListOf(elem Tag) Tag { return Tag{Kind: KindList, Elem: &elem} }

// String renders the wire form of the tag.
func (t Tag) String() string {
	switch t.Kind {
	case KindNil:
		return TagNil
	case KindRecord:
		return recordPrefix + t.Schema
	case KindList:
		if t.Elem == nil {
			return listPrefix
		}
		return listPrefix + t.Elem.String()
	default:
		return scalarNames[t.Kind]
	}
}

// Equal reports whether both tags denote the same wire type.
func (t Tag) Equal(o Tag) bool { return t.String() == o.String() }

// ParseTag parses the wire form of a tag. Unknown names are a serialization error.
func ParseTag(s string) (Tag, error) {
	switch {
	case s == TagNil:
		return NilTag, nil
	case strings.HasPrefix(s, recordPrefix):
		schema := strings.TrimPrefix(s, recordPrefix)
		if schema == "" {
			return Tag{}, failure.Serializationf("payload: record tag %q has no schema", s)
		}
		return RecordTag(schema), nil
	case strings.HasPrefix(s, listPrefix):
		elem, err := ParseTag(strings.TrimPrefix(s, listPrefix))
		if err != nil {
			return Tag{}, err
		}
		if elem.Kind == KindNil {
			return Tag{}, failure.Serializationf("payload: list tag %q has no element type", s)
		}
		return ListOf(elem), nil
	}
	if k, ok := scalarKinds[s]; ok {
		return Scalar(k), nil
	}
	return Tag{}, failure.Serializationf("payload: unknown type tag %q", s)
}

// Signature renders an ordered tag list into the key handlers are registered under.
func Signature(tags []Tag) string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.String()
	}
	return strings.Join(names, ",")
}
