package payload

import (
	"bytes"
	"encoding/json"

	"svcbus/failure"
)

// Request is the body of a request message: one encoded argument per slot, paired
// one-to-one with its type tag.
type Request struct {
	Payload []json.RawMessage `json:"payload"`
	Type    []string          `json:"type"`
}

// Reply is the body of a reply message: a single slot, or Type == "nil" for no value.
type Reply struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Type    string          `json:"type"`
}

// Tags parses the type tags of the request and checks they pair with the payload.
func (r *Request) Tags() ([]Tag, error) {
	if len(r.Payload) != len(r.Type) {
		return nil, failure.Serializationf("payload: %d values but %d type tags", len(r.Payload), len(r.Type))
	}
	tags := make([]Tag, len(r.Type))
	for i, name := range r.Type {
		tag, err := ParseTag(name)
		if err != nil {
			return nil, err
		}
		tags[i] = tag
	}
	return tags, nil
}

// Marshal encodes the request envelope.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRequest decodes a request envelope and checks its shape.
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, failure.Wrap(failure.KindSerialization, err, "payload: malformed request envelope")
	}
	if len(req.Payload) != len(req.Type) {
		return nil, failure.Serializationf("payload: %d values but %d type tags", len(req.Payload), len(req.Type))
	}
	return &req, nil
}

// IsNil reports whether the reply carries no value.
func (r *Reply) IsNil() bool {
	return r == nil || r.Type == TagNil
}

// Marshal encodes the reply envelope.
func (r *Reply) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalReply decodes a reply envelope. An empty body, or an empty JSON object, is the
// transport-level absent reply and yields a nil Reply without error.
func UnmarshalReply(data []byte) (*Reply, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}
	var rep Reply
	if err := json.Unmarshal(trimmed, &rep); err != nil {
		return nil, failure.Wrap(failure.KindSerialization, err, "payload: malformed reply envelope")
	}
	if rep.Type == "" {
		return nil, failure.Serializationf("payload: reply envelope has no type tag")
	}
	return &rep, nil
}
